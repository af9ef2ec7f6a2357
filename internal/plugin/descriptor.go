package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/tidwall/jsonc"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/paths"
)

// DescriptorFile is the runtime descriptor name inside the runtime root.
const DescriptorFile = "runtime.json"

// VariantEntry locates one installed variant's plugin library.
type VariantEntry struct {
	Dir  string `json:"dir"`
	File string `json:"file"`
}

// LegacyRuntime is the older nested view of the descriptor. It is still
// written for compatibility and read when the top-level fields are absent.
type LegacyRuntime struct {
	Active        string   `json:"active"`
	GPUBackend    *string  `json:"gpu_backend"`
	Installed     []string `json:"installed"`
	Root          string   `json:"root"`
	CurrentLibDir string   `json:"current_lib_dir"`
	Monolith      bool     `json:"monolith"`
}

// Descriptor is the runtime.json document written by the installer.
type Descriptor struct {
	ActiveVariant string                  `json:"active_variant"`
	CurrentLibDir string                  `json:"current_lib_dir"`
	Variants      map[string]VariantEntry `json:"variants"`
	Monolith      bool                    `json:"monolith"`
	Llama         *LegacyRuntime          `json:"llama,omitempty"`
}

// ParseDescriptor accepts JSON with comments and trailing commas.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(jsonc.ToJSON(data), &d); err != nil {
		return nil, fmt.Errorf("parse runtime descriptor: %w", err)
	}
	return &d, nil
}

// ReadDescriptor reads <root>/runtime.json. A missing file returns
// fs.ErrNotExist.
func ReadDescriptor(root string) (*Descriptor, error) {
	path := filepath.Join(root, DescriptorFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// WriteDescriptor writes d to <root>/runtime.json atomically.
func WriteDescriptor(root string, d *Descriptor) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode runtime descriptor: %w", err)
	}
	return paths.WriteFileAtomic(filepath.Join(root, DescriptorFile), data, 0o644)
}

// NewDescriptor builds the descriptor for a completed install. active is the
// GPU variant that should be loaded, or "" for cpu.
func NewDescriptor(root string, installed []string, active string) *Descriptor {
	activeVariant := active
	if activeVariant == "" {
		activeVariant = backend.CPU
	}
	currentLibDir := filepath.Join(root, activeVariant, LibrarySubdir)

	variants := make(map[string]VariantEntry, len(installed))
	for _, v := range installed {
		variants[v] = VariantEntry{
			Dir:  filepath.Join(root, v, LibrarySubdir),
			File: LibraryName(v),
		}
	}

	legacy := &LegacyRuntime{
		Active:        "cpu",
		Installed:     append([]string(nil), installed...),
		Root:          root,
		CurrentLibDir: currentLibDir,
		Monolith:      true,
	}
	if active != "" {
		legacy.Active = "gpu"
		gpu := active
		legacy.GPUBackend = &gpu
	}

	return &Descriptor{
		ActiveVariant: activeVariant,
		CurrentLibDir: currentLibDir,
		Variants:      variants,
		Monolith:      true,
		Llama:         legacy,
	}
}

// IsMonolith reports whether the plugin bundles its dependency library.
func (d *Descriptor) IsMonolith() bool {
	if d.Monolith {
		return true
	}
	return d.Llama != nil && d.Llama.Monolith
}

// Candidates returns plugin paths in the order they should be tried: the
// active variant, the current lib dir, then the cpu variant.
func (d *Descriptor) Candidates() []string {
	var out []string
	seen := map[string]bool{}
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	active := d.ActiveVariant
	if active == "" && d.Llama != nil {
		if d.Llama.GPUBackend != nil && *d.Llama.GPUBackend != "" {
			active = *d.Llama.GPUBackend
		} else {
			active = backend.CPU
		}
	}

	if v, ok := d.Variants[active]; ok && v.Dir != "" {
		file := v.File
		if file == "" {
			file = LibraryName(active)
		}
		add(filepath.Join(v.Dir, file))
	}

	libDir := d.CurrentLibDir
	if libDir == "" && d.Llama != nil {
		libDir = d.Llama.CurrentLibDir
	}
	if libDir != "" {
		add(filepath.Join(libDir, LibraryName(active)))
		add(filepath.Join(libDir, LibraryName(backend.CPU)))
	}

	if v, ok := d.Variants[backend.CPU]; ok && v.Dir != "" {
		file := v.File
		if file == "" {
			file = LibraryName(backend.CPU)
		}
		add(filepath.Join(v.Dir, file))
	}
	return out
}

// LibrarySubdir is the directory inside a variant holding the libraries.
const LibrarySubdir = "llama_backend"

// LibraryName is the plugin file name for variant on this OS.
func LibraryName(variant string) string {
	return libraryName(runtime.GOOS, variant)
}

func libraryName(goos, variant string) string {
	suffix := ""
	if variant != "" && variant != backend.CPU && variant != backend.Auto {
		suffix = "_" + variant
	}
	switch goos {
	case "windows":
		return "strata_llama" + suffix + ".dll"
	case "darwin":
		return "libstrata_llama" + suffix + ".dylib"
	default:
		return "libstrata_llama" + suffix + ".so"
	}
}

// dependencyName is the inference runtime library some plugin builds link
// against dynamically.
func dependencyName(goos string) string {
	switch goos {
	case "windows":
		return "llama.dll"
	case "darwin":
		return "libllama.dylib"
	default:
		return "libllama.so"
	}
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
