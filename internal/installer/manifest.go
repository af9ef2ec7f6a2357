// Package installer downloads, verifies and unpacks runtime variants listed
// in a manifest, then points the runtime descriptor at them.
package installer

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/hwprof"
)

// DefaultManifestURL is the published runtime manifest.
const DefaultManifestURL = "https://raw.githubusercontent.com/Jadevit/strata-runtimes/main/runtimes/latest/manifest.json"

// ErrInvalidManifest is returned when a manifest fails to decode or
// validate.
var ErrInvalidManifest = errors.New("invalid runtime manifest")

//go:embed manifest.schema.json
var manifestSchema string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("manifest.schema.json", strings.NewReader(manifestSchema)); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("manifest.schema.json")
	})
	return schema, schemaErr
}

// Entry is one downloadable runtime pack.
type Entry struct {
	Name    string `json:"name"`
	SHA256  string `json:"sha256"`
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Variant string `json:"variant"`
	URL     string `json:"url"`
}

type Manifest struct {
	Llama []Entry `json:"llama"`
}

// ParseManifest decodes and schema-validates a manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	s, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile manifest schema: %w", err)
	}
	if err := s.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// FetchManifest loads a manifest from an http(s) URL or a local path.
func FetchManifest(ctx context.Context, client *http.Client, src string) (*Manifest, error) {
	if !strings.HasPrefix(src, "http://") && !strings.HasPrefix(src, "https://") {
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, err
		}
		return ParseManifest(data)
	}

	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("fetch manifest: %s: %s", src, resp.Status)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(resp.Body, 4<<20)); err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	return ParseManifest(buf.Bytes())
}

// Platform is a manifest os/arch key pair.
type Platform struct {
	OS   string
	Arch string
}

// PlatformFor maps GOOS/GOARCH onto manifest keys. Unknown architectures
// map to x64 and unknown systems to ubuntu.
func PlatformFor(goos, goarch string) Platform {
	p := Platform{OS: "ubuntu-22.04", Arch: "x64"}
	switch goos {
	case "windows":
		p.OS = "windows-latest"
	case "darwin":
		p.OS = "macos-14"
	}
	if goarch == "arm64" {
		p.Arch = "arm64"
	}
	return p
}

// Choice summarizes an install plan.
type Choice struct {
	Platform  Platform `json:"platform"`
	Variants  []string `json:"variants"`
	ActiveGPU string   `json:"active_gpu,omitempty"`
}

func (m *Manifest) find(p Platform, variant string) (Entry, bool) {
	i := slices.IndexFunc(m.Llama, func(e Entry) bool {
		return e.OS == p.OS && e.Arch == p.Arch && e.Variant == variant
	})
	if i < 0 {
		return Entry{}, false
	}
	return m.Llama[i], true
}

// ChooseVariants picks the packs to install. The cpu pack always comes first
// when the manifest has one. With pref "auto" the hardware profile decides
// the GPU pack: metal on macOS, else cuda, else vulkan. Any other pref names
// the GPU pack directly.
func ChooseVariants(m *Manifest, p Platform, pref string, prof *hwprof.Profile) ([]Entry, Choice, error) {
	pref, err := backend.Normalize(pref)
	if err != nil {
		return nil, Choice{}, err
	}

	var chosen []Entry
	if e, ok := m.find(p, backend.CPU); ok {
		chosen = append(chosen, e)
	}

	var gpu []string
	switch pref {
	case backend.CPU:
	case backend.Auto:
		if prof == nil {
			break
		}
		if p.OS == "macos-14" {
			if prof.Backends.Metal {
				gpu = []string{backend.Metal}
			}
			break
		}
		if prof.Backends.CUDA {
			gpu = append(gpu, backend.CUDA)
		}
		if prof.Backends.Vulkan {
			gpu = append(gpu, backend.Vulkan)
		}
	default:
		gpu = []string{pref}
	}

	choice := Choice{Platform: p}
	for _, v := range gpu {
		if e, ok := m.find(p, v); ok {
			chosen = append(chosen, e)
			choice.ActiveGPU = v
			break
		}
	}
	for _, e := range chosen {
		choice.Variants = append(choice.Variants, e.Variant)
	}
	return chosen, choice, nil
}
