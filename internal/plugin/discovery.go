package plugin

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/paths"
)

// Source names where a plugin path came from.
type Source string

const (
	SourceOverride   Source = "override"
	SourceDescriptor Source = "descriptor"
	SourceFallback   Source = "fallback"
)

// Location is a resolved plugin library.
type Location struct {
	Path string
	// DependencyPath is the runtime library to open before the plugin. Empty
	// for monolith builds or when none sits next to the plugin.
	DependencyPath string
	Monolith       bool
	Variant        string
	Source         Source
}

// DiscoverOptions controls plugin discovery. Zero values fall back to the
// environment and the default data layout.
type DiscoverOptions struct {
	// Path is an explicit plugin path. It wins over STRATA_PLUGIN_PATH.
	Path        string
	RuntimeRoot string
	// SearchDirs are tried before the built-in fallback directories.
	SearchDirs []string
	Logger     logger.Logger
}

// Discover resolves the plugin library in order: explicit override, runtime
// descriptor, fallback directories. A miss returns a MissingLibrary error
// listing every path that was tried.
func Discover(opts DiscoverOptions) (Location, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	var searched []string

	override := opts.Path
	if override == "" {
		override = os.Getenv(paths.EnvPluginPath)
	}
	if override != "" {
		searched = append(searched, override)
		if fileExists(override) {
			log.Debug("plugin path from override", "path", override)
			return withDependency(Location{Path: override, Source: SourceOverride}), nil
		}
		log.Warn("plugin override points to missing file", "path", override)
	}

	root := opts.RuntimeRoot
	if root == "" {
		if r, err := paths.RuntimeRoot(); err == nil {
			root = r
		}
	}
	if root != "" {
		desc, err := ReadDescriptor(root)
		switch {
		case err == nil:
			for _, candidate := range desc.Candidates() {
				searched = append(searched, candidate)
				if fileExists(candidate) {
					log.Debug("plugin path from runtime descriptor", "path", candidate, "variant", desc.ActiveVariant)
					loc := Location{
						Path:     candidate,
						Monolith: desc.IsMonolith(),
						Variant:  desc.ActiveVariant,
						Source:   SourceDescriptor,
					}
					return withDependency(loc), nil
				}
			}
		case isNotExist(err):
			log.Debug("no runtime descriptor", "root", root)
		default:
			log.Warn("unreadable runtime descriptor", "root", root, "error", err)
		}
	}

	for _, dir := range fallbackDirs(opts.SearchDirs) {
		candidate := filepath.Join(dir, LibraryName(backend.CPU))
		searched = append(searched, candidate)
		if fileExists(candidate) {
			log.Debug("plugin path from fallback search", "path", candidate)
			return withDependency(Location{Path: candidate, Variant: backend.CPU, Source: SourceFallback}), nil
		}
	}

	return Location{}, missingLibrary(searched)
}

func fallbackDirs(extra []string) []string {
	dirs := append([]string(nil), extra...)
	if d, err := paths.PluginsDir(); err == nil {
		dirs = append(dirs, d)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	return append(dirs, "plugins")
}

func withDependency(loc Location) Location {
	if loc.Monolith {
		return loc
	}
	dep := filepath.Join(filepath.Dir(loc.Path), dependencyName(runtime.GOOS))
	if fileExists(dep) {
		loc.DependencyPath = dep
	}
	return loc
}
