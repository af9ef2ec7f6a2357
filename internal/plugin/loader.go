// Package plugin loads a backend plugin at runtime and adapts its binary
// contract to backend.Backend.
package plugin

import (
	"sync"
	"sync/atomic"

	"github.com/samcharles93/strata/internal/abi"
	"github.com/samcharles93/strata/internal/logger"
)

// Handle is the loaded plugin. It is never unloaded; the dependency library,
// when one was opened, lives as long as the plugin.
type Handle struct {
	Location Location
	Table    *abi.Table

	lib library
	dep library
}

func (h *Handle) Info() abi.Info { return h.Table.Info }

// Loader memoizes the first load outcome, success or failure, for the life of
// the process. Concurrent callers block until the first load completes.
type Loader struct {
	once   sync.Once
	handle *Handle
	err    error
	loaded atomic.Pointer[Handle]

	discover func(DiscoverOptions) (Location, error)
	open     func(path string) (library, error)
	entry    func(sym uintptr) *abi.RawTable
	bind     func(raw *abi.RawTable) *abi.Table
}

func newLoader() *Loader {
	return &Loader{
		discover: Discover,
		open:     openLibrary,
		entry:    callEntry,
		bind:     bindTable,
	}
}

var process = newLoader()

// Load loads the process-wide plugin. Options are only consulted by the first
// call.
func Load(opts DiscoverOptions) (*Handle, error) {
	return process.Load(opts)
}

// Loaded returns the process-wide plugin if a load has succeeded.
func Loaded() (*Handle, bool) {
	return process.Loaded()
}

func (l *Loader) Load(opts DiscoverOptions) (*Handle, error) {
	l.once.Do(func() {
		l.handle, l.err = l.load(opts)
		if l.err == nil {
			l.loaded.Store(l.handle)
		}
	})
	return l.handle, l.err
}

func (l *Loader) Loaded() (*Handle, bool) {
	h := l.loaded.Load()
	return h, h != nil
}

func (l *Loader) load(opts DiscoverOptions) (*Handle, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}

	loc, err := l.discover(opts)
	if err != nil {
		return nil, err
	}

	h := &Handle{Location: loc}
	if loc.DependencyPath != "" && !loc.Monolith {
		dep, err := l.open(loc.DependencyPath)
		if err != nil {
			log.Warn("dependency library preload failed", "path", loc.DependencyPath, "error", err)
		} else {
			log.Debug("preloaded dependency library", "path", loc.DependencyPath)
			h.dep = dep
		}
	}

	lib, err := l.open(loc.Path)
	if err != nil {
		return nil, &LoadError{Kind: OpenFailed, Path: loc.Path, Err: err}
	}
	h.lib = lib

	sym, err := lib.lookup(abi.EntrySymbol)
	if err != nil || sym == 0 {
		return nil, missingSymbol(loc.Path)
	}

	raw := l.entry(sym)
	if raw == nil {
		return nil, &LoadError{Kind: NullTable, Path: loc.Path}
	}
	if raw.Info.ABIVersion != abi.Version {
		return nil, &LoadError{Kind: ABIMismatch, Path: loc.Path, Host: abi.Version, Plugin: raw.Info.ABIVersion}
	}

	h.Table = l.bind(raw)
	if name := missingRequired(h.Table); name != "" {
		return nil, &LoadError{Kind: MissingSymbol, Path: loc.Path, Symbol: name}
	}

	log.Info("plugin loaded",
		"path", loc.Path,
		"source", string(loc.Source),
		"id", h.Table.Info.ID,
		"version", h.Table.Info.Semver,
		"variant", loc.Variant,
	)
	return h, nil
}
