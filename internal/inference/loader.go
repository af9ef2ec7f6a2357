package inference

import (
	"context"
	"fmt"
	"strings"

	"github.com/samcharles93/strata/internal/abi"
	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/engine"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metadata"
	"github.com/samcharles93/strata/internal/plugin"
	"github.com/samcharles93/strata/internal/prompt"
)

type Loader struct {
	Plugin plugin.DiscoverOptions
	// NCtx requests a context window from the plugin. Zero lets it choose.
	NCtx         int
	SystemPrompt string
	// Flavor forces the fallback prompt format. Empty follows the model.
	Flavor        string
	FlavorPattern string
	MaxDecode     int
	Log           logger.Logger

	load func(plugin.DiscoverOptions) (*plugin.Handle, error)
	open func(h *plugin.Handle, path string, opts plugin.SessionOptions) (backend.Backend, error)
}

// OpenFunc opens a fresh backend session for a model.
type OpenFunc func() (backend.Backend, error)

// Model is a loaded model that can hand out independent sessions.
type Model struct {
	Path   string
	Info   *metadata.ModelCoreInfo
	Plugin abi.Info
	// MaxDecode caps generated tokens when a request sets no limit.
	MaxDecode int

	open OpenFunc
	opts []engine.Option
	log  logger.Logger
}

// NewModel wraps an opener. It is what Loader.Load builds and what tests use
// with fake backends.
func NewModel(path string, info *metadata.ModelCoreInfo, open OpenFunc, log logger.Logger, opts ...engine.Option) *Model {
	if log == nil {
		log = logger.Discard()
	}
	return &Model{Path: path, Info: info, open: open, opts: opts, log: log}
}

// NewSession opens a backend session and builds an engine over it.
func (m *Model) NewSession() (*Session, error) {
	b, err := m.open()
	if err != nil {
		return nil, err
	}
	s, err := newSession(b, m.log, m.opts...)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	s.maxDecode = m.MaxDecode
	return s, nil
}

type LoadResult struct {
	Engine *Session
	Model  *Model
	Info   *metadata.ModelCoreInfo
}

func (l Loader) logger() logger.Logger {
	if l.Log == nil {
		return logger.Default()
	}
	return l.Log
}

func (l Loader) engineOptions() ([]engine.Option, error) {
	var opts []engine.Option
	if l.SystemPrompt != "" {
		opts = append(opts, engine.WithSystemPrompt(l.SystemPrompt))
	}
	if l.Flavor != "" {
		f, err := prompt.ParseFlavor(l.Flavor)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithFlavor(f, l.FlavorPattern))
	}
	return opts, nil
}

// Load discovers and loads the plugin, collects the model's metadata, and
// opens a first session on modelPath.
func (l Loader) Load(ctx context.Context, modelPath string) (*LoadResult, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	log := l.logger()
	opts, err := l.engineOptions()
	if err != nil {
		return nil, err
	}

	load := l.load
	if load == nil {
		load = plugin.Load
	}
	popts := l.Plugin
	if popts.Logger == nil {
		popts.Logger = log
	}
	h, err := load(popts)
	if err != nil {
		return nil, err
	}
	log.Info("plugin loaded", "id", h.Info().ID, "version", h.Info().Semver, "path", h.Location.Path, "variant", h.Location.Variant)

	registry := metadata.NewRegistry(metadata.GGUFProvider{})
	if h.Table != nil && h.Table.Metadata.CanHandle != nil {
		registry.Prepend(plugin.NewMetadataProvider(h.Table))
	}
	info, err := registry.Collect(ctx, modelPath)
	if err != nil {
		log.Warn("model metadata unavailable", "path", modelPath, "error", err)
		info = nil
	}
	if info != nil && info.PromptFlavorHint != nil {
		opts = append(opts, engine.WithFlavorHint(*info.PromptFlavorHint))
	}

	open := l.open
	if open == nil {
		open = func(h *plugin.Handle, path string, o plugin.SessionOptions) (backend.Backend, error) {
			return plugin.Open(h, path, o)
		}
	}
	sessOpts := plugin.SessionOptions{NCtx: l.NCtx, Logger: log}
	m := NewModel(modelPath, info, func() (backend.Backend, error) {
		return open(h, modelPath, sessOpts)
	}, log, opts...)
	m.Plugin = h.Info()
	m.MaxDecode = l.MaxDecode

	s, err := m.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", modelPath, err)
	}
	return &LoadResult{Engine: s, Model: m, Info: info}, nil
}
