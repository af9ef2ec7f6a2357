package api

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/strata/internal/backend"
	"github.com/samcharles93/strata/internal/gguf"
	"github.com/samcharles93/strata/internal/inference"
	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/metadata"
	"github.com/samcharles93/strata/internal/paths"
)

// ChatSession is a stateful conversation owned by the session endpoints.
// *inference.Session implements it.
type ChatSession interface {
	Send(ctx context.Context, text string, req *inference.Request, stream inference.StreamFunc) (*inference.Result, error)
	Cancel()
	History() []backend.Turn
	SetSystemPrompt(system string)
	Close() error
}

// OpenedSession is a new ChatSession together with the model it runs on.
type OpenedSession struct {
	Session  ChatSession
	Model    string
	Defaults inference.GenDefaults
}

type EngineProvider interface {
	WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine, defaults inference.GenDefaults) error) error
	OpenSession(ctx context.Context, modelID string) (*OpenedSession, error)
}

// ModelInfo is one entry of GET /v1/models.
type ModelInfo struct {
	ID   string              `json:"id"`
	Path string              `json:"path,omitempty"`
	Size int64               `json:"size,omitempty"`
	Meta *metadata.ModelMeta `json:"meta,omitempty"`
}

// ModelLister is implemented by providers that can enumerate models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}

type EngineProviderConfig struct {
	DefaultModelPath string
	ModelsPath       string
	Defaults         inference.GenDefaults
	Loader           inference.Loader
	// Index, when set, attaches cached metadata to listed models.
	Index *metadata.Index
	Log   logger.Logger
}

type CachedEngineProvider struct {
	cfg   EngineProviderConfig
	load  func(ctx context.Context, path string) (*inference.LoadResult, error)
	mu    sync.Mutex
	cache map[string]*engineEntry
}

type engineEntry struct {
	model  *inference.Model
	engine *inference.Session
	mu     sync.Mutex
}

func NewCachedEngineProvider(cfg EngineProviderConfig) *CachedEngineProvider {
	if cfg.Log == nil {
		cfg.Log = logger.Default()
	}
	if cfg.Loader.Log == nil {
		cfg.Loader.Log = cfg.Log
	}
	return &CachedEngineProvider{
		cfg:   cfg,
		load:  cfg.Loader.Load,
		cache: make(map[string]*engineEntry),
	}
}

// WithEngine runs fn on the shared stateless session of a model. Calls for
// the same model are serialized.
func (p *CachedEngineProvider) WithEngine(ctx context.Context, modelID string, fn func(engine inference.Engine, defaults inference.GenDefaults) error) error {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return err
	}
	entry, err := p.getOrLoad(ctx, path)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(entry.engine, p.cfg.Defaults)
}

// OpenSession opens a fresh backend session on the model, independent of the
// shared one.
func (p *CachedEngineProvider) OpenSession(ctx context.Context, modelID string) (*OpenedSession, error) {
	path, err := p.resolveModelPath(modelID)
	if err != nil {
		return nil, err
	}
	entry, err := p.getOrLoad(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := entry.model.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open session on %s: %w", path, err)
	}
	return &OpenedSession{Session: s, Model: modelName(path), Defaults: p.cfg.Defaults}, nil
}

// Close releases every cached model session.
func (p *CachedEngineProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for path, entry := range p.cache {
		if err := entry.engine.Close(); err != nil && first == nil {
			first = err
		}
		delete(p.cache, path)
	}
	return first
}

func (p *CachedEngineProvider) getOrLoad(ctx context.Context, path string) (*engineEntry, error) {
	p.mu.Lock()
	entry, ok := p.cache[path]
	p.mu.Unlock()
	if ok {
		return entry, nil
	}

	result, err := p.load(ctx, path)
	if err != nil {
		return nil, err
	}
	newEntry := &engineEntry{
		model:  result.Model,
		engine: result.Engine,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache[path]; ok {
		_ = newEntry.engine.Close()
		return existing, nil
	}
	p.cache[path] = newEntry
	p.cfg.Log.Info("model loaded", "path", path)
	return newEntry, nil
}

func (p *CachedEngineProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out []ModelInfo
	seen := make(map[string]bool)
	add := func(info ModelInfo) {
		if seen[info.ID] {
			return
		}
		seen[info.ID] = true
		if p.cfg.Index != nil && info.Path != "" {
			meta, err := p.cfg.Index.Lookup(ctx, info.Path)
			if err != nil {
				p.cfg.Log.Debug("model metadata unavailable", "path", info.Path, "error", err)
			} else {
				info.Meta = &meta
			}
		}
		out = append(out, info)
	}

	if p.cfg.DefaultModelPath != "" {
		add(ModelInfo{ID: modelName(p.cfg.DefaultModelPath), Path: filepath.Clean(p.cfg.DefaultModelPath)})
	}
	entries, err := p.scan()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		add(ModelInfo{ID: strings.TrimSuffix(e.ID, filepath.Ext(e.ID)), Path: e.Path, Size: e.Size})
	}
	slices.SortStableFunc(out, func(a, b ModelInfo) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// scan lists the GGUF files under the models directory, if one is known.
func (p *CachedEngineProvider) scan() ([]metadata.ModelEntry, error) {
	dir := p.modelsDir()
	if dir == "" {
		return nil, nil
	}
	entries, err := metadata.Scan(dir)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(entries, func(e metadata.ModelEntry) bool { return !gguf.IsGGUFPath(e.Path) }), nil
}

// resolveModelPath maps a request's model field to a file. Accepted forms
// are an existing path, the default model's name, or an id relative to the
// models directory with or without the extension. An empty id works when
// exactly one model is available.
func (p *CachedEngineProvider) resolveModelPath(modelID string) (string, error) {
	modelID = strings.TrimSpace(modelID)
	dir := p.modelsDir()

	switch {
	case modelID == "" && p.cfg.DefaultModelPath != "":
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	case modelID == "":
		if dir == "" {
			return "", invalidParam("model", "model is required")
		}
		entries, err := p.scan()
		if err != nil {
			return "", err
		}
		switch len(entries) {
		case 0:
			return "", newInvalidRequest(fmt.Sprintf("no .gguf models found in %s", dir))
		case 1:
			return entries[0].Path, nil
		}
		return "", invalidParam("model", "%d models found in %s; specify model", len(entries), dir)
	case isPathLike(modelID) && fileExists(modelID):
		return filepath.Clean(modelID), nil
	case p.cfg.DefaultModelPath != "" && modelID == modelName(p.cfg.DefaultModelPath):
		return filepath.Clean(p.cfg.DefaultModelPath), nil
	case dir == "":
		return "", invalidParam("model", "models-path is required to resolve model %q", modelID)
	}

	if path := lookupInDir(dir, modelID); path != "" {
		return path, nil
	}
	return "", modelNotFound("model %q not found in %s", modelID, dir)
}

func (p *CachedEngineProvider) modelsDir() string {
	if dir := strings.TrimSpace(p.cfg.ModelsPath); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(paths.EnvModelsDir))
}

// modelName is the id a model file is listed under.
func modelName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func isPathLike(id string) bool {
	return strings.ContainsAny(id, `/`+string(filepath.Separator)) || gguf.IsGGUFPath(id)
}

// lookupInDir resolves id below dir, trying it as given and then with a
// .gguf suffix. Ids that escape dir never match.
func lookupInDir(dir, id string) string {
	cand := filepath.Join(dir, filepath.FromSlash(id))
	if rel, err := filepath.Rel(dir, cand); err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	for _, path := range []string{cand, cand + ".gguf"} {
		if fileExists(path) {
			return path
		}
		if gguf.IsGGUFPath(id) {
			break
		}
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
