package metadata

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/zeebo/blake3"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/paths"
)

const indexFile = "cache.json"

type IndexState string

const (
	StateIdle    IndexState = "idle"
	StateLoading IndexState = "loading"
	StateReady   IndexState = "ready"
	StateError   IndexState = "error"
)

type IndexStatus struct {
	State IndexState `json:"state"`
	Total int        `json:"total"`
	Done  int        `json:"done"`
	Error string     `json:"error,omitempty"`
}

// Progress is reported once per model during Build.
type Progress struct {
	Done  int
	Total int
	Entry ModelEntry
	Err   error
}

type cacheEntry struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	MtimeNS int64     `json:"mtime_ns"`
	Meta    ModelMeta `json:"meta"`
}

type cacheFile struct {
	Entries map[string]cacheEntry `json:"entries"`
}

// Index caches ModelMeta on disk. Entries are keyed by a BLAKE3 digest of the
// model path, size and modification time, so a replaced file misses.
type Index struct {
	dir      string
	registry *Registry
	log      logger.Logger

	mu     sync.RWMutex
	byID   map[string]ModelMeta
	status IndexStatus

	fileMu sync.Mutex
}

func NewIndex(dir string, registry *Registry, log logger.Logger) *Index {
	if log == nil {
		log = logger.Default()
	}
	return &Index{
		dir:      dir,
		registry: registry,
		log:      log.With("component", "metadata-index"),
		byID:     map[string]ModelMeta{},
		status:   IndexStatus{State: StateIdle},
	}
}

// CacheKey returns the cache key for a file with the given stat values.
func CacheKey(path string, size, mtimeNS int64) string {
	h := blake3.New()
	_, _ = h.WriteString(path)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(size, 10))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(strconv.FormatInt(mtimeNS, 10))
	return hex.EncodeToString(h.Sum(nil))
}

func fingerprint(path string) (string, int64, int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return "", 0, 0, err
	}
	size, mtime := st.Size(), st.ModTime().UnixNano()
	return CacheKey(path, size, mtime), size, mtime, nil
}

func (ix *Index) load() cacheFile {
	cf := cacheFile{Entries: map[string]cacheEntry{}}
	data, err := os.ReadFile(filepath.Join(ix.dir, indexFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			ix.log.Warn("metadata cache unreadable", "error", err)
		}
		return cf
	}
	if err := json.Unmarshal(data, &cf); err != nil {
		ix.log.Warn("metadata cache corrupt, starting fresh", "error", err)
		return cacheFile{Entries: map[string]cacheEntry{}}
	}
	if cf.Entries == nil {
		cf.Entries = map[string]cacheEntry{}
	}
	return cf
}

func (ix *Index) save(cf cacheFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(filepath.Join(ix.dir, indexFile), data, 0o644)
}

// Lookup returns cached metadata for path, collecting and persisting it on a
// miss.
func (ix *Index) Lookup(ctx context.Context, path string) (ModelMeta, error) {
	key, size, mtime, err := fingerprint(path)
	if err != nil {
		return ModelMeta{}, err
	}

	ix.fileMu.Lock()
	cf := ix.load()
	hit, ok := cf.Entries[key]
	ix.fileMu.Unlock()
	if ok {
		return hit.Meta, nil
	}

	info, err := ix.registry.Collect(ctx, path)
	if err != nil {
		return ModelMeta{}, err
	}
	meta := info.Meta()

	ix.fileMu.Lock()
	defer ix.fileMu.Unlock()
	cf = ix.load()
	cf.Entries[key] = cacheEntry{Path: path, Size: size, MtimeNS: mtime, Meta: meta}
	if err := ix.save(cf); err != nil {
		ix.log.Warn("metadata cache write failed", "error", err)
	}
	return meta, nil
}

// Build indexes every entry, reporting progress after each one. A failing
// model is reported and skipped. Build returns early with ctx's error.
func (ix *Index) Build(ctx context.Context, entries []ModelEntry, progress func(Progress)) error {
	ix.mu.Lock()
	if ix.status.State == StateLoading {
		ix.mu.Unlock()
		return nil
	}
	ix.status = IndexStatus{State: StateLoading, Total: len(entries)}
	ix.mu.Unlock()

	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			ix.fail(err)
			return err
		}
		meta, err := ix.Lookup(ctx, entry.Path)
		ix.mu.Lock()
		if err == nil {
			ix.byID[entry.ID] = meta
		}
		ix.status.Done = i + 1
		ix.mu.Unlock()

		if err != nil {
			ix.log.Warn("metadata collection failed", "model", entry.ID, "error", err)
		}
		if progress != nil {
			progress(Progress{Done: i + 1, Total: len(entries), Entry: entry, Err: err})
		}
	}

	ix.mu.Lock()
	ix.status.State = StateReady
	ix.mu.Unlock()
	return nil
}

func (ix *Index) fail(err error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.status.State = StateError
	ix.status.Error = err.Error()
}

func (ix *Index) Get(id string) (ModelMeta, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.byID[id]
	return m, ok
}

func (ix *Index) Status() IndexStatus {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.status
}

// Clear drops the in-memory view and removes the disk cache.
func (ix *Index) Clear() error {
	ix.mu.Lock()
	ix.byID = map[string]ModelMeta{}
	ix.status = IndexStatus{State: StateIdle}
	ix.mu.Unlock()

	ix.fileMu.Lock()
	defer ix.fileMu.Unlock()
	err := os.Remove(filepath.Join(ix.dir, indexFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove metadata cache: %w", err)
	}
	return nil
}
