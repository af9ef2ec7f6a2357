package hwprof

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/samcharles93/strata/internal/logger"
	"github.com/samcharles93/strata/internal/paths"
)

const profileFile = "profile.json"

// DefaultPath is <data>/Strata/cache/hwprof/profile.json.
func DefaultPath() (string, error) {
	dir, err := paths.HWProfDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, profileFile), nil
}

// Cache persists a Profile and re-detects on demand.
type Cache struct {
	Path     string
	Detector *Detector
	Log      logger.Logger
}

// NewCache returns a cache at the default path over the host detector.
func NewCache(log logger.Logger) (*Cache, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &Cache{Path: path, Detector: NewDetector(log), Log: log.With("component", "hwprof")}, nil
}

func (c *Cache) logger() logger.Logger {
	if c.Log == nil {
		return logger.Discard()
	}
	return c.Log
}

func (c *Cache) now() time.Time {
	if c.Detector != nil && c.Detector.Now != nil {
		return c.Detector.Now().UTC()
	}
	return time.Now().UTC()
}

// Load reads the cached profile. A missing file returns an error matching
// fs.ErrNotExist.
func (c *Cache) Load() (*Profile, error) {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Path, err)
	}
	if p.Schema != SchemaMajor {
		return nil, fmt.Errorf("%s: unsupported schema %d", c.Path, p.Schema)
	}
	return &p, nil
}

// Save writes p atomically.
func (c *Cache) Save(p *Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return paths.WriteFileAtomic(c.Path, data, 0o644)
}

// LoadOrDetect returns the cached profile, detecting and caching one when
// the cache is missing or unreadable.
func (c *Cache) LoadOrDetect(ctx context.Context) (*Profile, error) {
	p, err := c.Load()
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		c.logger().Warn("hardware profile unreadable, detecting again", "path", c.Path, "error", err)
	}
	return c.Refresh(ctx)
}

// Refresh detects now and overwrites the cache.
func (c *Cache) Refresh(ctx context.Context) (*Profile, error) {
	p, err := c.detect(ctx)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = c.now()
	p.UpdatedAt = p.CreatedAt
	if err := c.Save(p); err != nil {
		return nil, fmt.Errorf("save hardware profile: %w", err)
	}
	return p, nil
}

// ValidateOrRedetect detects now and rewrites the cache only when the
// fingerprint differs from the cached one. changed reports whether the
// cache was rewritten.
func (c *Cache) ValidateOrRedetect(ctx context.Context) (p *Profile, changed bool, err error) {
	cached, loadErr := c.Load()
	fresh, err := c.detect(ctx)
	if err != nil {
		return nil, false, err
	}
	if loadErr == nil && cached.Fingerprint == fresh.Fingerprint {
		return cached, false, nil
	}

	now := c.now()
	fresh.CreatedAt = now
	if loadErr == nil {
		fresh.CreatedAt = cached.CreatedAt
		c.logger().Info("hardware changed", "old", cached.Fingerprint, "new", fresh.Fingerprint)
	}
	fresh.UpdatedAt = now
	if err := c.Save(fresh); err != nil {
		return nil, false, fmt.Errorf("save hardware profile: %w", err)
	}
	return fresh, true, nil
}

func (c *Cache) detect(ctx context.Context) (*Profile, error) {
	d := c.Detector
	if d == nil {
		d = NewDetector(c.Log)
	}
	return d.Detect(ctx)
}

// LoadOrDetect uses the default cache location.
func LoadOrDetect(ctx context.Context, log logger.Logger) (*Profile, error) {
	c, err := NewCache(log)
	if err != nil {
		return nil, err
	}
	return c.LoadOrDetect(ctx)
}
