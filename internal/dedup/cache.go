// Package dedup implements the on-disk attachment cache shared by every job.
// Each key is written at most once; readers never observe a partial blob.
package dedup

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/starred-export/internal/fsutil"
	"go.uber.org/zap"
)

const defaultExt = "jpg"

// Config captures the parameters for the attachment cache.
type Config struct {
	// BaseDir holds one file per attachment key.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Cache is a content-addressed store keyed by attachment key.
type Cache struct {
	baseDir string
	logger  *zap.Logger
}

// New creates the cache, creating BaseDir if needed and checking it is writable.
func New(cfg Config, logger *zap.Logger) (*Cache, error) {
	if err := fsutil.EnsureWritableDir(cfg.BaseDir); err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{baseDir: filepath.Clean(cfg.BaseDir), logger: logger.Named("dedup")}, nil
}

// Key derives the cache key for an item's attachment: the id zero-padded to
// seven digits plus the extension of the attachment URL.
func Key(id int64, attachmentURL string) string {
	return fmt.Sprintf("%07d.%s", id, extension(attachmentURL))
}

func extension(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.TrimPrefix(path.Ext(p), ".")
	if ext == "" || strings.ContainsAny(ext, `/\`) {
		return defaultExt
	}
	return ext
}

// ValidKey rejects keys that could escape the cache directory.
func ValidKey(key string) error {
	switch {
	case key == "" || key == "." || key == "..":
		return fmt.Errorf("invalid cache key %q", key)
	case strings.ContainsAny(key, `/\`):
		return fmt.Errorf("cache key %q contains a path separator", key)
	case strings.Contains(key, ".."):
		return fmt.Errorf("cache key %q contains ..", key)
	}
	return nil
}

// Has reports whether a complete blob exists for key.
func (c *Cache) Has(key string) bool {
	if ValidKey(key) != nil {
		return false
	}
	info, err := os.Stat(c.Path(key))
	return err == nil && info.Mode().IsRegular()
}

// Put stores data under key unless the key already exists.
func (c *Cache) Put(key string, data []byte) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if c.Has(key) {
		return nil
	}
	created, err := fsutil.WriteOnce(c.Path(key), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store attachment %s: %w", key, err)
	}
	if created {
		c.logger.Debug("attachment stored", zap.String("key", key), zap.Int("bytes", len(data)))
	}
	return nil
}

// Path returns the on-disk location of key.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.baseDir, key)
}

// Open returns a reader for the blob stored under key.
func (c *Cache) Open(key string) (io.ReadCloser, error) {
	if err := ValidKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(c.Path(key))
	if err != nil {
		return nil, fmt.Errorf("open attachment %s: %w", key, err)
	}
	return f, nil
}
