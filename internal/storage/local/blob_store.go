// Package local mirrors archives onto a local filesystem directory.
package local

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/JakeFAU/starred-export/internal/fsutil"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts under a base directory.
type BlobStore struct {
	baseDir string
}

// New creates the base directory if needed and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	if err := fsutil.EnsureWritableDir(cfg.BaseDir); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &BlobStore{baseDir: abs}, nil
}

// PutObject atomically writes data below the base directory and returns a
// file:// URI. Paths escaping the base directory are rejected.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	fullPath, err := fsutil.Within(s.baseDir, path)
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteAtomic(fullPath, data); err != nil {
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	return "file://" + filepath.ToSlash(fullPath), nil
}
