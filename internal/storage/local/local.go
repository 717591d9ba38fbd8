// Package local provides a local filesystem storage backend.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/storage"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string `mapstructure:"root_path" json:"root_path"`
	CreateDirs *bool  `mapstructure:"create_dirs" json:"create_dirs,omitempty"`
}

// Validate checks the config before a backend is built.
func (c Config) Validate() error {
	if c.RootPath == "" {
		return fmt.Errorf("root_path is required")
	}
	if !filepath.IsAbs(c.RootPath) {
		return fmt.Errorf("root_path %q must be absolute", c.RootPath)
	}
	return nil
}

func (c Config) createDirs() bool {
	return c.CreateDirs == nil || *c.CreateDirs
}

// Backend implements storage.Backend on the local filesystem. Content is
// never reachable by URL, so access is always a stream.
type Backend struct {
	rootPath   string
	createDirs bool
}

// New creates a new local filesystem backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.createDirs() {
			if mkErr := os.MkdirAll(cfg.RootPath, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{
		rootPath:   cfg.RootPath,
		createDirs: cfg.createDirs(),
	}, nil
}

func (b *Backend) fullPath(key string) (string, string, error) {
	clean, err := storage.CleanKey(key)
	if err != nil {
		return "", "", err
	}
	return clean, filepath.Join(b.rootPath, filepath.FromSlash(clean)), nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s: %w: %v", op, storage.ErrObjectNotFound, err)
	case errors.Is(err, syscall.ENOSPC):
		return storage.QuotaExceeded(op, err)
	default:
		return storage.Unavailable(op, err)
	}
}

// Upload writes content atomically via a temp file and rename.
func (b *Backend) Upload(ctx context.Context, content io.Reader, _ int64, destinationPath, _ string) (string, error) {
	key, path, err := b.fullPath(destinationPath)
	if err != nil {
		return "", err
	}
	dir := filepath.Dir(path)

	if b.createDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", classify("create dirs for "+key, err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".fireflycloud-*.tmp")
	if err != nil {
		return "", classify("create temp for "+key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, storage.WithContext(ctx, io.NopCloser(content))); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classify("write "+key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", classify("close temp for "+key, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", classify("rename temp to "+key, err)
	}

	return key, nil
}

// ResolveAccess opens the file as a stream handle.
func (b *Backend) ResolveAccess(ctx context.Context, storagePath string, _ storage.AccessHints) (*storage.AccessDescriptor, error) {
	rc, size, err := b.RawRead(ctx, storagePath)
	if err != nil {
		return nil, err
	}
	return storage.StreamOf(rc, size), nil
}

// RawRead opens a file for reading. Reads stop once ctx is done.
func (b *Backend) RawRead(ctx context.Context, storagePath string) (io.ReadCloser, int64, error) {
	key, path, err := b.fullPath(storagePath)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, classify("open "+key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, classify("stat "+key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, storage.NotFound("open", key)
	}
	return storage.WithContext(ctx, f), info.Size(), nil
}

// Delete removes a file. A missing file is not an error.
func (b *Backend) Delete(_ context.Context, storagePath string) error {
	key, path, err := b.fullPath(storagePath)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return classify("delete "+key, err)
	}
	return nil
}

// Probe checks that the root directory is still present and writable.
func (b *Backend) Probe(_ context.Context) error {
	tmp, err := os.CreateTemp(b.rootPath, ".fireflycloud-probe-*")
	if err != nil {
		return classify("probe", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

// Kind returns models.StrategyLocal.
func (b *Backend) Kind() models.StrategyType { return models.StrategyLocal }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }
