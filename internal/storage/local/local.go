// Package local provides a storage backend that serves a local directory
// as if it were a bucket. Useful for air-gapped hosts and tests.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/models"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath string `json:"root_path" yaml:"root_path"`
}

// LocalBackend implements storage.Backend on top of a directory.
type LocalBackend struct {
	rootPath string
}

// New creates a new local filesystem backend.
func New(cfg Config) (*LocalBackend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	info, err := os.Stat(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &LocalBackend{rootPath: cfg.RootPath}, nil
}

// NewFromJSON creates a LocalBackend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*LocalBackend, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

func (b *LocalBackend) fullPath(key string) string {
	return filepath.Join(b.rootPath, filepath.FromSlash(key))
}

// ETag derives a change token from size and modification time.
func ETag(info fs.FileInfo) string {
	return strconv.FormatInt(info.Size(), 16) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 16)
}

// ListObjects walks the directory and reports regular files whose slash
// separated relative path starts with prefix, in key order.
func (b *LocalBackend) ListObjects(_ context.Context, prefix string, fn func(models.Object) error) error {
	start := time.Now()
	var objects []models.Object
	err := filepath.WalkDir(b.rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(b.rootPath, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		objects = append(objects, models.Object{Key: key, ETag: ETag(info), Size: info.Size()})
		return nil
	})
	if err != nil {
		metrics.RecordRemoteOperation("local", "list_objects", time.Since(start), false)
		return fmt.Errorf("walk %s: %w", b.rootPath, err)
	}
	metrics.RecordRemoteOperation("local", "list_objects", time.Since(start), true)

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	for _, obj := range objects {
		if err := fn(obj); err != nil {
			return err
		}
	}
	return nil
}

// GetObject opens a file for reading.
func (b *LocalBackend) GetObject(_ context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	f, err := os.Open(b.fullPath(key))
	if err != nil {
		metrics.RecordRemoteOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		metrics.RecordRemoteOperation("local", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}
	metrics.RecordRemoteOperation("local", "get_object", time.Since(start), true)
	return f, info.Size(), nil
}

// Type returns "local".
func (b *LocalBackend) Type() string {
	return "local"
}

// Close is a no-op for local backends.
func (b *LocalBackend) Close() error {
	return nil
}
