// Package storage defines the Backend interface for remote model storage
// and the category-aware Lister built on top of it.
package storage

import (
	"context"
	"io"

	"github.com/990248516/sd-modelsync/internal/models"
)

// Backend is the interface for remote object stores.
// Implementations handle listing and object reads (S3, GCS, local directory).
type Backend interface {
	// ListObjects calls fn for every object under prefix, following
	// pagination until the listing is exhausted. Keys are full object keys.
	// An error returned by fn stops the listing and is returned.
	ListObjects(ctx context.Context, prefix string, fn func(models.Object) error) error

	// GetObject retrieves an entire object and its size.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Type returns the backend type identifier ("s3", "gcs", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
