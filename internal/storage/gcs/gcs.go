// Package gcs provides a Google Cloud Storage backend.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/models"
)

// Config holds GCS settings. CredentialsFile is optional; Application
// Default Credentials are used when it is empty.
type Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
}

// GCSBackend implements storage.Backend using Google Cloud Storage.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// New creates a GCS backend.
func New(ctx context.Context, cfg Config) (*GCSBackend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	logging.Info("GCS backend ready", zap.String("bucket", cfg.Bucket))
	return &GCSBackend{client: client, bucket: cfg.Bucket}, nil
}

// ListObjects walks the bucket iterator, which pages transparently.
func (b *GCSBackend) ListObjects(ctx context.Context, prefix string, fn func(models.Object) error) error {
	start := time.Now()
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			metrics.RecordRemoteOperation("gcs", "list_objects", time.Since(start), false)
			return fmt.Errorf("list objects gs://%s/%s: %w", b.bucket, prefix, err)
		}
		if err := fn(models.Object{
			Key:  attrs.Name,
			ETag: attrs.Etag,
			Size: attrs.Size,
		}); err != nil {
			return err
		}
	}
	metrics.RecordRemoteOperation("gcs", "list_objects", time.Since(start), true)
	return nil
}

// GetObject opens a reader on the object.
func (b *GCSBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()
	reader, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		metrics.RecordRemoteOperation("gcs", "get_object", time.Since(start), false)
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, 0, fmt.Errorf("object gs://%s/%s does not exist: %w", b.bucket, key, err)
		}
		return nil, 0, fmt.Errorf("get object gs://%s/%s: %w", b.bucket, key, err)
	}
	metrics.RecordRemoteOperation("gcs", "get_object", time.Since(start), true)
	return reader, reader.Attrs.Size, nil
}

// Type returns "gcs".
func (b *GCSBackend) Type() string {
	return "gcs"
}

// Close closes the GCS client.
func (b *GCSBackend) Close() error {
	return b.client.Close()
}
