package storage

import (
	"context"
	"fmt"

	"github.com/990248516/sd-modelsync/internal/storage/gcs"
	"github.com/990248516/sd-modelsync/internal/storage/local"
	s3backend "github.com/990248516/sd-modelsync/internal/storage/s3"
)

// Config selects and configures one backend.
type Config struct {
	Type  string           `yaml:"type"` // "s3", "gcs" or "local"
	S3    s3backend.Config `yaml:"s3"`
	GCS   gcs.Config       `yaml:"gcs"`
	Local local.Config     `yaml:"local"`
}

// NewBackend creates a Backend from its configuration.
func NewBackend(ctx context.Context, cfg Config) (Backend, error) {
	switch cfg.Type {
	case "s3":
		return s3backend.New(ctx, cfg.S3)
	case "gcs":
		return gcs.New(ctx, cfg.GCS)
	case "local":
		return local.New(cfg.Local)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Type)
	}
}
