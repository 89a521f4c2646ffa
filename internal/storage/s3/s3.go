// Package s3 provides an S3-compatible storage backend with metrics.
package s3

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/990248516/sd-modelsync/internal/logging"
	"github.com/990248516/sd-modelsync/internal/metrics"
	"github.com/990248516/sd-modelsync/internal/models"
)

// Config holds S3 connection settings. Endpoint, AccessKey and SecretKey
// are optional; without them the default AWS endpoint and credential
// chain are used.
type Config struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
}

// api is the subset of the S3 client used by the backend.
type api interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client api
	bucket string
}

// New creates a new S3 backend.
func New(ctx context.Context, cfg Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logging.Info("S3 backend ready",
		zap.String("bucket", cfg.Bucket),
		zap.String("endpoint", cfg.Endpoint),
		zap.String("region", awsCfg.Region))

	return &S3Backend{client: client, bucket: cfg.Bucket}, nil
}

// ListObjects pages through ListObjectsV2 until the continuation token is
// exhausted.
func (b *S3Backend) ListObjects(ctx context.Context, prefix string, fn func(models.Object) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	pages := 0
	for paginator.HasMorePages() {
		start := time.Now()
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordRemoteOperation("s3", "list_objects", time.Since(start), false)
			return fmt.Errorf("list objects %s/%s: %w", b.bucket, prefix, err)
		}
		metrics.RecordRemoteOperation("s3", "list_objects", time.Since(start), true)
		pages++

		for _, obj := range page.Contents {
			if err := fn(models.Object{
				Key:  aws.ToString(obj.Key),
				ETag: aws.ToString(obj.ETag),
				Size: aws.ToInt64(obj.Size),
			}); err != nil {
				return err
			}
		}
	}

	logging.Debug("S3 list objects", zap.String("prefix", prefix), zap.Int("pages", pages))
	return nil
}

// GetObject retrieves an object from S3.
func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordRemoteOperation("s3", "get_object", time.Since(start), false)
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}
	metrics.RecordRemoteOperation("s3", "get_object", time.Since(start), true)

	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// Type returns "s3".
func (b *S3Backend) Type() string {
	return "s3"
}

// Close is a no-op; the S3 client holds no resources.
func (b *S3Backend) Close() error {
	return nil
}
