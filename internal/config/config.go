// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/990248516/sd-modelsync/internal/category"
	"github.com/990248516/sd-modelsync/internal/storage"
)

// CategoryConfig overrides the layout of one category.
type CategoryConfig struct {
	Prefix string `yaml:"prefix"`
	Dir    string `yaml:"dir"`
}

// Config holds all daemon configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Remote storage
	Storage storage.Config `yaml:"storage"`
	Bucket  string         `yaml:"bucket"`

	// Local layout
	ModelsDir  string                    `yaml:"models_dir"`
	CacheDir   string                    `yaml:"cache_dir"`
	Categories map[string]CategoryConfig `yaml:"categories"` // keyed by slug

	// Sync engine
	ReserveGiB   float64       `yaml:"reserve_gib"`
	PollInterval time.Duration `yaml:"poll_interval"`
	RetryBudget  int           `yaml:"retry_budget"`
	RetryWait    time.Duration `yaml:"retry_wait"`
	ProtectInUse bool          `yaml:"protect_in_use"`
	Bootstrap    bool          `yaml:"bootstrap"`

	// Model registration
	APIEndpoint  string `yaml:"api_endpoint"`
	EndpointName string `yaml:"endpoint_name"`

	// Asset mirror (disabled when AssetPrefix is empty)
	AssetPrefix   string        `yaml:"asset_prefix"`
	AssetDir      string        `yaml:"asset_dir"`
	AssetInterval time.Duration `yaml:"asset_interval"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:    ":8080",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "json",
		Storage:       storage.Config{Type: "s3"},
		ModelsDir:     "models",
		CacheDir:      "cache",
		Categories:    map[string]CategoryConfig{},
		ReserveGiB:    20,
		PollInterval:  30 * time.Second,
		RetryBudget:   3,
		Bootstrap:     true,
		AssetDir:      "assets",
		AssetInterval: 10 * time.Second,
	}
}

// Load reads defaults, then the YAML file at path (if any), then the
// environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Categories == nil {
			cfg.Categories = map[string]CategoryConfig{}
		}
	}

	cfg.applyEnv()
	cfg.applyBucket()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)

	c.Storage.Type = envOr("STORAGE_BACKEND", c.Storage.Type)
	c.Bucket = envOr("BUCKET", c.Bucket)
	c.Storage.S3.Endpoint = envOr("S3_ENDPOINT", c.Storage.S3.Endpoint)
	c.Storage.S3.AccessKey = envOr("S3_ACCESS_KEY", c.Storage.S3.AccessKey)
	c.Storage.S3.SecretKey = envOr("S3_SECRET_KEY", c.Storage.S3.SecretKey)
	c.Storage.S3.Region = envOr("S3_REGION", c.Storage.S3.Region)
	c.Storage.GCS.CredentialsFile = envOr("GCS_CREDENTIALS_FILE", c.Storage.GCS.CredentialsFile)
	c.Storage.GCS.Endpoint = envOr("GCS_ENDPOINT", c.Storage.GCS.Endpoint)
	c.Storage.Local.RootPath = envOr("LOCAL_STORAGE_PATH", c.Storage.Local.RootPath)

	c.ModelsDir = envOr("MODELS_DIR", c.ModelsDir)
	c.CacheDir = envOr("CACHE_DIR", c.CacheDir)
	for _, cat := range category.All {
		env := strings.ToUpper(cat.Slug())
		cc := c.Categories[cat.Slug()]
		cc.Prefix = envOr(env+"_PREFIX", cc.Prefix)
		cc.Dir = envOr(env+"_DIR", cc.Dir)
		if cc != (CategoryConfig{}) {
			c.Categories[cat.Slug()] = cc
		}
	}

	c.ReserveGiB = envFloat("RESERVE_GIB", c.ReserveGiB)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.RetryBudget = envInt("RETRY_BUDGET", c.RetryBudget)
	c.RetryWait = envDuration("RETRY_WAIT", c.RetryWait)
	c.ProtectInUse = envBool("PROTECT_IN_USE", c.ProtectInUse)
	c.Bootstrap = envBool("BOOTSTRAP", c.Bootstrap)

	c.APIEndpoint = envOr("API_ENDPOINT", c.APIEndpoint)
	c.EndpointName = envOr("ENDPOINT_NAME", c.EndpointName)

	c.AssetPrefix = envOr("ASSET_PREFIX", c.AssetPrefix)
	c.AssetDir = envOr("ASSET_DIR", c.AssetDir)
	c.AssetInterval = envDuration("ASSET_INTERVAL", c.AssetInterval)
}

// applyBucket fills the backend bucket from the shared bucket setting.
func (c *Config) applyBucket() {
	if c.Storage.S3.Bucket == "" {
		c.Storage.S3.Bucket = c.Bucket
	}
	if c.Storage.GCS.Bucket == "" {
		c.Storage.GCS.Bucket = c.Bucket
	}
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Type {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("bucket is required for the s3 backend"))
		}
	case "gcs":
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("bucket is required for the gcs backend"))
		}
	case "local":
		if c.Storage.Local.RootPath == "" {
			errs = append(errs, errors.New("local storage path is required for the local backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Type))
	}
	if c.RetryBudget <= 0 {
		errs = append(errs, fmt.Errorf("retry budget must be positive, got %d", c.RetryBudget))
	}
	if c.ReserveGiB < 0 {
		errs = append(errs, fmt.Errorf("reserve must not be negative, got %g", c.ReserveGiB))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.PollInterval))
	}
	for slug := range c.Categories {
		if _, err := category.Parse(slug); err != nil {
			errs = append(errs, err)
		}
	}
	owners := make(map[string]category.Category, len(category.All))
	for _, cat := range category.All {
		dir := filepath.Clean(c.Dir(cat))
		if prev, ok := owners[dir]; ok {
			errs = append(errs, fmt.Errorf("categories %s and %s share directory %s", prev, cat, dir))
			continue
		}
		owners[dir] = cat
	}
	return errors.Join(errs...)
}

// Prefix returns the remote prefix of a category.
func (c *Config) Prefix(cat category.Category) string {
	if p := c.Categories[cat.Slug()].Prefix; p != "" {
		return p
	}
	return cat.DefaultPrefix()
}

// Dir returns the local directory of a category.
func (c *Config) Dir(cat category.Category) string {
	if d := c.Categories[cat.Slug()].Dir; d != "" {
		return d
	}
	return filepath.Join(c.ModelsDir, cat.Module())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

// envDuration accepts Go durations ("30s") or a plain number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
