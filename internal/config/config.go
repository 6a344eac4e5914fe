// Package config loads the zarrserve server configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	// Listen is the HTTP listen address.
	Listen string `yaml:"listen"`

	// RequestTimeout bounds every request, e.g. "30s".
	RequestTimeout string `yaml:"request_timeout"`

	Logging  LoggingConfig   `yaml:"logging"`
	Cache    CacheConfig     `yaml:"cache"`
	Datasets []DatasetConfig `yaml:"datasets"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// CacheConfig configures the shared chunk cache.
type CacheConfig struct {
	// Capacity is the resident byte limit.
	Capacity int64 `yaml:"capacity"`

	// HalfLife is the number of accesses after which recency outweighs a
	// factor of e in production cost per byte.
	HalfLife int `yaml:"half_life"`
}

// DatasetConfig describes one served dataset.
type DatasetConfig struct {
	Name      string                  `yaml:"name"`
	Source    SourceConfig            `yaml:"source"`
	Dimension string                  `yaml:"dimension"`
	Attrs     map[string]any          `yaml:"attrs"`
	Columns   map[string]ColumnConfig `yaml:"columns"`
}

// SourceConfig locates a Parquet file. Exactly one of Path or S3 is set.
type SourceConfig struct {
	Path string    `yaml:"path"`
	S3   *S3Source `yaml:"s3"`
}

// S3Source locates a Parquet object in an S3-compatible store.
type S3Source struct {
	Bucket          string `yaml:"bucket"`
	Key             string `yaml:"key"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// ColumnConfig sets per-variable attributes and encoding.
type ColumnConfig struct {
	Attrs map[string]any `yaml:"attrs"`

	// Compressor is a numcodecs configuration such as {id: zstd, level: 3}.
	Compressor map[string]any `yaml:"compressor"`

	// NoCompressor serves chunks uncompressed.
	NoCompressor bool `yaml:"no_compressor"`

	Filters []map[string]any `yaml:"filters"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:         ":9000",
		RequestTimeout: "30s",
		Logging: LoggingConfig{
			Level: "info",
		},
		Cache: CacheConfig{
			Capacity: 256 << 20,
			HalfLife: 1024,
		},
	}
}

// Load reads and validates the configuration at path. Environment variables
// ZARRSERVE_LISTEN and ZARRSERVE_LOG_LEVEL override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ZARRSERVE_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("ZARRSERVE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for missing or conflicting settings.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if _, err := time.ParseDuration(c.RequestTimeout); err != nil {
		errs = append(errs, fmt.Errorf("request_timeout: %w", err))
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	if c.Cache.Capacity < 0 {
		errs = append(errs, errors.New("cache.capacity must not be negative"))
	}

	seen := make(map[string]bool, len(c.Datasets))
	for i, ds := range c.Datasets {
		if ds.Name == "" {
			errs = append(errs, fmt.Errorf("datasets[%d]: name is required", i))
			continue
		}
		if seen[ds.Name] {
			errs = append(errs, fmt.Errorf("datasets[%d]: duplicate name %q", i, ds.Name))
		}
		seen[ds.Name] = true

		if err := ds.Source.validate(); err != nil {
			errs = append(errs, fmt.Errorf("dataset %q: %w", ds.Name, err))
		}
		for col, cc := range ds.Columns {
			if cc.NoCompressor && cc.Compressor != nil {
				errs = append(errs, fmt.Errorf("dataset %q column %q: compressor and no_compressor are exclusive", ds.Name, col))
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (s SourceConfig) validate() error {
	switch {
	case s.Path == "" && s.S3 == nil:
		return errors.New("source requires path or s3")
	case s.Path != "" && s.S3 != nil:
		return errors.New("source path and s3 are exclusive")
	case s.S3 != nil && (s.S3.Bucket == "" || s.S3.Key == ""):
		return errors.New("s3 source requires bucket and key")
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (c *Config) Timeout() time.Duration {
	d, err := time.ParseDuration(c.RequestTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}
