// Package config loads a declarative YAML description of providers,
// dispatcher and shared tables, and assembles a blobmgr.Manager from it.
//
// Example:
//
//	log:
//	  level: info
//	  format: json
//	providers:
//	  - id: default
//	    type: local
//	    gc: true
//	    local:
//	      root: /var/lib/blobs
//	  - id: archive
//	    type: s3
//	    cold_storage: true
//	    s3:
//	      bucket: my-archive
//	      storage_class: GLACIER
//	dispatcher:
//	  type: rules
//	  properties:
//	    default: default
//	    blob:xpath=coldstorage:content: archive
//	key_replacements:
//	  redis:
//	    addr: localhost:6379
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/hupe1980/blobmgr/dispatch"
)

// Config is the root of a configuration file.
type Config struct {
	Log             LogConfig             `yaml:"log"`
	Providers       []ProviderConfig      `yaml:"providers"`
	Dispatcher      DispatcherConfig      `yaml:"dispatcher"`
	KeyReplacements KeyReplacementsConfig `yaml:"key_replacements"`
	Tombstones      TombstonesConfig      `yaml:"tombstones"`
	GC              GCConfig              `yaml:"gc"`
}

// LogConfig selects the log level and format ("text" or "json").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProviderConfig describes one blob provider.
type ProviderConfig struct {
	ID          string `yaml:"id"`
	Type        string `yaml:"type"`
	Transient   bool   `yaml:"transient"`
	RecordMode  bool   `yaml:"record_mode"`
	GC          bool   `yaml:"gc"`
	ColdStorage bool   `yaml:"cold_storage"`
	// KeyStrategy is "digest" or "opaque".
	KeyStrategy string `yaml:"key_strategy"`
	Digest      string `yaml:"digest"`
	// CacheSize enables an LRU block cache of that many bytes.
	CacheSize int64 `yaml:"cache_size"`
	// CacheBlockSize is the cache block size in bytes.
	CacheBlockSize int64  `yaml:"cache_block_size"`
	TempDir        string `yaml:"temp_dir"`

	Local LocalConfig `yaml:"local"`
	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

// LocalConfig configures a "local" provider.
type LocalConfig struct {
	Root string `yaml:"root"`
}

// S3Config configures an "s3" provider.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	PathStyle    bool   `yaml:"path_style"`
	StorageClass string `yaml:"storage_class"`
	RestoreTier  string `yaml:"restore_tier"`
}

// MinIOConfig configures a "minio" provider.
type MinIOConfig struct {
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	Secure       bool   `yaml:"secure"`
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	StorageClass string `yaml:"storage_class"`
}

// DispatcherConfig selects a registered dispatcher type. Properties keep
// their file order, which is the rule order of the rules dispatcher.
type DispatcherConfig struct {
	Type       string        `yaml:"type"`
	Properties yaml.MapSlice `yaml:"properties"`
}

// KeyReplacementsConfig configures the key replacement table. Without a
// Redis address the table lives in memory.
type KeyReplacementsConfig struct {
	TTL   time.Duration `yaml:"ttl"`
	Redis RedisConfig   `yaml:"redis"`
}

// RedisConfig configures a Redis connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// TombstonesConfig configures deferred deletion. Without a table the
// tombstones live in memory.
type TombstonesConfig struct {
	SafetyWindow time.Duration  `yaml:"safety_window"`
	DynamoDB     DynamoDBConfig `yaml:"dynamodb"`
}

// DynamoDBConfig configures the DynamoDB tombstone table.
type DynamoDBConfig struct {
	Table     string `yaml:"table"`
	Namespace string `yaml:"namespace"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
}

// GCConfig configures binary garbage collection.
type GCConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Dispatcher.Type == "" {
		c.Dispatcher.Type = "default"
	}
	if c.Tombstones.DynamoDB.Table != "" && c.Tombstones.DynamoDB.Namespace == "" {
		c.Tombstones.DynamoDB.Namespace = "default"
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.Type == "" {
			p.Type = "memory"
		}
		if p.KeyStrategy == "" {
			p.KeyStrategy = "digest"
		}
		if p.Digest == "" {
			p.Digest = "MD5"
		}
		if p.CacheSize > 0 && p.CacheBlockSize == 0 {
			p.CacheBlockSize = 1 << 20
		}
	}
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: must be text or json", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider #%d: missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("provider %s: duplicate id", p.ID)
		}
		seen[p.ID] = true
		switch p.KeyStrategy {
		case "digest", "opaque":
		default:
			return fmt.Errorf("provider %s: unknown key strategy %q", p.ID, p.KeyStrategy)
		}
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	_ = level.UnmarshalText([]byte(c.Log.Level))
	return level
}

// DispatcherDescriptor converts the dispatcher section.
func (c *Config) DispatcherDescriptor() dispatch.Descriptor {
	props := make(dispatch.Properties, 0, len(c.Dispatcher.Properties))
	for _, item := range c.Dispatcher.Properties {
		props = append(props, dispatch.Property{
			Name:  fmt.Sprint(item.Key),
			Value: fmt.Sprint(item.Value),
		})
	}
	return dispatch.Descriptor{Name: c.Dispatcher.Type, Properties: props}
}
