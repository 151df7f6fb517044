// Package config provides configuration loading and validation for scour.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a scour daemon.
type Config struct {
	Journal       JournalConfig       `yaml:"journal"`
	Purge         PurgeConfig         `yaml:"purge"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type JournalConfig struct {
	Dir              string `yaml:"dir" env:"SCOUR_JOURNAL_DIR"`
	SegmentSizeBytes int64  `yaml:"segmentSizeBytes" env:"SCOUR_JOURNAL_SEGMENT_SIZE"`
	CompressMinBytes int64  `yaml:"compressMinBytes" env:"SCOUR_JOURNAL_COMPRESS_MIN"`
}

type PurgeConfig struct {
	MaxConcurrent int `yaml:"maxConcurrent" env:"SCOUR_PURGE_MAX_CONCURRENT"`
}

type ObjectStoreConfig struct {
	Endpoint     string `yaml:"endpoint" env:"SCOUR_S3_ENDPOINT"`
	Bucket       string `yaml:"bucket" env:"SCOUR_S3_BUCKET"`
	Region       string `yaml:"region" env:"SCOUR_S3_REGION"`
	AccessKey    string `yaml:"accessKey" env:"SCOUR_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secretKey" env:"SCOUR_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"usePathStyle" env:"SCOUR_S3_PATH_STYLE"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SCOUR_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SCOUR_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SCOUR_LOG_FORMAT"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Journal: JournalConfig{
			Dir:              "/var/lib/scour/journal",
			SegmentSizeBytes: 4 * 1024 * 1024, // 4MB
		},
		Purge: PurgeConfig{
			MaxConcurrent: 1,
		},
		ObjectStore: ObjectStoreConfig{
			Region: "us-east-1",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load returns the default configuration with environment overrides applied.
func Load() (*Config, error) {
	cfg := Default()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a YAML file, then applies
// environment overrides and validates.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := loadFromPath(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.Journal.Dir == "" {
		return fmt.Errorf("config: journal.dir is required")
	}
	if c.Journal.SegmentSizeBytes < 0 {
		return fmt.Errorf("config: journal.segmentSizeBytes must not be negative")
	}
	if c.Purge.MaxConcurrent < 1 {
		return fmt.Errorf("config: purge.maxConcurrent must be at least 1")
	}
	if c.ObjectStore.Bucket == "" {
		return fmt.Errorf("config: objectStore.bucket is required")
	}
	return nil
}

// applyEnv walks the config struct and overrides any field whose `env` tag
// names a set environment variable.
func applyEnv(cfg *Config) error {
	return applyEnvValue(reflect.ValueOf(cfg).Elem())
}

func applyEnvValue(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := v.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnvValue(field); err != nil {
				return err
			}
			continue
		}
		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(raw)
		case reflect.Int, reflect.Int64:
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			field.SetInt(n)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return fmt.Errorf("config: %s: %w", key, err)
			}
			field.SetBool(b)
		default:
			return fmt.Errorf("config: unsupported env override kind %s for %s", field.Kind(), key)
		}
	}
	return nil
}
