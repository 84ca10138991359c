// Package config holds the engine's configuration: defaults, YAML overlay,
// validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote"`
	Mutation  MutationConfig  `yaml:"mutation"`
	Listeners ListenersConfig `yaml:"listeners"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RemoteConfig points at the backend.
type RemoteConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// MutationConfig tunes the mutation pipeline.
type MutationConfig struct {
	// Timeout bounds how long an in-flight mutation may stay unsettled
	// before its optimistic overrides are rolled back locally. The remote
	// write itself is not cancelled.
	Timeout time.Duration `yaml:"timeout"`

	// BatchChunkSize caps writes per atomic batch commit.
	BatchChunkSize int `yaml:"batch_chunk_size"`
}

// ListenersConfig tunes subscription behavior.
type ListenersConfig struct {
	// AllowMultiple attaches one remote listener per subscribe call
	// instead of reference-counting duplicates.
	AllowMultiple bool `yaml:"allow_multiple"`

	// PreserveCacheAfterUnset keeps confirmed documents when a query's
	// last subscriber detaches.
	PreserveCacheAfterUnset bool `yaml:"preserve_cache_after_unset"`
}

// NATSConfig enables mirroring the action stream to NATS.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Mutation: MutationConfig{
			Timeout:        30 * time.Second,
			BatchChunkSize: 500,
		},
		Listeners: ListenersConfig{
			PreserveCacheAfterUnset: true,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			SubjectPrefix: "mirage.actions",
		},
		Logging: DefaultLoggingConfig(),
	}
}

// Load reads YAML from path over the defaults and validates the result. An
// empty path returns validated defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills in missing values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Mutation.Timeout <= 0 {
		c.Mutation.Timeout = 30 * time.Second
	}
	if c.Mutation.BatchChunkSize <= 0 {
		c.Mutation.BatchChunkSize = 500
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "mirage.actions"
	}
	c.Logging.ApplyDefaults()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Mutation.BatchChunkSize > 500 {
		return fmt.Errorf("config: mutation.batch_chunk_size %d exceeds backend cap 500", c.Mutation.BatchChunkSize)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("config: nats.url required when nats is enabled")
	}
	return c.Logging.Validate()
}
