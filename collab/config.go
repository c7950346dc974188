// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration loaded from a YAML file. Zero
// values fall back to the component defaults; only storage needs to be
// set explicitly.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8080".
	Listen string `yaml:"listen"`

	// Storage selects and configures the snapshot backend.
	Storage StorageConfig `yaml:"storage"`

	// Replicas tunes the in-memory replica store.
	Replicas ReplicasConfig `yaml:"replicas"`

	// Persistence tunes the snapshot flush triggers.
	Persistence PersistenceConfig `yaml:"persistence"`

	// Sessions tunes connection admission and presence.
	Sessions SessionsConfig `yaml:"sessions"`
}

// StorageConfig selects the snapshot backend. Exactly one of Path or
// PostgresURL must be set.
type StorageConfig struct {
	// Path is the SQLite database file for the embedded backend.
	Path string `yaml:"path"`

	// PostgresURL selects the PostgreSQL backend instead.
	PostgresURL string `yaml:"postgres_url"`

	// Compression names the snapshot blob compression: "none", "lz4",
	// or "zstd". Defaults to zstd.
	Compression string `yaml:"compression"`
}

// ReplicasConfig tunes the replica store.
type ReplicasConfig struct {
	// EvictionGrace is how long a replica with no sessions stays warm.
	EvictionGrace time.Duration `yaml:"eviction_grace"`
}

// PersistenceConfig tunes the snapshot flush triggers.
type PersistenceConfig struct {
	Debounce   time.Duration `yaml:"debounce"`
	MaxAge     time.Duration `yaml:"max_age"`
	MaxUpdates uint64        `yaml:"max_updates"`
}

// SessionsConfig tunes admission and presence.
type SessionsConfig struct {
	// MaxSessions caps concurrently open sessions.
	MaxSessions int `yaml:"max_sessions"`

	// OpenRate and OpenBurst bound session admission per second.
	OpenRate  float64 `yaml:"open_rate"`
	OpenBurst int     `yaml:"open_burst"`

	// OutboundQueue is the per-session outbound frame buffer.
	OutboundQueue int `yaml:"outbound_queue"`

	// AwarenessTTL is how long presence survives without a refresh.
	AwarenessTTL time.Duration `yaml:"awareness_ttl"`
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration for contradictions.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.Storage.Path == "" && c.Storage.PostgresURL == "" {
		return fmt.Errorf("storage: either path or postgres_url must be set")
	}
	if c.Storage.Path != "" && c.Storage.PostgresURL != "" {
		return fmt.Errorf("storage: path and postgres_url are mutually exclusive")
	}
	return nil
}
