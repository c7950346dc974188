// Copyright 2026 The Nosdesk Authors
// SPDX-License-Identifier: Apache-2.0

package collab

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
listen: ":9090"
storage:
  path: /var/lib/nosdesk/snapshots.db
  compression: lz4
replicas:
  eviction_grace: 45s
persistence:
  debounce: 20s
  max_age: 3m
  max_updates: 200
sessions:
  max_sessions: 500
  open_rate: 10
  open_burst: 20
  awareness_ttl: 1m
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen: %q", cfg.Listen)
	}
	if cfg.Storage.Path != "/var/lib/nosdesk/snapshots.db" || cfg.Storage.Compression != "lz4" {
		t.Errorf("Storage: %+v", cfg.Storage)
	}
	if cfg.Replicas.EvictionGrace != 45*time.Second {
		t.Errorf("EvictionGrace: %v", cfg.Replicas.EvictionGrace)
	}
	if cfg.Persistence.Debounce != 20*time.Second || cfg.Persistence.MaxUpdates != 200 {
		t.Errorf("Persistence: %+v", cfg.Persistence)
	}
	if cfg.Sessions.MaxSessions != 500 || cfg.Sessions.AwarenessTTL != time.Minute {
		t.Errorf("Sessions: %+v", cfg.Sessions)
	}
}

func TestLoadConfigDefaultsListen(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "storage:\n  path: /tmp/s.db\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("default Listen: %q", cfg.Listen)
	}
}

func TestLoadConfigRequiresStorage(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "listen: \":8080\"\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted a config without storage")
	}
}

func TestLoadConfigRejectsBothBackends(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
storage:
  path: /tmp/s.db
  postgres_url: postgres://localhost/nosdesk
`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig accepted both sqlite and postgres backends")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("LoadConfig succeeded on a missing file")
	}
}
