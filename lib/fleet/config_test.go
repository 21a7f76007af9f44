// Copyright 2026 The FleetForge Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const validConfig = `
fleet: prod
key_dir: /etc/fleetforge/keys
defaults:
  connect_timeout: 5s
  command_timeout: 30s
  retries: 2
nodes:
  vm01: {address: 10.0.0.11, port: 22, user: pipeline, enabled: true}
  vm02: {address: 10.0.0.12, user: pipeline, enabled: true}
  vm03: {address: 10.0.0.13, user: pipeline, enabled: false}
repo:
  source_node: vm01
  path: /srv/pipeline/repo
  target_path: /srv/pipeline/repo
configs:
  pipeline:
    default_path: /etc/pipeline/pipeline.json
    paths:
      vm02: /opt/pipeline/etc/pipeline.json
    schema: /etc/fleetforge/schemas/pipeline.json
backups:
  dir: /var/lib/fleetforge/backups
  retention: 2160h
`

func loadTestConfig(t *testing.T, contents string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return LoadFile(path)
}

func TestLoadFile(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Fleet != "prod" {
		t.Errorf("fleet = %q, want prod", cfg.Fleet)
	}
	if cfg.Defaults.ConnectTimeout.Std() != 5*time.Second {
		t.Errorf("connect_timeout = %v, want 5s", cfg.Defaults.ConnectTimeout.Std())
	}
	if cfg.Defaults.Retries != 2 {
		t.Errorf("retries = %d, want 2", cfg.Defaults.Retries)
	}

	// Defaults survive partial configuration.
	if cfg.Repo.Branch != "main" {
		t.Errorf("repo.branch = %q, want default main", cfg.Repo.Branch)
	}
	if cfg.Repo.Marker != ".sync-revision" {
		t.Errorf("repo.marker = %q, want default .sync-revision", cfg.Repo.Marker)
	}
	if cfg.Repo.Codec != "zstd" {
		t.Errorf("repo.codec = %q, want default zstd", cfg.Repo.Codec)
	}
}

func TestLoadRequiresEnvironmentVariable(t *testing.T) {
	t.Setenv("FLEETFORGE_CONFIG", "")
	os.Unsetenv("FLEETFORGE_CONFIG")

	if _, err := Load(); err == nil {
		t.Fatal("Load succeeded with FLEETFORGE_CONFIG unset")
	}
}

func TestNodeDefaultsPort(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	node, ok := cfg.Node("vm02")
	if !ok {
		t.Fatal("vm02 not found")
	}
	if node.Port != 22 {
		t.Errorf("vm02 port = %d, want default 22", node.Port)
	}
}

func TestAllowed(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if !cfg.Allowed("vm01") {
		t.Error("enabled node vm01 not allowed")
	}
	if cfg.Allowed("vm03") {
		t.Error("disabled node vm03 allowed")
	}
	if cfg.Allowed("vm99") {
		t.Error("unknown node vm99 allowed")
	}
}

func TestExplicitAllowList(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig+"\nallow: [vm01]\n")
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if !cfg.Allowed("vm01") {
		t.Error("listed node vm01 not allowed")
	}
	if cfg.Allowed("vm02") {
		t.Error("unlisted enabled node vm02 allowed despite explicit allow list")
	}
}

func TestAllowedNodesSorted(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := []string{"vm01", "vm02"}
	if got := cfg.AllowedNodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("AllowedNodes = %v, want %v", got, want)
	}
}

func TestTargetNodesExcludeSource(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	want := []string{"vm02"}
	if got := cfg.TargetNodes(); !reflect.DeepEqual(got, want) {
		t.Errorf("TargetNodes = %v, want %v", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	cfg, err := loadTestConfig(t, validConfig)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	path, err := cfg.ConfigPath("pipeline", "vm02")
	if err != nil {
		t.Fatalf("ConfigPath(pipeline, vm02): %v", err)
	}
	if path != "/opt/pipeline/etc/pipeline.json" {
		t.Errorf("per-node path = %q", path)
	}

	path, err = cfg.ConfigPath("pipeline", "vm01")
	if err != nil {
		t.Fatalf("ConfigPath(pipeline, vm01): %v", err)
	}
	if path != "/etc/pipeline/pipeline.json" {
		t.Errorf("default path = %q", path)
	}

	if _, err := cfg.ConfigPath("nonexistent", "vm01"); err == nil {
		t.Error("ConfigPath for unknown type succeeded")
	}
}

func TestValidateRejectsShortRetention(t *testing.T) {
	_, err := loadTestConfig(t, strings.Replace(validConfig, "retention: 2160h", "retention: 24h", 1))
	if err == nil {
		t.Fatal("retention below 90 days accepted")
	}
	if !strings.Contains(err.Error(), "retention") {
		t.Errorf("error does not mention retention: %v", err)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	broken := `
nodes:
  vm01: {port: 70000, enabled: true}
allow: [vm09]
defaults:
  retries: 0
`
	_, err := loadTestConfig(t, broken)
	if err == nil {
		t.Fatal("broken config accepted")
	}
	for _, fragment := range []string{"address is required", "user is required", "port 70000", "unknown node", "retries"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("joined error missing %q: %v", fragment, err)
		}
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("PIPELINE_ROOT", "/srv/pipeline")
	cfg, err := loadTestConfig(t, strings.Replace(validConfig,
		"path: /srv/pipeline/repo", "path: ${PIPELINE_ROOT}/repo", 1))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Repo.Path != "/srv/pipeline/repo" {
		t.Errorf("repo.path = %q, want expanded /srv/pipeline/repo", cfg.Repo.Path)
	}
}

func TestVariableExpansionDefault(t *testing.T) {
	os.Unsetenv("FLEETFORGE_STATE")
	cfg, err := loadTestConfig(t, strings.Replace(validConfig,
		"dir: /var/lib/fleetforge/backups", "dir: ${FLEETFORGE_STATE:-/var/lib/ff}/backups", 1))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Backups.Dir != "/var/lib/ff/backups" {
		t.Errorf("backups.dir = %q, want default-expanded", cfg.Backups.Dir)
	}
}
