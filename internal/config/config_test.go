// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileSynthesizesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multi-instance.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.InstanceID == "" {
		t.Error("instance_id not generated")
	}
	if cfg.Server.APIKey == "" {
		t.Error("api key not generated")
	}
	if cfg.Mode != ModeStandalone {
		t.Errorf("mode = %q, want standalone", cfg.Mode)
	}
	if cfg.Agent.SyncInterval != 60*time.Second {
		t.Errorf("sync_interval = %v, want 60s", cfg.Agent.SyncInterval)
	}
	if cfg.Agent.Timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", cfg.Agent.Timeout)
	}

	// Defaults were persisted: a second load returns the same identity
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("Load (second): %v", err)
	}
	if cfg2.InstanceID != cfg.InstanceID {
		t.Errorf("instance_id changed across loads: %q vs %q", cfg2.InstanceID, cfg.InstanceID)
	}
	if cfg2.Server.APIKey != cfg.Server.APIKey {
		t.Error("api key changed across loads")
	}
}

func TestLoadExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
instance_id: "11111111-2222-3333-4444-555555555555"
mode: server
timezone: Europe/Paris
server:
  host: 127.0.0.1
  port: 9000
  api_key: serverkey
  data_dir: /tmp/apiary-data
  allowed_origins: ["http://dashboard.internal"]
agent:
  server_url: "https://hive.internal:8888"
  api_key: agentkey
  sync_interval: 2m
  timeout: 10s
  tls_skip_verify: true
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InstanceID != "11111111-2222-3333-4444-555555555555" {
		t.Errorf("instance_id = %q", cfg.InstanceID)
	}
	if cfg.Mode != ModeServer {
		t.Errorf("mode = %q, want server", cfg.Mode)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Agent.SyncInterval != 2*time.Minute {
		t.Errorf("sync_interval = %v, want 2m", cfg.Agent.SyncInterval)
	}
	if !cfg.Agent.TLSSkipVerify {
		t.Error("tls_skip_verify not parsed")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://dashboard.internal" {
		t.Errorf("allowed_origins = %v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("instance_id: abc\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("APIARY_SERVER_API_KEY", "env-server-key")
	t.Setenv("APIARY_AGENT_API_KEY", "env-agent-key")
	t.Setenv("APIARY_HOSTNAME", "env-host")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.APIKey != "env-server-key" {
		t.Errorf("server api key = %q", cfg.Server.APIKey)
	}
	if cfg.Agent.APIKey != "env-agent-key" {
		t.Errorf("agent api key = %q", cfg.Agent.APIKey)
	}
	if cfg.Hostname != "env-host" {
		t.Errorf("hostname = %q", cfg.Hostname)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, b := GenerateAPIKey(), GenerateAPIKey()
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
	if a == b {
		t.Error("two generated keys are identical")
	}
}
