package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeConfigIn(t, t.TempDir(), name, contents)
}

func writeConfigIn(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "modeldeck.yaml", `
backend:
  url: https://serving.internal
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if cfg.Backend.Timeout != 10*time.Second || cfg.Backend.RetryAttempts != 3 {
		t.Errorf("Backend = %+v", cfg.Backend)
	}
	if cfg.Storage.Driver != StorageBackend {
		t.Errorf("Storage.Driver = %q", cfg.Storage.Driver)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Stream.PongWait != 0 {
		t.Errorf("keepalive should be off by default, PongWait = %v", cfg.Stream.PongWait)
	}
}

func TestLoadParsesDurationsAndEnv(t *testing.T) {
	t.Setenv("MODELDECK_TEST_TOKEN", "tok-123")
	path := writeConfig(t, "modeldeck.yaml", `
backend:
  url: http://localhost:9000
  token: ${MODELDECK_TEST_TOKEN}
  timeout: 3s
stream:
  handshake_timeout: 2s
  pong_wait: 30s
  read_limit: 4096
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.Token != "tok-123" {
		t.Errorf("Backend.Token = %q", cfg.Backend.Token)
	}
	if cfg.Backend.Timeout != 3*time.Second || cfg.Stream.HandshakeTimeout != 2*time.Second || cfg.Stream.PongWait != 30*time.Second {
		t.Errorf("durations = %v %v %v", cfg.Backend.Timeout, cfg.Stream.HandshakeTimeout, cfg.Stream.PongWait)
	}
	if cfg.Stream.ReadLimit != 4096 {
		t.Errorf("ReadLimit = %d", cfg.Stream.ReadLimit)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "modeldeck.yaml", `
server:
  listen: ":8080"
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name     string
		contents string
		wantErr  string
	}{
		{
			name:     "bad backend scheme",
			contents: "backend:\n  url: ws://localhost:8000",
			wantErr:  "backend.url",
		},
		{
			name:     "unknown storage driver",
			contents: "storage:\n  driver: redis",
			wantErr:  "storage.driver",
		},
		{
			name:     "postgres without dsn",
			contents: "storage:\n  driver: postgres",
			wantErr:  "storage.dsn",
		},
		{
			name:     "negative start limit",
			contents: "server:\n  start_limit:\n    enabled: true\n    burst: -1",
			wantErr:  "server.start_limit",
		},
		{
			name:     "bad log level",
			contents: "logging:\n  level: loud",
			wantErr:  "logging.level",
		},
		{
			name:     "sampling out of range",
			contents: "observability:\n  tracing:\n    sampling_rate: 2",
			wantErr:  "sampling_rate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "modeldeck.yaml", tt.contents)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadSQLiteDefaultPath(t *testing.T) {
	path := writeConfig(t, "modeldeck.yaml", "storage:\n  driver: sqlite")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Path != "modeldeck.db" {
		t.Errorf("Storage.Path = %q", cfg.Storage.Path)
	}
}

func TestLoadJSON5WithIncludes(t *testing.T) {
	dir := t.TempDir()
	writeConfigIn(t, dir, "base.yaml", `
backend:
  url: http://base:8000
  retry_attempts: 5
logging:
  level: debug
`)
	path := writeConfigIn(t, dir, "modeldeck.json5", `{
  // local overrides
  "$include": "base.yaml",
  backend: { url: "http://override:8000" },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backend.URL != "http://override:8000" {
		t.Errorf("Backend.URL = %q", cfg.Backend.URL)
	}
	if cfg.Backend.RetryAttempts != 5 || cfg.Logging.Level != "debug" {
		t.Errorf("included values not merged: %+v %+v", cfg.Backend, cfg.Logging)
	}
}

func TestLoadRawIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeConfigIn(t, dir, "a.yaml", "$include: b.yaml")
	writeConfigIn(t, dir, "b.yaml", "$include: a.yaml")

	_, err := LoadRaw(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestLoadRawRequiresPath(t *testing.T) {
	if _, err := LoadRaw("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMergeMaps(t *testing.T) {
	dst := map[string]any{"a": map[string]any{"x": 1, "y": 2}, "b": 1}
	src := map[string]any{"a": map[string]any{"y": 3}, "c": 4}
	got := mergeMaps(dst, src)
	nested := got["a"].(map[string]any)
	if nested["x"] != 1 || nested["y"] != 3 || got["b"] != 1 || got["c"] != 4 {
		t.Errorf("mergeMaps() = %v", got)
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}
