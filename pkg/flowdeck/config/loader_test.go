package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseOverlaysDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte("api:\n  model: gpt-5\ndatabase:\n  path: /tmp/test.db\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.API.Model != "gpt-5" {
		t.Fatalf("model not overridden: %q", cfg.API.Model)
	}
	if cfg.API.BaseURL == "" {
		t.Fatal("default base URL lost")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Fatalf("database path not overridden: %q", cfg.Database.Path)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("scheduler default lost")
	}
	if cfg.Engine.AutoScope != "unprocessed" {
		t.Fatalf("auto scope default lost: %q", cfg.Engine.AutoScope)
	}
}

func TestParseSchedulerEnabledDefault(t *testing.T) {
	t.Parallel()

	// A scheduler section that only sets other fields must not zero the
	// enabled flag.
	cfg, err := Parse([]byte("scheduler: {}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Scheduler.Enabled {
		t.Fatal("partial scheduler section disabled the scheduler")
	}

	cfg, err = Parse([]byte("scheduler:\n  enabled: false\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.Enabled {
		t.Fatal("explicit enabled: false ignored")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FLOWDECK_TEST_KEY", "sk-123")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"simple reference", "api_key: ${FLOWDECK_TEST_KEY}", "api_key: sk-123", false},
		{"unset keeps placeholder", "api_key: ${FLOWDECK_TEST_UNSET}", "api_key: ${FLOWDECK_TEST_UNSET}", false},
		{"unset uses default", "model: ${FLOWDECK_TEST_UNSET:-gpt-5}", "model: gpt-5", false},
		{"set ignores default", "model: ${FLOWDECK_TEST_KEY:-other}", "model: sk-123", false},
		{"required unset errors", "api_key: ${FLOWDECK_TEST_UNSET:?api key required}", "", true},
		{"bare variable", "api_key: $FLOWDECK_TEST_KEY", "api_key: sk-123", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := expandEnvVars(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("expand: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFromFileResolvesRelativePaths(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "database:\n  path: data/board.db\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := filepath.Join(dir, "data", "board.db")
	if cfg.Database.Path != want {
		t.Fatalf("got %q, want %q", cfg.Database.Path, want)
	}
}

func TestSaveToFileSanitizesKey(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-secret-value"
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if strings.Contains(string(data), "sk-secret-value") {
		t.Fatal("literal API key written to disk")
	}
	if !strings.Contains(string(data), "${FLOWDECK_API_KEY}") {
		t.Fatal("env var reference missing")
	}

	// Saving again backs up the previous file.
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("backup missing: %v", err)
	}
}
