// Package config – loader.go handles loading configuration from YAML files
// with credential management via environment variables and .env files.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadFromFile reads and parses a YAML configuration file. .env files are
// loaded first, then environment variables in the YAML text are expanded.
// Returns an error if any ${VAR:?error} reference has its variable unset.
func LoadFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := Parse([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)
	return cfg, nil
}

// Parse parses YAML bytes into a Config, overlaying defaults.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// YAML zeros bool fields when absent. A scheduler section that omits
	// "enabled" should not silently disable trigger evaluation.
	if schedMap, ok := raw["scheduler"].(map[string]any); ok {
		if _, set := schedMap["enabled"]; !set {
			cfg.Scheduler.Enabled = true
		}
	}
	return cfg, nil
}

// SaveToFile writes a Config as YAML to the given path. The API key is
// replaced with an environment variable reference so secrets never land in
// the file. The existing file is backed up to .bak first.
func SaveToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, "FLOWDECK_API_KEY")

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from the working directory. godotenv does
// not overwrite variables already set in the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// expandEnvVars replaces environment variable references in the YAML text.
// An unset ${VAR} keeps its placeholder; ${VAR:-default} substitutes the
// default; ${VAR:?message} fails with the message.
func expandEnvVars(text string) (string, error) {
	var expandErr error
	out := envVarPattern.ReplaceAllStringFunc(text, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[4]
		}
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		switch groups[2] {
		case "-":
			return groups[3]
		case "?":
			msg := groups[3]
			if msg == "" {
				msg = "required variable not set"
			}
			if expandErr == nil {
				expandErr = fmt.Errorf("%s: %s", name, msg)
			}
		}
		return match
	})
	if expandErr != nil {
		return "", expandErr
	}
	return out, nil
}

// resolveRelativePaths anchors relative file paths at the config file's
// directory so the daemon behaves the same from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	base := filepath.Dir(configPath)
	if cfg.Database.Path != "" && !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(base, cfg.Database.Path)
	}
}

// checkFilePermissions warns when the config file is readable by other
// users, since it may contain an inline API key.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.Mode().Perm()&0o044 != 0 && containsSecret(path) {
		slog.Warn("config file is readable by other users and contains an API key",
			"path", path, "hint", "chmod 600 "+path)
	}
}

func containsSecret(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "api_key:") {
			continue
		}
		value := strings.TrimSpace(strings.TrimPrefix(trimmed, "api_key:"))
		if value != "" && value != `""` && !strings.HasPrefix(value, "${") {
			return true
		}
	}
	return false
}

// sanitizeSecret replaces a literal secret with an env var reference.
// Values already referencing a variable pass through unchanged.
func sanitizeSecret(value, envVar string) string {
	if value == "" || strings.HasPrefix(value, "${") {
		return value
	}
	return "${" + envVar + "}"
}
