// Package config – config.go defines the configuration structures for the
// FlowDeck automation daemon.
package config

import "time"

// Config holds all daemon configuration.
type Config struct {
	// API configures the AI provider endpoint.
	API APIConfig `yaml:"api"`

	// Database configures the SQLite board database.
	Database DatabaseConfig `yaml:"database"`

	// Engine configures run execution behavior.
	Engine EngineConfig `yaml:"engine"`

	// Scheduler configures automatic trigger evaluation.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the AI provider endpoint and credentials.
type APIConfig struct {
	// BaseURL is the API base URL (OpenAI-compatible endpoint).
	BaseURL string `yaml:"base_url"`

	// APIKey is the authentication key for the provider. The OS keyring and
	// the FLOWDECK_API_KEY environment variable take precedence; ${VAR}
	// references are expanded at load time.
	APIKey string `yaml:"api_key"`

	// Model is the model to use (e.g. "gpt-5-mini").
	Model string `yaml:"model"`

	// TimeoutSeconds bounds a single AI call (default: 180).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// DatabaseConfig configures the board database.
type DatabaseConfig struct {
	// Path is the SQLite database file path (default: "./data/flowdeck.db").
	Path string `yaml:"path"`
}

// EngineConfig configures run execution.
type EngineConfig struct {
	// AutoScope is the scope policy when an automatic modify/move run finds
	// cards the instruction already processed: "unprocessed" (default) or
	// "all".
	AutoScope string `yaml:"auto_scope"`

	// StatusMessages overrides the built-in status texts shown while a run
	// holds the channel slot. One is picked at random per run; the
	// instruction title is appended. Empty keeps the defaults.
	StatusMessages []string `yaml:"status_messages,omitempty"`
}

// SchedulerConfig configures automatic trigger evaluation.
type SchedulerConfig struct {
	// Enabled turns trigger evaluation on/off (default: true).
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// Timeout returns the configured AI call timeout.
func (a APIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-5-mini",
			TimeoutSeconds: 180,
		},
		Database: DatabaseConfig{
			Path: "./data/flowdeck.db",
		},
		Engine: EngineConfig{
			AutoScope: "unprocessed",
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
