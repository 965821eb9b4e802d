// Package commands – app.go wires config, database, storage, and engine
// for the CLI commands.
package commands

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/ai"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/config"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/engine"
)

const defaultConfigPath = "config.yaml"

// app bundles everything a command needs.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db    *sql.DB
	bus   *board.Bus
	store *board.SQLiteStore

	runs         *engine.SQLiteRunStorage
	instructions *engine.SQLiteInstructionStorage
	states       *engine.SQLiteTriggerStateStorage

	engine *engine.Engine
}

// openApp loads configuration, opens the database, and builds the engine.
func openApp(cmd *cobra.Command) (*app, error) {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg)

	db, err := board.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	bus := board.NewBus()
	store := board.NewSQLiteStore(db, bus, logger)
	runs := engine.NewSQLiteRunStorage(db)
	instructions := engine.NewSQLiteInstructionStorage(db)
	states := engine.NewSQLiteTriggerStateStorage(db)

	completer := ai.NewClient(ai.ClientConfig{
		BaseURL: cfg.API.BaseURL,
		APIKey:  ai.ResolveAPIKey(cfg.API.APIKey),
		Model:   cfg.API.Model,
		Timeout: cfg.API.Timeout(),
	}, logger)

	eng := engine.New(store, runs, instructions, completer, engine.Options{
		AutoScope: engine.RunScope(cfg.Engine.AutoScope),
		Status:    engine.StatusFormatterFromMessages(cfg.Engine.StatusMessages),
		Logger:    logger,
	})

	return &app{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		bus:          bus,
		store:        store,
		runs:         runs,
		instructions: instructions,
		states:       states,
		engine:       eng,
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

// resolveConfig loads the config file named by --config, falling back to
// ./config.yaml, falling back to defaults when no file exists.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
	}
	return config.LoadFromFile(path)
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
