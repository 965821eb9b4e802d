package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/engine"
)

// newServeCmd creates the `flowdeck serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the automation daemon",
		Long: `Start FlowDeck as a daemon: triggers are evaluated once a minute and on
board events, and fired instructions run automatically.

Examples:
  flowdeck serve
  flowdeck serve --config ./config.yaml`,
		RunE: runServe,
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if !app.cfg.Scheduler.Enabled {
		app.logger.Warn("scheduler disabled in config, nothing to do")
		return nil
	}

	scheduler := engine.NewScheduler(app.engine, app.instructions, app.states, app.store, app.bus, app.logger)
	if err := scheduler.Start(); err != nil {
		return err
	}

	app.logger.Info("FlowDeck running. Press Ctrl+C to stop.",
		"database", app.cfg.Database.Path,
		"model", app.cfg.API.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	app.logger.Info("shutdown signal received, stopping...")
	scheduler.Stop()
	return nil
}
