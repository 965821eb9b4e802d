package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/ai"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/config"
)

// newConfigCmd creates the `flowdeck config` command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration and credentials",
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigShowCmd(),
		newConfigSetKeyCmd(),
		newConfigClearKeyCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Root().PersistentFlags().GetString("config")
			if path == "" {
				path = defaultConfigPath
			}
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", path)
			}
			if err := config.SaveToFile(config.DefaultConfig(), path); err != nil {
				return err
			}
			cmd.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			// Never print the resolved key.
			if cfg.API.APIKey != "" && !strings.HasPrefix(cfg.API.APIKey, "${") {
				cfg.API.APIKey = "(set)"
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func newConfigSetKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-key",
		Short: "Store the AI API key in the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !ai.KeyringAvailable() {
				return fmt.Errorf("no OS keyring available; set FLOWDECK_API_KEY in the environment instead")
			}

			fd := int(os.Stdin.Fd())
			if !term.IsTerminal(fd) {
				return fmt.Errorf("set-key needs an interactive terminal")
			}
			cmd.Print("API key (input hidden): ")
			key, err := term.ReadPassword(fd)
			cmd.Println()
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			value := strings.TrimSpace(string(key))
			if value == "" {
				return fmt.Errorf("empty key, nothing stored")
			}

			if err := ai.StoreAPIKey(value); err != nil {
				return fmt.Errorf("storing key in keyring: %w", err)
			}
			cmd.Println("API key stored in the OS keyring.")
			return nil
		},
	}
}

func newConfigClearKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-key",
		Short: "Remove the AI API key from the OS keyring",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := ai.DeleteAPIKey(); err != nil {
				return fmt.Errorf("removing key from keyring: %w", err)
			}
			cmd.Println("API key removed from the OS keyring.")
			return nil
		},
	}
}
