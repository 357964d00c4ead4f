// Package commands implements the debugrelay command line.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/config"
)

const flagEnvFile = "env-file"

// NewRootCmd returns the debugrelay command tree. Running it without a
// subcommand serves.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "debugrelay",
		Short: "Relays IDE debug sessions to locally spawned debug adapters",
		Long: `debugrelay accepts WebSocket connections from IDE clients and bridges each one
to a debug adapter process chosen by the adapterID of the client's initialize
request. Adapter stdio uses Content-Length framing; each WebSocket message
carries one protocol message.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	config.BindFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().String(flagEnvFile, ".env", "dotenv file loaded before reading the environment; ignored when missing")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAdaptersCmd())
	rootCmd.AddCommand(newSessionsCmd())

	return rootCmd
}

// loadConfig layers defaults, file, environment and flags, then validates.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString(flagEnvFile)
	if err != nil {
		return nil, err
	}
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	configPath, err := flags.GetString(config.FlagConfig)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
