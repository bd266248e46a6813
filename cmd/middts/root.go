package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "configs/config.yaml"

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	ConfigPath string
	LogLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "middts",
		Short:   "Digital-twin synchronisation core",
		Long:    "middts keeps digital-twin properties in sync with physical devices behind IoT gateways.",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", configPathFromEnv(),
		"path to the YAML configuration file (env MIDDTS_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "",
		"override logging.level (debug, info, warn, error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newCheckStatusCommand(opts))
	cmd.AddCommand(newListenCommand(opts))
	cmd.AddCommand(newDriveCommand(opts))
	cmd.AddCommand(newRefreshCommand(opts))

	return cmd
}

// configPathFromEnv returns the configuration file path from environment or default.
func configPathFromEnv() string {
	if path := os.Getenv("MIDDTS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
