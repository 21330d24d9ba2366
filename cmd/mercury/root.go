package main

import (
	"fmt"

	"github.com/copyleftdev/mercury/internal/config"
	"github.com/copyleftdev/mercury/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "mercury",
		Short:         "Chat-driven headless browser automation agent",
		Long:          "mercury listens for commands on Discord, Slack or its HTTP API and runs them against a pool of headless browser sessions, replying in the channel the command came from.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config file (default: search ./config.yaml, $HOME/.mercury, /etc/mercury)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newCheckBrowserCmd(opts),
		newKindsCmd(),
	)
	return rootCmd
}

// load reads configuration and builds the process logger.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
