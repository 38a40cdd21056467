package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjy-dev/ropsynth/internal/config"
	"github.com/zjy-dev/ropsynth/internal/logger"
)

// NewRopsynthCommand creates the root command for the ropsynth tool.
func NewRopsynthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ropsynth",
		Short: "Build guarded ROP chains for the ropsynth challenge.",
		Long: `ropsynth receives blobs of guarded x86-64 gadgets, recovers the stack
words each guard expects, and submits open/read/write chains with those
words interleaved, round after round.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(NewSolveCommand())
	cmd.AddCommand(NewInspectCommand())
	cmd.AddCommand(NewServeCommand())

	return cmd
}

// loadConfig reads the configuration and starts logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
	}

	if cfg.LogDir != "" {
		if err := logger.InitWithFile(cfg.LogLevel, cfg.LogDir); err != nil {
			return nil, err
		}
		logger.Info("Logging to %s", logger.GetLogFilePath())
	} else {
		logger.Init(cfg.LogLevel)
		logger.SetLevel(cfg.LogLevel)
	}
	return cfg, nil
}
