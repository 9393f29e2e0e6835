package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/videoinsight/internal/config"
	"github.com/videoinsight/pkg/logger"
)

var (
	cfgPath string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "videoinsight",
	Short:         "Turn long videos into structured notes, one checkpointed chunk at a time.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfg != nil {
			return nil
		}
		if cfgPath == "" {
			cfgPath = os.Getenv("CONFIG_PATH")
		}
		if cfgPath == "" {
			cfgPath = config.DefaultPath()
		}
		c, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		cfg = c
		logger.Init(cfg.Log.Level, cfg.Log.Dev)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Path to config file (default $CONFIG_PATH or $HOME/.videoinsight/config.yaml)")
}
