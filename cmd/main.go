package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/treecast/internal/config"
	"github.com/iggydv12/treecast/internal/controller"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile string
	devLog  bool
	reset   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "treecast",
		Short: "treecast: per-topic multicast tree control plane with metadata aggregation and anycast",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a treecast node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	startCmd.Flags().BoolVar(&devLog, "dev", false, "Human-readable debug logging")
	startCmd.Flags().BoolVar(&reset, "reset", false, "Discard persisted leaves and epoch before starting")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	// Set up logger
	newLogger := zap.NewProduction
	if devLog {
		newLogger = zap.NewDevelopment
	}
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	logger.Info("Starting treecast", zap.String("version", version), zap.Bool("reset", reset))

	ctrl := controller.NewController(cfg, controller.Options{Reset: reset}, logger)
	return ctrl.Run(context.Background())
}
