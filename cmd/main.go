package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"beacon/offline/internal/config"
	"beacon/offline/internal/engine"
)

var (
	cfgFile string
	backend string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "offlined",
		Short: "Client-resident offline cache and sync daemon",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the offline engine",
		RunE:  runStart,
	}

	startCmd.Flags().StringVarP(&backend, "backend", "b", "", "Storage backend: 'pebble' | 'sqlite' (overrides config)")
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	// Set up logger
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}

	if backend != "" {
		switch backend {
		case "pebble", "sqlite":
			cfg.Storage.Backend = backend
		default:
			return fmt.Errorf("unknown backend: %s (use 'pebble' or 'sqlite')", backend)
		}
	}

	logger.Info("Starting offline engine", zap.String("backend", cfg.Storage.Backend))

	eng := engine.New(cfg, logger)
	return eng.Run(context.Background())
}
