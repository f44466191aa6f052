package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rahul/stepwise/internal/app"
	"github.com/rahul/stepwise/internal/observability"
	"github.com/rahul/stepwise/pkg/config"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stepwise",
		Short:         "Record browser interactions once and replay them as flows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ./config.json when present)")

	root.AddCommand(
		newServeCmd(),
		newRunCmd(),
		newDoCmd(),
		newExportCmd(),
		newImportCmd(),
		newFlowCmd(),
		newTriggerCmd(),
		newTaskCmd(),
		newLLMCmd(),
	)
	return root
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.Logs.Level)
	if err != nil {
		return nil, fmt.Errorf("logs.level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	return cfg, nil
}

// openService builds the service with logs going to w.
func openService(ctx context.Context, w io.Writer) (*app.Service, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := observability.NewLogger(w, cfg.Logs.LLMLogPath)
	svc, err := app.New(cfg, app.Options{}, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Init(ctx, nil); err != nil {
		svc.Close()
		return nil, nil, err
	}
	return svc, cfg, nil
}
