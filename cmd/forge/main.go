// Package main implements the forge CLI.
//
// Workflows run in-process against the configured checkpoint and memory
// backends, so a session started here can be resumed by the daemon and the
// other way round.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/app"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/logging"
)

var (
	// configPath overrides ~/.config/forge/config.yaml
	configPath string
	// outputJSON switches every command to machine-readable output
	outputJSON bool
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forge",
	Short: "Multi-agent software generation",
	Long: `forge turns a task description into a working artifact by routing it through
research, architecture, code generation and a review/fix loop.

Every stage transition is checkpointed. Interrupted or failed sessions can be
resumed with "forge resume".`,
	Version:      version,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/forge/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output results as JSON")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// quietLogger keeps stdout for command output; logs go to stderr at the
// configured level.
func quietLogger(cfg *config.Config) (*zap.Logger, error) {
	settings := cfg.Logging
	settings.Stderr = true
	settings.Format = "console"
	if settings.Level == "" || settings.Level == "info" {
		settings.Level = "warn"
	}
	lcfg, err := logging.FromSettings(settings)
	if err != nil {
		return nil, err
	}
	lg, err := logging.NewLogger(lcfg, nil)
	if err != nil {
		return nil, err
	}
	return lg.Underlying(), nil
}

// openApp assembles the full process for commands that run workflows.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := quietLogger(cfg)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{Version: version, Logger: logger})
}

// openStore opens only the checkpoint store, for commands that inspect or
// maintain sessions without running them.
func openStore(ctx context.Context) (checkpoint.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger, err := quietLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := checkpoint.New(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("opening checkpoint store: %w", err)
	}
	return store, cfg, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
