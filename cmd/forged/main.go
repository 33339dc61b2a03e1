// Forged is the forge daemon. It serves the control protocol over HTTP,
// mirrors session events to NATS when configured and picks up approval
// decisions dropped into the approvals directory.
//
// Usage:
//
//	# Start with ~/.config/forge/config.yaml and FORGE_* overrides
//	forged
//
//	# Explicit config file
//	forged -config /etc/forge/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forge/internal/app"
	"github.com/fyrsmithlabs/forge/internal/config"
	forgehttp "github.com/fyrsmithlabs/forge/internal/http"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/forge/config.yaml)")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  forged           Start the forge daemon\n")
			fmt.Fprintf(os.Stderr, "  forged version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "forged: %v\n", err)
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("forged by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run assembles the process, serves until ctx is cancelled and then shuts
// down: HTTP first so no new sessions arrive, then the running sessions,
// which stay checkpointed for the next start.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	return serve(ctx, cfg, app.Options{Version: version})
}

func serve(ctx context.Context, cfg *config.Config, opts app.Options) error {
	a, err := app.New(ctx, cfg, opts)
	if err != nil {
		return fmt.Errorf("initializing: %w", err)
	}
	logger := a.Logger
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.Close(shutdownCtx); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()

	srv, err := forgehttp.NewServer(a.Controller, a.Bus, logger.Named("http"), &forgehttp.Config{
		Host:     cfg.Server.Host,
		Port:     cfg.Server.Port,
		Gatherer: a.Registry,
	})
	if err != nil {
		return err
	}

	logger.Info("starting forged",
		zap.String("version", version),
		zap.String("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.Strings("route", cfg.Workflow.Route),
		zap.Bool("nats", cfg.Events.NATSURL != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("forged stopped")
	return err
}
