// Package app assembles a forge process from configuration.
//
// Both binaries build the same object graph: checkpoint store, memory,
// approval gate, event fan-out, supervisor and controller. The daemon adds
// the HTTP transport on top; the CLI drives the controller directly.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/build"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/config"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/embeddings"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/llm"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
	"github.com/fyrsmithlabs/forge/internal/retry"
	"github.com/fyrsmithlabs/forge/internal/search"
	"github.com/fyrsmithlabs/forge/internal/secrets"
	"github.com/fyrsmithlabs/forge/internal/snapshot"
	"github.com/fyrsmithlabs/forge/internal/telemetry"
	"github.com/fyrsmithlabs/forge/internal/vectorstore"
)

// Options adjusts assembly. The zero value builds everything from config.
type Options struct {
	Version string

	// LLM replaces the configured completion client.
	LLM llm.Client

	// Embedder replaces the configured embedding provider.
	Embedder embeddings.Provider

	// Logger replaces the logger built from the logging section.
	Logger *zap.Logger
}

// App is an assembled forge process.
type App struct {
	Config     *config.Config
	Logger     *zap.Logger
	Telemetry  *telemetry.Telemetry
	Registry   *prometheus.Registry
	Scrubber   *secrets.Scrubber
	Bus        *events.Bus
	Gate       *approval.Gate
	Memory     *memory.VectorStore
	Supervisor *orchestrator.Supervisor
	Controller *control.Controller

	checkpoints checkpoint.Store
	vectors     vectorstore.Store
	embedder    embeddings.Provider
	decider     *approval.FileDecider
	nats        *events.NATSBridge
	sync        func() error
}

// Checkpoints exposes the checkpoint store for maintenance commands.
func (a *App) Checkpoints() checkpoint.Store { return a.checkpoints }

// New builds the object graph. On error everything opened so far is
// closed again.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg, Registry: prometheus.NewRegistry(), Bus: events.NewBus()}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	a.Telemetry, err = telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, opts.Version))
	if err != nil {
		return nil, err
	}

	if opts.Logger != nil {
		a.Logger = opts.Logger
		a.sync = opts.Logger.Sync
	} else {
		lcfg, err := logging.FromSettings(cfg.Logging)
		if err != nil {
			return nil, err
		}
		lg, err := logging.NewLogger(lcfg, a.Telemetry.LoggerProvider())
		if err != nil {
			return nil, fmt.Errorf("creating logger: %w", err)
		}
		a.Logger = lg.Underlying()
		a.sync = lg.Sync
	}
	if h := a.Telemetry.Health(); h.Degraded() {
		a.Logger.Warn("telemetry export degraded", zap.Strings("issues", h.Issues))
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.Scrubber = secrets.Default()
	policy := retry.FromConfig(cfg.Retry, a.Logger.Named("retry"))

	if a.checkpoints, err = checkpoint.New(ctx, cfg.Checkpoint, a.Logger.Named("checkpoint")); err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	a.embedder = opts.Embedder
	if a.embedder == nil {
		ecfg := cfg.Embeddings
		ecfg.CacheDir = config.ExpandHome(ecfg.CacheDir)
		if a.embedder, err = embeddings.NewProvider(ecfg, a.Logger.Named("embeddings")); err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
	}
	mcfg := cfg.Memory
	mcfg.Path = config.ExpandHome(mcfg.Path)
	if dim := a.embedder.Dimension(); dim > 0 && dim != mcfg.VectorSize {
		a.Logger.Warn("memory vector size does not match embedder, using embedder dimension",
			zap.Int("configured", mcfg.VectorSize), zap.Int("embedder", dim))
		mcfg.VectorSize = dim
	}
	if a.vectors, err = vectorstore.New(mcfg, a.Logger.Named("vectorstore")); err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	a.Memory = memory.New(a.vectors, a.embedder,
		memory.WithScrubber(a.Scrubber),
		memory.WithRetry(policy),
		memory.WithLogger(a.Logger.Named("memory")))

	policies, err := approval.NewPolicySet(cfg.Approval.Policies)
	if err != nil {
		return nil, err
	}
	a.Gate = approval.NewGate(policies, approval.WithLogger(a.Logger.Named("approval")))
	if cfg.Approval.Dir != "" {
		a.decider = approval.NewFileDecider(config.ExpandHome(cfg.Approval.Dir), a.Gate, a.Logger.Named("approval"))
		a.Gate.Subscribe(a.decider.Notify)
	}

	publisher := events.Multi{a.Bus}
	if cfg.Events.NATSURL != "" {
		if a.nats, err = events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, a.Logger.Named("nats")); err != nil {
			return nil, err
		}
		publisher = append(publisher, a.nats)
	}

	client := opts.LLM
	if client == nil {
		if client, err = llm.New(cfg.LLM, policy, a.Scrubber, a.Logger.Named("llm")); err != nil {
			return nil, err
		}
	}

	detector, err := secrets.NewDetector(nil)
	if err != nil {
		return nil, err
	}
	deps := orchestrator.Deps{
		Checkpoints: a.checkpoints,
		Memory:      a.Memory,
		Gate:        a.Gate,
		LLM:         client,
		Search:      search.New(cfg.Search, policy, a.Logger.Named("search")),
		Build:       build.NewCommandChecker(cfg.Workflow.BuildTimeout.Duration(), a.Logger.Named("build")),
		Secrets:     detector,
		Events:      publisher,
		Metrics:     orchestrator.NewMetrics(a.Registry),
		Logger:      a.Logger.Named("supervisor"),
	}
	if cfg.Snapshot.Enabled {
		deps.Snapshot = snapshot.New(cfg.Snapshot, a.Logger.Named("snapshot"))
	}
	if a.Supervisor, err = orchestrator.New(cfg, deps); err != nil {
		return nil, err
	}

	a.Controller = control.New(a.Supervisor, a.Gate, a.checkpoints, publisher,
		control.WithLogger(a.Logger.Named("control")),
		control.WithSandboxRoot(config.ExpandHome(cfg.Sandbox.Root)))
	return a, nil
}

// Run watches the approvals directory and, when NATS is configured, feeds
// remote approval responses to the controller. It blocks until ctx is done.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if a.decider != nil {
		g.Go(func() error { return a.decider.Run(ctx) })
	}
	if a.nats != nil {
		sub, err := a.nats.SubscribeApprovals(ctx, func(ctx context.Context, sessionID string, resp events.ApprovalResponse) error {
			return a.Controller.Respond(ctx, sessionID, resp)
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return sub.Unsubscribe()
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// Close stops running sessions and releases every resource. Sessions are
// left checkpointed and resume on the next start.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Controller != nil {
		a.Controller.Close()
	}
	if a.nats != nil {
		errs = append(errs, a.nats.Drain())
	}
	if a.Bus != nil {
		a.Bus.Close()
	}
	if a.vectors != nil {
		errs = append(errs, a.vectors.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.checkpoints != nil {
		errs = append(errs, a.checkpoints.Close())
	}
	if a.Telemetry != nil {
		errs = append(errs, a.Telemetry.Shutdown(ctx))
	}
	if a.sync != nil {
		_ = a.sync()
	}
	return errors.Join(errs...)
}
