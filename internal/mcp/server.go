package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/memory"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
	"github.com/fyrsmithlabs/forge/internal/reranker"
	"github.com/fyrsmithlabs/forge/internal/secrets"
)

// Controller is the session API the tools drive. *control.Controller
// implements it.
type Controller interface {
	Init(ctx context.Context, req events.Init) (events.Initialized, error)
	Start(ctx context.Context, sessionID string, req events.Start) error
	Respond(ctx context.Context, sessionID string, resp events.ApprovalResponse) error
	Cancel(sessionID string) error
	Wait(ctx context.Context, sessionID string) (*orchestrator.WorkflowResult, error)
	Session(ctx context.Context, sessionID string) (*orchestrator.WorkflowState, error)
	Sessions(ctx context.Context) ([]control.Summary, error)
}

// Server exposes forge sessions as MCP tools.
type Server struct {
	mcp          *mcp.Server
	ctl          Controller
	memory       memory.Store
	scrubber     *secrets.Scrubber
	reranker     reranker.Reranker
	toolRegistry *ToolRegistry
	metrics      *Metrics
	logger       *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "forge")
	Name string

	// Version is the server version (default: "1.0.0")
	Version string

	Logger *zap.Logger

	// Meter records tool metrics; nil uses the global meter provider.
	Meter metric.Meter
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "forge",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates an MCP server over ctl. mem may be nil, which drops
// the memory tools. Tool output is passed through scrubber.
func NewServer(cfg *Config, ctl Controller, mem memory.Store, scrubber *secrets.Scrubber) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if ctl == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("scrubber is required")
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		ctl:          ctl,
		memory:       mem,
		scrubber:     scrubber,
		reranker:     reranker.NewLexical(reranker.DefaultWeight),
		toolRegistry: NewToolRegistry(),
		metrics:      NewMetrics(cfg.Meter, cfg.Logger),
		logger:       cfg.Logger,
	}

	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Registry returns the tool registry.
func (s *Server) Registry() *ToolRegistry { return s.toolRegistry }

// Run serves on the stdio transport until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
