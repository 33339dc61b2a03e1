// Package http exposes the control protocol over HTTP.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/checkpoint"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/events"
	"github.com/fyrsmithlabs/forge/internal/logging"
	"github.com/fyrsmithlabs/forge/internal/orchestrator"
)

// Controller is the session API the server fronts. *control.Controller
// implements it.
type Controller interface {
	Init(ctx context.Context, req events.Init) (events.Initialized, error)
	Start(ctx context.Context, sessionID string, req events.Start) error
	Respond(ctx context.Context, sessionID string, resp events.ApprovalResponse) error
	Cancel(sessionID string) error
	Handle(ctx context.Context, ev events.Event) (*events.Event, error)
	Session(ctx context.Context, sessionID string) (*orchestrator.WorkflowState, error)
	Sessions(ctx context.Context) ([]control.Summary, error)
}

// Server provides HTTP endpoints for forge.
type Server struct {
	echo    *echo.Echo
	ctl     Controller
	bus     *events.Bus
	logger  *zap.Logger
	config  *Config
	metrics *requestMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// KeepAlive is the interval of comment frames on idle event streams.
	KeepAlive time.Duration

	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer

	// Meter records request metrics; nil uses the global meter provider.
	Meter metric.Meter
}

// NewServer creates a new HTTP server.
func NewServer(ctl Controller, bus *events.Bus, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ctl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if bus == nil {
		return nil, fmt.Errorf("event bus cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		ctl:     ctl,
		bus:     bus,
		logger:  logger,
		config:  cfg,
		metrics: newRequestMetrics(cfg.Meter, logger),
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.correlate)
	e.Use(s.metrics.middleware())

	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	if s.config.Gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/events", s.handleEnvelope)
	v1.POST("/sessions", s.handleInit)
	v1.GET("/sessions", s.handleList)
	v1.GET("/sessions/:id", s.handleShow)
	v1.POST("/sessions/:id/start", s.handleStart)
	v1.POST("/sessions/:id/approvals", s.handleApproval)
	v1.POST("/sessions/:id/cancel", s.handleCancel)
	v1.GET("/sessions/:id/events", s.handleEvents)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleInit(c echo.Context) error {
	var req events.Init
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	out, err := s.ctl.Init(c.Request().Context(), req)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleStart(c echo.Context) error {
	var req events.Start
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserTask == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "user_task field is required")
	}
	if err := s.ctl.Start(c.Request().Context(), c.Param("id"), req); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{SessionID: c.Param("id"), Status: "started"})
}

func (s *Server) handleApproval(c echo.Context) error {
	var resp events.ApprovalResponse
	if err := c.Bind(&resp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := resp.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.ctl.Respond(c.Request().Context(), c.Param("id"), resp); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, AcceptedResponse{SessionID: c.Param("id"), Status: resp.Decision})
}

func (s *Server) handleCancel(c echo.Context) error {
	if err := s.ctl.Cancel(c.Param("id")); err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusAccepted, AcceptedResponse{SessionID: c.Param("id"), Status: "cancelling"})
}

func (s *Server) handleList(c echo.Context) error {
	list, err := s.ctl.Sessions(c.Request().Context())
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, SessionsResponse{Sessions: list})
}

func (s *Server) handleShow(c echo.Context) error {
	st, err := s.ctl.Session(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, SessionResponse{State: st, Result: st.Outcome()})
}

// handleEnvelope accepts any inbound control message in its wire envelope.
func (s *Server) handleEnvelope(c echo.Context) error {
	var ev events.Event
	if err := c.Bind(&ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid event envelope")
	}
	if err := validateInbound(ev); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := s.ctl.Handle(c.Request().Context(), ev)
	if err != nil {
		return s.httpError(c, err)
	}
	if reply == nil {
		return c.NoContent(http.StatusAccepted)
	}
	return c.JSON(http.StatusOK, reply)
}

// handleEvents streams a session's events as server-sent events until the
// terminal event or until the client goes away.
func (s *Server) handleEvents(c echo.Context) error {
	sid := c.Param("id")
	sub := s.bus.Subscribe(sid)
	defer sub.Close()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": subscribed\n\n")
	w.Flush()

	ticker := time.NewTicker(s.config.KeepAlive)
	defer ticker.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			w.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logging.FromContext(ctx).Error(ctx, "encoding event", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			w.Flush()
			if ev.Type.Terminal() {
				return nil
			}
		}
	}
}

// correlate puts the request id, the session id from the path and a
// request-scoped logger on the request context, then writes the access log.
func (s *Server) correlate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if id := c.Param("id"); id != "" {
			ctx = logging.WithSessionID(ctx, id)
		}
		log := logging.Wrap(s.logger)
		ctx = logging.WithLogger(ctx, log)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		log.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("uri", req.RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return err
	}
}

// httpError maps controller errors onto status codes.
func (s *Server) httpError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	var sec *apperr.SecurityViolation
	switch {
	case errors.Is(err, control.ErrUnknownSession),
		errors.Is(err, approval.ErrUnknownRequest),
		errors.Is(err, checkpoint.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, control.ErrSessionRunning),
		errors.Is(err, approval.ErrAlreadyResolved):
		code = http.StatusConflict
	case errors.As(err, &sec):
		code = http.StatusForbidden
	case errors.Is(err, control.ErrUnsupported),
		errors.Is(err, events.ErrUnknownType),
		apperr.Classify(err) == apperr.KindValidation:
		code = http.StatusBadRequest
	case errors.Is(err, control.ErrClosed):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		ctx := c.Request().Context()
		logging.FromContext(ctx).Error(ctx, "request failed", zap.Error(err))
	}
	return echo.NewHTTPError(code, err.Error())
}

// validateInbound rejects envelopes whose payload does not decode.
func validateInbound(ev events.Event) error {
	p, err := ev.Payload()
	if err != nil {
		return err
	}
	if resp, ok := p.(*events.ApprovalResponse); ok {
		return resp.Validate()
	}
	return nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
