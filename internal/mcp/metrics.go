package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/control"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/mcp"

// Metrics records tool calls. Instruments that fail to build are left nil
// and skipped.
type Metrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inflight metric.Int64UpDownCounter
}

// NewMetrics builds the instruments on meter, or on the global meter when
// meter is nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var errs [4]error
	m.calls, errs[0] = meter.Int64Counter("forge.mcp.tool.calls",
		metric.WithDescription("MCP tool calls by tool."),
		metric.WithUnit("{call}"))
	m.failures, errs[1] = meter.Int64Counter("forge.mcp.tool.failures",
		metric.WithDescription("Failed MCP tool calls by tool and reason."),
		metric.WithUnit("{call}"))
	m.latency, errs[2] = meter.Float64Histogram("forge.mcp.tool.duration",
		metric.WithDescription("MCP tool call latency."),
		metric.WithUnit("s"),
		// forge_start and forge_status can block on a running session.
		metric.WithExplicitBucketBoundaries(0.005, 0.05, 0.25, 1, 5, 30, 120, 600))
	m.inflight, errs[3] = meter.Int64UpDownCounter("forge.mcp.tool.inflight",
		metric.WithDescription("MCP tool calls in progress."),
		metric.WithUnit("{call}"))
	if err := errors.Join(errs[:]...); err != nil {
		logger.Warn("some MCP metrics are unavailable", zap.Error(err))
	}
	return m
}

// Begin marks a call to tool as in flight. The returned func records its
// outcome and must be called exactly once.
func (m *Metrics) Begin(ctx context.Context, tool string) func(error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	if m.inflight != nil {
		m.inflight.Add(ctx, 1, attrs)
	}
	start := time.Now()
	return func(err error) {
		if m.inflight != nil {
			m.inflight.Add(ctx, -1, attrs)
		}
		if m.calls != nil {
			m.calls.Add(ctx, 1, attrs)
		}
		if m.latency != nil {
			m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
		}
		if err != nil && m.failures != nil {
			m.failures.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", tool),
				attribute.String("reason", failureReason(err)),
			))
		}
	}
}

// failureReason maps a tool error to a low-cardinality label.
func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, control.ErrUnknownSession), errors.Is(err, approval.ErrUnknownRequest):
		return "not_found"
	case errors.Is(err, control.ErrSessionRunning), errors.Is(err, approval.ErrAlreadyResolved):
		return "conflict"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	switch apperr.Classify(err) {
	case apperr.KindValidation:
		return "invalid"
	case apperr.KindSecurity:
		return "security"
	case apperr.KindTransient:
		return "transient"
	case apperr.KindCancelled:
		return "cancelled"
	default:
		return "internal"
	}
}
