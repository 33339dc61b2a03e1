package http

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/forge/internal/http"

// requestMetrics instruments the control API. Nil instruments are skipped.
type requestMetrics struct {
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	size     metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *zap.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}
	m := &requestMetrics{}
	var errs [4]error
	m.requests, errs[0] = meter.Int64Counter("forge.http.requests",
		metric.WithDescription("Control API requests by method, route and status."),
		metric.WithUnit("{request}"))
	m.latency, errs[1] = meter.Float64Histogram("forge.http.duration",
		metric.WithDescription("Control API request latency; event streams last as long as the session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.5, 2.5, 10, 60, 600))
	m.size, errs[2] = meter.Int64Histogram("forge.http.response.size",
		metric.WithDescription("Control API response body size."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(256, 1024, 4096, 16384, 65536, 262144))
	m.inflight, errs[3] = meter.Int64UpDownCounter("forge.http.inflight",
		metric.WithDescription("Control API requests in progress, open event streams included."),
		metric.WithUnit("{request}"))
	if err := errors.Join(errs[:]...); err != nil && logger != nil {
		logger.Warn("some HTTP metrics are unavailable", zap.Error(err))
	}
	return m
}

// middleware labels requests by route pattern so session ids never become
// label values.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}
			start := time.Now()
			if err := next(c); err != nil {
				// Render now so the final status is what gets recorded.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return nil
		}
	}
}
