package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/fyrsmithlabs/forge/internal/telemetry"
)

func TestRequestMetrics_LabelsByRoute(t *testing.T) {
	rec := telemetry.NewRecorder()
	m := newRequestMetrics(rec.Meter(instrumentationName), zaptest.NewLogger(t))

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/api/v1/sessions/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "unknown session")
		}
		return c.JSON(http.StatusOK, map[string]string{"session_id": c.Param("id")})
	})

	for _, path := range []string{"/api/v1/sessions/a1", "/api/v1/sessions/b2", "/api/v1/sessions/missing", "/nowhere"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	rm, err := rec.Collect(context.Background())
	require.NoError(t, err)

	type key struct {
		route  string
		status int64
	}
	counts := map[key]int64{}
	var latencies uint64
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			switch metric.Name {
			case "forge.http.requests":
				sum, ok := metric.Data.(metricdata.Sum[int64])
				require.True(t, ok)
				for _, dp := range sum.DataPoints {
					route, _ := dp.Attributes.Value(attribute.Key("route"))
					status, _ := dp.Attributes.Value(attribute.Key("status"))
					counts[key{route.AsString(), status.AsInt64()}] += dp.Value
				}
			case "forge.http.duration":
				hist, ok := metric.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				for _, dp := range hist.DataPoints {
					latencies += dp.Count
				}
			}
		}
	}

	assert.Equal(t, map[key]int64{
		{"/api/v1/sessions/:id", http.StatusOK}:       2,
		{"/api/v1/sessions/:id", http.StatusNotFound}: 1,
		{"unmatched", http.StatusNotFound}:            1,
	}, counts)
	assert.Equal(t, uint64(4), latencies)
}
