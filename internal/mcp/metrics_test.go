package mcp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/forge/internal/apperr"
	"github.com/fyrsmithlabs/forge/internal/approval"
	"github.com/fyrsmithlabs/forge/internal/control"
	"github.com/fyrsmithlabs/forge/internal/telemetry"
)

// sums totals an int64 sum metric per value of the attribute key.
func sums(t *testing.T, rec *telemetry.Recorder, name, key string) map[string]int64 {
	t.Helper()
	rm, err := rec.Collect(context.Background())
	require.NoError(t, err)
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is %T", name, m.Data)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value(attribute.Key(key))
				out[v.AsString()] += dp.Value
			}
		}
	}
	return out
}

func TestMetrics_Begin(t *testing.T) {
	rec := telemetry.NewRecorder()
	m := NewMetrics(rec.Meter(instrumentationName), nil)
	ctx := context.Background()

	m.Begin(ctx, "forge_start")(nil)
	m.Begin(ctx, "forge_start")(fmt.Errorf("%w: s1", control.ErrUnknownSession))
	pending := m.Begin(ctx, "forge_status")

	assert.Equal(t, map[string]int64{"forge_start": 2}, sums(t, rec, "forge.mcp.tool.calls", "tool"))
	assert.Equal(t, map[string]int64{"not_found": 1}, sums(t, rec, "forge.mcp.tool.failures", "reason"))
	assert.Equal(t, map[string]int64{"forge_start": 0, "forge_status": 1}, sums(t, rec, "forge.mcp.tool.inflight", "tool"))

	pending(nil)
	assert.Equal(t, int64(0), sums(t, rec, "forge.mcp.tool.inflight", "tool")["forge_status"])
}

func TestServer_RecordsToolCalls(t *testing.T) {
	f := newFixture(t)
	var out sessionsOutput
	res := f.call(t, "forge_sessions", map[string]any{}, &out)
	require.False(t, res.IsError, text(res))

	assert.Equal(t, int64(1), sums(t, f.telemetry, "forge.mcp.tool.calls", "tool")["forge_sessions"])
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"unknown session", fmt.Errorf("%w: s1", control.ErrUnknownSession), "not_found"},
		{"unknown request", approval.ErrUnknownRequest, "not_found"},
		{"running", control.ErrSessionRunning, "conflict"},
		{"already resolved", approval.ErrAlreadyResolved, "conflict"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"validation", &apperr.ValidationError{Field: "query", Err: errors.New("is required")}, "invalid"},
		{"security", &apperr.SecurityViolation{Path: "/etc", Reason: "outside"}, "security"},
		{"transient", apperr.Transient("llm", errors.New("503")), "transient"},
		{"cancelled", context.Canceled, "cancelled"},
		{"other", errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, failureReason(tt.err))
		})
	}
}
