package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Recorder is a Telemetry that keeps spans and metrics in memory.
type Recorder struct {
	*Telemetry

	spans   *tracetest.SpanRecorder
	metrics *sdkmetric.ManualReader
}

// NewRecorder returns an enabled in-memory Telemetry. It does not touch
// the global providers.
func NewRecorder() *Recorder {
	spans := tracetest.NewSpanRecorder()
	metrics := sdkmetric.NewManualReader()
	cfg := Defaults()
	cfg.Enabled = true
	return &Recorder{
		Telemetry: &Telemetry{
			cfg:     cfg,
			tracers: sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
			meters:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(metrics)),
		},
		spans:   spans,
		metrics: metrics,
	}
}

// Spans returns ended spans named name, or all of them when name is empty.
func (r *Recorder) Spans(name string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range r.spans.Ended() {
		if name == "" || s.Name() == name {
			out = append(out, s)
		}
	}
	return out
}

// RequireSpan returns the first ended span named name or fails the test.
func (r *Recorder) RequireSpan(tb testing.TB, name string) sdktrace.ReadOnlySpan {
	tb.Helper()
	if spans := r.Spans(name); len(spans) > 0 {
		return spans[0]
	}
	var names []string
	for _, s := range r.Spans("") {
		names = append(names, s.Name())
	}
	tb.Fatalf("span %q not recorded; have %v", name, names)
	return nil
}

// Collect reads the current metric values.
func (r *Recorder) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := r.metrics.Collect(ctx, &rm)
	return rm, err
}

// Attr looks up an attribute on a span.
func Attr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}
