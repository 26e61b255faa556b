package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is a Telemetry whose spans and metrics stay in memory.
// Pass its embedded *Telemetry wherever a component takes one.
type TestTelemetry struct {
	*Telemetry

	recorder *tracetest.SpanRecorder
	reader   *sdkmetric.ManualReader
}

// NewTestTelemetry returns an enabled instance backed by a span recorder
// and a manual metric reader. It does not touch the global providers.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			cfg:     cfg,
			traces:  sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)),
			metrics: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
			status:  Status{Enabled: true},
		},
		recorder: recorder,
		reader:   reader,
	}
}

// Span returns the first ended span with the given name, or nil.
func (t *TestTelemetry) Span(name string) sdktrace.ReadOnlySpan {
	for _, s := range t.recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	return nil
}

// RequireSpan fails the test unless a span with the given name ended.
func (t *TestTelemetry) RequireSpan(tb testing.TB, name string) sdktrace.ReadOnlySpan {
	tb.Helper()
	s := t.Span(name)
	if s == nil {
		var names []string
		for _, e := range t.recorder.Ended() {
			names = append(names, e.Name())
		}
		tb.Fatalf("span %q not recorded; have %v", name, names)
	}
	return s
}

// SpanAttribute returns the string form of a span attribute, and whether
// it was set.
func SpanAttribute(s sdktrace.ReadOnlySpan, key string) (string, bool) {
	for _, kv := range s.Attributes() {
		if string(kv.Key) == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

// CounterValue sums an Int64 counter over all attribute sets. A counter
// never incremented reads as 0.
func (t *TestTelemetry) CounterValue(ctx context.Context, name string) int64 {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return 0
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
