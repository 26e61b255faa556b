package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry owns the daemon's OTLP providers. A provider that fails to
// start leaves the instance degraded and its components on the global
// no-op providers; startup continues.
type Telemetry struct {
	cfg *Config

	traces  *sdktrace.TracerProvider
	metrics *sdkmetric.MeterProvider
	logs    log.LoggerProvider

	mu     sync.Mutex
	status Status
}

// Status describes what the providers are doing.
type Status struct {
	Enabled  bool   `json:"enabled"`
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

// Scope is the tracer and meter of one instrumented package.
type Scope struct {
	Tracer trace.Tracer
	Meter  metric.Meter
}

// New validates cfg and starts the configured providers. A disabled
// config yields an instance whose scopes are the global providers.
func New(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	t := &Telemetry{cfg: cfg, status: Status{Enabled: cfg.Enabled}}
	if !cfg.Enabled {
		return t, nil
	}

	res, err := newResource(cfg)
	if err != nil {
		t.degrade("resource: %v", err)
		return t, nil
	}

	if tp, err := newTracerProvider(ctx, cfg, res); err != nil {
		t.degrade("tracer provider: %v", err)
	} else {
		t.traces = tp
		otel.SetTracerProvider(tp)
	}

	if mp, err := newMeterProvider(ctx, cfg, res); err != nil {
		t.degrade("meter provider: %v", err)
	} else if mp != nil {
		t.metrics = mp
		otel.SetMeterProvider(mp)
	}

	// Logs go through whatever provider the process installed globally;
	// gatewarden does not run its own log exporter.
	t.logs = global.GetLoggerProvider()

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return t, nil
}

// Scope returns the tracer and meter for the named package. A nil or
// degraded instance hands out the global providers.
func (t *Telemetry) Scope(name string) Scope {
	s := Scope{
		Tracer: otel.GetTracerProvider().Tracer(name),
		Meter:  otel.GetMeterProvider().Meter(name),
	}
	if t == nil {
		return s
	}
	if t.traces != nil {
		s.Tracer = t.traces.Tracer(name)
	}
	if t.metrics != nil {
		s.Meter = t.metrics.Meter(name)
	}
	return s
}

// LoggerProvider is the provider for the zap OTEL bridge, or nil when
// telemetry is off.
func (t *Telemetry) LoggerProvider() log.LoggerProvider {
	if t == nil {
		return nil
	}
	return t.logs
}

// Status reports provider state.
func (t *Telemetry) Status() Status {
	if t == nil {
		return Status{Degraded: true, Reason: "telemetry not initialized"}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Shutdown flushes and stops the providers. Without a deadline on ctx the
// configured shutdown timeout applies.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && t.cfg != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.Shutdown.Timeout.Duration())
		defer cancel()
	}

	var errs []error
	if t.traces != nil {
		if err := t.traces.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trace provider shutdown: %w", err))
		}
	}
	if t.metrics != nil {
		if err := t.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	t.mu.Lock()
	t.status.Enabled = false
	t.mu.Unlock()
	return errors.Join(errs...)
}

// degrade marks the instance degraded. The first reason wins.
func (t *Telemetry) degrade(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Degraded = true
	if t.status.Reason == "" {
		t.status.Reason = fmt.Sprintf(format, args...)
	}
}
