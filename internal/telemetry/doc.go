// Package telemetry provides OpenTelemetry tracing and metrics for gatewarden.
//
// Spans and metrics are exported over OTLP (gRPC by default, or
// http/protobuf) to a collector. Instrumented packages take a Scope from
// a *Telemetry; a disabled or degraded instance hands out the global
// providers instead.
//
//	tel, err := telemetry.New(ctx, telemetry.FromObservability(cfg.Observability, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
//	orch, err := orchestrator.New(gw, ledger, queue, tools, runs, logger,
//	    orchestrator.WithTelemetry(tel))
//
// Tests use NewTestTelemetry, which records spans in memory and reads
// counters through a manual reader.
package telemetry
