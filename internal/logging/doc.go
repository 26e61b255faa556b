// Package logging provides structured, context-aware logging for gatewarden.
//
// Logger wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Stdout and optional OpenTelemetry output
//   - Correlation fields pulled from the context (trace, actor, session, run, request)
//   - Redaction of sensitive field names and value patterns
//   - Level-aware sampling (errors never sampled)
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithActorID(ctx, "analyst_123")
//	ctx = logging.WithRunID(ctx, run.ID)
//	logger.Info(ctx, "gate evaluated", zap.String("gate", "S-O"))
//
// Services that only need a *zap.Logger receive logger.Underlying().
package logging
