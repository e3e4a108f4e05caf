// Package logging provides structured logging with OpenTelemetry integration.
//
// The package wraps Zap with:
//   - a Trace level (-2, below Debug)
//   - stdout and OpenTelemetry outputs
//   - context field injection (trace_id, span_id, request.id)
//   - secret redaction by field name and value pattern
//   - per-level sampling; errors are never sampled
//
// Services under pkg/ accept a plain *zap.Logger. Binaries build a Logger
// here and hand its Underlying() core to them:
//
//	cfg, err := logging.FromSettings(appCfg.Logging)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg, tel.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	mgr, err := statemgr.NewManager(store, mgrCfg, logger.Underlying())
//
// HTTP handlers get correlation for free once the request ID middleware has
// run:
//
//	ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
//	logger.Info(ctx, "task updated", zap.String("task_id", id))
//
// Tests use NewTestLogger to capture and assert on entries.
package logging
