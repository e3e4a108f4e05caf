// Package telemetry wires OpenTelemetry tracing and metrics for planhub.
//
// Spans and OTLP metrics go to a collector over gRPC or HTTP/protobuf.
// Prometheus metrics are served separately by pkg/server on /metrics.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	mgr, err := statemgr.NewManager(store, mgrCfg, logger,
//	    statemgr.WithTracer(tel.Tracer("planhub.statemgr")))
//
// Telemetry failures do not stop the service. If an exporter cannot be
// built the instance reports Degraded and falls back to no-op providers.
//
// Tests use NewTestTelemetry to record spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	_, span := tt.Tracer("test").Start(ctx, "UpdateTask")
//	span.End()
//	tt.AssertSpanExists(t, "UpdateTask")
package telemetry
