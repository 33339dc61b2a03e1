// Package telemetry installs OpenTelemetry tracer and meter providers that
// export over OTLP (gRPC or HTTP/protobuf).
//
// The supervisor, memory store and LLM client create spans through the
// global tracer; the HTTP and MCP transports record request metrics through
// the global meter. When export is disabled those calls hit no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// An exporter that cannot be built leaves the process running without it;
// Health lists what failed.
//
// Tests inject a Recorder's tracer and inspect the ended spans:
//
//	rec := telemetry.NewRecorder()
//	sup, _ := orchestrator.New(cfg, deps, orchestrator.WithTracer(rec.Tracer("test")))
//	...
//	span := rec.RequireSpan(t, "supervisor.run")
package telemetry
