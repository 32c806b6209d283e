// Package telemetry provides observability for cloudcheck runs.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus), and an in-process event publisher.
//
// # Usage
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(registry, deps,
//	    engine.WithTelemetry(tel),
//	    engine.WithLogger(tel.Logger))
//
// Every recorder and publisher method is safe to call on a nil receiver, so
// the engine and adapters can be built without telemetry in tests.
//
// # Metrics
//
// Key metrics exposed (namespace "cloudcheck" by default):
//
//   - cloudcheck_runs_started_total{mode}
//   - cloudcheck_runs_completed_total{mode,status}
//   - cloudcheck_problems_detected_total{type}
//   - cloudcheck_scan_errors_total{type}
//   - cloudcheck_resolutions_total{type,resolution,disposition}
//   - cloudcheck_adapter_calls_total{adapter,operation}
//   - cloudcheck_errors_by_class_total{class}
//
// # Events
//
// The publisher emits run.started, problem.detected, problem.outcome,
// policy.violation and run.completed events. Subscribers receive them
// asynchronously:
//
//	tel.Events.Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// # Exporters
//
// Tracing supports "otlp" (gRPC), "stdout" and "none".
package telemetry
