// Package telemetry wires logging, tracing, metrics and events for the flow
// and flow-executor binaries.
//
// A Telemetry is built once from a Config:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Logger embeds a zerolog.Logger; Run, Step and Session return children
// carrying the matching fields. NewTelemetry installs the global
// OpenTelemetry tracer provider when tracing is enabled, which is how spans
// started by the engine, executor and manifest packages get exported.
//
// Metrics live in a private Prometheus registry. Every method is a no-op on
// a nil or disabled *Metrics. The executor mounts Handler on /metrics.
//
// Telemetry.Recorder turns run history into metrics and events; the CLI
// stacks it behind the SQLite history store with engine.MultiRecorder.
// Events reach subscribers in publish order, synchronously or from one
// background goroutine when EnableAsync is set.
package telemetry
