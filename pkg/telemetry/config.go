package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// Config selects what a froyoflow binary logs, traces, counts and
// publishes.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error or fatal.
	Level string
	// Format is console or json.
	Format string
	// Output is stdout, stderr or a file path opened for append.
	Output string
	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool
	// Exporter is otlp, stdout or none. none still creates spans so that
	// trace ids show up in logs.
	Exporter string
	// Endpoint is the OTLP gRPC collector, e.g. "localhost:4317".
	Endpoint     string
	SamplingRate float64
	Insecure     bool
	// ExportTimeout bounds one batch export.
	ExportTimeout time.Duration
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool
	// ListenAddress starts a standalone endpoint when set. The executor
	// leaves it empty and serves metrics next to its API.
	ListenAddress string
	Path          string
	Namespace     string
	// Buckets are latency buckets in seconds.
	Buckets []float64
}

// EventsConfig configures the event publisher.
type EventsConfig struct {
	Enabled    bool
	BufferSize int
	// EnableAsync delivers events from a background goroutine. Publishing
	// fails instead of blocking when the buffer is full.
	EnableAsync bool
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "froyoflow",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:      "none",
			SamplingRate:  1.0,
			Insecure:      true,
			ExportTimeout: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "froyoflow",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
		},
	}
}

var (
	logLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	exporters = map[string]bool{"otlp": true, "stdout": true, "none": true}
)

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.ServiceVersion == "" {
		errs = append(errs, errors.New("service version is required"))
	}
	if !logLevels[c.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("invalid log format %q (console or json)", c.Logging.Format))
	}
	if c.Tracing.Enabled {
		if !exporters[c.Tracing.Exporter] {
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %v outside [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("event buffer size must be positive, got %d", c.Events.BufferSize))
	}
	return errors.Join(errs...)
}
