package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog.Logger with helpers that scope it to a run, a step
// or an executor session. Log through the embedded methods:
//
//	logger.Step("tag", "shell.exec", true).Info().Msg("Dispatching")
type Logger struct {
	zerolog.Logger

	closer io.Closer
}

type loggerKey struct{}

// NewLogger builds a logger from cfg. File outputs are closed by Close.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var (
		out    io.Writer
		closer io.Closer
	)
	switch cfg.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly}
	}

	zc := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.Caller {
		zc = zc.Caller()
	}
	return &Logger{Logger: zc.Logger(), closer: closer}, nil
}

// NopLogger discards everything.
func NopLogger() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Zerolog returns the plain zerolog logger for packages that take one.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.Logger
}

func (l *Logger) child(zc zerolog.Context) *Logger {
	return &Logger{Logger: zc.Logger()}
}

// Component tags entries with the subsystem that wrote them.
func (l *Logger) Component(name string) *Logger {
	return l.child(l.With().Str("component", name))
}

// Run scopes the logger to one workflow run.
func (l *Logger) Run(runID, workflow string) *Logger {
	return l.child(l.With().Str("run_id", runID).Str("workflow", workflow))
}

// Step scopes the logger to one step of a run.
func (l *Logger) Step(stepID, action string, remote bool) *Logger {
	return l.child(l.With().Str("step", stepID).Str("action", action).Bool("remote", remote))
}

// Session scopes the logger to one executor session.
func (l *Logger) Session(workflowID, action string) *Logger {
	return l.child(l.With().Str("workflow_id", workflowID).Str("action", action))
}

// WithContext stores the logger in ctx. zerolog.Ctx(ctx) sees the same
// logger, so actions can log without importing this package.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	ctx = l.Logger.WithContext(ctx)
	return context.WithValue(ctx, loggerKey{}, l)
}

// FromContext returns the logger stored by WithContext, or a logger built
// from zerolog.Ctx when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey{}).(*Logger); ok {
		return l
	}
	return &Logger{Logger: *zerolog.Ctx(ctx)}
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
