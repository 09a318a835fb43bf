// Package server hosts actions for remote execution. Each Begin creates a
// session addressed by a fresh workflow-run id; Execute runs Process once,
// PollState reads progress and End disposes the session. An idle reaper
// reclaims abandoned sessions.
package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/remote/protocol"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

var tracer = otel.Tracer("github.com/openfroyo/froyoflow/pkg/remote/server")

// Config tunes session lifetime.
type Config struct {
	// ExecutorID identifies this executor instance. Generated when empty.
	ExecutorID string

	// Version is reported by the health endpoint.
	Version string

	// IdleTimeout disposes sessions with no calls and no running Process.
	IdleTimeout time.Duration

	// MaxSessionAge disposes sessions regardless of activity.
	MaxSessionAge time.Duration

	// ReapInterval is how often the reaper runs.
	ReapInterval time.Duration

	// TombstoneTTL is how long ended and reaped ids are remembered. Until
	// then they report SESSION_CLOSED or SESSION_EXPIRED; afterwards they
	// are indistinguishable from ids never issued. Values below
	// MaxSessionAge are raised to it.
	TombstoneTTL time.Duration

	// EndTimeout bounds the wait for a cancelled Process during End.
	EndTimeout time.Duration

	// MaxWait caps how long Execute blocks when the caller asks to wait.
	MaxWait time.Duration
}

// DefaultConfig returns the default session limits.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   15 * time.Minute,
		MaxSessionAge: 2 * time.Hour,
		ReapInterval:  time.Minute,
		TombstoneTTL:  24 * time.Hour,
		EndTimeout:    10 * time.Second,
		MaxWait:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ExecutorID == "" {
		c.ExecutorID = uuid.NewString()
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = d.MaxSessionAge
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = d.ReapInterval
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = d.TombstoneTTL
	}
	if c.TombstoneTTL < c.MaxSessionAge {
		c.TombstoneTTL = c.MaxSessionAge
	}
	if c.EndTimeout <= 0 {
		c.EndTimeout = d.EndTimeout
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	return c
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithEvents sets the event publisher for session lifecycle events.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(s *Server) { s.events = ep }
}

// WithAdmitter checks every Begin against an admission policy.
func WithAdmitter(a engine.Admitter) Option {
	return func(s *Server) { s.admitter = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// Server owns the executor sessions.
type Server struct {
	cfg      Config
	registry *engine.Registry
	cache    *Cache
	factory  *Factory
	admitter engine.Admitter
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	events   *telemetry.EventPublisher
	now      func() time.Time
	echo     *echo.Echo
}

// New creates a Server for the actions in registry.
func New(registry *engine.Registry, cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg.withDefaults(),
		registry: registry,
		cache:    NewCache(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "executor").Str("executor_id", s.cfg.ExecutorID).Logger()
	s.factory = NewFactory(registry, s.logger, s.metrics)
	s.factory.admitter = s.admitter
	s.echo = s.newEcho()
	return s
}

// ExecutorID returns the instance id reported in Begin responses.
func (s *Server) ExecutorID() string { return s.cfg.ExecutorID }

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int { return s.cache.Len() }

// Begin creates a session and runs Begin. A failed Begin leaves nothing
// behind and is reported in the response.
func (s *Server) Begin(ctx context.Context, req *protocol.BeginRequest) (*protocol.BeginResponse, error) {
	resp := &protocol.BeginResponse{ExecutorID: s.cfg.ExecutorID}
	if err := req.Validate(); err != nil {
		err = engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
		resp.Error = protocol.FromError(err)
		return resp, err
	}

	session, err := s.factory.Create(ctx, req.Action, req.Inputs, s.now())
	if err != nil {
		if engine.ErrorCode(err) == engine.ErrCodePolicyDenied {
			s.metrics.RecordPolicyDenial(req.Action)
			_ = s.events.PublishPolicyViolation(req.Action, req.Action, err.Error())
		}
		s.logger.Info().Str("action", req.Action).Str("code", engine.ErrorCode(err)).Err(err).Msg("Begin failed")
		resp.Error = protocol.FromError(err)
		return resp, err
	}

	s.cache.Put(session)
	s.metrics.SetActiveSessions(s.cache.Len())
	_ = s.events.PublishSessionOpened(session.ID(), session.Action())
	s.logger.Debug().Str("workflow_id", session.ID()).Str("action", session.Action()).Msg("Session opened")

	resp.WorkflowID = session.ID()
	resp.Success = true
	return resp, nil
}

// Execute starts Process for the session if it has not run yet and, when
// asked to, waits until it returns or the wait deadline passes. Calls after
// the first never restart Process.
func (s *Server) Execute(ctx context.Context, workflowID string, req *protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, engine.NewPermanentError(err.Error(), nil).WithCode(engine.ErrCodeValidation)
	}

	session, err := s.cache.Get(workflowID)
	if err != nil {
		return nil, err
	}
	session.touch(s.now())

	done, err := session.Start()
	if err != nil {
		return nil, err
	}

	if req.ShouldWait() {
		wait := s.cfg.MaxWait
		if req.TimeoutMs > 0 && time.Duration(req.TimeoutMs)*time.Millisecond < wait {
			wait = time.Duration(req.TimeoutMs) * time.Millisecond
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	session.touch(s.now())
	return session.Snapshot(), nil
}

// PollState returns the session state. It never starts Process.
func (s *Server) PollState(_ context.Context, workflowID string) (*protocol.StateResponse, error) {
	session, err := s.cache.Get(workflowID)
	if err != nil {
		return nil, err
	}
	session.touch(s.now())
	return session.State(), nil
}

// End disposes the session: an in-flight Process is cancelled and End runs.
// Later calls for the id fail with SESSION_CLOSED.
func (s *Server) End(ctx context.Context, workflowID string) (*protocol.EndResponse, error) {
	if _, err := s.cache.Get(workflowID); err != nil {
		return nil, err
	}

	session := s.cache.Remove(workflowID, engine.ErrCodeSessionClosed, s.now())
	if session == nil {
		// Lost a race with another End or the reaper.
		_, err := s.cache.Get(workflowID)
		return nil, err
	}

	resp := &protocol.EndResponse{WorkflowID: workflowID, Success: true}
	if err := s.dispose(ctx, session, "ended", false); err != nil {
		resp.Success = false
		resp.Error = protocol.FromError(err)
	}
	return resp, nil
}

func (s *Server) dispose(ctx context.Context, session *Session, reason string, reaped bool) error {
	err := session.Close(ctx, s.cfg.EndTimeout)
	s.metrics.SetActiveSessions(s.cache.Len())
	_ = s.events.PublishSessionClosed(session.ID(), session.Action(), reason, reaped)

	logger := s.logger.With().Str("workflow_id", session.ID()).Str("action", session.Action()).Str("reason", reason).Logger()
	if err != nil {
		logger.Warn().Err(err).Msg("End returned an error")
		if engine.ErrorCode(err) == "" {
			err = engine.NewPermanentError("end failed", err).
				WithCode(engine.ErrCodeActionFailed).
				WithResource(session.Action())
		}
		return err
	}
	logger.Debug().Msg("Session closed")
	return nil
}

// Shutdown ends every live session.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, session := range s.cache.Sessions() {
		if removed := s.cache.Remove(session.ID(), engine.ErrCodeSessionClosed, s.now()); removed != nil {
			_ = s.dispose(ctx, removed, "shutdown", false)
		}
	}
	return nil
}
