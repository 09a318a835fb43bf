package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/remote/protocol"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Session is one action lifecycle owned by the executor. Process runs at
// most once, in a goroutine bound to the session rather than to the
// request that started it.
type Session struct {
	id        string
	action    engine.Action
	meta      engine.ActionMetadata
	ec        *engine.ExecutionContext
	createdAt time.Time
	lastSeen  atomic.Int64

	// mu serializes Start and Close.
	mu      sync.Mutex
	started bool
	closed  bool
	closing atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	resultMu sync.Mutex
	outputs  engine.Outputs
	err      error

	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

func newSession(id string, action engine.Action, meta engine.ActionMetadata, ec *engine.ExecutionContext, now time.Time, logger zerolog.Logger, metrics *telemetry.Metrics) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		action:    action,
		meta:      meta,
		ec:        ec,
		createdAt: now,
		ctx:       logger.WithContext(ctx),
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    logger,
		metrics:   metrics,
	}
	s.touch(now)
	return s
}

// ID returns the workflow-run id.
func (s *Session) ID() string { return s.id }

// Action returns the action name.
func (s *Session) Action() string { return s.meta.Name }

// CreatedAt returns when Begin created the session.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastSeen returns the time of the last call addressed to the session.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// InFlight reports whether Process has started and not yet returned.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Start launches Process unless it already ran. The returned channel is
// closed once Process has returned.
func (s *Session) Start() (<-chan struct{}, error) {
	if s.closing.Load() {
		return nil, engine.NewConflictError("session is being closed", nil).
			WithCode(engine.ErrCodeSessionBusy).
			WithResource(s.id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, engine.NewSessionError(engine.ErrCodeSessionClosed, s.id)
	}
	if !s.started {
		s.started = true
		go s.run()
	}
	return s.done, nil
}

func (s *Session) run() {
	defer close(s.done)

	ctx, span := tracer.Start(s.ctx, "executor.process", trace.WithAttributes(
		attribute.String("workflow.id", s.id),
		attribute.String("action.name", s.meta.Name),
	))
	defer span.End()

	start := time.Now()
	outputs, err := engine.ProcessAction(ctx, s.action, s.ec)
	state := s.ec.State()

	s.resultMu.Lock()
	s.outputs = outputs
	s.err = err
	s.resultMu.Unlock()

	s.metrics.RecordActionExecution(s.meta.Name, state.String(), time.Since(start))
	span.SetAttributes(attribute.String("action.state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, s.ec.ErrorMessage())
		s.logger.Warn().Str("error", s.ec.ErrorMessage()).Str("code", engine.ErrorCode(err)).Msg("Process ended in error")
		return
	}
	s.logger.Debug().Str("state", state.String()).Dur("duration", time.Since(start)).Msg("Process finished")
}

// Snapshot returns the current view of the session. A terminal state is
// reported only once Process has returned, so Execute and PollState never
// observe a state that later moves backwards. Outputs are included only on
// Success.
func (s *Session) Snapshot() *protocol.ExecuteResponse {
	snap, finished := s.observe()
	resp := &protocol.ExecuteResponse{
		WorkflowID:   s.id,
		State:        snap.State,
		StateName:    snap.State.String(),
		ErrorMessage: snap.ErrorMessage,
	}
	if finished && snap.State == engine.StateSuccess {
		s.resultMu.Lock()
		resp.Outputs = s.outputs
		s.resultMu.Unlock()
	}
	return resp
}

// State returns the view used by PollState. It does not take the session
// lock.
func (s *Session) State() *protocol.StateResponse {
	snap, _ := s.observe()
	return &protocol.StateResponse{
		WorkflowID: s.id,
		State:      snap.State,
		StateName:  snap.State.String(),
	}
}

// Err returns the classified Process failure once Process has returned.
func (s *Session) Err() error {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	return s.err
}

func (s *Session) observe() (engine.ContextSnapshot, bool) {
	snap := s.ec.Snapshot()
	select {
	case <-s.done:
		return snap, true
	default:
	}
	if snap.State.IsTerminal() {
		snap.State = engine.StateRunning
		snap.StateName = engine.StateRunning.String()
		snap.ErrorMessage = ""
	}
	return snap, false
}

// Close cancels an in-flight Process, waits up to wait for it to return
// and runs End. Closing twice is a no-op.
func (s *Session) Close(ctx context.Context, wait time.Duration) error {
	s.closing.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()

	if s.started {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-s.done:
		case <-timer.C:
			s.logger.Warn().Dur("wait", wait).Msg("Process did not stop after cancellation, running End anyway")
		case <-ctx.Done():
		}
	}

	return s.action.End(s.logger.WithContext(ctx))
}
