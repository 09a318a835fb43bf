package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/froyoflow/pkg/actions"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/remote/protocol"
)

const gateActionName = "test.gate"

// gateHarness hands out gate actions whose Process blocks until the gate
// for their tag is released or the session is cancelled.
type gateHarness struct {
	mu        sync.Mutex
	gates     map[string]chan struct{}
	processed atomic.Int32
	ended     atomic.Int32
	cancelled atomic.Int32
}

func newGateHarness() *gateHarness {
	return &gateHarness{gates: make(map[string]chan struct{})}
}

func (h *gateHarness) gate(tag string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.gates[tag]
	if !ok {
		ch = make(chan struct{})
		h.gates[tag] = ch
	}
	return ch
}

func (h *gateHarness) release(tag string) {
	close(h.gate(tag))
}

func (h *gateHarness) factory() engine.Action {
	return &gateAction{h: h}
}

type gateAction struct {
	h   *gateHarness
	tag string
}

func (a *gateAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:        gateActionName,
		Author:      "tests",
		Description: "blocks until released",
		Inputs: []engine.InputSpec{
			{ID: "tag", Kind: engine.KindString, Required: true},
			{ID: "fail-begin", Kind: engine.KindBool, Default: engine.BoolValue(false)},
		},
		Outputs: []engine.OutputSpec{{ID: "tag", Kind: engine.KindString}},
	}
}

func (a *gateAction) Begin(_ context.Context, in engine.Inputs) error {
	a.tag = in.String("tag")
	if in.Bool("fail-begin") {
		return errors.New("begin refused")
	}
	return nil
}

func (a *gateAction) Process(ctx context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	a.h.processed.Add(1)
	select {
	case <-a.h.gate(a.tag):
		ec.Succeed()
		return engine.Outputs{"tag": engine.StringValue(a.tag)}, nil
	case <-ctx.Done():
		a.h.cancelled.Add(1)
		ec.Fail("cancelled")
		return nil, nil
	}
}

func (a *gateAction) End(context.Context) error {
	a.h.ended.Add(1)
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	gates  *gateHarness
	clock  *fakeClock
	server *Server
	http   *httptest.Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	gates := newGateHarness()
	reg := actions.NewRegistry()
	require.NoError(t, reg.Register(gates.factory))

	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.ExecutorID = "exec-1"
	cfg.MaxWait = 5 * time.Second
	cfg.EndTimeout = 2 * time.Second

	srv := New(reg, cfg, append([]Option{WithClock(clock.Now)}, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(context.Background())
	})

	return &harness{gates: gates, clock: clock, server: srv, http: ts}
}

func call[T any](t *testing.T, h *harness, method, path string, body interface{}) (int, T) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.http.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func begin(t *testing.T, h *harness, action string, inputs map[string]interface{}) string {
	t.Helper()
	status, resp := call[protocol.BeginResponse](t, h, http.MethodPost, protocol.RouteBegin,
		protocol.BeginRequest{Action: action, Inputs: inputs})
	require.Equal(t, http.StatusOK, status, "begin error: %+v", resp.Error)
	require.True(t, resp.Success)
	require.Equal(t, "exec-1", resp.ExecutorID)
	require.NotEmpty(t, resp.WorkflowID)
	return resp.WorkflowID
}

func noWait() *bool {
	f := false
	return &f
}

func TestLifecycle_CaseAction(t *testing.T) {
	h := newHarness(t)
	id := begin(t, h, actions.CaseActionName, map[string]interface{}{"source-string": "HELLO.World"})

	status, exec := call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{})
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, exec.Validate())
	assert.Equal(t, engine.StateSuccess, exec.State)
	require.Len(t, exec.Outputs, 1)
	assert.True(t, exec.Outputs["result"].Equal(engine.StringValue("hello_world")))

	status, end := call[protocol.EndResponse](t, h, http.MethodPost, protocol.EndPath(id), nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, end.Success)

	status, errResp := call[protocol.ErrorResponse](t, h, http.MethodGet, protocol.StatePath(id), nil)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, engine.ErrCodeSessionClosed, errResp.Error.Code)

	status, errResp = call[protocol.ErrorResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{})
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, engine.ErrCodeSessionClosed, errResp.Error.Code)
	assert.Equal(t, 0, h.server.Sessions())
}

func TestSessionAffinity_ProcessRunsOnce(t *testing.T) {
	h := newHarness(t)
	id := begin(t, h, gateActionName, map[string]interface{}{"tag": "a"})

	var seen []engine.ActionState
	_, st := call[protocol.StateResponse](t, h, http.MethodGet, protocol.StatePath(id), nil)
	seen = append(seen, st.State)

	_, exec := call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{Wait: noWait()})
	seen = append(seen, exec.State)
	assert.Empty(t, exec.Outputs)

	_, exec = call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{Wait: noWait()})
	seen = append(seen, exec.State)

	h.gates.release("a")

	_, exec = call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{})
	seen = append(seen, exec.State)
	require.Equal(t, engine.StateSuccess, exec.State)
	assert.True(t, exec.Outputs["tag"].Equal(engine.StringValue("a")))

	_, exec = call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{})
	seen = append(seen, exec.State)
	assert.True(t, exec.Outputs["tag"].Equal(engine.StringValue("a")), "stored result is returned again")

	assert.Equal(t, int32(1), h.gates.processed.Load(), "Process must run exactly once")
	for i := 1; i < len(seen); i++ {
		assert.GreaterOrEqual(t, int(seen[i]), int(seen[i-1]), "states must be monotonic: %v", seen)
	}
	assert.Equal(t, engine.StateNotStarted, seen[0])
}

func TestSessionIsolation_TwoWorkflowIDs(t *testing.T) {
	h := newHarness(t)
	first := begin(t, h, gateActionName, map[string]interface{}{"tag": "one"})
	second := begin(t, h, gateActionName, map[string]interface{}{"tag": "two"})
	require.NotEqual(t, first, second)

	for _, id := range []string{first, second} {
		_, exec := call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{Wait: noWait()})
		require.False(t, exec.State.IsTerminal())
	}

	h.gates.release("two")
	_, exec := call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(second), protocol.ExecuteRequest{})
	require.Equal(t, engine.StateSuccess, exec.State)
	assert.True(t, exec.Outputs["tag"].Equal(engine.StringValue("two")))

	_, st := call[protocol.StateResponse](t, h, http.MethodGet, protocol.StatePath(first), nil)
	assert.False(t, st.State.IsTerminal(), "the other session is unaffected")

	h.gates.release("one")
	_, exec = call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(first), protocol.ExecuteRequest{})
	require.Equal(t, engine.StateSuccess, exec.State)
	assert.True(t, exec.Outputs["tag"].Equal(engine.StringValue("one")))
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)

	for _, path := range []string{protocol.StatePath("nope")} {
		status, resp := call[protocol.ErrorResponse](t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, engine.ErrCodeSessionNotFound, resp.Error.Code)
	}
	for _, path := range []string{protocol.ExecutePath("nope"), protocol.EndPath("nope")} {
		status, resp := call[protocol.ErrorResponse](t, h, http.MethodPost, path, nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, engine.ErrCodeSessionNotFound, resp.Error.Code)
	}
}

func TestBeginFailures(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		req    protocol.BeginRequest
		status int
		code   string
	}{
		{"missing action", protocol.BeginRequest{}, http.StatusBadRequest, engine.ErrCodeValidation},
		{"unknown action", protocol.BeginRequest{Action: "no.such"}, http.StatusNotFound, engine.ErrCodeUnknownAction},
		{"missing required input", protocol.BeginRequest{Action: actions.CaseActionName}, http.StatusBadRequest, engine.ErrCodeMissingInput},
		{
			"begin refused",
			protocol.BeginRequest{Action: gateActionName, Inputs: map[string]interface{}{"tag": "x", "fail-begin": true}},
			http.StatusUnprocessableEntity,
			engine.ErrCodeActionFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, resp := call[protocol.BeginResponse](t, h, http.MethodPost, protocol.RouteBegin, tt.req)
			assert.Equal(t, tt.status, status)
			assert.False(t, resp.Success)
			assert.Empty(t, resp.WorkflowID)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	assert.Equal(t, 0, h.server.Sessions(), "failed Begin leaves no session")
	assert.Equal(t, int32(1), h.gates.ended.Load(), "End runs after a failed Begin")
}

func TestEnd_CancelsInFlightProcess(t *testing.T) {
	h := newHarness(t)
	id := begin(t, h, gateActionName, map[string]interface{}{"tag": "never"})

	_, exec := call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(id), protocol.ExecuteRequest{Wait: noWait()})
	require.False(t, exec.State.IsTerminal())

	status, end := call[protocol.EndResponse](t, h, http.MethodPost, protocol.EndPath(id), nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, end.Success)
	assert.Equal(t, int32(1), h.gates.cancelled.Load())
	assert.Equal(t, int32(1), h.gates.ended.Load())
}

func TestReaper_IdleSessionExpires(t *testing.T) {
	h := newHarness(t)
	idle := begin(t, h, gateActionName, map[string]interface{}{"tag": "idle"})
	busy := begin(t, h, gateActionName, map[string]interface{}{"tag": "busy"})

	_, _ = call[protocol.ExecuteResponse](t, h, http.MethodPost, protocol.ExecutePath(busy), protocol.ExecuteRequest{Wait: noWait()})

	h.clock.Advance(10 * time.Minute)
	assert.Equal(t, 0, h.server.Reap(context.Background()))

	h.clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, h.server.Reap(context.Background()), "only the idle session without running Process is reaped")

	status, resp := call[protocol.ErrorResponse](t, h, http.MethodGet, protocol.StatePath(idle), nil)
	assert.Equal(t, http.StatusGone, status)
	assert.Equal(t, engine.ErrCodeSessionExpired, resp.Error.Code)

	status, resp = call[protocol.ErrorResponse](t, h, http.MethodPost, protocol.ExecutePath(idle), protocol.ExecuteRequest{})
	assert.Equal(t, http.StatusGone, status, "stale session is rejected after expiry")
	assert.Equal(t, engine.ErrCodeSessionExpired, resp.Error.Code)

	_, st := call[protocol.StateResponse](t, h, http.MethodGet, protocol.StatePath(busy), nil)
	assert.Equal(t, engine.StateRunning, st.State)

	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, h.server.Reap(context.Background()), "max age reaps in-flight sessions")
	assert.Equal(t, int32(1), h.gates.cancelled.Load())
	assert.Equal(t, 0, h.server.Sessions())
}

func TestReaper_TombstonesArePurged(t *testing.T) {
	h := newHarness(t)
	id := begin(t, h, actions.CaseActionName, map[string]interface{}{"source-string": "x"})
	_, _ = call[protocol.EndResponse](t, h, http.MethodPost, protocol.EndPath(id), nil)

	_, err := h.server.PollState(context.Background(), id)
	assert.Equal(t, engine.ErrCodeSessionClosed, engine.ErrorCode(err))

	h.clock.Advance(2 * time.Hour)
	h.server.Reap(context.Background())
	_, err = h.server.PollState(context.Background(), id)
	assert.Equal(t, engine.ErrCodeSessionClosed, engine.ErrorCode(err), "still remembered past max session age")

	h.clock.Advance(23 * time.Hour)
	h.server.Reap(context.Background())

	_, err = h.server.PollState(context.Background(), id)
	assert.Equal(t, engine.ErrCodeSessionNotFound, engine.ErrorCode(err))
}

func TestConfig_TombstonesOutliveSessions(t *testing.T) {
	cfg := Config{MaxSessionAge: 3 * time.Hour, TombstoneTTL: time.Minute}.withDefaults()
	assert.Equal(t, 3*time.Hour, cfg.TombstoneTTL)

	cfg = Config{}.withDefaults()
	assert.GreaterOrEqual(t, cfg.TombstoneTTL, cfg.MaxSessionAge)
}

type denyShell struct{}

func (denyShell) Admit(_ context.Context, _ *engine.Definition, step engine.Step) error {
	if step.Action == actions.ExecActionName {
		return engine.NewPermanentError("remote shell is not allowed", nil).WithCode(engine.ErrCodePolicyDenied)
	}
	return nil
}

func TestBegin_PolicyDenied(t *testing.T) {
	h := newHarness(t, WithAdmitter(denyShell{}))

	status, resp := call[protocol.BeginResponse](t, h, http.MethodPost, protocol.RouteBegin,
		protocol.BeginRequest{Action: actions.ExecActionName, Inputs: map[string]interface{}{"command": "true"}})
	assert.Equal(t, http.StatusForbidden, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, engine.ErrCodePolicyDenied, resp.Error.Code)

	begin(t, h, actions.CaseActionName, map[string]interface{}{"source-string": "ok"})
}

func TestActionsAndHealth(t *testing.T) {
	h := newHarness(t)

	status, list := call[protocol.ActionList](t, h, http.MethodGet, protocol.RouteActions, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, list.Actions, 5)

	status, meta := call[engine.ActionMetadata](t, h, http.MethodGet, protocol.ActionPath(actions.CaseActionName), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, actions.CaseActionName, meta.Name)

	status, errResp := call[protocol.ErrorResponse](t, h, http.MethodGet, protocol.ActionPath("no.such"), nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, engine.ErrCodeUnknownAction, errResp.Error.Code)

	begin(t, h, actions.CaseActionName, map[string]interface{}{"source-string": "x"})
	status, health := call[protocol.Health](t, h, http.MethodGet, protocol.RouteHealth, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "exec-1", health.ExecutorID)
	assert.Equal(t, 1, health.Sessions)
}

func TestCache_Tombstones(t *testing.T) {
	c := NewCache()
	now := time.Now()

	_, err := c.Get("x")
	assert.True(t, engine.IsSessionError(err))
	assert.Equal(t, engine.ErrCodeSessionNotFound, engine.ErrorCode(err))
	assert.Nil(t, c.Remove("x", engine.ErrCodeSessionClosed, now), "removing an unknown id is a no-op")

	ec := engine.NewExecutionContext("x", nil)
	s := newSession("x", &gateAction{h: newGateHarness()}, engine.ActionMetadata{Name: gateActionName}, ec, now, zerolog.Nop(), nil)
	c.Put(s)

	got, err := c.Get("x")
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.Same(t, s, c.Remove("x", engine.ErrCodeSessionExpired, now))
	assert.Nil(t, c.Remove("x", engine.ErrCodeSessionClosed, now), "only one caller disposes a session")

	_, err = c.Get("x")
	assert.Equal(t, engine.ErrCodeSessionExpired, engine.ErrorCode(err))
	assert.Equal(t, 1, c.PurgeTombstones(now.Add(time.Hour+time.Second), time.Hour))
}
