package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// RemoteAction runs an action on the executor. It satisfies engine.Action,
// so the runner drives it exactly like a local one.
type RemoteAction struct {
	client *Client
	meta   engine.ActionMetadata

	mu         sync.Mutex
	workflowID string
}

// NewRemoteAction returns an action proxy for meta on the client's executor.
func NewRemoteAction(c *Client, meta engine.ActionMetadata) *RemoteAction {
	return &RemoteAction{client: c, meta: meta.Clone()}
}

// WorkflowID returns the executor session id, or "" before Begin.
func (a *RemoteAction) WorkflowID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.workflowID
}

// Discover returns the executor's metadata for the action.
func (a *RemoteAction) Discover() engine.ActionMetadata {
	return a.meta.Clone()
}

// Begin opens a session on the executor.
func (a *RemoteAction) Begin(ctx context.Context, inputs engine.Inputs) error {
	raw := make(map[string]interface{}, len(inputs))
	for id, v := range inputs {
		raw[id] = v.Interface()
	}

	resp, err := a.client.Begin(ctx, a.meta.Name, raw)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.workflowID = resp.WorkflowID
	a.mu.Unlock()

	zerolog.Ctx(ctx).Debug().
		Str("action", a.meta.Name).
		Str("remote_workflow_id", resp.WorkflowID).
		Str("executor_id", resp.ExecutorID).
		Msg("Remote session opened")
	return nil
}

// Process starts the remote Process and waits for a terminal state, then
// mirrors it onto ec.
func (a *RemoteAction) Process(ctx context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	id := a.WorkflowID()
	if id == "" {
		return nil, engine.NewSessionError(engine.ErrCodeSessionNotFound, "")
	}

	resp, err := a.client.Execute(ctx, id, true)
	if err != nil {
		return nil, err
	}

	state := resp.State
	for !state.IsTerminal() {
		timer := time.NewTimer(a.client.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, engine.NewTransientError("remote execution cancelled", ctx.Err()).
				WithCode(engine.ErrCodeTimeout).
				WithResource(id)
		case <-timer.C:
		}

		st, err := a.client.State(ctx, id)
		if err != nil {
			return nil, err
		}
		state = st.State
	}

	// The long-poll may have returned before the terminal state, fetch
	// outputs and message once more.
	if !resp.State.IsTerminal() {
		if resp, err = a.client.Execute(ctx, id, false); err != nil {
			return nil, err
		}
	}

	switch resp.State {
	case engine.StateSuccess:
		ec.Succeed()
		return resp.Outputs, nil
	case engine.StateSkipped:
		ec.Skip()
		return nil, nil
	default:
		ec.Fail(resp.ErrorMessage)
		return nil, nil
	}
}

// End disposes the remote session. A session the executor no longer knows
// is already gone and is not an error.
func (a *RemoteAction) End(ctx context.Context) error {
	a.mu.Lock()
	id := a.workflowID
	a.workflowID = ""
	a.mu.Unlock()

	if id == "" {
		return nil
	}

	resp, err := a.client.End(ctx, id)
	if err != nil {
		if engine.IsSessionError(err) {
			zerolog.Ctx(ctx).Debug().Str("remote_workflow_id", id).Str("code", engine.ErrorCode(err)).Msg("Remote session already gone")
			return nil
		}
		return err
	}
	if !resp.Success && resp.Error != nil {
		return resp.Error.EngineError(id)
	}
	return nil
}
