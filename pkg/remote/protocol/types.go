// Package protocol defines the JSON request and response pairs of the
// remote executor HTTP surface. One action lifecycle is split into
// Begin, Execute, PollState and End calls addressed by workflow id.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Route templates served by the executor.
const (
	RouteBegin   = "/v1/executor/begin"
	RouteExecute = "/v1/executor/:id/execute"
	RouteState   = "/v1/executor/:id/state"
	RouteEnd     = "/v1/executor/:id/end"
	RouteActions = "/v1/actions"
	RouteAction  = "/v1/actions/:name"
	RouteHealth  = "/healthz"
	RouteMetrics = "/metrics"
)

// ExecutePath returns the Execute path for a workflow id.
func ExecutePath(workflowID string) string {
	return "/v1/executor/" + url.PathEscape(workflowID) + "/execute"
}

// StatePath returns the PollState path for a workflow id.
func StatePath(workflowID string) string {
	return "/v1/executor/" + url.PathEscape(workflowID) + "/state"
}

// EndPath returns the End path for a workflow id.
func EndPath(workflowID string) string {
	return "/v1/executor/" + url.PathEscape(workflowID) + "/end"
}

// ActionPath returns the metadata path for an action name.
func ActionPath(name string) string {
	return RouteActions + "/" + url.PathEscape(name)
}

// BeginRequest creates a session and runs Begin.
type BeginRequest struct {
	// Action is the registered action name.
	Action string `json:"action"`

	// Inputs are raw values; the server converts them with its metadata.
	Inputs map[string]interface{} `json:"inputs,omitempty"`
}

// Validate checks the request.
func (r *BeginRequest) Validate() error {
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	return nil
}

// BeginResponse carries the handle for subsequent calls.
type BeginResponse struct {
	// ExecutorID identifies the executor instance that owns the session.
	ExecutorID string `json:"executorId"`

	// WorkflowID addresses the session in Execute, PollState and End.
	WorkflowID string `json:"workflowId,omitempty"`

	Success bool   `json:"success"`
	Error   *Error `json:"error,omitempty"`
}

// ExecuteRequest starts Process, once per session.
type ExecuteRequest struct {
	// Wait blocks until the state is terminal or the request deadline passes.
	// Defaults to true.
	Wait *bool `json:"wait,omitempty"`

	// TimeoutMs bounds the wait on the server side.
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// ShouldWait reports whether the caller asked to wait.
func (r *ExecuteRequest) ShouldWait() bool {
	return r.Wait == nil || *r.Wait
}

// Validate checks the request.
func (r *ExecuteRequest) Validate() error {
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeoutMs must not be negative")
	}
	return nil
}

// ExecuteResponse is the session snapshot after Execute.
// Outputs are only present once the state is Success.
type ExecuteResponse struct {
	WorkflowID   string             `json:"workflowId"`
	Outputs      engine.Outputs     `json:"outputs,omitempty"`
	State        engine.ActionState `json:"state"`
	StateName    string             `json:"stateName"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// Validate checks that the state code and name agree.
func (r *ExecuteResponse) Validate() error {
	return validateState(r.State, r.StateName)
}

// StateResponse is the cheap status returned by PollState.
type StateResponse struct {
	WorkflowID string             `json:"workflowId"`
	State      engine.ActionState `json:"state"`
	StateName  string             `json:"stateName"`
}

// Validate checks that the state code and name agree.
func (r *StateResponse) Validate() error {
	return validateState(r.State, r.StateName)
}

// EndResponse reports the outcome of End.
type EndResponse struct {
	WorkflowID string `json:"workflowId"`
	Success    bool   `json:"success"`
	Error      *Error `json:"error,omitempty"`
}

// ActionList lists the executor's actions.
type ActionList struct {
	Actions []engine.ActionMetadata `json:"actions"`
}

// Health is the body of the health endpoint.
type Health struct {
	Status     string `json:"status"`
	ExecutorID string `json:"executorId"`
	Sessions   int    `json:"sessions"`
	Version    string `json:"version,omitempty"`
}

func validateState(state engine.ActionState, name string) error {
	if err := state.Validate(); err != nil {
		return err
	}
	if name != state.String() {
		return fmt.Errorf("state name %q does not match state %d (%s)", name, int(state), state)
	}
	return nil
}

// ErrorResponse is the body of every failed call. Begin and End responses
// carry their error under the same key.
type ErrorResponse struct {
	Error *Error `json:"error"`
}

// Error is the wire form of an engine error.
type Error struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FromError converts err for the wire.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		return &Error{Code: engine.ErrCodeInternal, Message: err.Error()}
	}

	out := &Error{
		Code:      ee.Code,
		Message:   ee.Message,
		Retryable: engine.IsRetryable(ee),
	}
	if ee.Err != nil {
		out.Message = fmt.Sprintf("%s: %v", ee.Message, ee.Err)
	}
	if len(ee.Details) > 0 {
		out.Details = make(map[string]string, len(ee.Details))
		for k, v := range ee.Details {
			out.Details[k] = fmt.Sprint(v)
		}
	}
	return out
}

// EngineError converts a wire error back to a classified engine error
// for workflowID.
func (e *Error) EngineError(workflowID string) *engine.EngineError {
	switch e.Code {
	case engine.ErrCodeSessionNotFound, engine.ErrCodeSessionClosed, engine.ErrCodeSessionExpired:
		return engine.NewSessionError(e.Code, workflowID)
	case engine.ErrCodeSessionBusy:
		return engine.NewConflictError(e.Message, nil).WithCode(e.Code).WithResource(workflowID)
	}

	var ee *engine.EngineError
	if e.Retryable {
		ee = engine.NewTransientError(e.Message, nil)
	} else {
		ee = engine.NewPermanentError(e.Message, nil)
	}
	ee = ee.WithCode(e.Code)
	if workflowID != "" {
		ee = ee.WithDetail("workflow_id", workflowID)
	}
	for k, v := range e.Details {
		ee = ee.WithDetail(k, v)
	}
	return ee
}

// StatusCode maps an error code to its HTTP status.
func StatusCode(code string) int {
	switch code {
	case engine.ErrCodeSessionNotFound, engine.ErrCodeUnknownAction, engine.ErrCodeNotFound:
		return http.StatusNotFound
	case engine.ErrCodeSessionClosed, engine.ErrCodeSessionExpired:
		return http.StatusGone
	case engine.ErrCodeSessionBusy:
		return http.StatusConflict
	case engine.ErrCodeValidation, engine.ErrCodeMissingInput:
		return http.StatusBadRequest
	case engine.ErrCodePolicyDenied:
		return http.StatusForbidden
	case engine.ErrCodeActionFailed, engine.ErrCodeIndeterminate:
		return http.StatusUnprocessableEntity
	case engine.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
