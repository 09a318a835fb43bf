package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass tells a caller whether repeating the failed operation can
// help.
type ErrorClass string

const (
	// ErrorClassTransient failures may clear up on retry: an unreachable
	// executor, a timed out call.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassThrottled failures are retried after backing off.
	ErrorClassThrottled ErrorClass = "throttled"
	// ErrorClassConflict failures collide with concurrent work on the same
	// session, such as an Execute overlapping one still in flight.
	ErrorClassConflict ErrorClass = "conflict"
	// ErrorClassPermanent failures repeat on every attempt: a missing
	// input, an unknown action, a session that no longer exists.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Retryable reports whether an operation failing with class c may be
// attempted again.
func (c ErrorClass) Retryable() bool {
	return c == ErrorClassTransient || c == ErrorClassThrottled || c == ErrorClassConflict
}

// Error codes carried by EngineError.Code. They are stable across the
// remote protocol.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeMissingInput     = "MISSING_REQUIRED_INPUT"
	ErrCodeIndeterminate    = "INDETERMINATE_STATE"
	ErrCodeActionFailed     = "ACTION_FAILED"
	ErrCodeUnknownAction    = "UNKNOWN_ACTION"
	ErrCodeTransport        = "TRANSPORT_ERROR"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeSessionExpired   = "SESSION_EXPIRED"
	ErrCodeSessionBusy      = "SESSION_BUSY"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeSecret           = "SECRET_UNRESOLVED"
)

// EngineError is a classified failure. The With methods fill in context
// and return the receiver so construction reads as one expression:
//
//	NewPermanentError("unknown action", nil).WithCode(ErrCodeUnknownAction).WithResource(name)
//
//nolint:revive // engine.EngineError reads better than engine.Error at call sites.
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Err       error                  `json:"-"`
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a transient error wrapping err, which may be nil.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a throttled error wrapping err.
func NewThrottledError(message string, err error) *EngineError {
	return newError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a conflict error wrapping err.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a permanent error wrapping err.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{}, 1)
	}
	e.Details[key] = value
	return e
}

// Error renders "[class] message (operation resource): cause", leaving
// out the parts that are empty.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if where := strings.TrimSpace(e.Operation + " " + e.Resource); where != "" {
		fmt.Fprintf(&b, " (%s)", where)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same class and code, so a bare
// &EngineError{Class: ..., Code: ...} works as an errors.Is target.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	return ok && e.Class == t.Class && e.Code == t.Code
}

// asEngineError returns the first *EngineError in err's chain.
func asEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	ok := errors.As(err, &e)
	return e, ok
}

func hasClass(err error, class ErrorClass) bool {
	e, ok := asEngineError(err)
	return ok && e.Class == class
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether err is classified and its class is
// retryable. Unclassified errors are not retried.
func IsRetryable(err error) bool {
	e, ok := asEngineError(err)
	return ok && e.Class.Retryable()
}

// ErrorCode returns the code of the first EngineError in the chain, or "".
func ErrorCode(err error) string {
	if e, ok := asEngineError(err); ok {
		return e.Code
	}
	return ""
}

// IsMissingInput reports a required input absent after defaulting.
func IsMissingInput(err error) bool { return ErrorCode(err) == ErrCodeMissingInput }

// IsTransport reports that the action could not be reached at all, as
// opposed to the action reporting a failure.
func IsTransport(err error) bool { return ErrorCode(err) == ErrCodeTransport }

// IsActionFailure reports an action that ended in the Error state.
func IsActionFailure(err error) bool { return ErrorCode(err) == ErrCodeActionFailed }

// IsSessionError reports a remote session that is unknown, ended or expired.
func IsSessionError(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeSessionNotFound, ErrCodeSessionClosed, ErrCodeSessionExpired:
		return true
	}
	return false
}

// NewMissingInputError reports input of action still absent after defaults
// were applied.
func NewMissingInputError(action, input string) *EngineError {
	return NewPermanentError(fmt.Sprintf("required input %q is missing", input), nil).
		WithCode(ErrCodeMissingInput).
		WithResource(action).
		WithDetail("input", input)
}

// NewTransportError reports that endpoint could not be reached. workflowID
// names the session involved, if any.
func NewTransportError(endpoint, workflowID string, err error) *EngineError {
	e := NewTransientError("remote endpoint unreachable", err).
		WithCode(ErrCodeTransport).
		WithResource(endpoint)
	if workflowID != "" {
		e.WithDetail("workflow_id", workflowID)
	}
	return e
}

var sessionMessages = map[string]string{
	ErrCodeSessionNotFound: "session not found",
	ErrCodeSessionClosed:   "session has already ended",
	ErrCodeSessionExpired:  "session expired",
}

// NewSessionError reports a session lookup failure. Codes other than the
// closed and expired ones are reported as not found.
func NewSessionError(code, workflowID string) *EngineError {
	msg, ok := sessionMessages[code]
	if !ok {
		code, msg = ErrCodeSessionNotFound, sessionMessages[ErrCodeSessionNotFound]
	}
	return NewPermanentError(msg, nil).WithCode(code).WithResource(workflowID)
}
