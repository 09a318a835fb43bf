package engine

import (
	"fmt"
	"time"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	// StepID is the step identifier from the definition.
	StepID string `json:"stepId"`

	// Action is the action name the step ran.
	Action string `json:"action"`

	// Remote is true when the step ran on the executor service.
	Remote bool `json:"remote,omitempty"`

	// State is the terminal state of the action.
	State ActionState `json:"state"`

	// ErrorMessage is the action's error message, verbatim.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// Outputs are the values the step added to the workflow variables.
	Outputs Outputs `json:"outputs,omitempty"`

	// StartedAt is when the step started.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the step completed.
	CompletedAt time.Time `json:"completedAt"`

	// Err is the classified failure, if any.
	Err error `json:"-"`
}

// Duration returns the wall time of the step.
func (r *StepResult) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// ErrorCode returns the code of the step failure, or "".
func (r *StepResult) ErrorCode() string {
	return ErrorCode(r.Err)
}

// RunResult is the outcome of one workflow run.
type RunResult struct {
	// RunID uniquely identifies the run.
	RunID string `json:"runId"`

	// Workflow is the definition name.
	Workflow string `json:"workflow"`

	// State is Success when no step stopped the run, Error otherwise.
	State ActionState `json:"state"`

	// Steps are the step outcomes in execution order.
	Steps []StepResult `json:"steps"`

	// Variables is the final variable store.
	Variables []Variable `json:"variables,omitempty"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"startedAt"`

	// CompletedAt is when the run completed.
	CompletedAt time.Time `json:"completedAt,omitempty"`

	// Err is the failure that stopped the run, if any.
	Err error `json:"-"`
}

// Summary counts steps by terminal state.
func (r *RunResult) Summary() map[ActionState]int {
	counts := make(map[ActionState]int)
	for i := range r.Steps {
		counts[r.Steps[i].State]++
	}
	return counts
}

// StepFailedError is returned by the runner when a step ends in Error
// and the step is not marked continueOnError.
type StepFailedError struct {
	StepID  string
	Action  string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step %s (%s) failed: %s", e.StepID, e.Action, e.Message)
}

// Unwrap returns the classified cause.
func (e *StepFailedError) Unwrap() error {
	return e.Err
}
