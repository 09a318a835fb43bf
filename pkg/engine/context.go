package engine

import (
	"fmt"
	"sync"
)

// IndeterminateMessage is recorded when an action returns from Process
// without setting a terminal state.
const IndeterminateMessage = "action left workflow in an indeterminate state"

// ExecutionContext is the per-run state an action observes and mutates:
// the current action, its execution state, error message and the workflow
// variables. It is safe for concurrent use; on the executor server the
// state is polled while Process runs.
type ExecutionContext struct {
	mu            sync.RWMutex
	workflowID    string
	currentAction *ActionMetadata
	state         ActionState
	errorMessage  string
	variables     *VariableStore
}

// NewExecutionContext creates a context for one workflow run.
// A nil store is replaced by an empty one.
func NewExecutionContext(workflowID string, vars *VariableStore) *ExecutionContext {
	if vars == nil {
		vars = NewVariableStore()
	}
	return &ExecutionContext{
		workflowID: workflowID,
		state:      StateNotStarted,
		variables:  vars,
	}
}

// WorkflowID returns the run identifier.
func (c *ExecutionContext) WorkflowID() string {
	return c.workflowID
}

// Variables returns the run's variable store.
func (c *ExecutionContext) Variables() *VariableStore {
	return c.variables
}

// AddToVariables stores a workflow variable.
func (c *ExecutionContext) AddToVariables(name string, value Value) {
	c.variables.Add(name, value)
}

// SetCurrentAction makes meta the current action and resets state to NotStarted.
func (c *ExecutionContext) SetCurrentAction(meta ActionMetadata) {
	clone := meta.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.currentAction = &clone
	c.state = StateNotStarted
	c.errorMessage = ""
}

// CurrentAction returns the metadata of the current action, if any.
func (c *ExecutionContext) CurrentAction() (ActionMetadata, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.currentAction == nil {
		return ActionMetadata{}, false
	}
	return c.currentAction.Clone(), true
}

// State returns the current execution state.
func (c *ExecutionContext) State() ActionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ErrorMessage returns the message recorded with the Error state.
func (c *ExecutionContext) ErrorMessage() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errorMessage
}

// SetState moves the context to next. Terminal states are final.
func (c *ExecutionContext) SetState(next ActionState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transition(next, "")
}

// Start moves the context to Running.
func (c *ExecutionContext) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.transition(StateRunning, "")
}

// Succeed sets the Success state. It has no effect once a terminal state is set.
func (c *ExecutionContext) Succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.transition(StateSuccess, "")
}

// Skip sets the Skipped state. It has no effect once a terminal state is set.
func (c *ExecutionContext) Skip() {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.transition(StateSkipped, "")
}

// Fail sets the Error state with message. It has no effect once a terminal
// state is set. An empty message is replaced so that Error always carries one.
func (c *ExecutionContext) Fail(message string) {
	if message == "" {
		message = "action failed"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.transition(StateError, message)
}

// Failf is Fail with formatting.
func (c *ExecutionContext) Failf(format string, args ...interface{}) {
	c.Fail(fmt.Sprintf(format, args...))
}

// transition must be called with mu held.
func (c *ExecutionContext) transition(next ActionState, message string) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if c.state == next && !next.IsTerminal() {
		return nil
	}
	if !c.state.canTransition(next) {
		return NewConflictError(
			fmt.Sprintf("invalid state transition %s -> %s", c.state, next), nil,
		).WithCode(ErrCodeValidation).WithResource(c.workflowID)
	}

	c.state = next
	if next == StateError {
		c.errorMessage = message
	}
	return nil
}

// ContextSnapshot is a point-in-time copy of an ExecutionContext.
type ContextSnapshot struct {
	WorkflowID   string      `json:"workflowId"`
	Action       string      `json:"action,omitempty"`
	State        ActionState `json:"state"`
	StateName    string      `json:"stateName"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
}

// Snapshot returns a consistent copy of the context's state.
func (c *ExecutionContext) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := ContextSnapshot{
		WorkflowID:   c.workflowID,
		State:        c.state,
		StateName:    c.state.String(),
		ErrorMessage: c.errorMessage,
	}
	if c.currentAction != nil {
		snap.Action = c.currentAction.Name
	}
	return snap
}
