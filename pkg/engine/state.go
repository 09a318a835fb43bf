package engine

import (
	"encoding/json"
	"fmt"
)

// ActionState is the lifecycle status of one action's execution.
// The integer code and the name are both transmitted by the remote executor
// and must stay consistent.
type ActionState int

const (
	// StateNotStarted is the state of a context before Process runs.
	StateNotStarted ActionState = iota

	// StateRunning indicates Process is in flight.
	StateRunning

	// StateSuccess indicates the action completed successfully.
	StateSuccess

	// StateError indicates the action failed; the context carries an error message.
	StateError

	// StateSkipped indicates the action decided there was nothing to do.
	StateSkipped
)

var stateNames = map[ActionState]string{
	StateNotStarted: "NotStarted",
	StateRunning:    "Running",
	StateSuccess:    "Success",
	StateError:      "Error",
	StateSkipped:    "Skipped",
}

// String returns the human-readable label of the state.
func (s ActionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ActionState(%d)", int(s))
}

// IsTerminal returns true if the state is final.
func (s ActionState) IsTerminal() bool {
	return s == StateSuccess || s == StateError || s == StateSkipped
}

// Validate checks if the state is a known value.
func (s ActionState) Validate() error {
	if _, ok := stateNames[s]; !ok {
		return fmt.Errorf("invalid action state: %d", int(s))
	}
	return nil
}

// ParseActionState converts a state label back to its code.
func ParseActionState(name string) (ActionState, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return StateNotStarted, fmt.Errorf("invalid action state name: %q", name)
}

// canTransition reports whether moving from s to next is allowed by the state machine.
func (s ActionState) canTransition(next ActionState) bool {
	switch s {
	case StateNotStarted:
		return next == StateRunning || next.IsTerminal()
	case StateRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// MarshalJSON encodes the state as its integer code.
func (s ActionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(s))
}

// UnmarshalJSON accepts either the integer code or the state name.
func (s *ActionState) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err == nil {
		state := ActionState(code)
		if err := state.Validate(); err != nil {
			return err
		}
		*s = state
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("action state must be an integer or a name: %w", err)
	}
	state, err := ParseActionState(name)
	if err != nil {
		return err
	}
	*s = state
	return nil
}
