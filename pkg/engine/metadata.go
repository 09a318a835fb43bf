package engine

import (
	"fmt"
)

// InputSpec declares one input of an action.
type InputSpec struct {
	// ID is the input name used in workflow definitions and on the wire.
	ID string `json:"id"`

	// Description documents the input.
	Description string `json:"description,omitempty"`

	// Kind is the type the raw input is converted to.
	Kind Kind `json:"kind"`

	// Default is substituted when the input is absent or cannot be converted.
	Default Value `json:"default"`

	// Required inputs must hold a value after defaulting.
	Required bool `json:"required"`
}

// OutputSpec declares one output of an action.
type OutputSpec struct {
	// ID is the output name; it becomes the workflow variable name.
	ID string `json:"id"`

	// Description documents the output.
	Description string `json:"description,omitempty"`

	// Kind is the type of the output value.
	Kind Kind `json:"kind"`
}

// ActionMetadata is the static declaration of an action type.
// Inputs and outputs keep their declaration order.
type ActionMetadata struct {
	Name        string       `json:"name"`
	Author      string       `json:"author,omitempty"`
	Description string       `json:"description,omitempty"`
	Inputs      []InputSpec  `json:"inputs"`
	Outputs     []OutputSpec `json:"outputs"`
}

// Input looks up an input declaration by ID.
func (m ActionMetadata) Input(id string) (InputSpec, bool) {
	for _, in := range m.Inputs {
		if in.ID == id {
			return in, true
		}
	}
	return InputSpec{}, false
}

// Output looks up an output declaration by ID.
func (m ActionMetadata) Output(id string) (OutputSpec, bool) {
	for _, out := range m.Outputs {
		if out.ID == id {
			return out, true
		}
	}
	return OutputSpec{}, false
}

// Clone returns a deep copy so that callers cannot mutate registered metadata.
func (m ActionMetadata) Clone() ActionMetadata {
	c := m
	c.Inputs = append([]InputSpec(nil), m.Inputs...)
	c.Outputs = append([]OutputSpec(nil), m.Outputs...)
	return c
}

// Validate checks the declaration for consistency.
func (m ActionMetadata) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("action name is required")
	}

	seen := make(map[string]bool, len(m.Inputs))
	for _, in := range m.Inputs {
		if in.ID == "" {
			return fmt.Errorf("action %s: input with empty id", m.Name)
		}
		if seen[in.ID] {
			return fmt.Errorf("action %s: duplicate input %s", m.Name, in.ID)
		}
		seen[in.ID] = true

		if err := in.Kind.Validate(); err != nil {
			return fmt.Errorf("action %s: input %s: %w", m.Name, in.ID, err)
		}
		if !in.Default.IsZero() && in.Default.Kind() != in.Kind {
			return fmt.Errorf("action %s: input %s default is %s, want %s",
				m.Name, in.ID, in.Default.Kind(), in.Kind)
		}
	}

	seen = make(map[string]bool, len(m.Outputs))
	for _, out := range m.Outputs {
		if out.ID == "" {
			return fmt.Errorf("action %s: output with empty id", m.Name)
		}
		if seen[out.ID] {
			return fmt.Errorf("action %s: duplicate output %s", m.Name, out.ID)
		}
		seen[out.ID] = true
	}

	return nil
}

// Inputs holds converted input values keyed by input ID.
type Inputs map[string]Value

// String returns the string input id, or "" when absent.
func (in Inputs) String(id string) string {
	s, _ := in[id].Str()
	return s
}

// Int returns the int input id, or 0 when absent.
func (in Inputs) Int(id string) int64 {
	i, _ := in[id].Int()
	return i
}

// Float returns the float input id, or 0 when absent.
func (in Inputs) Float(id string) float64 {
	f, _ := in[id].Float()
	return f
}

// Bool returns the bool input id, or false when absent.
func (in Inputs) Bool(id string) bool {
	b, _ := in[id].Bool()
	return b
}

// List returns the list input id, or nil when absent.
func (in Inputs) List(id string) []string {
	l, _ := in[id].List()
	return l
}

// Has reports whether a value is present for id.
func (in Inputs) Has(id string) bool {
	v, ok := in[id]
	return ok && !v.IsZero()
}

// Outputs holds the values an action produced keyed by output ID.
type Outputs map[string]Value
