package engine

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Variable is one named entry of a VariableStore.
type Variable struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// VariableStore is an insertion-ordered mapping of variable name to Value
// scoped to one workflow run. Names are not namespaced: adding an existing
// name replaces its value and keeps its original position.
type VariableStore struct {
	mu     sync.RWMutex
	order  []string
	values map[string]Value
}

// NewVariableStore creates an empty store.
func NewVariableStore() *VariableStore {
	return &VariableStore{
		order:  make([]string, 0),
		values: make(map[string]Value),
	}
}

// Add stores value under name. The zero Value is ignored.
func (s *VariableStore) Add(name string, value Value) {
	if name == "" || value.IsZero() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.values[name]; !exists {
		s.order = append(s.order, name)
	}
	s.values[name] = value
}

// AddOutputs adds every output, following the declaration order of meta
// and then any undeclared outputs sorted by name.
func (s *VariableStore) AddOutputs(meta ActionMetadata, outputs Outputs) {
	added := make(map[string]bool, len(outputs))
	for _, spec := range meta.Outputs {
		if v, ok := outputs[spec.ID]; ok {
			s.Add(spec.ID, v)
			added[spec.ID] = true
		}
	}
	for _, name := range sortedKeys(outputs) {
		if !added[name] {
			s.Add(name, outputs[name])
		}
	}
}

// Get returns the value stored under name.
func (s *VariableStore) Get(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[name]
	return v, ok
}

// Len returns the number of variables.
func (s *VariableStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Keys returns variable names in insertion order.
func (s *VariableStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

// Snapshot returns all variables in insertion order.
func (s *VariableStore) Snapshot() []Variable {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vars := make([]Variable, 0, len(s.order))
	for _, name := range s.order {
		vars = append(vars, Variable{Name: name, Value: s.values[name]})
	}
	return vars
}

// Native returns the variables as native Go values, for script and policy input.
func (s *VariableStore) Native() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.values))
	for name, v := range s.values {
		out[name] = v.Interface()
	}
	return out
}

// MarshalJSON encodes the store as an ordered array of variables.
func (s *VariableStore) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// UnmarshalJSON decodes the form written by MarshalJSON.
func (s *VariableStore) UnmarshalJSON(data []byte) error {
	var vars []Variable
	if err := json.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("failed to decode variables: %w", err)
	}

	s.mu.Lock()
	s.order = make([]string, 0, len(vars))
	s.values = make(map[string]Value, len(vars))
	s.mu.Unlock()

	for _, v := range vars {
		s.Add(v.Name, v.Value)
	}
	return nil
}
