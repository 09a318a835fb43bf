package engine

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var definitionValidator = validator.New()

// Definition is a workflow: named steps with optional dependency edges.
type Definition struct {
	// Name identifies the workflow.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Description documents the workflow.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Variables seed the run's variable store, in name order.
	Variables map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`

	// Steps are executed in dependency order, ties broken by declaration order.
	Steps []Step `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}

// Step is one action invocation in a workflow.
type Step struct {
	// ID is unique within the workflow.
	ID string `yaml:"id" json:"id" validate:"required"`

	// Action is the registered action name.
	Action string `yaml:"action" json:"action" validate:"required"`

	// Inputs are raw input values; strings may reference ${variables} and secret:// keys.
	Inputs map[string]interface{} `yaml:"inputs,omitempty" json:"inputs,omitempty"`

	// ContinueOnError keeps the workflow running when this step ends in Error.
	ContinueOnError bool `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`

	// Remote runs the step on the executor service.
	Remote bool `yaml:"remote,omitempty" json:"remote,omitempty"`

	// DependsOn lists step IDs that must run first.
	DependsOn []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

// ParseDefinition decodes and validates a YAML workflow definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, NewPermanentError("failed to parse workflow definition", err).
			WithCode(ErrCodeValidation)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks required fields, step ID uniqueness and the dependency graph.
func (d *Definition) Validate() error {
	if err := definitionValidator.Struct(d); err != nil {
		return NewPermanentError(fmt.Sprintf("invalid workflow definition: %s", validationSummary(err)), err).
			WithCode(ErrCodeValidation).
			WithResource(d.Name)
	}
	if _, err := OrderSteps(d.Steps); err != nil {
		return err
	}
	return nil
}

// Step returns the step with the given ID.
func (d *Definition) Step(id string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

func validationSummary(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
