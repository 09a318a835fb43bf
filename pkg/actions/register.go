// Package actions contains the built-in froyoflow actions.
//
// Each action implements engine.Action and is registered by name:
//
//	text.case        convert a string between naming styles
//	net.ping         TCP reachability probe
//	shell.exec       run a command
//	script.starlark  evaluate a Starlark script against workflow variables
//
// The same registry backs local runs and the remote executor service.
package actions

import (
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Builtins returns factories for every built-in action.
func Builtins() []engine.Factory {
	return []engine.Factory{
		func() engine.Action { return NewCaseAction() },
		func() engine.Action { return NewPingAction() },
		func() engine.Action { return NewExecAction() },
		func() engine.Action { return NewScriptAction() },
	}
}

// Register adds every built-in action to reg.
func Register(reg *engine.Registry) error {
	for _, f := range Builtins() {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in actions.
func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	reg.MustRegister(Builtins()...)
	return reg
}

const author = "froyoflow"
