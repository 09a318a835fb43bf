package actions

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// ScriptActionName is the registered name of ScriptAction.
const ScriptActionName = "script.starlark"

// ScriptAction evaluates a Starlark script. Workflow variables are visible
// as the dict vars; every top-level global whose name does not start with
// an underscore and whose value maps to a Value becomes an output.
type ScriptAction struct {
	script  string
	timeout time.Duration
}

// NewScriptAction creates a ScriptAction.
func NewScriptAction() *ScriptAction {
	return &ScriptAction{}
}

// Discover implements engine.Action.
func (a *ScriptAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:        ScriptActionName,
		Author:      author,
		Description: "Evaluates a Starlark script; top-level globals become outputs",
		Inputs: []engine.InputSpec{
			{ID: "script", Description: "Starlark source", Kind: engine.KindString, Required: true},
			{ID: "timeout-ms", Description: "Evaluation timeout in milliseconds", Kind: engine.KindInt, Default: engine.IntValue(30000)},
		},
	}
}

// Begin implements engine.Action.
func (a *ScriptAction) Begin(_ context.Context, in engine.Inputs) error {
	a.script = in.String("script")
	a.timeout = time.Duration(in.Int("timeout-ms")) * time.Millisecond
	if a.timeout <= 0 {
		a.timeout = 30 * time.Second
	}
	return nil
}

// Process implements engine.Action.
func (a *ScriptAction) Process(ctx context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	vars, err := toStarlarkValue(ec.Variables().Native())
	if err != nil {
		ec.Fail(fmt.Sprintf("failed to convert variables: %v", err))
		return nil, nil
	}

	thread := &starlark.Thread{
		Name:  "froyoflow",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	evalCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	stop := context.AfterFunc(evalCtx, func() {
		thread.Cancel(fmt.Sprintf("execution timeout after %v", a.timeout))
	})
	defer stop()

	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"vars":   vars,
	}

	globals, err := starlark.ExecFile(thread, "step.star", a.script, predeclared)
	if err != nil {
		ec.Fail(fmt.Sprintf("starlark execution failed: %v", err))
		return nil, nil
	}

	outputs := make(engine.Outputs)
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if name[0] == '_' {
			continue
		}
		goVal, err := fromStarlarkValue(globals[name])
		if err != nil {
			continue
		}
		if v := engine.ValueOf(goVal); !v.IsZero() {
			outputs[name] = v
		}
	}

	ec.Succeed()
	return outputs, nil
}

// End implements engine.Action.
func (a *ScriptAction) End(context.Context) error {
	return nil
}

func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts scalars and lists; other types are rejected
// because they have no Value representation.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, elem := range val {
			item, err := fromStarlarkValue(elem)
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
