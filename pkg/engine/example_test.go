package engine_test

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

type upperAction struct {
	text string
}

func (a *upperAction) Discover() engine.ActionMetadata {
	return engine.ActionMetadata{
		Name:    "upper",
		Inputs:  []engine.InputSpec{{ID: "text", Kind: engine.KindString, Required: true}},
		Outputs: []engine.OutputSpec{{ID: "upper", Kind: engine.KindString}},
	}
}

func (a *upperAction) Begin(_ context.Context, in engine.Inputs) error {
	a.text = in.String("text")
	return nil
}

func (a *upperAction) Process(_ context.Context, ec *engine.ExecutionContext) (engine.Outputs, error) {
	ec.Succeed()
	return engine.Outputs{"upper": engine.StringValue(strings.ToUpper(a.text))}, nil
}

func (a *upperAction) End(context.Context) error { return nil }

func ExampleRunner_Run() {
	reg := engine.NewRegistry()
	reg.MustRegister(func() engine.Action { return &upperAction{} })

	def, err := engine.ParseDefinition([]byte(`
name: shout
variables:
  who: world
steps:
  - id: greet
    action: upper
    inputs:
      text: "hello ${who}"
`))
	if err != nil {
		fmt.Println(err)
		return
	}

	result, err := engine.NewRunner(reg).Run(context.Background(), def)
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(result.State, result.Steps[0].Outputs["upper"])
	// Output: Success HELLO WORLD
}

func ExampleConvert() {
	port, ok := engine.Convert("8080", engine.KindInt)
	fmt.Println(port, ok)

	_, ok = engine.Convert("eighty", engine.KindInt)
	fmt.Println(ok)
	// Output:
	// 8080 true
	// false
}
