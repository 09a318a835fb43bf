package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// callLog counts lifecycle calls across instances of a test action.
type callLog struct {
	begins, processes, ends int
}

type testAction struct {
	meta     ActionMetadata
	log      *callLog
	beginErr error
	process  func(ec *ExecutionContext, in Inputs) (Outputs, error)
	inputs   Inputs
}

func (a *testAction) Discover() ActionMetadata { return a.meta }

func (a *testAction) Begin(_ context.Context, in Inputs) error {
	a.log.begins++
	a.inputs = in
	return a.beginErr
}

func (a *testAction) Process(_ context.Context, ec *ExecutionContext) (Outputs, error) {
	a.log.processes++
	return a.process(ec, a.inputs)
}

func (a *testAction) End(context.Context) error {
	a.log.ends++
	return nil
}

// newTestRegistry registers "echo", which copies message to output echo,
// plus a single custom action named "custom".
func newTestRegistry(t *testing.T, log *callLog, custom func(ec *ExecutionContext, in Inputs) (Outputs, error), beginErr error) *Registry {
	t.Helper()

	reg := NewRegistry()
	reg.MustRegister(
		func() Action {
			return &testAction{
				meta: ActionMetadata{
					Name:    "echo",
					Inputs:  []InputSpec{{ID: "message", Kind: KindString, Required: true}},
					Outputs: []OutputSpec{{ID: "echo", Kind: KindString}},
				},
				log: log,
				process: func(ec *ExecutionContext, in Inputs) (Outputs, error) {
					ec.Succeed()
					return Outputs{"echo": StringValue(in.String("message"))}, nil
				},
			}
		},
		func() Action {
			return &testAction{
				meta:     ActionMetadata{Name: "custom", Outputs: []OutputSpec{{ID: "out", Kind: KindString}}},
				log:      log,
				beginErr: beginErr,
				process:  custom,
			}
		},
	)
	return reg
}

func TestRunner_OutputsFlowIntoLaterSteps(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, nil, nil)
	def := &Definition{
		Name: "chain",
		Steps: []Step{
			{ID: "first", Action: "echo", Inputs: map[string]interface{}{"message": "hi"}},
			{ID: "second", Action: "echo", Inputs: map[string]interface{}{"message": "${echo}!"}, DependsOn: []string{"first"}},
		},
	}

	result, err := NewRunner(reg).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result.State != StateSuccess {
		t.Errorf("Expected Success, got %s", result.State)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("Expected 2 step results, got %d", len(result.Steps))
	}
	if got := result.Steps[1].Outputs["echo"]; !got.Equal(StringValue("hi!")) {
		t.Errorf("Expected second output hi!, got %v", got)
	}
	if len(result.Variables) != 1 || result.Variables[0].Value.String() != "hi!" {
		t.Errorf("Expected shadowed variable echo=hi!, got %+v", result.Variables)
	}
	if log.ends != 2 {
		t.Errorf("Expected End called twice, got %d", log.ends)
	}
}

func TestRunner_MissingRequiredInputStopsBeforeProcess(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, nil, nil)
	def := &Definition{Name: "missing", Steps: []Step{{ID: "s", Action: "echo"}}}

	result, err := NewRunner(reg).Run(context.Background(), def)
	if err == nil {
		t.Fatal("Expected error")
	}

	var stepErr *StepFailedError
	if !errors.As(err, &stepErr) {
		t.Fatalf("Expected StepFailedError, got %T", err)
	}
	if stepErr.StepID != "s" {
		t.Errorf("Expected step s, got %s", stepErr.StepID)
	}
	if !IsMissingInput(err) {
		t.Errorf("Expected missing input error, got %v", err)
	}
	if log.begins != 0 || log.processes != 0 {
		t.Errorf("Expected neither Begin nor Process, got %d/%d", log.begins, log.processes)
	}
	if log.ends != 1 {
		t.Errorf("Expected End to run, got %d", log.ends)
	}
	if result.State != StateError {
		t.Errorf("Expected run Error, got %s", result.State)
	}
}

func TestRunner_StepOutcomes(t *testing.T) {
	tests := []struct {
		name        string
		process     func(ec *ExecutionContext, in Inputs) (Outputs, error)
		beginErr    error
		wantMessage string
		wantCode    string
		wantProcess int
	}{
		{
			name: "indeterminate",
			process: func(ec *ExecutionContext, in Inputs) (Outputs, error) {
				return Outputs{"out": StringValue("x")}, nil
			},
			wantMessage: IndeterminateMessage,
			wantCode:    ErrCodeIndeterminate,
			wantProcess: 1,
		},
		{
			name: "action reported error",
			process: func(ec *ExecutionContext, in Inputs) (Outputs, error) {
				ec.Fail("disk full")
				return Outputs{"out": StringValue("partial")}, nil
			},
			wantMessage: "disk full",
			wantCode:    ErrCodeActionFailed,
			wantProcess: 1,
		},
		{
			name: "returned error",
			process: func(ec *ExecutionContext, in Inputs) (Outputs, error) {
				return nil, fmt.Errorf("connection reset")
			},
			wantMessage: "connection reset",
			wantCode:    ErrCodeActionFailed,
			wantProcess: 1,
		},
		{
			name: "panic",
			process: func(ec *ExecutionContext, in Inputs) (Outputs, error) {
				panic("nil map")
			},
			wantMessage: "action panicked: nil map",
			wantCode:    ErrCodeActionFailed,
			wantProcess: 1,
		},
		{
			name:        "begin error",
			beginErr:    fmt.Errorf("cannot open"),
			wantMessage: "cannot open",
			wantCode:    ErrCodeActionFailed,
			wantProcess: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := &callLog{}
			reg := newTestRegistry(t, log, tt.process, tt.beginErr)
			def := &Definition{Name: tt.name, Steps: []Step{{ID: "s", Action: "custom"}}}

			result, err := NewRunner(reg).Run(context.Background(), def)
			if err == nil {
				t.Fatal("Expected error")
			}

			step := result.Steps[0]
			if step.State != StateError {
				t.Errorf("Expected Error, got %s", step.State)
			}
			if step.ErrorMessage != tt.wantMessage {
				t.Errorf("Expected message %q, got %q", tt.wantMessage, step.ErrorMessage)
			}
			if ErrorCode(err) != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, ErrorCode(err))
			}
			if len(step.Outputs) != 0 {
				t.Errorf("Expected no outputs on Error, got %v", step.Outputs)
			}
			if log.processes != tt.wantProcess {
				t.Errorf("Expected %d Process calls, got %d", tt.wantProcess, log.processes)
			}
			if log.ends != 1 {
				t.Errorf("Expected End to run once, got %d", log.ends)
			}
		})
	}
}

func TestRunner_ContinueOnErrorSkipsDependents(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, func(ec *ExecutionContext, in Inputs) (Outputs, error) {
		ec.Fail("flaky")
		return nil, nil
	}, nil)

	def := &Definition{
		Name: "best-effort",
		Steps: []Step{
			{ID: "flaky", Action: "custom", ContinueOnError: true},
			{ID: "after", Action: "echo", Inputs: map[string]interface{}{"message": "x"}, DependsOn: []string{"flaky"}},
			{ID: "independent", Action: "echo", Inputs: map[string]interface{}{"message": "y"}},
		},
	}

	result, err := NewRunner(reg).Run(context.Background(), def)
	if err != nil {
		t.Fatalf("Expected run to continue, got: %v", err)
	}

	states := map[string]ActionState{}
	for _, s := range result.Steps {
		states[s.StepID] = s.State
	}
	if states["flaky"] != StateError || states["after"] != StateSkipped || states["independent"] != StateSuccess {
		t.Errorf("Unexpected step states: %v", states)
	}
	if summary := result.Summary(); summary[StateSkipped] != 1 {
		t.Errorf("Expected 1 skipped step, got %v", summary)
	}
}

func TestRunner_UnknownAction(t *testing.T) {
	reg := NewRegistry()
	_, err := NewRunner(reg).Run(context.Background(), &Definition{
		Name:  "unknown",
		Steps: []Step{{ID: "s", Action: "does.not.exist"}},
	})
	if ErrorCode(err) != ErrCodeUnknownAction {
		t.Errorf("Expected %s, got %v", ErrCodeUnknownAction, err)
	}
}

type denyAll struct{}

func (denyAll) Admit(_ context.Context, _ *Definition, step Step) error {
	return NewPermanentError("step "+step.ID+" denied", nil).WithCode(ErrCodePolicyDenied)
}

type memoryRecorder struct {
	started, completed int
	steps              []string
}

func (m *memoryRecorder) RunStarted(context.Context, *RunResult) error { m.started++; return nil }

func (m *memoryRecorder) StepCompleted(_ context.Context, _ string, s *StepResult) error {
	m.steps = append(m.steps, s.StepID+"="+s.State.String())
	return nil
}

func (m *memoryRecorder) RunCompleted(context.Context, *RunResult) error { m.completed++; return nil }

func TestRunner_AdmitterRecorderObserverConsole(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, nil, nil)
	rec := &memoryRecorder{}
	var observed []string
	var out bytes.Buffer

	runner := NewRunner(reg,
		WithAdmitter(denyAll{}),
		WithRecorder(rec),
		WithObserver(func(r *StepResult) { observed = append(observed, r.StepID) }),
		WithConsole(&WriterConsole{W: &out}),
	)

	_, err := runner.Run(context.Background(), &Definition{
		Name:  "denied",
		Steps: []Step{{ID: "s", Action: "echo", Inputs: map[string]interface{}{"message": "m"}}},
	})
	if ErrorCode(err) != ErrCodePolicyDenied {
		t.Fatalf("Expected policy denial, got %v", err)
	}

	if log.begins != 0 {
		t.Error("Expected denied step not to begin")
	}
	if rec.started != 1 || rec.completed != 1 || len(rec.steps) != 1 || rec.steps[0] != "s=Error" {
		t.Errorf("Unexpected recorder state: %+v", rec)
	}
	if len(observed) != 1 {
		t.Errorf("Expected observer called once, got %v", observed)
	}
	if !strings.Contains(out.String(), "Workflow denied failed") {
		t.Errorf("Expected console failure line, got %q", out.String())
	}
}

func TestRunner_CancelledContext(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := NewRunner(reg).Run(ctx, &Definition{
		Name:  "cancelled",
		Steps: []Step{{ID: "s", Action: "echo", Inputs: map[string]interface{}{"message": "m"}}},
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context cancellation, got %v", err)
	}
	if len(result.Steps) != 0 {
		t.Errorf("Expected no steps to run, got %d", len(result.Steps))
	}
}

func TestRegistry(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, log, nil, nil)

	list := reg.List()
	if len(list) != 2 || list[0].Name != "custom" || list[1].Name != "echo" {
		t.Fatalf("Expected sorted [custom echo], got %v", list)
	}

	meta, err := reg.Describe("echo")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	meta.Inputs[0].ID = "mutated"
	again, _ := reg.Describe("echo")
	if again.Inputs[0].ID != "message" {
		t.Error("Expected registry metadata to be immutable")
	}

	err = reg.Register(func() Action { return &testAction{meta: ActionMetadata{Name: "echo"}, log: log} })
	if err == nil {
		t.Error("Expected duplicate registration error")
	}
	if _, err := reg.New("nope"); ErrorCode(err) != ErrCodeUnknownAction {
		t.Errorf("Expected unknown action, got %v", err)
	}
}
