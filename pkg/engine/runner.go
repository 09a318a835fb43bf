package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/openfroyo/froyoflow/pkg/engine"

// StepObserver is notified after every step completes.
type StepObserver func(result *StepResult)

// Runner executes workflow definitions step by step.
type Runner struct {
	resolver ActionResolver
	secrets  SecretResolver
	recorder Recorder
	admitter Admitter
	console  Console
	observer StepObserver
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSecrets sets the resolver for secret:// inputs.
func WithSecrets(s SecretResolver) RunnerOption {
	return func(r *Runner) { r.secrets = s }
}

// WithRecorder persists run history.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) { r.recorder = rec }
}

// WithAdmitter checks each step before it runs.
func WithAdmitter(a Admitter) RunnerOption {
	return func(r *Runner) { r.admitter = a }
}

// WithConsole sets where progress messages are written.
func WithConsole(c Console) RunnerOption {
	return func(r *Runner) { r.console = c }
}

// WithObserver registers a callback run after every step.
func WithObserver(o StepObserver) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithLogger sets the runner's logger.
func WithLogger(l zerolog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a runner that resolves steps through resolver.
func NewRunner(resolver ActionResolver, opts ...RunnerOption) *Runner {
	r := &Runner{
		resolver: resolver,
		console:  NopConsole{},
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes def. The returned result is always non-nil once ordering
// succeeds; the error is a *StepFailedError when a step stopped the run.
func (r *Runner) Run(ctx context.Context, def *Definition) (*RunResult, error) {
	if def == nil {
		return nil, NewPermanentError("workflow definition is nil", nil).WithCode(ErrCodeValidation)
	}

	steps, err := OrderSteps(def.Steps)
	if err != nil {
		return nil, err
	}

	vars := NewVariableStore()
	for _, name := range sortedKeys(def.Variables) {
		vars.Add(name, ValueOf(def.Variables[name]))
	}

	result := &RunResult{
		RunID:     uuid.New().String(),
		Workflow:  def.Name,
		State:     StateRunning,
		Steps:     make([]StepResult, 0, len(steps)),
		StartedAt: r.now(),
	}
	ec := NewExecutionContext(result.RunID, vars)
	logger := r.logger.With().Str("workflow", def.Name).Str("run_id", result.RunID).Logger()

	ctx, span := r.tracer.Start(ctx, "workflow "+def.Name, trace.WithAttributes(
		attribute.String("workflow.name", def.Name),
		attribute.String("workflow.run_id", result.RunID),
		attribute.Int("workflow.steps", len(steps)),
	))
	defer span.End()

	if r.recorder != nil {
		if err := r.recorder.RunStarted(ctx, result); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	logger.Info().Int("steps", len(steps)).Msg("Starting workflow")
	r.console.Write(fmt.Sprintf("Running workflow %s (%d steps)", def.Name, len(steps)))

	blocked := make(map[string]bool)
	var runErr error

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			runErr = NewPermanentError("workflow cancelled", err).WithCode(ErrCodeTimeout)
			break
		}

		var stepResult StepResult
		if dep := failedDependency(step, blocked); dep != "" {
			stepResult = r.skipStep(step, dep)
			blocked[step.ID] = true
		} else {
			stepResult = r.RunStep(ctx, def, ec, step)
			blocked[step.ID] = stepResult.State == StateError
		}
		result.Steps = append(result.Steps, stepResult)

		if r.recorder != nil {
			if err := r.recorder.StepCompleted(ctx, result.RunID, &stepResult); err != nil {
				logger.Warn().Err(err).Str("step", step.ID).Msg("Failed to record step")
			}
		}
		if r.observer != nil {
			r.observer(&stepResult)
		}

		if stepResult.State == StateError {
			if step.ContinueOnError {
				logger.Warn().Str("step", step.ID).Str("error", stepResult.ErrorMessage).
					Msg("Step failed, continuing")
				continue
			}
			runErr = &StepFailedError{
				StepID:  step.ID,
				Action:  step.Action,
				Message: stepResult.ErrorMessage,
				Err:     stepResult.Err,
			}
			break
		}
	}

	result.CompletedAt = r.now()
	result.Variables = vars.Snapshot()
	result.Err = runErr
	if runErr != nil {
		result.State = StateError
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Error().Err(runErr).Msg("Workflow failed")
		r.console.Write(fmt.Sprintf("Workflow %s failed: %v", def.Name, runErr))
	} else {
		result.State = StateSuccess
		logger.Info().Dur("duration", result.CompletedAt.Sub(result.StartedAt)).Msg("Workflow completed")
		r.console.Write(fmt.Sprintf("Workflow %s completed", def.Name))
	}

	if r.recorder != nil {
		if err := r.recorder.RunCompleted(ctx, result); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run completion")
		}
	}

	return result, runErr
}

// RunStep runs one step against ec: admission, action resolution, input
// expansion and resolution, Begin, Process and End. It never panics on
// behalf of the action and always returns a terminal state.
func (r *Runner) RunStep(ctx context.Context, def *Definition, ec *ExecutionContext, step Step) StepResult {
	res := StepResult{
		StepID:    step.ID,
		Action:    step.Action,
		Remote:    step.Remote,
		StartedAt: r.now(),
	}
	logger := r.logger.With().Str("workflow_id", ec.WorkflowID()).Str("step", step.ID).
		Str("action", step.Action).Bool("remote", step.Remote).Logger()

	ctx, span := r.tracer.Start(ctx, "step "+step.ID, trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.action", step.Action),
		attribute.Bool("step.remote", step.Remote),
	))
	defer span.End()

	finish := func(state ActionState, message string, err error) StepResult {
		res.State = state
		res.ErrorMessage = message
		res.Err = err
		res.CompletedAt = r.now()
		span.SetAttributes(attribute.String("step.state", state.String()))
		if state == StateError {
			if err != nil {
				span.RecordError(err)
			}
			span.SetStatus(codes.Error, message)
			logger.Error().Str("error", message).Str("code", ErrorCode(err)).Msg("Step failed")
		} else {
			logger.Info().Str("state", state.String()).Dur("duration", res.Duration()).Msg("Step completed")
		}
		r.console.Write(fmt.Sprintf("  %s %s: %s", stateMarker(state), step.ID, state))
		return res
	}

	if r.admitter != nil {
		if err := r.admitter.Admit(ctx, def, step); err != nil {
			return finish(StateError, err.Error(), err)
		}
	}

	action, err := r.resolver.Resolve(ctx, step)
	if err != nil {
		return finish(StateError, err.Error(), err)
	}
	defer func() {
		if endErr := action.End(ctx); endErr != nil {
			logger.Warn().Err(endErr).Msg("Action End failed")
		}
	}()

	meta := action.Discover()
	ec.SetCurrentAction(meta)

	raw, err := ExpandInputs(ctx, step.Inputs, ec.Variables(), r.secrets)
	if err != nil {
		ec.Fail(err.Error())
		return finish(StateError, ec.ErrorMessage(), err)
	}

	inputs, err := ResolveInputs(meta, raw)
	if err != nil {
		ec.Fail(err.Error())
		return finish(StateError, ec.ErrorMessage(), err)
	}

	logger.Debug().Int("inputs", len(inputs)).Msg("Beginning action")
	if err := action.Begin(ctx, inputs); err != nil {
		ec.Fail(err.Error())
		return finish(StateError, ec.ErrorMessage(), classifyActionError(meta.Name, ec.ErrorMessage(), err))
	}

	outputs, err := ProcessAction(ctx, action, ec)
	state := ec.State()
	if state == StateError {
		return finish(StateError, ec.ErrorMessage(), err)
	}
	if state == StateSuccess {
		ec.Variables().AddOutputs(meta, outputs)
		res.Outputs = outputs
	}
	return finish(state, "", nil)
}

// ProcessAction moves ec to Running, calls Process and enforces the state
// contract: a returned error or a panic becomes Error when no terminal
// state was set, and a non-terminal return becomes Error with
// IndeterminateMessage. Outputs are returned only on Success; the error is
// non-nil exactly when the final state is Error.
func ProcessAction(ctx context.Context, action Action, ec *ExecutionContext) (Outputs, error) {
	name := ""
	if meta, ok := ec.CurrentAction(); ok {
		name = meta.Name
	}

	ec.Start()
	outputs, procErr := process(ctx, action, ec)

	if procErr != nil && !ec.State().IsTerminal() {
		ec.Fail(procErr.Error())
	}
	if !ec.State().IsTerminal() {
		ec.Fail(IndeterminateMessage)
		return nil, NewPermanentError(IndeterminateMessage, nil).
			WithCode(ErrCodeIndeterminate).
			WithResource(name)
	}

	switch ec.State() {
	case StateError:
		return nil, classifyActionError(name, ec.ErrorMessage(), procErr)
	case StateSuccess:
		return outputs, nil
	default:
		return nil, nil
	}
}

// skipStep records a step whose dependency ended in Error.
func (r *Runner) skipStep(step Step, dep string) StepResult {
	now := r.now()
	r.logger.Info().Str("step", step.ID).Str("dependency", dep).Msg("Skipping step, dependency failed")
	r.console.Write(fmt.Sprintf("  %s %s: %s (dependency %s failed)", stateMarker(StateSkipped), step.ID, StateSkipped, dep))
	return StepResult{
		StepID:       step.ID,
		Action:       step.Action,
		Remote:       step.Remote,
		State:        StateSkipped,
		ErrorMessage: fmt.Sprintf("dependency %s failed", dep),
		StartedAt:    now,
		CompletedAt:  now,
		Err: NewPermanentError(fmt.Sprintf("dependency %s failed", dep), nil).
			WithCode(ErrCodeDependencyFailed).
			WithResource(step.ID),
	}
}

// process calls Process and converts a panic into an Error state.
func process(ctx context.Context, action Action, ec *ExecutionContext) (outputs Outputs, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			outputs = nil
			err = fmt.Errorf("action panicked: %v", rec)
			ec.Fail(err.Error())
		}
	}()
	return action.Process(ctx, ec)
}

// classifyActionError keeps engine-classified errors such as transport
// failures and wraps everything else as an action-reported failure.
func classifyActionError(action, message string, err error) error {
	if ErrorCode(err) != "" {
		return err
	}
	return NewPermanentError(message, err).
		WithCode(ErrCodeActionFailed).
		WithResource(action)
}

// failedDependency returns the first dependency of step that ended in
// Error or was itself skipped for a failed dependency.
func failedDependency(step Step, blocked map[string]bool) string {
	for _, dep := range step.DependsOn {
		if blocked[dep] {
			return dep
		}
	}
	return ""
}

func stateMarker(s ActionState) string {
	switch s {
	case StateSuccess:
		return "✓"
	case StateError:
		return "✗"
	case StateSkipped:
		return "-"
	default:
		return "?"
	}
}
