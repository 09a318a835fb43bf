package telemetry

import (
	"context"
	"errors"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Recorder returns an engine.Recorder that counts runs and steps and
// publishes their outcomes as events.
func (t *Telemetry) Recorder() engine.Recorder {
	return &runRecorder{metrics: t.Metrics, events: t.Events}
}

type runRecorder struct {
	metrics *Metrics
	events  *EventPublisher
}

func (r *runRecorder) RunStarted(ctx context.Context, run *engine.RunResult) error {
	r.metrics.RecordRunStarted()
	return r.events.PublishRunStarted(run.RunID, run.Workflow, TraceID(ctx))
}

func (r *runRecorder) StepCompleted(_ context.Context, runID string, step *engine.StepResult) error {
	r.metrics.RecordActionExecution(step.Action, step.State.String(), step.Duration())

	var ee *engine.EngineError
	if errors.As(step.Err, &ee) {
		r.metrics.RecordError(string(ee.Class), ee.Code)
	}

	if step.State == engine.StateError {
		return r.events.PublishStepFailed(runID, step.StepID, step.Action, step.ErrorMessage)
	}
	return r.events.PublishStepCompleted(runID, step.StepID, step.Action, step.State.String(), step.Duration())
}

func (r *runRecorder) RunCompleted(_ context.Context, run *engine.RunResult) error {
	duration := run.CompletedAt.Sub(run.StartedAt)
	r.metrics.RecordRunCompleted(run.State.String(), duration)
	if run.Err != nil {
		return r.events.PublishRunFailed(run.RunID, run.Err.Error())
	}
	return r.events.PublishRunCompleted(run.RunID, run.State.String(), duration)
}
