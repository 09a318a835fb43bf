package server

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Factory builds sessions: it instantiates the action, converts raw inputs
// with the action's own metadata and runs Begin.
type Factory struct {
	registry *engine.Registry
	admitter engine.Admitter
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	newID    func() string
}

// NewFactory creates a Factory over registry.
func NewFactory(registry *engine.Registry, logger zerolog.Logger, metrics *telemetry.Metrics) *Factory {
	return &Factory{
		registry: registry,
		logger:   logger,
		metrics:  metrics,
		newID:    uuid.NewString,
	}
}

// Create runs Begin for a new session. When Begin fails the action is
// ended immediately and no session is returned.
func (f *Factory) Create(ctx context.Context, actionName string, raw map[string]interface{}, now time.Time) (*Session, error) {
	if f.admitter != nil {
		step := engine.Step{ID: actionName, Action: actionName, Inputs: raw, Remote: true}
		if err := f.admitter.Admit(ctx, executorDefinition(step), step); err != nil {
			return nil, err
		}
	}

	action, err := f.registry.New(actionName)
	if err != nil {
		return nil, err
	}

	meta := action.Discover()
	inputs, err := engine.ResolveInputs(meta, raw)
	if err != nil {
		return nil, err
	}

	id := f.newID()
	logger := f.logger.With().Str("workflow_id", id).Str("action", meta.Name).Logger()

	ec := engine.NewExecutionContext(id, nil)
	ec.SetCurrentAction(meta)

	beginCtx := logger.WithContext(ctx)
	if err := action.Begin(beginCtx, inputs); err != nil {
		if endErr := action.End(beginCtx); endErr != nil {
			logger.Warn().Err(endErr).Msg("End after failed Begin returned an error")
		}
		if engine.ErrorCode(err) != "" {
			return nil, err
		}
		return nil, engine.NewPermanentError(fmt.Sprintf("begin %s failed", meta.Name), err).
			WithCode(engine.ErrCodeActionFailed).
			WithResource(meta.Name)
	}

	return newSession(id, action, meta, ec, now, logger, f.metrics), nil
}

// executorDefinition wraps a single remote step for policy evaluation.
func executorDefinition(step engine.Step) *engine.Definition {
	return &engine.Definition{
		Name:  "executor",
		Steps: []engine.Step{step},
	}
}
