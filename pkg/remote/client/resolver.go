package client

import (
	"context"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Resolver resolves local steps through Local and remote steps through the
// executor client.
type Resolver struct {
	Local  engine.ActionResolver
	Client *Client
}

// Resolve returns the action for step.
func (r *Resolver) Resolve(ctx context.Context, step engine.Step) (engine.Action, error) {
	if !step.Remote {
		if r.Local == nil {
			return nil, engine.NewPermanentError("no local actions are available", nil).
				WithCode(engine.ErrCodeUnknownAction).
				WithResource(step.Action)
		}
		return r.Local.Resolve(ctx, step)
	}

	if r.Client == nil {
		return nil, engine.NewPermanentError("step is remote but no executor is configured", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(step.ID)
	}

	meta, err := r.Client.DescribeAction(ctx, step.Action)
	if err != nil {
		return nil, err
	}
	return NewRemoteAction(r.Client, meta), nil
}
