package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Action is the plugin contract. The same lifecycle runs in-process and
// behind the remote executor.
type Action interface {
	// Discover returns the static declaration of the action.
	// It must be pure and callable before, during or after any other phase.
	Discover() ActionMetadata

	// Begin receives inputs already converted and defaulted from the metadata.
	Begin(ctx context.Context, inputs Inputs) error

	// Process performs the work and sets exactly one terminal state on ec.
	// Outputs are only kept when the state is Success.
	Process(ctx context.Context, ec *ExecutionContext) (Outputs, error)

	// End releases anything acquired in Begin or Process. It always runs.
	End(ctx context.Context) error
}

// Factory returns a fresh Action instance.
type Factory func() Action

// ActionResolver turns a workflow step into an Action, local or remote.
type ActionResolver interface {
	Resolve(ctx context.Context, step Step) (Action, error)
}

// ResolverFunc adapts a function to ActionResolver.
type ResolverFunc func(ctx context.Context, step Step) (Action, error)

// Resolve calls f.
func (f ResolverFunc) Resolve(ctx context.Context, step Step) (Action, error) {
	return f(ctx, step)
}

// SecretResolver resolves an opaque secret key to its value.
type SecretResolver interface {
	Resolve(ctx context.Context, key string) (string, error)
}

// EnvSecretResolver resolves secrets from environment variables named
// Prefix + upper-cased key with dashes and dots turned into underscores.
type EnvSecretResolver struct {
	Prefix string
}

// Resolve looks the key up in the environment.
func (r EnvSecretResolver) Resolve(_ context.Context, key string) (string, error) {
	name := r.Prefix + strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(key))
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret %s is not set (env %s)", key, name)
	}
	return value, nil
}

// Console receives human-readable progress messages.
type Console interface {
	Write(message string)
}

// WriterConsole writes one line per message to W.
type WriterConsole struct {
	mu sync.Mutex
	W  io.Writer
}

// Write prints message followed by a newline.
func (c *WriterConsole) Write(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.W, message)
}

// NopConsole discards every message.
type NopConsole struct{}

// Write does nothing.
func (NopConsole) Write(string) {}

// DefinitionLoader loads a workflow definition by name.
type DefinitionLoader interface {
	LoadDefinition(ctx context.Context, name string) (*Definition, error)
}

// Admitter decides whether a step may run.
// A non-nil error denies the step.
type Admitter interface {
	Admit(ctx context.Context, def *Definition, step Step) error
}

// Recorder persists run history.
type Recorder interface {
	// RunStarted records the start of a run.
	RunStarted(ctx context.Context, run *RunResult) error

	// StepCompleted records the outcome of one step.
	StepCompleted(ctx context.Context, runID string, step *StepResult) error

	// RunCompleted records the final outcome of a run.
	RunCompleted(ctx context.Context, run *RunResult) error
}

// MultiRecorder fans run history out to several recorders. Every recorder
// is called; the first error is returned.
func MultiRecorder(recorders ...Recorder) Recorder {
	var out multiRecorder
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) RunStarted(ctx context.Context, run *RunResult) error {
	var first error
	for _, r := range m {
		if err := r.RunStarted(ctx, run); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiRecorder) StepCompleted(ctx context.Context, runID string, step *StepResult) error {
	var first error
	for _, r := range m {
		if err := r.StepCompleted(ctx, runID, step); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multiRecorder) RunCompleted(ctx context.Context, run *RunResult) error {
	var first error
	for _, r := range m {
		if err := r.RunCompleted(ctx, run); err != nil && first == nil {
			first = err
		}
	}
	return first
}
