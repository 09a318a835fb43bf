// Package engine provides the action contract, execution context and step
// runner shared by every froyoflow plugin, whether it runs in-process or
// behind the remote executor.
//
// # Action Lifecycle
//
// Every plugin implements the Action interface:
//
//	type Action interface {
//	    Discover() ActionMetadata
//	    Begin(ctx context.Context, inputs Inputs) error
//	    Process(ctx context.Context, ec *ExecutionContext) (Outputs, error)
//	    End(ctx context.Context) error
//	}
//
// Discover is pure. Begin receives inputs that the engine has already
// converted to the kinds declared in the metadata, with defaults applied
// when an input is absent or cannot be converted. A required input that is
// still absent fails the step with MISSING_REQUIRED_INPUT before Begin runs.
// Process must set exactly one terminal state. End always runs.
//
// # State Machine
//
//	NotStarted -> Running -> {Success, Error, Skipped}
//
// An action that returns from Process while NotStarted or Running is
// moved to Error with IndeterminateMessage.
//
// # Typed Values
//
// Inputs, outputs and workflow variables hold Value, a tagged union over
// string, int, float, bool and stringList. Convert is best-effort and
// never fails loudly:
//
//	v, ok := Convert("42", KindInt) // IntValue(42), true
//	_, ok = Convert("x", KindInt)   // ok == false, caller uses the default
//
// # Running Workflows
//
// A Definition lists steps with optional dependsOn edges. The Runner orders
// them topologically, resolves each step to an Action through an
// ActionResolver (a Registry for local actions, the remote client for
// steps marked remote), and feeds successful outputs into the run's
// VariableStore. Later steps reference variables as ${name} in inputs.
//
// # Error Classification
//
// Errors are EngineError values classified as transient, throttled,
// conflict or permanent, and carry a code:
//
//	if IsTransport(err) {
//	    // the executor could not be reached; the action did not fail
//	}
package engine
