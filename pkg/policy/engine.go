package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// Engine evaluates Rego policies against workflow steps. It implements
// engine.Admitter.
type Engine struct {
	mu        sync.RWMutex
	policies  map[string]*compiledPolicy
	store     storage.Store
	data      map[string]interface{}
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	events    *telemetry.EventPublisher
	builtins  bool
	now       func() time.Time
	stopWatch func() error
}

var _ engine.Admitter = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	builtin  bool
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics counts denials.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithEvents publishes a policy.violation event per denial.
func WithEvents(p *telemetry.EventPublisher) Option {
	return func(e *Engine) { e.events = p }
}

// WithData exposes a document to policies under `data`.
func WithData(data map[string]interface{}) Option {
	return func(e *Engine) {
		for k, v := range data {
			e.data[k] = v
		}
	}
}

// WithRemoteAllowlist limits remote steps to actions. An empty list allows
// every action.
func WithRemoteAllowlist(actions []string) Option {
	return func(e *Engine) {
		allowed := make([]interface{}, 0, len(actions))
		for _, a := range actions {
			allowed = append(allowed, a)
		}
		e.data["flow"] = map[string]interface{}{
			"config": map[string]interface{}{"remote_actions": allowed},
		}
	}
}

// WithoutBuiltins starts the engine with no policies loaded.
func WithoutBuiltins() Option {
	return func(e *Engine) { e.builtins = false }
}

// NewEngine creates a policy engine with the built-in policies compiled.
func NewEngine(logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		data:     make(map[string]interface{}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.store = inmem.NewFromObject(e.data)

	if e.builtins {
		if err := e.loadBuiltinPolicies(context.Background()); err != nil {
			return nil, fmt.Errorf("failed to load built-in policies: %w", err)
		}
	}

	return e, nil
}

// Admit evaluates the step and returns a POLICY_DENIED error when any
// blocking violation is found.
func (e *Engine) Admit(ctx context.Context, def *engine.Definition, step engine.Step) error {
	in := &Input{
		Step: StepInput{
			ID:        step.ID,
			Action:    step.Action,
			Remote:    step.Remote,
			Inputs:    step.Inputs,
			DependsOn: step.DependsOn,
		},
		Context: InputContext{
			Timestamp: e.now().UTC(),
			Operation: "admit",
		},
	}
	if def != nil {
		in.Workflow = def.Name
	}
	if in.Step.Inputs == nil {
		in.Step.Inputs = map[string]interface{}{}
	}
	if in.Step.DependsOn == nil {
		in.Step.DependsOn = []string{}
	}

	result, err := e.Evaluate(ctx, in)
	if err != nil {
		return err
	}

	for _, v := range result.Violations {
		if !v.Severity.Blocking() {
			e.logger.Warn().
				Str("policy", v.Policy).
				Str("step", step.ID).
				Str("severity", string(v.Severity)).
				Msg(v.Message)
		}
	}
	if result.Allowed {
		return nil
	}

	blocking := result.Blocking()
	reasons := make([]string, 0, len(blocking))
	for _, v := range blocking {
		reasons = append(reasons, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	reason := strings.Join(reasons, "; ")

	e.metrics.RecordPolicyDenial(step.Action)
	if err := e.events.PublishPolicyViolation(step.ID, step.Action, reason); err != nil {
		e.logger.Debug().Err(err).Msg("Failed to publish policy violation")
	}

	denied := engine.NewPermanentError(fmt.Sprintf("step %s denied by policy: %s", step.ID, reason), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithResource(step.ID).
		WithOperation("admit")
	for _, v := range blocking {
		denied = denied.WithDetail(v.Policy, v.Message)
	}
	return denied
}

// Evaluate runs every enabled policy against in. Policies that fail to
// evaluate are reported as warnings and do not deny.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (*Result, error) {
	start := e.now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		violations, err := e.evaluatePolicy(ctx, cp, in)
		if err != nil {
			if ctx.Err() != nil {
				return nil, engine.NewTransientError("policy evaluation cancelled", ctx.Err()).
					WithCode(engine.ErrCodeTimeout).
					WithResource(in.Step.ID)
			}
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("step", in.Step.ID).
				Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for _, v := range result.Violations {
		if v.Severity.Blocking() {
			result.Allowed = false
			break
		}
	}
	result.EvaluatedAt = e.now()
	result.Duration = result.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("step", in.Step.ID).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Step policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, in *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, newViolation(cp.policy, d, in))
			}
		}
	}
	return violations, nil
}

// newViolation turns one deny entry into a Violation. Entries may be plain
// strings or objects with message and severity fields.
func newViolation(p *Policy, entry interface{}, in *Input) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
		StepID:   in.Step.ID,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok && sev != "" {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}
	if v.Message == "" {
		v.Message = "denied"
	}
	return v
}

// AddPolicy compiles p and adds or replaces it by name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, &p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[p.Name] = cp
	return nil
}

// LoadPolicies loads and compiles policy files from paths.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).Load(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// ReplacePolicies swaps every loaded policy for policies, keeping the
// built-ins. Nothing changes if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// Watch reloads policies from paths whenever a policy file changes, until
// ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	stop, err := NewLoader(e.logger).Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplacePolicies(ctx, policies)
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.stopWatch = stop
	e.mu.Unlock()
	return nil
}

// Close stops watching policy paths.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopWatch == nil {
		return nil
	}
	err := e.stopWatch()
	e.stopWatch = nil
	return err
}

// compile parses p and prepares a query for its deny set.
func (e *Engine) compile(ctx context.Context, p *Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Query(query),
		rego.ParsedModule(module),
		rego.Store(e.store),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().
		Str("policy", p.Name).
		Str("query", query).
		Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   p,
		query:    prepared,
		compiled: e.now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		cp.builtin = true
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
