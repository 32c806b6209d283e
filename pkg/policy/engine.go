package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/cloudcheck/pkg/engine"
)

// Options configures a policy Engine.
type Options struct {
	// DenyDestructiveAuto enables the destructive-auto built-in.
	DenyDestructiveAuto bool

	// Destructive overrides DefaultDestructive.
	Destructive []string
}

// Engine evaluates Rego policies before resolutions run. It implements
// engine.Guard.
type Engine struct {
	mu          sync.RWMutex
	policies    map[string]*compiledPolicy
	destructive map[string]bool
	loader      *Loader
	logger      zerolog.Logger
}

var _ engine.Guard = (*Engine)(nil)

// compiledPolicy is a policy with its deny query prepared.
type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger, opts Options) (*Engine, error) {
	destructive := opts.Destructive
	if destructive == nil {
		destructive = DefaultDestructive
	}

	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		destructive: make(map[string]bool, len(destructive)),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)
	for _, name := range destructive {
		e.destructive[name] = true
	}

	builtins := GetBuiltinPolicies(opts.DenyDestructiveAuto)
	for i := range builtins {
		cp, err := compilePolicy(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Check implements engine.Guard.
func (e *Engine) Check(ctx context.Context, in engine.GuardInput) (bool, []string, error) {
	decision, err := e.Evaluate(ctx, in)
	if err != nil {
		return false, nil, err
	}
	return decision.Allowed, decision.Reasons(), nil
}

// Evaluate runs every enabled policy against a resolution about to execute.
// A policy that fails to evaluate denies the resolution.
func (e *Engine) Evaluate(ctx context.Context, in engine.GuardInput) (*Decision, error) {
	start := time.Now()
	input := Input{
		GuardInput:  in,
		Destructive: e.IsDestructive(in.Resolution),
		Timestamp:   start.UTC(),
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	decision := &Decision{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, &input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("problem_id", in.ProblemID).
				Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				decision.Allowed = false
				decision.Violations = append(decision.Violations, v)
			} else {
				decision.Warnings = append(decision.Warnings, v)
			}
		}
	}
	decision.Duration = time.Since(start)

	for _, w := range decision.Warnings {
		e.logger.Warn().Str("policy", w.Policy).Str("problem_id", w.ProblemID).Msg(w.Message)
	}
	e.logger.Debug().
		Str("problem_id", in.ProblemID).
		Str("resolution", in.Resolution).
		Bool("allowed", decision.Allowed).
		Int("violations", len(decision.Violations)).
		Dur("duration", decision.Duration).
		Msg("Resolution policy evaluated")

	return decision, nil
}

// IsDestructive reports whether resolution is in the destructive set.
func (e *Engine) IsDestructive(resolution string) bool {
	return e.destructive[resolution]
}

// LoadPolicies loads policy files and replaces every non-built-in policy.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies compiles policies and swaps them in. Nothing changes when any
// of them fails to compile.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, clash := compiled[name]; clash {
				return fmt.Errorf("policy %s shadows a built-in policy", name)
			}
			compiled[name] = cp
		}
	}
	e.policies = compiled

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Watch reloads the policies under paths whenever a policy file changes.
// It stops when ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
}

// evaluatePolicy runs a policy's deny query.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// createViolation turns a deny entry (string or object) into a Violation.
func createViolation(policy *Policy, result interface{}, input *Input) Violation {
	v := Violation{
		Policy:    policy.Name,
		ProblemID: input.ProblemID,
		Severity:  policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	if v.Severity == "" {
		v.Severity = SeverityError
	}
	return v
}

// compilePolicy parses a policy and prepares data.<package>.deny.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{policy: policy, query: query}, nil
}

// sortedNames must be called with e.mu held.
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
