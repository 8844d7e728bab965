package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/cosmicstack/cosmic/pkg/engine"
)

// Engine evaluates admission policies with OPA.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins map[string]*compiledPolicy
	disabled map[string]bool
	logger   zerolog.Logger

	nodeID      string
	environment string
	now         func() time.Time
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// EngineOption configures an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	nodeID      string
	environment string
	builtins    bool
	disabled    []string
	now         func() time.Time
}

// WithNodeID sets the node reported in the input context.
func WithNodeID(id string) EngineOption {
	return func(o *engineOptions) { o.nodeID = id }
}

// WithEnvironment sets the environment reported in the input context.
func WithEnvironment(env string) EngineOption {
	return func(o *engineOptions) { o.environment = env }
}

// WithBuiltins controls whether the builtin policies are installed.
func WithBuiltins(enabled bool) EngineOption {
	return func(o *engineOptions) { o.builtins = enabled }
}

// WithDisabled names policies that stay disabled across reloads.
func WithDisabled(names ...string) EngineOption {
	return func(o *engineOptions) { o.disabled = append(o.disabled, names...) }
}

// WithClock overrides the time source for the input context.
func WithClock(now func() time.Time) EngineOption {
	return func(o *engineOptions) { o.now = now }
}

var _ engine.Admitter = (*Engine)(nil)

// NewEngine creates a policy engine with the builtin policies compiled.
func NewEngine(logger zerolog.Logger, opts ...EngineOption) (*Engine, error) {
	o := engineOptions{builtins: true, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Engine{
		policies:    make(map[string]*compiledPolicy),
		builtins:    make(map[string]*compiledPolicy),
		disabled:    make(map[string]bool, len(o.disabled)),
		logger:      logger.With().Str("component", "policy-engine").Logger(),
		nodeID:      o.nodeID,
		environment: o.environment,
		now:         o.now,
	}

	for _, name := range o.disabled {
		e.disabled[name] = true
	}

	if o.builtins {
		for _, p := range BuiltinPolicies() {
			cp, err := e.compile(context.Background(), p)
			if err != nil {
				return nil, fmt.Errorf("failed to compile builtin policy %s: %w", p.Name, err)
			}
			e.builtins[p.Name] = cp
			e.policies[p.Name] = cp
		}
	}

	e.logger.Info().Int("policies", len(e.policies)).Msg("Policy engine initialized")
	return e, nil
}

func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if e.disabled[p.Name] {
		p.Enabled = false
	}
	return compile(ctx, p)
}

// compile parses the module and prepares its deny query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityWarning
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.Name, err)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", p.Name, err)
	}

	return &compiledPolicy{policy: p, query: prepared}, nil
}

// AddPolicy compiles and installs a policy, replacing any with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[p.Name] = cp
	e.mu.Unlock()

	e.logger.Debug().Str("policy", p.Name).Msg("Policy added")
	return nil
}

// SetPolicies replaces every non-builtin policy with the given set. Nothing
// changes when any policy fails to compile. A loaded policy that shares a
// builtin's name overrides it.
func (e *Engine) SetPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := e.compile(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledPolicy, len(e.builtins)+len(compiled))
	for name, cp := range e.builtins {
		next[name] = cp
	}
	for name, cp := range compiled {
		next[name] = cp
	}
	e.policies = next

	e.logger.Info().Int("loaded", len(compiled)).Int("total", len(next)).Msg("Policies replaced")
	return nil
}

// LoadPolicies reads policies from files and directories and installs them
// with SetPolicies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.SetPolicies(ctx, policies)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns every installed policy sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnablePolicy enables a policy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// Evaluate runs every enabled policy against the input in name order.
// A policy that fails to evaluate is reported as a warning.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := e.now()
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = start
	}
	if input.Context.NodeID == "" {
		input.Context.NodeID = e.nodeID
	}
	if input.Context.Environment == "" {
		input.Context.Environment = e.environment
	}

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &Result{Allowed: true, EvaluatedAt: start}
	for _, cp := range active {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		violations, err := evaluate(ctx, cp, doc)
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   cp.policy.Name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = e.now().Sub(start)

	return result, nil
}

// toDocument converts the input to plain JSON values so rego sees the json
// field names.
func toDocument(input Input) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

func evaluate(ctx context.Context, cp *compiledPolicy, doc map[string]interface{}) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	entries, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("deny must be a set, got %T", rs[0].Expressions[0].Value)
	}

	violations := make([]Violation, 0, len(entries))
	for _, entry := range entries {
		violations = append(violations, toViolation(cp.policy, entry))
	}
	return violations, nil
}

// toViolation accepts a message string or an object with message and
// severity keys.
func toViolation(p Policy, entry interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}

	switch val := entry.(type) {
	case string:
		v.Message = val
	case map[string]interface{}:
		if msg, ok := val["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := val["severity"].(string); ok && Severity(sev).Valid() {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", val)
	}
	if v.Message == "" {
		v.Message = "denied by " + p.Name
	}
	return v
}

// AdmitJob evaluates a job creation request.
func (e *Engine) AdmitJob(ctx context.Context, req engine.CreateJobRequest) error {
	return e.admit(ctx, JobCreateInput(req))
}

// AdmitJoin evaluates a join request.
func (e *Engine) AdmitJoin(ctx context.Context, req engine.JoinRequest) error {
	return e.admit(ctx, JoinCreateInput(req))
}

func (e *Engine) admit(ctx context.Context, input Input) error {
	result, err := e.Evaluate(ctx, input)
	if err != nil {
		return engine.NewTransientError("policy evaluation failed", err)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("operation", input.Operation).
			Str("policy", w.Policy).
			Msg(w.Message)
	}

	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, v.Message)
	}
	e.logger.Info().
		Str("operation", input.Operation).
		Strs("violations", messages).
		Msg("Request denied by policy")

	return engine.NewPolicyDeniedError(result.Violations[0].Policy, strings.Join(messages, "; ")).
		WithDetail("violations", len(result.Violations))
}
