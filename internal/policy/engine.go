package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ParticipantAgent is the authenticated counter-party and its verified claims.
type ParticipantAgent struct {
	Identity   string            `json:"identity"`
	Claims     map[string]any    `json:"claims,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Claim returns the named claim and whether it was present.
func (a ParticipantAgent) Claim(name string) (any, bool) {
	v, ok := a.Claims[name]
	return v, ok && v != nil
}

// ActionKey in the extra map selects which action is requested. Absent means
// any action.
const ActionKey = "action"

// Context is the per-evaluation view handed to functions. A fresh Context is
// built for every Evaluate call.
type Context struct {
	Scope    string
	Agent    ParticipantAgent
	Action   string
	Now      time.Time
	extra    map[string]any
	problems []string
}

// Value returns scope-specific data passed to Evaluate, such as the
// agreement under validation.
func (c *Context) Value(key string) (any, bool) {
	v, ok := c.extra[key]
	return v, ok
}

func (c *Context) ReportProblem(format string, args ...any) {
	c.problems = append(c.problems, fmt.Sprintf(format, args...))
}

func (c *Context) Problems() []string {
	return append([]string(nil), c.problems...)
}

var ErrDenied = errors.New("policy denied")

// EvaluationError is returned when a policy does not grant access. It wraps
// ErrUnregisteredFunction when a constraint had no function, ErrDenied
// otherwise.
type EvaluationError struct {
	PolicyID string
	Scope    string
	Problems []string
	Err      error
}

func (e *EvaluationError) Error() string {
	msg := fmt.Sprintf("policy %s in scope %s: %v", e.PolicyID, e.Scope, e.Err)
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	return msg
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Decision is the outcome of a granted evaluation.
type Decision struct {
	Obligations []Rule
	Problems    []string
}

type Engine struct {
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

type EngineOption func(*Engine)

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(r *Registry, opts ...EngineOption) *Engine {
	e := &Engine{registry: r, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

// Evaluate returns nil when p grants the requested action to agent in scope.
func (e *Engine) Evaluate(ctx context.Context, scope string, p Policy, agent ParticipantAgent, extra map[string]any) error {
	_, err := e.Decide(ctx, scope, p, agent, extra)
	return err
}

// Decide is Evaluate that also returns the obligations of the grant.
//
// Access is granted iff at least one permission matching the action has all
// its constraints satisfied, no matching prohibition is satisfied, no duty
// function blocks, and every constraint resolved to a registered function.
func (e *Engine) Decide(ctx context.Context, scope string, p Policy, agent ParticipantAgent, extra map[string]any) (Decision, error) {
	pc := &Context{Scope: scope, Agent: agent, Now: e.now(), extra: extra}
	if a, ok := extra[ActionKey].(string); ok {
		pc.Action = a
	}
	ev := evaluation{registry: e.registry, pc: pc}

	var (
		granted     bool
		grants      []string
		obligations []Rule
	)
	for i, r := range p.Permissions {
		if !actionMatches(r.Action, pc.Action) {
			continue
		}
		if ev.rule(r, fmt.Sprintf("permission[%d]", i)) {
			granted = true
			grants = append(grants, r.Action)
			obligations = append(obligations, r.Duties...)
		}
	}
	if !granted {
		pc.ReportProblem("no permission satisfied for action %q", pc.Action)
	}
	for i, r := range p.Prohibitions {
		if !prohibits(r.Action, pc.Action, grants) {
			continue
		}
		if ev.rule(r, fmt.Sprintf("prohibition[%d]", i)) {
			granted = false
			pc.ReportProblem("prohibition[%d] on action %q applies", i, r.Action)
		}
	}
	obligations = append(obligations, p.Obligations...)
	if granted {
		for i, d := range obligations {
			if !ev.duty(d, fmt.Sprintf("duty[%d]", i)) {
				granted = false
			}
		}
	}

	log := e.logger.With("policy", p.ID, "scope", scope, "agent", agent.Identity)
	if ev.unregistered {
		log.WarnContext(ctx, "policy references unregistered function", "problems", pc.problems)
		return Decision{}, &EvaluationError{PolicyID: p.ID, Scope: scope, Problems: pc.Problems(), Err: ErrUnregisteredFunction}
	}
	if !granted {
		log.DebugContext(ctx, "policy denied", "problems", pc.problems)
		return Decision{}, &EvaluationError{PolicyID: p.ID, Scope: scope, Problems: pc.Problems(), Err: ErrDenied}
	}
	log.DebugContext(ctx, "policy granted", "obligations", len(obligations))
	return Decision{Obligations: obligations, Problems: pc.Problems()}, nil
}

func actionMatches(ruleAction, requested string) bool {
	return ruleAction == "" || requested == "" || strings.EqualFold(ruleAction, requested)
}

// prohibits reports whether a prohibition on ruleAction applies. Without a
// requested action it applies only to what the satisfied permissions grant.
func prohibits(ruleAction, requested string, grants []string) bool {
	if requested != "" || ruleAction == "" {
		return actionMatches(ruleAction, requested)
	}
	for _, g := range grants {
		if actionMatches(ruleAction, g) {
			return true
		}
	}
	return false
}

type evaluation struct {
	registry     *Registry
	pc           *Context
	unregistered bool
}

// rule evaluates every constraint without short-circuit so all unregistered
// keys are reported, then any rule functions for the rule's kind.
func (ev *evaluation) rule(r Rule, label string) bool {
	ok := true
	for _, c := range r.Constraints {
		if !ev.constraint(c, r, label) {
			ok = false
		}
	}
	if !ok {
		return false
	}
	for _, fn := range ev.registry.ruleFunctions(ev.pc.Scope, r.Kind) {
		if !ev.call(label, func() bool { return fn(r, ev.pc) }) {
			return false
		}
	}
	return true
}

func (ev *evaluation) duty(d Rule, label string) bool {
	for _, fn := range ev.registry.ruleFunctions(ev.pc.Scope, KindDuty) {
		if !ev.call(label, func() bool { return fn(d, ev.pc) }) {
			ev.pc.ReportProblem("%s %q not fulfilled", label, d.Action)
			return false
		}
	}
	return true
}

func (ev *evaluation) constraint(c Constraint, r Rule, label string) bool {
	switch c := c.(type) {
	case AtomicConstraint:
		fn, ok := ev.registry.constraint(ev.pc.Scope, r.Kind, c.Left)
		if !ok {
			ev.unregistered = true
			ev.pc.ReportProblem("%s: no function registered for %q in scope %s", label, c.Left, ev.pc.Scope)
			return false
		}
		right := decodeLiteral(c.Right)
		if !ev.call(label+"/"+c.Left, func() bool { return fn(c.Operator, right, r, ev.pc) }) {
			ev.pc.ReportProblem("%s: constraint %s %s %v not satisfied", label, c.Left, c.Operator, c.Right)
			return false
		}
		return true
	case AndConstraint:
		ok := true
		for _, m := range c.Constraints {
			if !ev.constraint(m, r, label) {
				ok = false
			}
		}
		return ok
	case OrConstraint:
		satisfied := false
		for _, m := range c.Constraints {
			if ev.constraint(m, r, label) {
				satisfied = true
			}
		}
		return satisfied
	case XoneConstraint:
		n := 0
		for _, m := range c.Constraints {
			if ev.constraint(m, r, label) {
				n++
			}
		}
		return n == 1
	}
	ev.pc.ReportProblem("%s: unsupported constraint %T", label, c)
	return false
}

// call runs a function, turning a panic into a failed rule.
func (ev *evaluation) call(label string, fn func() bool) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ev.pc.ReportProblem("%s: function panicked: %v", label, rec)
			ok = false
		}
	}()
	return fn()
}
