package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *Registry) {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, RegisterClaimFunctions(r, "region"))
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return NewEngine(r, WithClock(func() time.Time { return now })), r
}

func use(constraints ...Constraint) Rule {
	return Rule{Kind: KindPermission, Action: "use", Constraints: constraints}
}

func agent(claims map[string]any) ParticipantAgent {
	return ParticipantAgent{Identity: "did:web:consumer", Claims: claims}
}

func TestUnrestrictedPermission(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{ID: "open", Permissions: []Rule{use()}}
	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil))
	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"region": "us"}), map[string]any{ActionKey: "use"}))
}

func TestConstrainedPermissionDenied(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{ID: "eu-only", Permissions: []Rule{use(AtomicConstraint{Left: "region", Operator: IN, Right: "eu"})}}

	err := e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"region": "us"}), nil)
	require.ErrorIs(t, err, ErrDenied)
	var evalErr *EvaluationError
	require.True(t, errors.As(err, &evalErr))
	require.NotEmpty(t, evalErr.Problems)

	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"region": "eu"}), nil))
}

func TestMissingClaimIsNotSatisfied(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{ID: "eu-only", Permissions: []Rule{use(AtomicConstraint{Left: "region", Operator: EQ, Right: "eu"})}}
	err := e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil)
	require.ErrorIs(t, err, ErrDenied)
	require.Contains(t, err.Error(), `claim "region" not present`)
}

func TestProhibitionOverridesPermission(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{
		ID:           "blocked",
		Permissions:  []Rule{use()},
		Prohibitions: []Rule{{Kind: KindProhibition, Action: "use"}},
	}
	err := e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil)
	require.ErrorIs(t, err, ErrDenied)

	// A prohibition on another action does not apply.
	p.Prohibitions[0].Action = "distribute"
	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), map[string]any{ActionKey: "use"}))
}

func TestProhibitionWithoutRequestedAction(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{
		ID:           "no-resale",
		Permissions:  []Rule{use()},
		Prohibitions: []Rule{{Kind: KindProhibition, Action: "distribute"}},
	}
	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil))

	// An unrestricted permission grants every action, so the prohibition bites.
	p.Permissions[0].Action = ""
	require.ErrorIs(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil), ErrDenied)

	// So does a prohibition without an action.
	p.Permissions[0].Action = "use"
	p.Prohibitions[0].Action = ""
	require.ErrorIs(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil), ErrDenied)
}

func TestEmptyPolicyDenies(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Evaluate(context.Background(), ScopeNegotiation, Policy{ID: "empty"}, agent(nil), nil)
	require.ErrorIs(t, err, ErrDenied)
}

func TestUnregisteredFunctionIsHardFailure(t *testing.T) {
	e, _ := newTestEngine(t)
	p := Policy{
		ID: "unknown",
		Permissions: []Rule{
			use(),
			use(AtomicConstraint{Left: "spatial", Operator: EQ, Right: "x"}),
		},
	}
	err := e.Evaluate(context.Background(), ScopeNegotiation, p, agent(nil), nil)
	require.ErrorIs(t, err, ErrUnregisteredFunction)
	require.Contains(t, err.Error(), `"spatial"`)
}

func TestDeterministicEvaluation(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, r.RegisterConstraintFunction(AnyScope, KindPermission, "tier", func(op Operator, right any, _ Rule, pc *Context) bool {
		pc.ReportProblem("tier checked")
		return false
	}))
	p := Policy{ID: "tiered", Permissions: []Rule{use(AtomicConstraint{Left: "tier", Operator: EQ, Right: "gold"})}}
	a := agent(map[string]any{"tier": "silver"})

	first := e.Evaluate(context.Background(), ScopeNegotiation, p, a, nil)
	second := e.Evaluate(context.Background(), ScopeNegotiation, p, a, nil)
	require.Error(t, first)
	require.Equal(t, first.Error(), second.Error())
	require.Nil(t, a.Claims["checked"])
}

func TestJSONLiteralDecodedBeforeCall(t *testing.T) {
	e, r := newTestEngine(t)
	var got any
	require.NoError(t, r.RegisterConstraintFunction(ScopeNegotiation, KindPermission, "purpose", func(op Operator, right any, _ Rule, pc *Context) bool {
		got = right
		ok, err := Compare(op, pc.Agent.Claims["purpose"], right)
		return err == nil && ok
	}))
	p := Policy{ID: "purpose", Permissions: []Rule{use(AtomicConstraint{Left: "purpose", Operator: IN, Right: `["research", "health"]`})}}

	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"purpose": "health"}), nil))
	require.Equal(t, []any{"research", "health"}, got)

	// Registered for one scope only.
	err := e.Evaluate(context.Background(), ScopeTransfer, p, agent(map[string]any{"purpose": "health"}), nil)
	require.ErrorIs(t, err, ErrUnregisteredFunction)
}

func TestPanickingFunctionFailsRule(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, r.RegisterConstraintFunction(AnyScope, KindPermission, "boom", func(Operator, any, Rule, *Context) bool {
		panic("bad function")
	}))
	p := Policy{ID: "p", Permissions: []Rule{
		use(AtomicConstraint{Left: "boom", Operator: EQ, Right: 1}),
		use(AtomicConstraint{Left: "region", Operator: EQ, Right: "eu"}),
	}}
	require.NoError(t, e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"region": "eu"}), nil))

	err := e.Evaluate(context.Background(), ScopeNegotiation, p, agent(map[string]any{"region": "us"}), nil)
	require.ErrorIs(t, err, ErrDenied)
	require.Contains(t, err.Error(), "panicked")
}

func TestCompositeConstraints(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, RegisterClaimFunctions(r, "level"))
	region := func(v string) Constraint { return AtomicConstraint{Left: "region", Operator: EQ, Right: v} }
	ctx := context.Background()
	a := agent(map[string]any{"region": "eu", "level": 3})

	or := Policy{ID: "or", Permissions: []Rule{use(OrConstraint{Constraints: []Constraint{region("us"), region("eu")}})}}
	require.NoError(t, e.Evaluate(ctx, ScopeNegotiation, or, a, nil))

	and := Policy{ID: "and", Permissions: []Rule{use(AndConstraint{Constraints: []Constraint{
		region("eu"), AtomicConstraint{Left: "level", Operator: GEQ, Right: 5},
	}})}}
	require.ErrorIs(t, e.Evaluate(ctx, ScopeNegotiation, and, a, nil), ErrDenied)

	xone := Policy{ID: "xone", Permissions: []Rule{use(XoneConstraint{Constraints: []Constraint{
		region("eu"), AtomicConstraint{Left: "level", Operator: LT, Right: 5},
	}})}}
	require.ErrorIs(t, e.Evaluate(ctx, ScopeNegotiation, xone, a, nil), ErrDenied)
}

func TestDutyFunctionBlocksGrant(t *testing.T) {
	e, r := newTestEngine(t)
	p := Policy{ID: "duty", Permissions: []Rule{{
		Kind:   KindPermission,
		Action: "use",
		Duties: []Rule{{Kind: KindDuty, Action: "delete-after-30d"}},
	}}}
	d, err := e.Decide(context.Background(), ScopeNegotiation, p, agent(nil), nil)
	require.NoError(t, err)
	require.Len(t, d.Obligations, 1)

	require.NoError(t, r.RegisterRuleFunction(ScopeNegotiation, KindDuty, func(rule Rule, _ *Context) bool {
		return rule.Action != "delete-after-30d"
	}))
	_, err = e.Decide(context.Background(), ScopeNegotiation, p, agent(nil), nil)
	require.ErrorIs(t, err, ErrDenied)
}

func TestDynamicFunction(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, r.RegisterDynamicFunction(AnyScope, KindPermission, func(left string) bool {
		return len(left) > 6 && left[:6] == "claim:"
	}, func(left string, op Operator, right any, rule Rule, pc *Context) bool {
		return ClaimDynamicFunction(left[6:], op, right, rule, pc)
	}))
	p := Policy{ID: "dyn", Permissions: []Rule{use(AtomicConstraint{Left: "claim:org", Operator: EQ, Right: "acme"})}}
	require.NoError(t, e.Evaluate(context.Background(), ScopeCatalog, p, agent(map[string]any{"org": "acme"}), nil))
}

func TestEvaluationTimeFunction(t *testing.T) {
	e, r := newTestEngine(t)
	require.NoError(t, RegisterDefaults(r))
	p := Policy{ID: "window", Permissions: []Rule{use(
		AtomicConstraint{Left: EvaluationTimeKey, Operator: GEQ, Right: "2025-01-01T00:00:00Z"},
		AtomicConstraint{Left: EvaluationTimeKey, Operator: LT, Right: "2026-01-01T00:00:00Z"},
	)}}
	require.NoError(t, e.Evaluate(context.Background(), ScopeTransfer, p, agent(nil), nil))

	expired := Policy{ID: "expired", Permissions: []Rule{use(
		AtomicConstraint{Left: EvaluationTimeKey, Operator: LT, Right: "2025-01-01T00:00:00Z"},
	)}}
	require.ErrorIs(t, e.Evaluate(context.Background(), ScopeTransfer, expired, agent(nil), nil), ErrDenied)
}

func TestDuplicateRegistration(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterClaimFunctions(r, "region"))
	require.Error(t, RegisterClaimFunctions(r, "region"))
}
