package policy

import (
	"fmt"
	"time"
)

// ClaimFunction compares the agent's claim named claim against the right
// operand. A missing claim is not satisfied.
func ClaimFunction(claim string) ConstraintFunc {
	return func(op Operator, right any, _ Rule, pc *Context) bool {
		v, ok := pc.Agent.Claim(claim)
		if !ok {
			pc.ReportProblem("claim %q not present", claim)
			return false
		}
		res, err := Compare(op, v, right)
		if err != nil {
			pc.ReportProblem("claim %q: %v", claim, err)
			return false
		}
		return res
	}
}

// ClaimDynamicFunction resolves any left operand as a claim name.
func ClaimDynamicFunction(left string, op Operator, right any, rule Rule, pc *Context) bool {
	return ClaimFunction(left)(op, right, rule, pc)
}

// EvaluationTimeKey is the left operand handled by EvaluationTimeFunction.
const EvaluationTimeKey = "evaluationTime"

// EvaluationTimeFunction compares the evaluation instant to an RFC 3339
// right operand.
func EvaluationTimeFunction(op Operator, right any, _ Rule, pc *Context) bool {
	s, ok := right.(string)
	if !ok {
		pc.ReportProblem("%s: right operand must be an RFC 3339 string, got %T", EvaluationTimeKey, right)
		return false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		pc.ReportProblem("%s: %v", EvaluationTimeKey, err)
		return false
	}
	now := pc.Now.Unix()
	res, err := Compare(op, now, t.Unix())
	if err != nil {
		pc.ReportProblem("%s: %v", EvaluationTimeKey, err)
		return false
	}
	return res
}

// RegisterClaimFunctions binds each claim key for permissions and
// prohibitions in every scope.
func RegisterClaimFunctions(r *Registry, claims ...string) error {
	for _, c := range claims {
		for _, kind := range []RuleKind{KindPermission, KindProhibition} {
			if err := r.RegisterConstraintFunction(AnyScope, kind, c, ClaimFunction(c)); err != nil {
				return fmt.Errorf("register claim %s: %w", c, err)
			}
		}
	}
	return nil
}

// RegisterDefaults installs the evaluation-time function for every scope.
func RegisterDefaults(r *Registry) error {
	for _, kind := range []RuleKind{KindPermission, KindProhibition} {
		if err := r.RegisterConstraintFunction(AnyScope, kind, EvaluationTimeKey, EvaluationTimeFunction); err != nil {
			return err
		}
	}
	return nil
}
