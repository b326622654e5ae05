package policy

import (
	"errors"
	"fmt"
	"sync"
)

// AnyScope registers a function for every evaluation scope.
const AnyScope = "*"

// Evaluation scopes used by the connector.
const (
	ScopeNegotiation = "contract.negotiation"
	ScopeTransfer    = "transfer.process"
	ScopeCatalog     = "catalog"
	ScopeRequest     = "request.policy"
)

var ErrUnregisteredFunction = errors.New("no function registered")

// ConstraintFunc evaluates one atomic constraint. right has already had
// JSON-shaped literals decoded.
type ConstraintFunc func(op Operator, right any, rule Rule, pc *Context) bool

// DynamicFunc evaluates any constraint whose left operand a predicate
// accepted; it receives the left operand as well.
type DynamicFunc func(left string, op Operator, right any, rule Rule, pc *Context) bool

// RuleFunc runs once per rule after its constraints pass. For duties it
// decides whether the obligation blocks the grant.
type RuleFunc func(rule Rule, pc *Context) bool

type fnKey struct {
	scope string
	kind  RuleKind
	key   string
}

type ruleKey struct {
	scope string
	kind  RuleKind
}

type dynamicEntry struct {
	match func(left string) bool
	fn    DynamicFunc
}

// Registry holds the functions available to an Engine. It is filled at boot
// and read concurrently afterwards.
type Registry struct {
	mu          sync.RWMutex
	constraints map[fnKey]ConstraintFunc
	dynamic     map[ruleKey][]dynamicEntry
	rules       map[ruleKey][]RuleFunc
}

func NewRegistry() *Registry {
	return &Registry{
		constraints: make(map[fnKey]ConstraintFunc),
		dynamic:     make(map[ruleKey][]dynamicEntry),
		rules:       make(map[ruleKey][]RuleFunc),
	}
}

func (r *Registry) RegisterConstraintFunction(scope string, kind RuleKind, key string, fn ConstraintFunc) error {
	if key == "" || fn == nil {
		return errors.New("constraint function requires a key and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := fnKey{scope: scope, kind: kind, key: key}
	if _, ok := r.constraints[k]; ok {
		return fmt.Errorf("constraint function %s/%s/%s already registered", scope, kind, key)
	}
	r.constraints[k] = fn
	return nil
}

func (r *Registry) RegisterDynamicFunction(scope string, kind RuleKind, match func(left string) bool, fn DynamicFunc) error {
	if match == nil || fn == nil {
		return errors.New("dynamic function requires a predicate and a function")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ruleKey{scope: scope, kind: kind}
	r.dynamic[k] = append(r.dynamic[k], dynamicEntry{match: match, fn: fn})
	return nil
}

func (r *Registry) RegisterRuleFunction(scope string, kind RuleKind, fn RuleFunc) error {
	if fn == nil {
		return errors.New("rule function is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := ruleKey{scope: scope, kind: kind}
	r.rules[k] = append(r.rules[k], fn)
	return nil
}

// constraint resolves left for (scope, kind): exact keys first, then
// dynamic predicates, each tried in the scope and then in AnyScope.
func (r *Registry) constraint(scope string, kind RuleKind, left string) (ConstraintFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range []string{scope, AnyScope} {
		if fn, ok := r.constraints[fnKey{scope: s, kind: kind, key: left}]; ok {
			return fn, true
		}
	}
	for _, s := range []string{scope, AnyScope} {
		for _, d := range r.dynamic[ruleKey{scope: s, kind: kind}] {
			if d.match(left) {
				fn := d.fn
				return func(op Operator, right any, rule Rule, pc *Context) bool {
					return fn(left, op, right, rule, pc)
				}, true
			}
		}
	}
	return nil, false
}

func (r *Registry) ruleFunctions(scope string, kind RuleKind) []RuleFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RuleFunc
	out = append(out, r.rules[ruleKey{scope: scope, kind: kind}]...)
	if scope != AnyScope {
		out = append(out, r.rules[ruleKey{scope: AnyScope, kind: kind}]...)
	}
	return out
}
