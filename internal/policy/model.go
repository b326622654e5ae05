// Package policy evaluates permission/prohibition/duty rule sets against the
// claims of a participant agent. Evaluation logic is supplied at boot by
// registering constraint and rule functions on a Registry.
package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type Operator string

const (
	EQ       Operator = "eq"
	NEQ      Operator = "neq"
	GT       Operator = "gt"
	GEQ      Operator = "geq"
	LT       Operator = "lt"
	LEQ      Operator = "leq"
	IN       Operator = "in"
	IsAnyOf  Operator = "isAnyOf"
	IsAllOf  Operator = "isAllOf"
	IsNoneOf Operator = "isNoneOf"
)

var operators = map[string]Operator{
	"eq": EQ, "neq": NEQ, "gt": GT, "geq": GEQ, "lt": LT, "leq": LEQ, "in": IN,
	"isanyof": IsAnyOf, "isallof": IsAllOf, "isnoneof": IsNoneOf,
}

// ParseOperator accepts any casing, with or without underscores
// ("IS_ANY_OF", "isAnyOf").
func ParseOperator(s string) (Operator, error) {
	key := strings.ToLower(strings.ReplaceAll(s, "_", ""))
	if op, ok := operators[key]; ok {
		return op, nil
	}
	return "", fmt.Errorf("unknown operator %q", s)
}

type RuleKind string

const (
	KindPermission  RuleKind = "permission"
	KindProhibition RuleKind = "prohibition"
	KindDuty        RuleKind = "duty"
)

// Constraint is one of AtomicConstraint, AndConstraint, OrConstraint or
// XoneConstraint.
type Constraint interface {
	isConstraint()
}

type AtomicConstraint struct {
	Left     string
	Operator Operator
	Right    any
}

type AndConstraint struct{ Constraints []Constraint }
type OrConstraint struct{ Constraints []Constraint }

// XoneConstraint is satisfied when exactly one member is.
type XoneConstraint struct{ Constraints []Constraint }

func (AtomicConstraint) isConstraint() {}
func (AndConstraint) isConstraint()    {}
func (OrConstraint) isConstraint()     {}
func (XoneConstraint) isConstraint()   {}

type Rule struct {
	Kind        RuleKind
	Action      string
	Constraints []Constraint
	// Duties attached to a permission become obligations once it is granted.
	Duties []Rule
}

type Policy struct {
	ID           string
	Target       string
	Permissions  []Rule
	Prohibitions []Rule
	Obligations  []Rule
}

// IsZero reports whether p declares no rules at all.
func (p Policy) IsZero() bool {
	return len(p.Permissions) == 0 && len(p.Prohibitions) == 0 && len(p.Obligations) == 0
}

// Wire form shared by JSON and YAML.
type constraintDoc struct {
	Left     string          `json:"leftOperand,omitempty" yaml:"leftOperand,omitempty"`
	Operator string          `json:"operator,omitempty" yaml:"operator,omitempty"`
	Right    any             `json:"rightOperand,omitempty" yaml:"rightOperand,omitempty"`
	And      []constraintDoc `json:"and,omitempty" yaml:"and,omitempty"`
	Or       []constraintDoc `json:"or,omitempty" yaml:"or,omitempty"`
	Xone     []constraintDoc `json:"xone,omitempty" yaml:"xone,omitempty"`
}

type ruleDoc struct {
	Action      string          `json:"action,omitempty" yaml:"action,omitempty"`
	Constraints []constraintDoc `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Duties      []ruleDoc       `json:"duties,omitempty" yaml:"duties,omitempty"`
}

type policyDoc struct {
	ID           string    `json:"id,omitempty" yaml:"id,omitempty"`
	Target       string    `json:"target,omitempty" yaml:"target,omitempty"`
	Permissions  []ruleDoc `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Prohibitions []ruleDoc `json:"prohibitions,omitempty" yaml:"prohibitions,omitempty"`
	Obligations  []ruleDoc `json:"obligations,omitempty" yaml:"obligations,omitempty"`
}

func (d constraintDoc) toConstraint() (Constraint, error) {
	set := 0
	for _, group := range [][]constraintDoc{d.And, d.Or, d.Xone} {
		if len(group) > 0 {
			set++
		}
	}
	if d.Left != "" {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("constraint must have exactly one of leftOperand, and, or, xone")
	}
	if d.Left != "" {
		op, err := ParseOperator(d.Operator)
		if err != nil {
			return nil, fmt.Errorf("constraint %s: %w", d.Left, err)
		}
		return AtomicConstraint{Left: d.Left, Operator: op, Right: d.Right}, nil
	}
	var (
		members []Constraint
		group   []constraintDoc
	)
	switch {
	case len(d.And) > 0:
		group = d.And
	case len(d.Or) > 0:
		group = d.Or
	default:
		group = d.Xone
	}
	for _, m := range group {
		c, err := m.toConstraint()
		if err != nil {
			return nil, err
		}
		members = append(members, c)
	}
	switch {
	case len(d.And) > 0:
		return AndConstraint{Constraints: members}, nil
	case len(d.Or) > 0:
		return OrConstraint{Constraints: members}, nil
	default:
		return XoneConstraint{Constraints: members}, nil
	}
}

func fromConstraint(c Constraint) constraintDoc {
	switch c := c.(type) {
	case AtomicConstraint:
		return constraintDoc{Left: c.Left, Operator: string(c.Operator), Right: c.Right}
	case AndConstraint:
		return constraintDoc{And: fromConstraints(c.Constraints)}
	case OrConstraint:
		return constraintDoc{Or: fromConstraints(c.Constraints)}
	case XoneConstraint:
		return constraintDoc{Xone: fromConstraints(c.Constraints)}
	}
	return constraintDoc{}
}

func fromConstraints(cs []Constraint) []constraintDoc {
	out := make([]constraintDoc, 0, len(cs))
	for _, c := range cs {
		out = append(out, fromConstraint(c))
	}
	return out
}

func (d ruleDoc) toRule(kind RuleKind) (Rule, error) {
	r := Rule{Kind: kind, Action: d.Action}
	for _, cd := range d.Constraints {
		c, err := cd.toConstraint()
		if err != nil {
			return Rule{}, err
		}
		r.Constraints = append(r.Constraints, c)
	}
	for _, dd := range d.Duties {
		duty, err := dd.toRule(KindDuty)
		if err != nil {
			return Rule{}, err
		}
		r.Duties = append(r.Duties, duty)
	}
	return r, nil
}

func fromRule(r Rule) ruleDoc {
	d := ruleDoc{Action: r.Action, Constraints: fromConstraints(r.Constraints)}
	for _, duty := range r.Duties {
		d.Duties = append(d.Duties, fromRule(duty))
	}
	return d
}

func (d policyDoc) toPolicy() (Policy, error) {
	p := Policy{ID: d.ID, Target: d.Target}
	convert := func(docs []ruleDoc, kind RuleKind) ([]Rule, error) {
		var out []Rule
		for _, rd := range docs {
			r, err := rd.toRule(kind)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", kind, err)
			}
			out = append(out, r)
		}
		return out, nil
	}
	var err error
	if p.Permissions, err = convert(d.Permissions, KindPermission); err != nil {
		return Policy{}, err
	}
	if p.Prohibitions, err = convert(d.Prohibitions, KindProhibition); err != nil {
		return Policy{}, err
	}
	if p.Obligations, err = convert(d.Obligations, KindDuty); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) doc() policyDoc {
	d := policyDoc{ID: p.ID, Target: p.Target}
	for _, r := range p.Permissions {
		d.Permissions = append(d.Permissions, fromRule(r))
	}
	for _, r := range p.Prohibitions {
		d.Prohibitions = append(d.Prohibitions, fromRule(r))
	}
	for _, r := range p.Obligations {
		d.Obligations = append(d.Obligations, fromRule(r))
	}
	return d
}

func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.doc())
}

// Equal reports whether p and o declare the same rules in the same order.
func (p Policy) Equal(o Policy) bool {
	a, errA := json.Marshal(p.doc())
	b, errB := json.Marshal(o.doc())
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

func (p *Policy) UnmarshalJSON(data []byte) error {
	var d policyDoc
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	out, err := d.toPolicy()
	if err != nil {
		return err
	}
	*p = out
	return nil
}

func (p Policy) MarshalYAML() (any, error) {
	return p.doc(), nil
}

func (p *Policy) UnmarshalYAML(node *yaml.Node) error {
	var d policyDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	out, err := d.toPolicy()
	if err != nil {
		return err
	}
	*p = out
	return nil
}

// Parse decodes a policy document in JSON or YAML.
func Parse(data []byte) (Policy, error) {
	var p Policy
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &p); err != nil {
			return Policy{}, fmt.Errorf("parse policy json: %w", err)
		}
		return p, nil
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy yaml: %w", err)
	}
	return p, nil
}
