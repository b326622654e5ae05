package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Compare applies op to left and right for function authors. Numbers compare
// numerically when both sides convert; otherwise values compare as strings.
// Collection operators treat a scalar as a one-element collection.
func Compare(op Operator, left, right any) (bool, error) {
	switch op {
	case EQ:
		return equal(left, right), nil
	case NEQ:
		return !equal(left, right), nil
	case GT, GEQ, LT, LEQ:
		c, err := order(left, right)
		if err != nil {
			return false, err
		}
		switch op {
		case GT:
			return c > 0, nil
		case GEQ:
			return c >= 0, nil
		case LT:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case IN:
		for _, r := range toSlice(right) {
			if equal(left, r) {
				return true, nil
			}
		}
		return false, nil
	case IsAnyOf:
		return countIn(toSlice(left), toSlice(right)) > 0, nil
	case IsAllOf:
		l := toSlice(left)
		return len(l) > 0 && countIn(l, toSlice(right)) == len(l), nil
	case IsNoneOf:
		return countIn(toSlice(left), toSlice(right)) == 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func countIn(left, right []any) int {
	n := 0
	for _, l := range left {
		for _, r := range right {
			if equal(l, r) {
				n++
				break
			}
		}
	}
	return n
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func order(a, b any) (int, error) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toSlice(v any) []any {
	switch s := v.(type) {
	case nil:
		return nil
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i]
		}
		return out
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out
	}
	return []any{v}
}

// decodeLiteral turns a JSON-shaped string into its decoded value so
// functions never see raw JSON text.
func decodeLiteral(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '[' && trimmed[0] != '{') {
		return v
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return v
	}
	return out
}
