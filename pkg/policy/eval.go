package policy

import (
	"fmt"
	"reflect"
	"strings"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Evaluate runs the compiled condition against an environment. The
// environment maps root names to values, typically
// {"document": <source doc>, "doc": <source doc>, "result": <parsed AI
// output>}. A missing path resolves to null rather than failing, so
// conditions can probe optional fields; ordered comparisons against
// null do fail, and the caller falls back per the agent's policy.
func (p *Policy) Evaluate(env map[string]interface{}) (bool, error) {
	v, err := evalOr(p.expr, env)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

func evalOr(e *orExpr, env map[string]interface{}) (interface{}, error) {
	if len(e.Terms) == 1 {
		return evalAnd(e.Terms[0], env)
	}
	for _, term := range e.Terms {
		v, err := evalAnd(term, env)
		if err != nil {
			return nil, err
		}
		if truthy(v) {
			return true, nil
		}
	}
	return false, nil
}

func evalAnd(e *andExpr, env map[string]interface{}) (interface{}, error) {
	if len(e.Terms) == 1 {
		return evalNot(e.Terms[0], env)
	}
	for _, term := range e.Terms {
		v, err := evalNot(term, env)
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return false, nil
		}
	}
	return true, nil
}

func evalNot(e *notExpr, env map[string]interface{}) (interface{}, error) {
	if e.Negated != nil {
		v, err := evalNot(e.Negated, env)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return evalCmp(e.Cmp, env)
}

func evalCmp(c *comparison, env map[string]interface{}) (interface{}, error) {
	left, err := evalOperand(c.Left, env)
	if err != nil {
		return nil, err
	}
	if c.Rhs == nil {
		return left, nil
	}

	right, err := evalOperand(c.Rhs.Right, env)
	if err != nil {
		return nil, err
	}

	switch {
	case c.Rhs.In:
		return contains(right, left)
	case c.Rhs.NotIn:
		ok, err := contains(right, left)
		if err != nil {
			return nil, err
		}
		return !ok, nil
	}

	switch c.Rhs.Op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case ">", ">=", "<", "<=":
		cmp, err := compareValues(left, right)
		if err != nil {
			return nil, err
		}
		switch c.Rhs.Op {
		case ">":
			return cmp > 0, nil
		case ">=":
			return cmp >= 0, nil
		case "<":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	}
	return nil, fmt.Errorf("unsupported operator %q", c.Rhs.Op)
}

func evalOperand(o *operand, env map[string]interface{}) (interface{}, error) {
	switch {
	case o.Float != nil:
		return *o.Float, nil
	case o.Int != nil:
		return *o.Int, nil
	case o.Str != nil:
		return string(*o.Str), nil
	case o.Bool != nil:
		return bool(*o.Bool), nil
	case o.Null:
		return nil, nil
	case o.List != nil:
		items := make([]interface{}, 0, len(o.List.Items))
		for _, item := range o.List.Items {
			v, err := evalOperand(item, env)
			if err != nil {
				return nil, err
			}
			items = append(items, v)
		}
		return items, nil
	case len(o.Path) > 0:
		return resolvePath(env, o.Path), nil
	case o.Sub != nil:
		return evalOr(o.Sub, env)
	}
	return nil, fmt.Errorf("empty operand")
}

func resolvePath(env map[string]interface{}, path []string) interface{} {
	cur, ok := env[path[0]]
	if !ok && path[0] == "doc" {
		cur = env["document"]
	}
	for _, seg := range path[1:] {
		switch m := cur.(type) {
		case map[string]interface{}:
			cur = m[seg]
		case primitive.M:
			cur = m[seg]
		default:
			return nil
		}
	}
	return cur
}

// contains reports whether needle is a member of haystack. Lists test
// element equality; a string haystack tests substring membership.
func contains(haystack, needle interface{}) (bool, error) {
	switch h := haystack.(type) {
	case []interface{}:
		for _, item := range h {
			if equalValues(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case primitive.A:
		for _, item := range h {
			if equalValues(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("'in' on a string requires a string operand, got %T", needle)
		}
		return strings.Contains(h, s), nil
	}
	return false, fmt.Errorf("'in' requires a list or string, got %T", haystack)
}

func equalValues(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

func compareValues(a, b interface{}) (int, error) {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if sa, ok := a.(string); ok {
		if sb, ok := b.(string); ok {
			return strings.Compare(sa, sb), nil
		}
	}
	return 0, fmt.Errorf("cannot order %T and %T", a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []interface{}:
		return len(t) > 0
	case primitive.A:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	case primitive.M:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}
