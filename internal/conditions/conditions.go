// Package conditions evaluates structured boolean predicates against a
// flat context map. Predicates appear in playbook steps as `when` guards
// and post-execution `validations`.
package conditions

import (
	"strconv"
	"strings"

	"github.com/marcus-qen/praetor/internal/interpolate"
)

// Condition is one predicate. Left, Right and Value may contain ${name}
// placeholders which are resolved against the evaluation context.
type Condition struct {
	Type  string `json:"type" yaml:"type"`
	Left  any    `json:"left,omitempty" yaml:"left,omitempty"`
	Right any    `json:"right,omitempty" yaml:"right,omitempty"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Evaluate resolves the condition's operands against ctx and applies the
// operator. Unknown operator types evaluate to false.
func Evaluate(cond Condition, ctx map[string]any) bool {
	left := interpolate.Substitute(cond.Left, ctx)
	right := interpolate.Substitute(cond.Right, ctx)
	value := interpolate.Substitute(cond.Value, ctx)

	switch strings.ToLower(strings.TrimSpace(cond.Type)) {
	case "equals", "eq":
		return interpolate.Stringify(left) == interpolate.Stringify(right)
	case "not_equals", "ne":
		return interpolate.Stringify(left) != interpolate.Stringify(right)
	case "contains":
		return strings.Contains(interpolate.Stringify(left), interpolate.Stringify(right))
	case "http_status", "status_code":
		lv, lok := ToInt(left)
		if !lok {
			return false
		}
		rv := 200
		if right != nil {
			converted, rok := ToInt(right)
			if !rok {
				return false
			}
			rv = converted
		}
		return lv == rv
	case "truthy":
		return Truthy(value)
	case "falsy":
		return !Truthy(value)
	case "greater_than":
		lv, lok := ToFloat(left)
		rv, rok := ToFloat(right)
		return lok && rok && lv > rv
	case "less_than":
		lv, lok := ToFloat(left)
		rv, rok := ToFloat(right)
		return lok && rok && lv < rv
	default:
		return false
	}
}

// EvaluateAll reports whether every condition holds. An empty list holds.
func EvaluateAll(conds []Condition, ctx map[string]any) bool {
	for _, cond := range conds {
		if !Evaluate(cond, ctx) {
			return false
		}
	}
	return true
}

// Truthy coerces a value to a boolean: booleans pass through, numbers are
// true when non-zero, strings when they spell 1/true/yes/on, collections
// when non-empty. Everything else is false.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
		return false
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		if f, ok := ToFloat(v); ok {
			return f != 0
		}
		return false
	}
}

// ToFloat converts numeric values and numeric strings to float64.
func ToFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// ToInt converts integral values and integral strings to int. Floats
// convert only when they carry no fraction.
func ToInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		if v == float64(int64(v)) {
			return int(v), true
		}
		return 0, false
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}
