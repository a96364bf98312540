// Package interpolate substitutes ${name} placeholders in structured values.
package interpolate

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	exactPlaceholderPattern  = regexp.MustCompile(`^\$\{([A-Za-z0-9._-]+)\}$`)
	inlinePlaceholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9._-]+)\}`)
)

// Substitute expands ${name} placeholders in value against vars and returns
// the expanded copy. Strings matching a single exact placeholder resolve to
// the variable's raw value so numbers and booleans keep their type. Inline
// placeholders are stringified. Unknown names are left literal. Maps and
// slices are walked recursively; other scalars pass through untouched.
// The input is never mutated.
func Substitute(value any, vars map[string]any) any {
	switch v := value.(type) {
	case string:
		return expandString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, elem := range v {
			out[key] = Substitute(elem, vars)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			out[i] = Substitute(elem, vars)
		}
		return out
	default:
		return value
	}
}

func expandString(s string, vars map[string]any) any {
	if m := exactPlaceholderPattern.FindStringSubmatch(s); m != nil {
		if resolved, ok := vars[m[1]]; ok {
			return resolved
		}
		return s
	}

	return inlinePlaceholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := inlinePlaceholderPattern.FindStringSubmatch(match)[1]
		resolved, ok := vars[name]
		if !ok {
			return match
		}
		return Stringify(resolved)
	})
}

// Stringify renders a variable value the way it appears inside an expanded
// string. Floats that carry no fraction print as integers so exported
// status codes and counts stay readable.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
