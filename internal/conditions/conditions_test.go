package conditions

import "testing"

func TestEvaluateOperators(t *testing.T) {
	ctx := map[string]any{
		"status_code": 200,
		"body":        "service healthy and ready",
		"count":       float64(7),
		"enabled":     "yes",
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string numbers", Condition{Type: "eq", Left: "${status_code}", Right: "200"}, true},
		{"equals mismatch", Condition{Type: "equals", Left: "a", Right: "b"}, false},
		{"ne", Condition{Type: "ne", Left: "${status_code}", Right: 404}, true},
		{"contains", Condition{Type: "contains", Left: "${body}", Right: "healthy"}, true},
		{"contains missing", Condition{Type: "contains", Left: "${body}", Right: "degraded"}, false},
		{"http_status default 200", Condition{Type: "http_status", Left: "${status_code}"}, true},
		{"status_code explicit", Condition{Type: "status_code", Left: "${status_code}", Right: 503}, false},
		{"http_status non-numeric", Condition{Type: "http_status", Left: "${body}"}, false},
		{"truthy", Condition{Type: "truthy", Value: "${enabled}"}, true},
		{"falsy", Condition{Type: "falsy", Value: 0}, true},
		{"greater_than", Condition{Type: "greater_than", Left: "${count}", Right: 5}, true},
		{"less_than", Condition{Type: "less_than", Left: "${count}", Right: 5}, false},
		{"less_than unparsable", Condition{Type: "less_than", Left: "${body}", Right: 5}, false},
		{"unknown type fails safe", Condition{Type: "matches_glob", Left: "a", Right: "a"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Evaluate(tc.cond, ctx); got != tc.want {
				t.Fatalf("Evaluate(%+v) = %v, want %v", tc.cond, got, tc.want)
			}
		})
	}
}

func TestEvaluateAll(t *testing.T) {
	ctx := map[string]any{"a": 1, "b": "x"}
	conds := []Condition{
		{Type: "eq", Left: "${a}", Right: "1"},
		{Type: "eq", Left: "${b}", Right: "x"},
	}
	if !EvaluateAll(conds, ctx) {
		t.Fatal("expected all conditions to hold")
	}
	conds = append(conds, Condition{Type: "eq", Left: "${b}", Right: "y"})
	if EvaluateAll(conds, ctx) {
		t.Fatal("expected failing condition to short-circuit")
	}
	if !EvaluateAll(nil, ctx) {
		t.Fatal("empty condition list must hold")
	}
}

func TestTruthy(t *testing.T) {
	truthy := []any{true, 1, -2, 0.5, "true", "YES", " on ", []any{"x"}, map[string]any{"k": 1}}
	for _, v := range truthy {
		if !Truthy(v) {
			t.Errorf("Truthy(%#v) = false, want true", v)
		}
	}
	falsy := []any{nil, false, 0, 0.0, "", "false", "nope", []any{}, map[string]any{}, struct{}{}}
	for _, v := range falsy {
		if Truthy(v) {
			t.Errorf("Truthy(%#v) = true, want false", v)
		}
	}
}

func TestToInt(t *testing.T) {
	if n, ok := ToInt(float64(200)); !ok || n != 200 {
		t.Fatalf("ToInt(200.0) = %d, %v", n, ok)
	}
	if _, ok := ToInt(2.5); ok {
		t.Fatal("fractional float must not convert")
	}
	if n, ok := ToInt(" 42 "); !ok || n != 42 {
		t.Fatalf("ToInt string = %d, %v", n, ok)
	}
}
