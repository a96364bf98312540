package interpolate

import (
	"reflect"
	"testing"
)

func TestSubstituteExactPlaceholderKeepsType(t *testing.T) {
	vars := map[string]any{"status_code": 200, "ok": true}

	if got := Substitute("${status_code}", vars); got != 200 {
		t.Fatalf("expected raw int 200, got %#v", got)
	}
	if got := Substitute("${ok}", vars); got != true {
		t.Fatalf("expected raw bool true, got %#v", got)
	}
}

func TestSubstituteInlineStringifies(t *testing.T) {
	vars := map[string]any{"host": "db-1", "port": 5432}

	got := Substitute("postgres://${host}:${port}/app", vars)
	if got != "postgres://db-1:5432/app" {
		t.Fatalf("unexpected expansion: %#v", got)
	}
}

func TestSubstituteMissingNameStaysLiteral(t *testing.T) {
	got := Substitute("value is ${missing}", map[string]any{})
	if got != "value is ${missing}" {
		t.Fatalf("missing placeholder must stay literal, got %#v", got)
	}
	if got := Substitute("${missing}", nil); got != "${missing}" {
		t.Fatalf("exact missing placeholder must stay literal, got %#v", got)
	}
}

func TestSubstituteWalksNestedStructures(t *testing.T) {
	vars := map[string]any{"region": "eu-1", "count": 3}
	in := map[string]any{
		"url":  "https://${region}.example.com",
		"tags": []any{"${region}", "static"},
		"nested": map[string]any{
			"replicas": "${count}",
		},
		"limit": 10,
	}

	got, ok := Substitute(in, vars).(map[string]any)
	if !ok {
		t.Fatalf("expected map result")
	}
	if got["url"] != "https://eu-1.example.com" {
		t.Fatalf("url not expanded: %#v", got["url"])
	}
	if !reflect.DeepEqual(got["tags"], []any{"eu-1", "static"}) {
		t.Fatalf("tags not expanded: %#v", got["tags"])
	}
	nested := got["nested"].(map[string]any)
	if nested["replicas"] != 3 {
		t.Fatalf("nested exact placeholder should keep int type: %#v", nested["replicas"])
	}
	if got["limit"] != 10 {
		t.Fatalf("scalar passthrough broken: %#v", got["limit"])
	}

	// Input untouched.
	if in["url"] != "https://${region}.example.com" {
		t.Fatalf("input mutated: %#v", in["url"])
	}
}

func TestSubstituteIdempotentWithStableVars(t *testing.T) {
	vars := map[string]any{"name": "alpha"}
	once := Substitute("run ${name} ${other}", vars)
	twice := Substitute(once, vars)
	if once != twice {
		t.Fatalf("substitution not idempotent: %#v vs %#v", once, twice)
	}
}

func TestStringify(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"x", "x"},
		{true, "true"},
		{42, "42"},
		{int64(7), "7"},
		{float64(200), "200"},
		{3.5, "3.5"},
	}
	for _, tc := range cases {
		if got := Stringify(tc.in); got != tc.want {
			t.Errorf("Stringify(%#v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
