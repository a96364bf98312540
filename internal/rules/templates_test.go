package rules

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func styleTemplate() *Template {
	return &Template{
		ID:       "tpl-style",
		Name:     "team style guardrail",
		RuleType: "guidance",
		Parameters: []TemplateParameter{
			{Name: "team", Type: "string", Required: true},
			{Name: "limit", Type: "number", Required: true},
			{Name: "style", Type: "string", DefaultValue: "concise"},
		},
		Content: map[string]any{
			"name":     "{{ team }} style",
			"scope":    "project",
			"priority": "${limit}",
			"tags":     []any{"{{ team }}", "templated"},
			"conditions": []any{
				map[string]any{"field": "team", "operator": "eq", "value": "{{team}}"},
			},
			"actions": []any{
				map[string]any{"action_type": "set", "target": "response_style", "value": "${style}"},
			},
		},
	}
}

func TestTemplateInstantiate(t *testing.T) {
	tpl := styleTemplate()
	rule, err := tpl.Instantiate(map[string]any{"team": "payments", "limit": 750})
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}

	if rule.Name != "payments style" {
		t.Fatalf("name = %q", rule.Name)
	}
	// An exact placeholder token keeps the parameter's native type.
	if rule.Priority != 750 {
		t.Fatalf("priority = %d, want 750", rule.Priority)
	}
	if rule.Scope != ScopeProject || rule.RuleType != "guidance" {
		t.Fatalf("scope/type = %s/%s", rule.Scope, rule.RuleType)
	}
	if len(rule.Tags) != 2 || rule.Tags[0] != "payments" {
		t.Fatalf("tags = %v", rule.Tags)
	}
	if len(rule.Conditions) != 1 || rule.Conditions[0].Value != "payments" {
		t.Fatalf("conditions = %+v", rule.Conditions)
	}
	// The default fills the omitted parameter.
	if len(rule.Actions) != 1 || rule.Actions[0].Value != "concise" {
		t.Fatalf("actions = %+v", rule.Actions)
	}
	if rule.Metadata["created_from_template"] != "tpl-style" {
		t.Fatalf("metadata = %v", rule.Metadata)
	}
}

func TestTemplateParamValidation(t *testing.T) {
	cases := []struct {
		name      string
		params    map[string]any
		wantIssue string
	}{
		{"missing required", map[string]any{"team": "payments"}, `parameter "limit" is required`},
		{"unknown parameter", map[string]any{"team": "x", "limit": 1, "bogus": true}, `unknown parameter "bogus"`},
		{"wrong type", map[string]any{"team": "x", "limit": "very high"}, `parameter "limit" wants a number`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := styleTemplate().Instantiate(tc.params)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error = %v, want ValidationError", err)
			}
			found := false
			for _, issue := range verr.Issues {
				if strings.Contains(issue, tc.wantIssue) {
					found = true
				}
			}
			if !found {
				t.Fatalf("issues = %v, want %q", verr.Issues, tc.wantIssue)
			}
		})
	}

	constrained := styleTemplate()
	constrained.Parameters = append(constrained.Parameters,
		TemplateParameter{Name: "env", Type: "string", AllowedValues: []any{"dev", "prod"}},
		TemplateParameter{Name: "slug", Type: "string", ValidationPattern: "^[a-z-]+$"},
	)

	_, err := constrained.Instantiate(map[string]any{"team": "x", "limit": 1, "env": "staging"})
	var verr *ValidationError
	if !errors.As(err, &verr) || !strings.Contains(verr.Error(), "not allowed") {
		t.Fatalf("allowed values error = %v", err)
	}

	_, err = constrained.Instantiate(map[string]any{"team": "x", "limit": 1, "slug": "Payments Team"})
	if !errors.As(err, &verr) || !strings.Contains(verr.Error(), "does not match") {
		t.Fatalf("pattern error = %v", err)
	}
}

func TestTemplateInstantiateInvalidRule(t *testing.T) {
	tpl := &Template{
		ID:      "tpl-broken",
		Name:    "renders no name",
		Content: map[string]any{"rule_type": "guidance"},
	}
	_, err := tpl.Instantiate(nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want the rendered rule to fail validation", err)
	}
}

func TestTemplateStoreCRUD(t *testing.T) {
	s := newTestStore(t)

	tpl := styleTemplate()
	tpl.ID = ""
	tpl.CreatedAt = time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	saved, err := s.SaveTemplate(tpl)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.ID == "" {
		t.Fatal("save must assign an id")
	}

	got, err := s.GetTemplate(saved.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != tpl.Name || len(got.Parameters) != 3 || got.Parameters[2].DefaultValue != "concise" {
		t.Fatalf("round trip = %+v", got)
	}
	if got.Content["name"] != "{{ team }} style" {
		t.Fatalf("content = %v", got.Content)
	}

	// Saving under the same id updates in place and keeps created_at.
	got.Description = "per-team response style"
	updated, err := s.SaveTemplate(got)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(got.CreatedAt) {
		t.Fatal("update must keep created_at")
	}
	again, _ := s.GetTemplate(saved.ID)
	if again.Description != "per-team response style" {
		t.Fatalf("description = %q", again.Description)
	}

	second := styleTemplate()
	second.ID = "tpl-newer"
	second.Name = "newer template"
	second.CreatedAt = time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	if _, err := s.SaveTemplate(second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	list, err := s.ListTemplates()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "tpl-newer" {
		t.Fatalf("list = %+v, want newest first", list)
	}

	if err := s.DeleteTemplate(saved.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteTemplate(saved.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("double delete = %v, want ErrTemplateNotFound", err)
	}
	if _, err := s.GetTemplate(saved.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("get after delete = %v, want ErrTemplateNotFound", err)
	}

	if _, err := s.SaveTemplate(&Template{Content: map[string]any{"x": 1}}); err == nil {
		t.Fatal("nameless template must be rejected")
	}
	var verr *ValidationError
	dup := &Template{
		Name: "dup params",
		Content: map[string]any{"name": "x"},
		Parameters: []TemplateParameter{
			{Name: "p", Type: "string"},
			{Name: "p", Type: "string"},
		},
	}
	if _, err := s.SaveTemplate(dup); !errors.As(err, &verr) {
		t.Fatalf("duplicate parameter error = %v", err)
	}
}
