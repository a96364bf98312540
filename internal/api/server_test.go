/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/engine"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/ratelimit"
	"github.com/marcus-qen/praetor/internal/rules"
)

type testAPI struct {
	ts    *httptest.Server
	rules *rules.Store
	trail *audit.Log
	token string
}

// newTestAPI wires a server with a real engine, library, rule store and
// in-memory audit trail, all on temp databases.
func newTestAPI(t *testing.T, extra ...Option) *testAPI {
	t.Helper()
	dir := t.TempDir()

	lib, err := playbook.NewLibrary(filepath.Join(dir, "playbooks.db"))
	if err != nil {
		t.Fatalf("open library: %v", err)
	}
	store, err := rules.NewStore(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("open rule store: %v", err)
	}
	trail := audit.NewLog(1000)

	opts := []Option{
		WithLibrary(lib),
		WithRules(store),
		WithEvaluator(rules.NewEvaluator(store, nil)),
		WithResolver(rules.NewResolver(store, nil)),
		WithAuditTrail(trail),
		WithVersionInfo("test", "none", "today"),
	}
	opts = append(opts, extra...)

	srv := NewServer("127.0.0.1:0", engine.New(), opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = lib.Close()
		_ = store.Close()
	})
	return &testAPI{ts: ts, rules: store, trail: trail}
}

// do sends one request. A string or []byte body goes raw, anything else is
// marshalled as JSON. The response body comes back fully read.
func (a *testAPI) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.ts.URL+path, rd)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode response %s: %v", data, err)
	}
	return out
}

func noopPlaybook(name string) map[string]any {
	return map[string]any{
		"name": name,
		"steps": []map[string]any{
			{"id": "s1", "action": "noop"},
			{"id": "s2", "action": "noop", "depends_on": []string{"s1"}},
		},
	}
}

func TestHealthAndVersion(t *testing.T) {
	a := newTestAPI(t)

	resp, data := a.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, data); body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}

	resp, data = a.do(t, http.MethodGet, "/version", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("version status = %d", resp.StatusCode)
	}
	if body := decode[map[string]string](t, data); body["version"] != "test" {
		t.Fatalf("version body = %v", body)
	}
}

func TestExecuteInlinePlaybook(t *testing.T) {
	a := newTestAPI(t)

	resp, data := a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook": noopPlaybook("api-inline"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", resp.StatusCode, data)
	}
	exec := decode[engine.Execution](t, data)
	if exec.State != engine.StateCompleted {
		t.Fatalf("state = %s, want %s", exec.State, engine.StateCompleted)
	}
	if len(exec.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(exec.Steps))
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if got := decode[engine.Execution](t, data); got.ID != exec.ID {
		t.Fatalf("get returned id %s, want %s", got.ID, exec.ID)
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/executions/"+exec.ID+"/timeline", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("timeline status = %d", resp.StatusCode)
	}
	timeline := decode[map[string]any](t, data)
	if n, _ := timeline["count"].(float64); n == 0 {
		t.Fatal("timeline must not be empty")
	}
}

func TestExecuteRejectsInvalidPlaybook(t *testing.T) {
	a := newTestAPI(t)

	resp, data := a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook": map[string]any{"name": "broken"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	body := decode[map[string]any](t, data)
	if issues, _ := body["issues"].([]any); len(issues) == 0 {
		t.Fatalf("body must carry issues, got %s", data)
	}

	// No playbook source at all.
	resp, _ = a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty request status = %d, want 400", resp.StatusCode)
	}
}

func TestExecuteFromLibrary(t *testing.T) {
	a := newTestAPI(t)

	doc, _ := json.Marshal(noopPlaybook("stored"))
	resp, data := a.do(t, http.MethodPost, "/api/v1/playbooks", doc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d, body %s", resp.StatusCode, data)
	}
	entry := decode[playbook.Entry](t, data)
	if entry.Revision != 1 {
		t.Fatalf("revision = %d, want 1", entry.Revision)
	}

	resp, data = a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook_name": "stored",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("execute status = %d, body %s", resp.StatusCode, data)
	}
	if exec := decode[engine.Execution](t, data); exec.PlaybookName != "stored" {
		t.Fatalf("playbook_name = %s", exec.PlaybookName)
	}

	resp, _ = a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook_name": "no-such-playbook",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown playbook status = %d, want 404", resp.StatusCode)
	}
}

func TestExecutionControlUnknownRun(t *testing.T) {
	a := newTestAPI(t)

	for _, op := range []string{"pause", "resume", "cancel", "rollback"} {
		resp, _ := a.do(t, http.MethodPost, "/api/v1/executions/missing/"+op, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", op, resp.StatusCode)
		}
	}
	resp, _ := a.do(t, http.MethodPost, "/api/v1/executions/missing/steps/s1/approve", map[string]any{"approver": "ops"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approve status = %d, want 404", resp.StatusCode)
	}
}

func TestExecuteRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{MaxStartsPerHour: 1})
	srv := NewServer("127.0.0.1:0", engine.New(engine.WithRunLimiter(limiter)))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	a := &testAPI{ts: ts}

	resp, data := a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook": noopPlaybook("limited"),
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first execute status = %d, body %s", resp.StatusCode, data)
	}
	resp, data = a.do(t, http.MethodPost, "/api/v1/executions", map[string]any{
		"playbook": noopPlaybook("limited"),
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second execute status = %d, want 429, body %s", resp.StatusCode, data)
	}
}

func TestPlaybookLibraryEndpoints(t *testing.T) {
	a := newTestAPI(t)

	yamlDoc := `
name: web-check
description: probe the web tier
steps:
  - id: probe
    action: noop
`
	resp, data := a.do(t, http.MethodPost, "/api/v1/playbooks", yamlDoc)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/playbooks", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	list := decode[map[string]any](t, data)
	if n, _ := list["count"].(float64); n != 1 {
		t.Fatalf("count = %v, want 1", list["count"])
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/playbooks/web-check", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, body %s", resp.StatusCode, data)
	}

	resp, _ = a.do(t, http.MethodDelete, "/api/v1/playbooks/web-check", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = a.do(t, http.MethodGet, "/api/v1/playbooks/web-check", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want 404", resp.StatusCode)
	}
}

func TestValidatePlaybookEndpoint(t *testing.T) {
	a := newTestAPI(t)

	doc, _ := json.Marshal(noopPlaybook("ok"))
	_, data := a.do(t, http.MethodPost, "/api/v1/playbooks/validate", doc)
	body := decode[map[string]any](t, data)
	if valid, _ := body["valid"].(bool); !valid {
		t.Fatalf("valid = false for a good playbook: %s", data)
	}

	cyclic := map[string]any{
		"name": "cycle",
		"steps": []map[string]any{
			{"id": "a", "action": "noop", "depends_on": []string{"b"}},
			{"id": "b", "action": "noop", "depends_on": []string{"a"}},
		},
	}
	doc, _ = json.Marshal(cyclic)
	_, data = a.do(t, http.MethodPost, "/api/v1/playbooks/validate", doc)
	body = decode[map[string]any](t, data)
	if valid, _ := body["valid"].(bool); valid {
		t.Fatalf("cyclic playbook must not validate: %s", data)
	}

	_, data = a.do(t, http.MethodPost, "/api/v1/playbooks/validate", "{nonsense")
	body = decode[map[string]any](t, data)
	if valid, _ := body["valid"].(bool); valid {
		t.Fatal("unparsable document must not validate")
	}
}

func testRule(name string) map[string]any {
	return map[string]any{
		"name":      name,
		"rule_type": "guidance",
		"scope":     "global",
		"priority":  500,
		"status":    "active",
		"actions": []map[string]any{
			{"action_type": "set", "target": "tone", "value": "formal"},
		},
	}
}

func TestRuleEndpoints(t *testing.T) {
	a := newTestAPI(t)

	resp, data := a.do(t, http.MethodPost, "/api/v1/rules", testRule("tone rule"))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}
	created := decode[rules.Rule](t, data)
	if created.ID == "" || created.Version != 1 {
		t.Fatalf("created rule = %+v", created)
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}

	created.Priority = 750
	resp, data = a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, created)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, body %s", resp.StatusCode, data)
	}
	updated := decode[rules.Rule](t, data)
	if updated.Version != 2 || updated.Priority != 750 {
		t.Fatalf("updated rule = %+v", updated)
	}

	// A stale write must conflict.
	created.Version = 1
	resp, _ = a.do(t, http.MethodPut, "/api/v1/rules/"+created.ID, created)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale update status = %d, want 409", resp.StatusCode)
	}

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/status", map[string]string{"status": "inactive"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status change = %d, body %s", resp.StatusCode, data)
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID+"/versions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("versions status = %d", resp.StatusCode)
	}
	versions := decode[map[string]any](t, data)
	if n, _ := versions["count"].(float64); n < 3 {
		t.Fatalf("version count = %v, want >= 3", versions["count"])
	}

	resp, _ = a.do(t, http.MethodDelete, "/api/v1/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp, _ = a.do(t, http.MethodGet, "/api/v1/rules/"+created.ID, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestRuleEvaluateEndpoint(t *testing.T) {
	a := newTestAPI(t)

	rule := testRule("env gate")
	rule["conditions"] = []map[string]any{
		{"field": "env", "operator": "eq", "value": "prod"},
	}
	resp, data := a.do(t, http.MethodPost, "/api/v1/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/evaluate", map[string]any{
		"context": map[string]any{"env": "prod"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d, body %s", resp.StatusCode, data)
	}
	var out struct {
		Evaluation rules.Evaluation `json:"evaluation"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode evaluation: %v", err)
	}
	if out.Evaluation.Matched != 1 {
		t.Fatalf("matched = %d, want 1", out.Evaluation.Matched)
	}
	if got := out.Evaluation.Config["tone"]; got != "formal" {
		t.Fatalf("config tone = %v, want formal", got)
	}

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/evaluate", map[string]any{
		"context": map[string]any{"env": "dev"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("evaluate status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode evaluation: %v", err)
	}
	if out.Evaluation.Matched != 0 {
		t.Fatalf("matched = %d, want 0", out.Evaluation.Matched)
	}
}

func TestRuleResolveAndAssignments(t *testing.T) {
	a := newTestAPI(t)

	rule := testRule("agent rule")
	rule["scope"] = "agent"
	resp, data := a.do(t, http.MethodPost, "/api/v1/rules", rule)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", resp.StatusCode, data)
	}
	created := decode[rules.Rule](t, data)

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/assignments", map[string]any{
		"scope_type": "agent",
		"scope_id":   "agent-1",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign status = %d, body %s", resp.StatusCode, data)
	}

	resolveFor := func(agentID string) *rules.Resolved {
		resp, data := a.do(t, http.MethodPost, "/api/v1/rules/resolve", map[string]any{"agent_id": agentID})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("resolve status = %d, body %s", resp.StatusCode, data)
		}
		out := decode[rules.Resolved](t, data)
		return &out
	}

	if got := resolveFor("agent-1"); len(got.Rules) != 1 {
		t.Fatalf("assigned agent sees %d rules, want 1", len(got.Rules))
	}
	if got := resolveFor("agent-2"); len(got.Rules) != 0 {
		t.Fatalf("other agent sees %d rules, want 0", len(got.Rules))
	}

	resp, _ = a.do(t, http.MethodDelete,
		"/api/v1/rules/"+created.ID+"/assignments?scope_type=agent&scope_id=agent-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unassign status = %d", resp.StatusCode)
	}
	// Unassigned agent-scope rules apply to every agent again.
	if got := resolveFor("agent-2"); len(got.Rules) != 1 {
		t.Fatalf("after unassign agent-2 sees %d rules, want 1", len(got.Rules))
	}
}

func TestRuleExportImportEndpoints(t *testing.T) {
	a := newTestAPI(t)

	for _, name := range []string{"rule one", "rule two"} {
		resp, data := a.do(t, http.MethodPost, "/api/v1/rules", testRule(name))
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create %q status = %d, body %s", name, resp.StatusCode, data)
		}
	}

	resp, envelope := a.do(t, http.MethodGet, "/api/v1/rules/export", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("export content type = %s", ct)
	}

	resp, data := a.do(t, http.MethodPost, "/api/v1/rules/import", envelope)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d, body %s", resp.StatusCode, data)
	}
	summary := decode[rules.ImportSummary](t, data)
	if summary.Skipped != 2 || summary.Imported != 0 {
		t.Fatalf("re-import summary = %+v, want 2 skipped", summary)
	}

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/import?overwrite=true", envelope)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overwrite import status = %d", resp.StatusCode)
	}
	summary = decode[rules.ImportSummary](t, data)
	if summary.Overwritten != 2 {
		t.Fatalf("overwrite summary = %+v, want 2 overwritten", summary)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	a := newTestAPI(t)

	tpl := map[string]any{
		"name":      "tone template",
		"rule_type": "guidance",
		"parameters": []map[string]any{
			{"name": "tone", "type": "string", "required": true},
		},
		"template_content": map[string]any{
			"name":     "tone for {{ tone }}",
			"scope":    "global",
			"priority": 500,
			"status":   "active",
			"actions": []map[string]any{
				{"action_type": "set", "target": "tone", "value": "{{ tone }}"},
			},
		},
	}
	resp, data := a.do(t, http.MethodPost, "/api/v1/rules/templates", tpl)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("save template status = %d, body %s", resp.StatusCode, data)
	}
	saved := decode[rules.Template](t, data)

	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/templates/"+saved.ID+"/instantiate", map[string]any{
		"parameters": map[string]any{"tone": "calm"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("instantiate status = %d, body %s", resp.StatusCode, data)
	}
	rule := decode[rules.Rule](t, data)
	if rule.ID == "" {
		t.Fatal("instantiate must store the rendered rule")
	}
	if rule.Metadata["created_from_template"] != saved.ID {
		t.Fatalf("metadata = %v", rule.Metadata)
	}

	// Missing required parameter.
	resp, _ = a.do(t, http.MethodPost, "/api/v1/rules/templates/"+saved.ID+"/instantiate", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("instantiate without params status = %d, want 400", resp.StatusCode)
	}

	// Dry run renders without storing.
	resp, data = a.do(t, http.MethodPost, "/api/v1/rules/templates/"+saved.ID+"/instantiate", map[string]any{
		"parameters": map[string]any{"tone": "direct"},
		"dry_run":    true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry instantiate status = %d", resp.StatusCode)
	}
	preview := decode[rules.Rule](t, data)
	if preview.Version != 0 {
		t.Fatalf("dry run must not store, got version %d", preview.Version)
	}
}

func TestAuditEndpoints(t *testing.T) {
	a := newTestAPI(t)
	a.trail.Record(audit.Event{Type: audit.EventExecutionStarted, ExecutionID: "run-1", Summary: "started"})
	a.trail.Record(audit.Event{Type: audit.EventExecutionCompleted, ExecutionID: "run-1", Summary: "completed"})
	a.trail.Record(audit.Event{Type: audit.EventRuleCreated, RuleID: "r-1", Summary: "rule created"})

	resp, data := a.do(t, http.MethodGet, "/api/v1/audit", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, data)
	if n, _ := body["total"].(float64); n != 3 {
		t.Fatalf("total = %v, want 3", body["total"])
	}

	resp, data = a.do(t, http.MethodGet, "/api/v1/audit?execution_id=run-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("filtered audit status = %d", resp.StatusCode)
	}
	body = decode[map[string]any](t, data)
	if n, _ := body["count"].(float64); n != 2 {
		t.Fatalf("count = %v, want 2", body["count"])
	}

	// The in-memory ring cannot stream an export.
	resp, _ = a.do(t, http.MethodGet, "/api/v1/audit/export", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("export on ring log status = %d, want 404", resp.StatusCode)
	}
}

func TestAuditExportStreamsPersistedStore(t *testing.T) {
	store, err := audit.NewStore(filepath.Join(t.TempDir(), "audit.db"), 100)
	if err != nil {
		t.Fatalf("open audit store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	store.Record(audit.Event{Type: audit.EventExecutionStarted, ExecutionID: "run-9", Summary: "started"})
	store.Record(audit.Event{Type: audit.EventExecutionFailed, ExecutionID: "run-9", Summary: "failed"})

	srv := NewServer("127.0.0.1:0", engine.New(), WithAuditTrail(store))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/audit/export?format=jsonl")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	data, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status = %d, body %s", resp.StatusCode, data)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("exported %d lines, want 2: %s", len(lines), data)
	}
	var evt audit.Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("line 0 is not an event: %v", err)
	}
}

func TestAuthEnforcement(t *testing.T) {
	dir := t.TempDir()
	ks, err := auth.NewKeyStore(filepath.Join(dir, "keys.db"))
	if err != nil {
		t.Fatalf("open key store: %v", err)
	}
	t.Cleanup(func() { _ = ks.Close() })

	_, adminPlain, err := ks.Create("root", []auth.Permission{auth.PermAdmin}, nil)
	if err != nil {
		t.Fatalf("create admin key: %v", err)
	}
	_, readPlain, err := ks.Create("reader", []auth.Permission{auth.PermExecuteRead}, nil)
	if err != nil {
		t.Fatalf("create reader key: %v", err)
	}

	store, err := rules.NewStore(filepath.Join(dir, "rules.db"))
	if err != nil {
		t.Fatalf("open rule store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := NewServer("127.0.0.1:0", engine.New(),
		WithRules(store),
		WithKeyStore(ks),
		WithAuth(true),
	)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	a := &testAPI{ts: ts}

	// Health stays open.
	resp, _ := a.do(t, http.MethodGet, "/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	// No key: rejected at the middleware.
	resp, _ = a.do(t, http.MethodGet, "/api/v1/executions", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", resp.StatusCode)
	}

	// Read key can list executions but not write rules.
	a.token = readPlain
	resp, _ = a.do(t, http.MethodGet, "/api/v1/executions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reader list status = %d, want 200", resp.StatusCode)
	}
	resp, _ = a.do(t, http.MethodPost, "/api/v1/rules", testRule("denied"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader rule create status = %d, want 403", resp.StatusCode)
	}

	// Admin passes every permission gate and can mint keys.
	a.token = adminPlain
	resp, data := a.do(t, http.MethodPost, "/api/v1/keys", map[string]any{
		"name":        "ci",
		"permissions": []string{"execute:read", "execute:write"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin key create status = %d, body %s", resp.StatusCode, data)
	}
	var minted struct {
		PlainKey string      `json:"plain_key"`
		Key      auth.APIKey `json:"key"`
	}
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("decode minted key: %v", err)
	}
	if !strings.HasPrefix(minted.PlainKey, "ptk_") {
		t.Fatalf("plain key = %q", minted.PlainKey)
	}

	// Reader cannot touch key management.
	a.token = readPlain
	resp, _ = a.do(t, http.MethodGet, "/api/v1/keys", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("reader key list status = %d, want 403", resp.StatusCode)
	}

	// Revoked keys stop working.
	a.token = adminPlain
	resp, _ = a.do(t, http.MethodPost, "/api/v1/keys/"+minted.Key.ID+"/revoke", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status = %d", resp.StatusCode)
	}
	a.token = minted.PlainKey
	resp, _ = a.do(t, http.MethodGet, "/api/v1/executions", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status = %d, want 401", resp.StatusCode)
	}
}

func TestUnconfiguredSubsystemsReturn404(t *testing.T) {
	srv := NewServer("127.0.0.1:0", engine.New())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	a := &testAPI{ts: ts}

	paths := map[string]string{
		"/api/v1/playbooks": http.MethodGet,
		"/api/v1/rules":     http.MethodGet,
		"/api/v1/audit":     http.MethodGet,
		"/api/v1/keys":      http.MethodGet,
	}
	for path, method := range paths {
		resp, _ := a.do(t, method, path, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
