package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIClient talks to one praetor server over its JSON API.
type APIClient struct {
	server string
	apiKey string
	http   *http.Client
}

type APIError struct {
	Error string `json:"error"`
}

// Execution is the client-side view of one run.
type Execution struct {
	ID           string       `json:"id"`
	PlaybookName string       `json:"playbook_name"`
	State        string       `json:"state"`
	DryRun       bool         `json:"dry_run,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	Steps        []StepResult `json:"steps"`
	ErrorLog     []string     `json:"error_log,omitempty"`
	Risk         *RiskSummary `json:"risk,omitempty"`
}

type StepResult struct {
	StepID     string   `json:"step_id"`
	Name       string   `json:"name,omitempty"`
	Action     string   `json:"action"`
	State      string   `json:"state"`
	RetryCount int      `json:"retry_count"`
	Error      string   `json:"error,omitempty"`
	Approvers  []string `json:"approvers,omitempty"`
}

type RiskSummary struct {
	Counts  map[string]int `json:"counts"`
	Highest string         `json:"highest"`
}

type ExecutionList struct {
	Executions []Execution `json:"executions"`
	Count      int         `json:"count"`
}

type TimelineEvent struct {
	Sequence  int       `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	StepID    string    `json:"step_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type TimelineResponse struct {
	RunID    string          `json:"run_id"`
	Timeline []TimelineEvent `json:"timeline"`
	Count    int             `json:"count"`
}

type PlaybookEntry struct {
	Name        string    `json:"name"`
	Revision    int       `json:"revision"`
	Description string    `json:"description,omitempty"`
	StepCount   int       `json:"step_count"`
	CreatedAt   time.Time `json:"created_at"`
}

type PlaybookList struct {
	Playbooks []PlaybookEntry `json:"playbooks"`
	Count     int             `json:"count"`
}

type PlaybookDetail struct {
	Entry    PlaybookEntry   `json:"entry"`
	Playbook json.RawMessage `json:"playbook"`
}

type ValidateResponse struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues,omitempty"`
	Name   string   `json:"name,omitempty"`
	Steps  int      `json:"steps,omitempty"`
}

type Rule struct {
	ID       string `json:"id"`
	Version  int    `json:"version"`
	Name     string `json:"name"`
	RuleType string `json:"rule_type"`
	Scope    string `json:"scope"`
	Priority int    `json:"priority"`
	Status   string `json:"status"`
}

type RuleList struct {
	Rules []Rule `json:"rules"`
	Count int    `json:"count"`
}

type ImportSummary struct {
	Imported    int `json:"imported"`
	Overwritten int `json:"overwritten"`
	Skipped     int `json:"skipped"`
	Failed      int `json:"failed"`
}

type AuditEvent struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	ExecutionID string    `json:"execution_id,omitempty"`
	RuleID      string    `json:"rule_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	Summary     string    `json:"summary"`
}

type AuditList struct {
	Events []AuditEvent `json:"events"`
	Count  int          `json:"count"`
	Total  int          `json:"total"`
}

type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	KeyPrefix   string     `json:"key_prefix"`
	Permissions []string   `json:"permissions"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Enabled     bool       `json:"enabled"`
}

type KeyCreatePayload struct {
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type KeyCreateResponse struct {
	Key      APIKey `json:"key"`
	PlainKey string `json:"plain_key"`
	Warning  string `json:"warning"`
}

type KeyListResponse struct {
	Keys  []APIKey `json:"keys"`
	Count int      `json:"count"`
}

type BundlePayload struct {
	Ref       string `json:"ref"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	PlainHTTP bool   `json:"plain_http,omitempty"`
}

func NewAPIClient(server, apiKey string) *APIClient {
	server = strings.TrimRight(server, "/")
	if server == "" {
		server = "http://localhost:8080"
	}

	return &APIClient{
		server: server,
		apiKey: apiKey,
		http: &http.Client{
			// Execute blocks until the run rests, so this must cover a
			// whole playbook, not one round trip.
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *APIClient) Execute(ctx context.Context, payload map[string]any) (*Execution, error) {
	var out Execution
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/executions", payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Executions(ctx context.Context, activeOnly bool) (*ExecutionList, error) {
	path := "/api/v1/executions"
	if activeOnly {
		path += "?active=true"
	}
	var out ExecutionList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Execution(ctx context.Context, id string) (*Execution, error) {
	var out Execution
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Control drives pause, resume, cancel or rollback on one run.
func (c *APIClient) Control(ctx context.Context, id, verb string) (*Execution, error) {
	var out Execution
	path := "/api/v1/executions/" + url.PathEscape(id) + "/" + verb
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Approve(ctx context.Context, id, stepID, approver string) (*Execution, error) {
	var body any
	if approver != "" {
		body = map[string]string{"approver": approver}
	}
	var out Execution
	path := "/api/v1/executions/" + url.PathEscape(id) + "/steps/" + url.PathEscape(stepID) + "/approve"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Timeline(ctx context.Context, id string) (*TimelineResponse, error) {
	var out TimelineResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(id)+"/timeline", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Playbooks(ctx context.Context) (*PlaybookList, error) {
	var out PlaybookList
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/playbooks", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Playbook(ctx context.Context, name string, revision int) (*PlaybookDetail, error) {
	path := "/api/v1/playbooks/" + url.PathEscape(name)
	if revision > 0 {
		path += fmt.Sprintf("?revision=%d", revision)
	}
	var out PlaybookDetail
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SavePlaybook posts a raw playbook document (YAML or JSON) to the library.
func (c *APIClient) SavePlaybook(ctx context.Context, document []byte) (*PlaybookEntry, error) {
	var out PlaybookEntry
	if err := c.doRaw(ctx, http.MethodPost, "/api/v1/playbooks", document, "application/x-yaml", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) DeletePlaybook(ctx context.Context, name string, revision int) error {
	path := "/api/v1/playbooks/" + url.PathEscape(name)
	if revision > 0 {
		path += fmt.Sprintf("?revision=%d", revision)
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *APIClient) ValidatePlaybook(ctx context.Context, document []byte) (*ValidateResponse, error) {
	var out ValidateResponse
	if err := c.doRaw(ctx, http.MethodPost, "/api/v1/playbooks/validate", document, "application/x-yaml", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) PullBundle(ctx context.Context, payload BundlePayload) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/playbooks/pull", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) PushBundle(ctx context.Context, name string, revision int, payload BundlePayload) (map[string]any, error) {
	path := "/api/v1/playbooks/" + url.PathEscape(name) + "/push"
	if revision > 0 {
		path += fmt.Sprintf("?revision=%d", revision)
	}
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) Rules(ctx context.Context, filter url.Values) (*RuleList, error) {
	path := "/api/v1/rules"
	if len(filter) > 0 {
		path += "?" + filter.Encode()
	}
	var out RuleList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Rule fetches the complete rule document, not just the list view.
func (c *APIClient) Rule(ctx context.Context, id string) (map[string]any, error) {
	var out map[string]any
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/rules/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) CreateRule(ctx context.Context, document []byte) (map[string]any, error) {
	var out map[string]any
	if err := c.doRaw(ctx, http.MethodPost, "/api/v1/rules", document, "application/json", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) DeleteRule(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/rules/"+url.PathEscape(id), nil, nil)
}

func (c *APIClient) EvaluateRules(ctx context.Context, evalCtx map[string]any) (map[string]any, error) {
	var out map[string]any
	payload := map[string]any{"context": evalCtx}
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/rules/evaluate", payload, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ExportRules returns the raw envelope bytes in the requested format.
func (c *APIClient) ExportRules(ctx context.Context, format string) ([]byte, error) {
	path := "/api/v1/rules/export"
	if format != "" {
		path += "?format=" + url.QueryEscape(format)
	}
	return c.doBytes(ctx, http.MethodGet, path)
}

func (c *APIClient) ImportRules(ctx context.Context, envelope []byte, overwrite bool) (*ImportSummary, error) {
	path := "/api/v1/rules/import"
	if overwrite {
		path += "?overwrite=true"
	}
	var out ImportSummary
	if err := c.doRaw(ctx, http.MethodPost, path, envelope, "application/json", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) Audit(ctx context.Context, filter url.Values) (*AuditList, error) {
	path := "/api/v1/audit"
	if len(filter) > 0 {
		path += "?" + filter.Encode()
	}
	var out AuditList
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) ListKeys(ctx context.Context) (*KeyListResponse, error) {
	var out KeyListResponse
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/keys", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) CreateKey(ctx context.Context, req KeyCreatePayload) (*KeyCreateResponse, error) {
	var out KeyCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/keys", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *APIClient) RevokeKey(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/v1/keys/"+url.PathEscape(id)+"/revoke", nil, nil)
}

func (c *APIClient) ServerVersion(ctx context.Context) (map[string]string, error) {
	var out map[string]string
	if err := c.doJSON(ctx, http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *APIClient) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	return c.doRaw(ctx, method, path, payload, "application/json", out)
}

func (c *APIClient) doRaw(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	resBody, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	if out == nil || len(resBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(resBody, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *APIClient) doBytes(ctx context.Context, method, path string) ([]byte, error) {
	return c.do(ctx, method, path, nil, "application/json")
}

func (c *APIClient) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.server+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	resBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if err := json.Unmarshal(resBody, &apiErr); err == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, apiErr.Error)
		}
		return nil, fmt.Errorf("request failed (status %d): %s", resp.StatusCode, strings.TrimSpace(string(resBody)))
	}

	return resBody, nil
}
