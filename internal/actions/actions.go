// Package actions performs a single step's side effect (noop, wait,
// http_request, shell, or sql_query) and returns a structured outputs map.
// Shell and SQL are disabled unless explicitly enabled at construction.
package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/conditions"
	"github.com/marcus-qen/praetor/internal/interpolate"
	"github.com/marcus-qen/praetor/internal/playbook"
)

var (
	// ErrShellDisabled is returned for shell steps when the runner was
	// built without shell execution.
	ErrShellDisabled = errors.New("shell actions are disabled")
	// ErrSQLDisabled is returned for sql_query steps when no databases
	// were configured.
	ErrSQLDisabled = errors.New("sql_query actions are disabled")
)

const (
	defaultHTTPTimeout = 20 * time.Second
	maxBodyBytes       = 1 << 20
)

// Runner executes step actions. It holds no per-run state and is safe for
// concurrent use.
type Runner struct {
	httpClient   *http.Client
	httpTimeout  time.Duration
	shellEnabled bool
	shellPolicy  ShellPolicy
	sql          *SQLRunner
	logger       *zap.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient overrides the HTTP client used by http_request actions.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runner) {
		if client != nil {
			r.httpClient = client
		}
	}
}

// WithHTTPTimeout sets the default http_request timeout.
func WithHTTPTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.httpTimeout = d
		}
	}
}

// WithShellEnabled turns on shell actions. Without this option every shell
// step fails with ErrShellDisabled.
func WithShellEnabled(policy ShellPolicy) Option {
	return func(r *Runner) {
		r.shellEnabled = true
		r.shellPolicy = policy
	}
}

// WithSQL enables sql_query actions against the configured databases.
func WithSQL(sql *SQLRunner) Option {
	return func(r *Runner) { r.sql = sql }
}

// WithLogger sets the runner's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRunner builds an action runner. By default only noop, wait and
// http_request are available.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		httpClient:  &http.Client{},
		httpTimeout: defaultHTTPTimeout,
		logger:      zap.NewNop(),
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Execute performs one action with already-interpolated args and returns
// its outputs. It never mutates args.
func (r *Runner) Execute(ctx context.Context, action string, args map[string]any) (map[string]any, error) {
	switch action {
	case playbook.ActionNoop:
		return r.runNoop(ctx, args)
	case playbook.ActionWait:
		return r.runWait(ctx, args)
	case playbook.ActionHTTPRequest:
		return r.runHTTP(ctx, args)
	case playbook.ActionShell:
		if !r.shellEnabled {
			return nil, ErrShellDisabled
		}
		return r.runShell(ctx, args)
	case playbook.ActionSQLQuery:
		if r.sql == nil {
			return nil, ErrSQLDisabled
		}
		return r.sql.Run(ctx, args)
	default:
		return nil, fmt.Errorf("unsupported action %q", action)
	}
}

func (r *Runner) runNoop(ctx context.Context, args map[string]any) (map[string]any, error) {
	if delay, ok := conditions.ToFloat(args["delay"]); ok && delay > 0 {
		if err := r.sleep(ctx, secondsToDuration(delay)); err != nil {
			return nil, err
		}
	}
	message := interpolate.Stringify(args["message"])
	return map[string]any{"message": message}, nil
}

func (r *Runner) runWait(ctx context.Context, args map[string]any) (map[string]any, error) {
	seconds, ok := conditions.ToFloat(args["seconds"])
	if !ok || seconds < 0 {
		return nil, fmt.Errorf("wait action needs a non-negative seconds argument")
	}
	if err := r.sleep(ctx, secondsToDuration(seconds)); err != nil {
		return nil, err
	}
	return map[string]any{"slept": seconds}, nil
}

func (r *Runner) runHTTP(ctx context.Context, args map[string]any) (map[string]any, error) {
	url := strings.TrimSpace(interpolate.Stringify(args["url"]))
	if url == "" {
		return nil, fmt.Errorf("http_request action needs a url argument")
	}

	method := strings.ToUpper(strings.TrimSpace(interpolate.Stringify(args["method"])))
	if method == "" {
		method = http.MethodGet
	}

	timeout := r.httpTimeout
	if secs, ok := conditions.ToFloat(args["timeout"]); ok && secs > 0 {
		timeout = secondsToDuration(secs)
	}

	var body io.Reader
	switch raw := args["body"].(type) {
	case nil:
	case string:
		body = strings.NewReader(raw)
	default:
		encoded, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]any); ok {
		for name, value := range headers {
			req.Header.Set(name, interpolate.Stringify(value))
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	headers := make(map[string]any, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	// Non-2xx statuses are not errors here; `validations` judge them.
	outputs := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        string(raw),
	}
	var parsed any
	if len(raw) > 0 && json.Unmarshal(raw, &parsed) == nil {
		outputs["body_json"] = parsed
	}

	r.logger.Debug("http action finished",
		zap.String("method", method),
		zap.String("url", url),
		zap.Int("status", resp.StatusCode))
	return outputs, nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
