/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package api serves the praetor control surface: playbook execution and
// lifecycle control, the playbook library, the rule store, the audit trail
// and API key management, plus /metrics for Prometheus scrapes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/engine"
	"github.com/marcus-qen/praetor/internal/metrics"
	"github.com/marcus-qen/praetor/internal/playbook"
	"github.com/marcus-qen/praetor/internal/rules"
)

// AuditTrail is the audit query surface the API needs. Both audit.Store
// and audit.Log satisfy it; export streaming is available only when the
// trail is a Store.
type AuditTrail interface {
	Query(f audit.Filter) []audit.Event
	Recent(n int) []audit.Event
	Count() int
}

// Server wires the praetor subsystems to HTTP. Subsystems left nil simply
// 404 their routes.
type Server struct {
	addr   string
	logger *zap.Logger

	engine     *engine.Engine
	library    *playbook.Library
	rules      *rules.Store
	evaluator  *rules.Evaluator
	dispatcher *rules.Dispatcher
	resolver   *rules.Resolver
	trail      AuditTrail
	keys       *auth.KeyStore
	authOn     bool

	version string
	commit  string
	date    string

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLibrary exposes the playbook library routes.
func WithLibrary(lib *playbook.Library) Option {
	return func(s *Server) { s.library = lib }
}

// WithRules exposes the rule store routes.
func WithRules(store *rules.Store) Option {
	return func(s *Server) { s.rules = store }
}

// WithEvaluator serves plain rule evaluation.
func WithEvaluator(ev *rules.Evaluator) Option {
	return func(s *Server) { s.evaluator = ev }
}

// WithDispatcher serves full evaluation including advanced rule lanes. It
// takes precedence over the plain evaluator when both are set.
func WithDispatcher(d *rules.Dispatcher) Option {
	return func(s *Server) { s.dispatcher = d }
}

// WithResolver serves scope inheritance resolution.
func WithResolver(r *rules.Resolver) Option {
	return func(s *Server) { s.resolver = r }
}

// WithAuditTrail exposes the audit query routes.
func WithAuditTrail(trail AuditTrail) Option {
	return func(s *Server) { s.trail = trail }
}

// WithKeyStore exposes key management routes. Authentication itself is
// only enforced when WithAuth(true) is also given.
func WithKeyStore(ks *auth.KeyStore) Option {
	return func(s *Server) { s.keys = ks }
}

// WithAuth toggles bearer key authentication on the API routes.
func WithAuth(enabled bool) Option {
	return func(s *Server) { s.authOn = enabled }
}

// WithVersionInfo sets the build metadata reported on /version.
func WithVersionInfo(version, commit, date string) Option {
	return func(s *Server) {
		s.version = version
		s.commit = commit
		s.date = date
	}
}

// NewServer builds the praetor API server around an engine.
func NewServer(addr string, eng *engine.Engine, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		logger:  zap.NewNop(),
		engine:  eng,
		version: "dev",
		commit:  "unknown",
		date:    "unknown",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.mux = http.NewServeMux()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /version", s.handleVersion)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// Execution control.
	s.mux.HandleFunc("POST /api/v1/executions", s.handleExecute)
	s.mux.HandleFunc("GET /api/v1/executions", s.handleListExecutions)
	s.mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)
	s.mux.HandleFunc("POST /api/v1/executions/{id}/pause", s.handlePause)
	s.mux.HandleFunc("POST /api/v1/executions/{id}/resume", s.handleResume)
	s.mux.HandleFunc("POST /api/v1/executions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/v1/executions/{id}/rollback", s.handleRollback)
	s.mux.HandleFunc("POST /api/v1/executions/{id}/steps/{stepID}/approve", s.handleApproveStep)
	s.mux.HandleFunc("GET /api/v1/executions/{id}/timeline", s.handleTimeline)
	s.mux.HandleFunc("GET /api/v1/executions/{id}/artifacts", s.handleArtifacts)

	// Playbook library and OCI bundle transport.
	s.mux.HandleFunc("POST /api/v1/playbooks", s.handleSavePlaybook)
	s.mux.HandleFunc("GET /api/v1/playbooks", s.handleListPlaybooks)
	s.mux.HandleFunc("POST /api/v1/playbooks/validate", s.handleValidatePlaybook)
	s.mux.HandleFunc("POST /api/v1/playbooks/pull", s.handlePullBundle)
	s.mux.HandleFunc("GET /api/v1/playbooks/{name}", s.handleGetPlaybook)
	s.mux.HandleFunc("DELETE /api/v1/playbooks/{name}", s.handleDeletePlaybook)
	s.mux.HandleFunc("POST /api/v1/playbooks/{name}/push", s.handlePushBundle)

	// Rules.
	s.mux.HandleFunc("POST /api/v1/rules", s.handleCreateRule)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleListRules)
	s.mux.HandleFunc("POST /api/v1/rules/evaluate", s.handleEvaluateRules)
	s.mux.HandleFunc("POST /api/v1/rules/resolve", s.handleResolveRules)
	s.mux.HandleFunc("GET /api/v1/rules/export", s.handleExportRules)
	s.mux.HandleFunc("POST /api/v1/rules/import", s.handleImportRules)
	s.mux.HandleFunc("POST /api/v1/rules/check", s.handleCheckRule)
	s.mux.HandleFunc("GET /api/v1/rules/analytics/evaluations", s.handleRecentEvaluations)
	s.mux.HandleFunc("GET /api/v1/rules/analytics/conflicts", s.handleRecentConflicts)
	s.mux.HandleFunc("POST /api/v1/rules/templates", s.handleSaveTemplate)
	s.mux.HandleFunc("GET /api/v1/rules/templates", s.handleListTemplates)
	s.mux.HandleFunc("GET /api/v1/rules/templates/{id}", s.handleGetTemplate)
	s.mux.HandleFunc("DELETE /api/v1/rules/templates/{id}", s.handleDeleteTemplate)
	s.mux.HandleFunc("POST /api/v1/rules/templates/{id}/instantiate", s.handleInstantiateTemplate)
	s.mux.HandleFunc("GET /api/v1/rules/{id}", s.handleGetRule)
	s.mux.HandleFunc("PUT /api/v1/rules/{id}", s.handleUpdateRule)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}", s.handleDeleteRule)
	s.mux.HandleFunc("POST /api/v1/rules/{id}/status", s.handleSetRuleStatus)
	s.mux.HandleFunc("GET /api/v1/rules/{id}/versions", s.handleRuleVersions)
	s.mux.HandleFunc("POST /api/v1/rules/{id}/assignments", s.handleAssignRule)
	s.mux.HandleFunc("GET /api/v1/rules/{id}/assignments", s.handleRuleAssignments)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}/assignments", s.handleUnassignRule)
	s.mux.HandleFunc("POST /api/v1/rules/{id}/dependencies", s.handleAddDependency)
	s.mux.HandleFunc("GET /api/v1/rules/{id}/dependencies", s.handleRuleDependencies)
	s.mux.HandleFunc("DELETE /api/v1/rules/{id}/dependencies/{target}", s.handleRemoveDependency)
	s.mux.HandleFunc("GET /api/v1/assignments", s.handleScopeAssignments)

	// Audit trail.
	s.mux.HandleFunc("GET /api/v1/audit", s.handleQueryAudit)
	s.mux.HandleFunc("GET /api/v1/audit/export", s.handleExportAudit)

	// API keys.
	s.mux.HandleFunc("POST /api/v1/keys", s.handleCreateKey)
	s.mux.HandleFunc("GET /api/v1/keys", s.handleListKeys)
	s.mux.HandleFunc("POST /api/v1/keys/{id}/revoke", s.handleRevokeKey)
	s.mux.HandleFunc("DELETE /api/v1/keys/{id}", s.handleDeleteKey)
}

// Handler returns the routed handler with authentication applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.authOn {
		h = auth.Middleware(s.keys, []string{"/healthz", "/version", "/metrics"})(h)
	}
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", zap.String("addr", s.addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// require enforces a permission when authentication is on. With auth off
// every request passes.
func (s *Server) require(w http.ResponseWriter, r *http.Request, perm auth.Permission) bool {
	if !s.authOn {
		return true
	}
	if auth.HasPermissionFromContext(r.Context(), perm) {
		return true
	}
	writeError(w, http.StatusForbidden, "insufficient permissions")
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.version,
		"commit":  s.commit,
		"date":    s.date,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON parses a request body, rejecting unknown fields.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
