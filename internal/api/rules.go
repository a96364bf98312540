package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/rules"
)

// requireRules answers 404 when no rule store is wired, so a praetor built
// without the governance layer degrades cleanly.
func (s *Server) requireRules(w http.ResponseWriter) bool {
	if s.rules == nil {
		writeError(w, http.StatusNotFound, "rule store is not configured")
		return false
	}
	return true
}

// writeRulesError maps rule store failures onto HTTP statuses.
func writeRulesError(w http.ResponseWriter, err error) {
	var vErr *rules.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "rule validation failed",
			"issues": vErr.Issues,
		})
	case errors.Is(err, rules.ErrRuleNotFound),
		errors.Is(err, rules.ErrTemplateNotFound),
		errors.Is(err, rules.ErrAssignmentNotFound),
		errors.Is(err, rules.ErrDependencyNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rules.ErrRuleExists), errors.Is(err, rules.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := s.rules.Create(&rule)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	s.logger.Info("rule created via api",
		zap.String("rule_id", created.ID),
		zap.String("rule_type", created.RuleType))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	q := r.URL.Query()
	list, err := s.rules.List(rules.ListFilter{
		Scope:    q.Get("scope"),
		RuleType: q.Get("type"),
		Status:   q.Get("status"),
		Tag:      q.Get("tag"),
	})
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": list,
		"count": len(list),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	rule, err := s.rules.Get(r.PathValue("id"))
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rule.ID = r.PathValue("id")
	updated, err := s.rules.Update(&rule)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.rules.Delete(id); err != nil {
		writeRulesError(w, err)
		return
	}
	s.logger.Info("rule deleted via api", zap.String("rule_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSetRuleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	updated, err := s.rules.SetStatus(r.PathValue("id"), body.Status)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleRuleVersions(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	id := r.PathValue("id")
	versions, err := s.rules.Versions(id)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":  id,
		"versions": versions,
		"count":    len(versions),
	})
}

// handleCheckRule lints a rule without storing it: syntax findings plus
// lineage findings against the current catalog.
func (s *Server) handleCheckRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	var rule rules.Rule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	rules.Normalize(&rule)
	results := rules.Check(&rule)
	results = append(results, s.rules.CheckLineage(&rule)...)
	writeJSON(w, http.StatusOK, map[string]any{
		"results":    results,
		"has_errors": rules.HasErrors(results),
	})
}

// evaluateRequest evaluates the active catalog against a context. With an
// inheritance block the candidate set is resolved per scope first.
type evaluateRequest struct {
	Context     map[string]any            `json:"context,omitempty"`
	Inheritance *rules.InheritanceContext `json:"inheritance,omitempty"`
}

func (s *Server) handleEvaluateRules(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) {
		return
	}
	if s.dispatcher == nil && s.evaluator == nil {
		writeError(w, http.StatusNotFound, "rule evaluator is not configured")
		return
	}
	var req evaluateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	evalCtx := req.Context
	if evalCtx == nil {
		evalCtx = map[string]any{}
	}

	if req.Inheritance != nil {
		if s.resolver == nil {
			writeError(w, http.StatusNotFound, "rule resolver is not configured")
			return
		}
		resolved, err := s.resolver.ResolveFor(*req.Inheritance)
		if err != nil {
			writeRulesError(w, err)
			return
		}
		// Scope ids double as evaluation fields; explicit context wins.
		for k, v := range req.Inheritance.EvalContext() {
			if _, ok := evalCtx[k]; !ok {
				evalCtx[k] = v
			}
		}
		var ev *rules.Evaluation
		if s.dispatcher != nil {
			ev = s.dispatcher.EvaluateRules(resolved.Rules, evalCtx)
		} else {
			ev = s.evaluator.EvaluateRules(resolved.Rules, evalCtx)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"evaluation": ev,
			"warnings":   resolved.Warnings,
		})
		return
	}

	var (
		ev  *rules.Evaluation
		err error
	)
	if s.dispatcher != nil {
		ev, err = s.dispatcher.EvaluateAll(evalCtx)
	} else {
		ev, err = s.evaluator.Evaluate(evalCtx)
	}
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluation": ev})
}

func (s *Server) handleResolveRules(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) {
		return
	}
	if s.resolver == nil {
		writeError(w, http.StatusNotFound, "rule resolver is not configured")
		return
	}
	var ic rules.InheritanceContext
	if err := decodeJSON(r, &ic); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	resolved, err := s.resolver.ResolveFor(ic)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) handleExportRules(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	q := r.URL.Query()
	format := strings.ToLower(strings.TrimSpace(q.Get("format")))
	out, err := s.rules.Export(rules.ListFilter{
		Scope:    q.Get("scope"),
		RuleType: q.Get("type"),
		Status:   q.Get("status"),
		Tag:      q.Get("tag"),
	}, format)
	if err != nil {
		if strings.Contains(err.Error(), "unsupported export format") {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeRulesError(w, err)
		return
	}
	switch format {
	case "yaml", "yml":
		w.Header().Set("Content-Type", "application/x-yaml")
	default:
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

func (s *Server) handleImportRules(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	overwrite, _ := strconv.ParseBool(r.URL.Query().Get("overwrite"))
	summary, err := s.rules.Import(data, overwrite)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("rules imported via api",
		zap.Int("imported", summary.Imported),
		zap.Int("overwritten", summary.Overwritten),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleRecentEvaluations(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.rules.RecentEvaluations(limit)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluations": records,
		"count":       len(records),
	})
}

func (s *Server) handleRecentConflicts(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conflicts, err := s.rules.RecentConflicts(limit)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var tpl rules.Template
	if err := decodeJSON(r, &tpl); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	saved, err := s.rules.SaveTemplate(&tpl)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	templates, err := s.rules.ListTemplates()
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"templates": templates,
		"count":     len(templates),
	})
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	tpl, err := s.rules.GetTemplate(r.PathValue("id"))
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	if err := s.rules.DeleteTemplate(r.PathValue("id")); err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleInstantiateTemplate renders a template and stores the result as a
// new rule. With dry_run the rendered rule is returned without storing.
func (s *Server) handleInstantiateTemplate(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var req struct {
		Parameters map[string]any `json:"parameters,omitempty"`
		DryRun     bool           `json:"dry_run,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	tpl, err := s.rules.GetTemplate(r.PathValue("id"))
	if err != nil {
		writeRulesError(w, err)
		return
	}
	rendered, err := tpl.Instantiate(req.Parameters)
	if err != nil {
		var vErr *rules.ValidationError
		if errors.As(err, &vErr) {
			writeRulesError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DryRun {
		writeJSON(w, http.StatusOK, rendered)
		return
	}
	created, err := s.rules.Create(rendered)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	s.logger.Info("rule instantiated from template",
		zap.String("template_id", tpl.ID),
		zap.String("rule_id", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleAssignRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var a rules.Assignment
	if err := decodeJSON(r, &a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	a.RuleID = r.PathValue("id")
	if err := s.rules.Assign(a); err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleRuleAssignments(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	id := r.PathValue("id")
	assignments, err := s.rules.Assignments(id)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":     id,
		"assignments": assignments,
		"count":       len(assignments),
	})
}

func (s *Server) handleUnassignRule(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	q := r.URL.Query()
	scopeType, scopeID := q.Get("scope_type"), q.Get("scope_id")
	if scopeType == "" || scopeID == "" {
		writeError(w, http.StatusBadRequest, "scope_type and scope_id query parameters are required")
		return
	}
	if err := s.rules.Unassign(r.PathValue("id"), scopeType, scopeID); err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unassigned"})
}

func (s *Server) handleScopeAssignments(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	q := r.URL.Query()
	scopeType, scopeID := q.Get("scope_type"), q.Get("scope_id")
	if scopeType == "" || scopeID == "" {
		writeError(w, http.StatusBadRequest, "scope_type and scope_id query parameters are required")
		return
	}
	assignments, err := s.rules.ScopeAssignments(scopeType, scopeID)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assignments": assignments,
		"count":       len(assignments),
	})
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	var d rules.Dependency
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	d.RuleID = r.PathValue("id")
	if err := s.rules.AddDependency(d); err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleRuleDependencies(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesRead) || !s.requireRules(w) {
		return
	}
	id := r.PathValue("id")
	dependencies, err := s.rules.Dependencies(id)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	dependents, err := s.rules.Dependents(id)
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rule_id":      id,
		"dependencies": dependencies,
		"dependents":   dependents,
	})
}

func (s *Server) handleRemoveDependency(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermRulesWrite) || !s.requireRules(w) {
		return
	}
	depType := r.URL.Query().Get("type")
	if depType == "" {
		writeError(w, http.StatusBadRequest, "type query parameter is required")
		return
	}
	err := s.rules.RemoveDependency(rules.Dependency{
		RuleID:          r.PathValue("id"),
		DependsOnRuleID: r.PathValue("target"),
		DependencyType:  depType,
	})
	if err != nil {
		writeRulesError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
