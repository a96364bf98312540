package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/engine"
	"github.com/marcus-qen/praetor/internal/playbook"
)

// executeRequest starts a run. The playbook is named from the library,
// given as a YAML document, or inlined as JSON, checked in that order.
type executeRequest struct {
	PlaybookName string          `json:"playbook_name,omitempty"`
	Revision     int             `json:"revision,omitempty"`
	PlaybookYAML string          `json:"playbook_yaml,omitempty"`
	Playbook     json.RawMessage `json:"playbook,omitempty"`
	Parameters   map[string]any  `json:"parameters,omitempty"`
	RunID        string          `json:"run_id,omitempty"`
	DryRun       bool            `json:"dry_run,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pb, err := s.resolvePlaybook(req)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}

	exec, err := s.engine.Execute(r.Context(), engine.ExecuteRequest{
		Playbook:   pb,
		Parameters: req.Parameters,
		RunID:      req.RunID,
		DryRun:     req.DryRun,
	})
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrExecutionExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			s.writePlaybookError(w, err)
		}
		return
	}

	s.logger.Info("execution started via api",
		zap.String("run_id", exec.ID),
		zap.String("playbook", exec.PlaybookName),
		zap.Bool("dry_run", exec.DryRun))
	writeJSON(w, http.StatusOK, exec)
}

// resolvePlaybook picks the playbook source out of an execute request.
func (s *Server) resolvePlaybook(req executeRequest) (*playbook.Playbook, error) {
	if name := strings.TrimSpace(req.PlaybookName); name != "" {
		if s.library == nil {
			return nil, errors.New("playbook library is not configured")
		}
		pb, _, err := s.library.Get(name, req.Revision)
		return pb, err
	}
	if req.PlaybookYAML != "" {
		return playbook.Parse([]byte(req.PlaybookYAML))
	}
	if len(req.Playbook) > 0 {
		return playbook.Parse(req.Playbook)
	}
	return nil, &playbook.ValidationError{Issues: []string{"one of playbook_name, playbook_yaml or playbook is required"}}
}

// writePlaybookError maps playbook resolution and validation failures.
func (s *Server) writePlaybookError(w http.ResponseWriter, err error) {
	var vErr *playbook.ValidationError
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "playbook validation failed",
			"issues": vErr.Issues,
		})
	case errors.Is(err, playbook.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteRead) {
		return
	}
	var execs []*engine.Execution
	if active, _ := strconv.ParseBool(r.URL.Query().Get("active")); active {
		execs = s.engine.ListActive()
	} else {
		execs = s.engine.List()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": execs,
		"count":      len(execs),
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteRead) {
		return
	}
	exec, err := s.engine.Get(r.PathValue("id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	exec, err := s.engine.Pause(r.PathValue("id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	exec, err := s.engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	exec, err := s.engine.Cancel(r.PathValue("id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	exec, err := s.engine.Rollback(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleApproveStep(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteWrite) {
		return
	}
	var body struct {
		Approver string `json:"approver"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	approver := strings.TrimSpace(body.Approver)
	if approver == "" {
		// Fall back to the caller's key name so approvals stay attributable.
		if key := auth.FromContext(r.Context()); key != nil {
			approver = key.Name
		}
	}

	exec, err := s.engine.ApproveStep(r.Context(), r.PathValue("id"), r.PathValue("stepID"), approver)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteRead) {
		return
	}
	id := r.PathValue("id")
	events, err := s.engine.Timeline(id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":   id,
		"timeline": events,
		"count":    len(events),
	})
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermExecuteRead) {
		return
	}
	id := r.PathValue("id")
	artifacts, err := s.engine.Artifacts(id)
	if err != nil {
		s.writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    id,
		"artifacts": artifacts,
		"count":     len(artifacts),
	})
}

// writeControlError maps execution control failures: unknown run ids are
// 404, anything else is a state conflict.
func (s *Server) writeControlError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrExecutionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusConflict, err.Error())
}
