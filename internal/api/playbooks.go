package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/auth"
	"github.com/marcus-qen/praetor/internal/plan"
	"github.com/marcus-qen/praetor/internal/playbook"
)

func (s *Server) handleSavePlaybook(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksWrite) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}
	pb, err := playbook.Parse(data)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	entry, err := s.library.Save(pb)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	s.logger.Info("playbook saved",
		zap.String("name", entry.Name),
		zap.Int("revision", entry.Revision))
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleListPlaybooks(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksRead) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	entries, err := s.library.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playbooks": entries,
		"count":     len(entries),
	})
}

func (s *Server) handleGetPlaybook(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksRead) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	revision, _ := strconv.Atoi(r.URL.Query().Get("revision"))
	pb, entry, err := s.library.Get(r.PathValue("name"), revision)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":    entry,
		"playbook": pb,
	})
}

func (s *Server) handleDeletePlaybook(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksWrite) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	name := r.PathValue("name")
	revision, _ := strconv.Atoi(r.URL.Query().Get("revision"))
	if err := s.library.Delete(name, revision); err != nil {
		s.writePlaybookError(w, err)
		return
	}
	s.logger.Info("playbook deleted", zap.String("name", name), zap.Int("revision", revision))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleValidatePlaybook(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksRead) {
		return
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read request body: "+err.Error())
		return
	}

	pb, err := playbook.Parse(data)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"issues": validationIssues(err),
		})
		return
	}

	var issues []string
	if err := playbook.Validate(pb); err != nil {
		issues = append(issues, validationIssues(err)...)
	}
	// Validate does not walk the dependency graph; a cycle only surfaces
	// when the waves are planned.
	if _, err := plan.Build(pb.Steps); err != nil {
		issues = append(issues, err.Error())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
		"name":   pb.Name,
		"steps":  len(pb.Steps),
	})
}

func validationIssues(err error) []string {
	var vErr *playbook.ValidationError
	if errors.As(err, &vErr) {
		return vErr.Issues
	}
	return []string{err.Error()}
}

// bundleRequest carries the OCI registry coordinates for pull and push.
type bundleRequest struct {
	Ref       string `json:"ref"`
	Username  string `json:"username,omitempty"`
	Password  string `json:"password,omitempty"`
	PlainHTTP bool   `json:"plain_http,omitempty"`
}

func (req bundleRequest) client() *playbook.BundleClient {
	c := playbook.NewBundleClient().WithPlainHTTP(req.PlainHTTP)
	if req.Username != "" {
		c = c.WithAuth(req.Username, req.Password)
	}
	return c
}

// handlePullBundle fetches a playbook bundle from an OCI registry and saves
// it into the library.
func (s *Server) handlePullBundle(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksWrite) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	var req bundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := playbook.ParseRef(req.Ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	document, result, err := req.client().Pull(r.Context(), ref)
	if err != nil {
		writeError(w, http.StatusBadGateway, "pull bundle: "+err.Error())
		return
	}
	pb, err := playbook.Parse(document)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	entry, err := s.library.Save(pb)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	s.logger.Info("playbook bundle pulled",
		zap.String("ref", result.Ref),
		zap.String("digest", result.Digest),
		zap.String("name", entry.Name),
		zap.Int("revision", entry.Revision))
	writeJSON(w, http.StatusOK, map[string]any{
		"pull":  result,
		"entry": entry,
	})
}

// handlePushBundle publishes a stored playbook to an OCI registry.
func (s *Server) handlePushBundle(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermPlaybooksWrite) {
		return
	}
	if s.library == nil {
		writeError(w, http.StatusNotFound, "playbook library is not configured")
		return
	}
	var req bundleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	ref, err := playbook.ParseRef(req.Ref)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	revision, _ := strconv.Atoi(r.URL.Query().Get("revision"))
	pb, _, err := s.library.Get(strings.TrimSpace(r.PathValue("name")), revision)
	if err != nil {
		s.writePlaybookError(w, err)
		return
	}
	document, err := json.Marshal(pb)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := req.client().Push(r.Context(), document, ref)
	if err != nil {
		writeError(w, http.StatusBadGateway, "push bundle: "+err.Error())
		return
	}
	s.logger.Info("playbook bundle pushed",
		zap.String("ref", result.Ref),
		zap.String("digest", result.Digest))
	writeJSON(w, http.StatusOK, result)
}
