package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/auth"
)

func (s *Server) requireKeys(w http.ResponseWriter) bool {
	if s.keys == nil {
		writeError(w, http.StatusNotFound, "api key store is not configured")
		return false
	}
	return true
}

// createKeyRequest mints a new API key. The plain key appears once in the
// response and is never retrievable again.
type createKeyRequest struct {
	Name        string     `json:"name"`
	Permissions []string   `json:"permissions"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAdmin) || !s.requireKeys(w) {
		return
	}
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key, plain, err := s.keys.Create(req.Name, perms, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("api key created",
		zap.String("key_id", key.ID),
		zap.String("name", key.Name))
	writeJSON(w, http.StatusCreated, map[string]any{
		"key":       key,
		"plain_key": plain,
		"warning":   "store this key now; it cannot be retrieved again",
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAdmin) || !s.requireKeys(w) {
		return
	}
	keys, err := s.keys.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAdmin) || !s.requireKeys(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.keys.Revoke(id); err != nil {
		s.writeKeyError(w, err)
		return
	}
	s.logger.Info("api key revoked", zap.String("key_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAdmin) || !s.requireKeys(w) {
		return
	}
	id := r.PathValue("id")
	if err := s.keys.Delete(id); err != nil {
		s.writeKeyError(w, err)
		return
	}
	s.logger.Info("api key deleted", zap.String("key_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) writeKeyError(w http.ResponseWriter, err error) {
	if strings.Contains(err.Error(), "not found") {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
