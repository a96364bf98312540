package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/auth"
)

const defaultAuditLimit = 100

func (s *Server) auditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ExecutionID: q.Get("execution_id"),
		RuleID:      q.Get("rule_id"),
		Type:        audit.EventType(q.Get("type")),
		Cursor:      q.Get("cursor"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, err
		}
		f.Until = t
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	return f, nil
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAuditRead) {
		return
	}
	if s.trail == nil {
		writeError(w, http.StatusNotFound, "audit trail is not configured")
		return
	}
	f, err := s.auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time bound: "+err.Error())
		return
	}
	if f.Limit <= 0 {
		f.Limit = defaultAuditLimit
	}
	events := s.trail.Query(f)
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"total":  s.trail.Count(),
	})
}

// handleExportAudit streams the persisted trail as JSONL or CSV. The
// in-memory ring has no persisted history to stream, so export needs the
// SQLite-backed store.
func (s *Server) handleExportAudit(w http.ResponseWriter, r *http.Request) {
	if !s.require(w, r, auth.PermAuditRead) {
		return
	}
	store, ok := s.trail.(*audit.Store)
	if !ok {
		writeError(w, http.StatusNotFound, "audit export requires the persistent audit store")
		return
	}
	f, err := s.auditFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid time bound: "+err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "jsonl":
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.jsonl"`)
		err = store.StreamJSONL(r.Context(), w, f)
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="audit.csv"`)
		err = store.StreamCSV(r.Context(), w, f)
	default:
		writeError(w, http.StatusBadRequest, "format must be jsonl or csv")
		return
	}
	if err != nil {
		// Headers are out; all that is left is to log the broken stream.
		s.logger.Warn("audit export stream failed", zap.String("format", format), zap.Error(err))
	}
}
