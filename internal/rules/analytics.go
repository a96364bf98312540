package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvaluationRecord is the analytics row kept for one evaluation pass.
type EvaluationRecord struct {
	ContextHash string         `json:"context_hash"`
	Context     map[string]any `json:"context,omitempty"`
	Considered  int            `json:"considered"`
	Matched     int            `json:"matched"`
	Applied     int            `json:"applied"`
	DurationMS  float64        `json:"duration_ms"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
}

// RecordEvaluation stores the analytics row for one pass and mirrors a
// summary onto the awareness feed. The evaluator calls this best-effort
// after every evaluation.
func (s *Store) RecordEvaluation(e Evaluation) error {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO rule_evaluations
		(context_hash, context, considered, matched, applied, duration_ms, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ContextHash, string(contextJSON), e.Considered, e.Matched, len(e.Applications),
		e.DurationMS, e.EvaluatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter.Emit(
			fmt.Sprintf("rule evaluation: %d applied of %d matched (%d considered)",
				len(e.Applications), e.Matched, e.Considered),
			"rules",
			map[string]any{
				"context_hash": e.ContextHash,
				"considered":   e.Considered,
				"matched":      e.Matched,
				"applied":      len(e.Applications),
				"duration_ms":  e.DurationMS,
			},
			[]string{"rule", "evaluation"},
		)
	}
	return nil
}

// RecordConflict stores one resolved conflict and announces it, so other
// nodes can learn which rules keep colliding.
func (s *Store) RecordConflict(c Conflict) error {
	losersJSON, err := json.Marshal(c.LoserRuleIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO rule_conflicts
		(target, winner_rule_id, loser_rule_ids, strategy, resolved_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Target, c.WinnerRuleID, string(losersJSON), c.Strategy,
		c.ResolvedAt.Format(time.RFC3339Nano))
	if err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter.Emit(
			fmt.Sprintf("rule conflict on %q: %s won via %s", c.Target, c.WinnerRuleID, c.Strategy),
			"rules",
			map[string]any{
				"target":         c.Target,
				"winner_rule_id": c.WinnerRuleID,
				"loser_rule_ids": c.LoserRuleIDs,
				"strategy":       c.Strategy,
			},
			[]string{"rule", "conflict"},
		)
	}
	return nil
}

// RecentEvaluations returns the newest analytics rows, most recent first.
func (s *Store) RecentEvaluations(limit int) ([]EvaluationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT context_hash, context, considered, matched, applied, duration_ms, evaluated_at
		FROM rule_evaluations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EvaluationRecord, 0, limit)
	for rows.Next() {
		var rec EvaluationRecord
		var contextRaw, evaluatedRaw string
		if err := rows.Scan(&rec.ContextHash, &contextRaw, &rec.Considered, &rec.Matched,
			&rec.Applied, &rec.DurationMS, &evaluatedRaw); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(contextRaw), &rec.Context)
		rec.EvaluatedAt, _ = time.Parse(time.RFC3339Nano, evaluatedRaw)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecentConflicts returns the newest resolved conflicts, most recent first.
func (s *Store) RecentConflicts(limit int) ([]Conflict, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT target, winner_rule_id, loser_rule_ids, strategy, resolved_at
		FROM rule_conflicts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Conflict, 0, limit)
	for rows.Next() {
		var c Conflict
		var losersRaw, resolvedRaw string
		if err := rows.Scan(&c.Target, &c.WinnerRuleID, &losersRaw, &c.Strategy, &resolvedRaw); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(losersRaw), &c.LoserRuleIDs)
		c.ResolvedAt, _ = time.Parse(time.RFC3339Nano, resolvedRaw)
		out = append(out, c)
	}
	return out, rows.Err()
}
