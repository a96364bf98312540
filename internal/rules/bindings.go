package rules

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

var validDependencyTypes = map[string]bool{
	DependencyRequires:  true,
	DependencyConflicts: true,
	DependencyEnhances:  true,
	DependencyReplaces:  true,
}

// Assign binds a rule to one concrete scope id. Re-assigning the same
// (rule, scope_type, scope_id) triple replaces the override and window.
func (s *Store) Assign(a Assignment) error {
	a.ScopeType = strings.ToLower(strings.TrimSpace(a.ScopeType))
	a.ScopeID = strings.TrimSpace(a.ScopeID)

	var issues []string
	if strings.TrimSpace(a.RuleID) == "" {
		issues = append(issues, "rule_id is required")
	}
	if ScopeRank(a.ScopeType) <= 0 {
		issues = append(issues, "scope_type must be one of: project, machine, agent, session")
	}
	if a.ScopeID == "" {
		issues = append(issues, "scope_id is required")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	if _, err := s.Get(a.RuleID); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO rule_assignments
		(rule_id, scope_type, scope_id, priority_override, effective_from, effective_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id, scope_type, scope_id) DO UPDATE SET
			priority_override = excluded.priority_override,
			effective_from = excluded.effective_from,
			effective_until = excluded.effective_until`,
		a.RuleID, a.ScopeType, a.ScopeID, priorityArg(a.PriorityOverride),
		timeArg(a.EffectiveFrom), timeArg(a.EffectiveUntil),
		s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("assign rule: %w", err)
	}
	return nil
}

// Unassign removes one scope binding.
func (s *Store) Unassign(ruleID, scopeType, scopeID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM rule_assignments WHERE rule_id = ? AND scope_type = ? AND scope_id = ?`,
		strings.TrimSpace(ruleID), strings.ToLower(strings.TrimSpace(scopeType)), strings.TrimSpace(scopeID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAssignmentNotFound
	}
	return nil
}

// Assignments returns every scope binding of one rule.
func (s *Store) Assignments(ruleID string) ([]Assignment, error) {
	return s.queryAssignments(`SELECT rule_id, scope_type, scope_id, priority_override, effective_from, effective_until, created_at
		FROM rule_assignments WHERE rule_id = ? ORDER BY scope_type, scope_id`, ruleID)
}

// ScopeAssignments returns every rule bound to one concrete scope id.
func (s *Store) ScopeAssignments(scopeType, scopeID string) ([]Assignment, error) {
	return s.queryAssignments(`SELECT rule_id, scope_type, scope_id, priority_override, effective_from, effective_until, created_at
		FROM rule_assignments WHERE scope_type = ? AND scope_id = ? ORDER BY rule_id`,
		strings.ToLower(strings.TrimSpace(scopeType)), strings.TrimSpace(scopeID))
}

func (s *Store) queryAssignments(query string, args ...any) ([]Assignment, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Assignment, 0)
	for rows.Next() {
		var a Assignment
		var override sql.NullInt64
		var fromRaw, untilRaw sql.NullString
		var createdRaw string
		if err := rows.Scan(&a.RuleID, &a.ScopeType, &a.ScopeID, &override, &fromRaw, &untilRaw, &createdRaw); err != nil {
			continue
		}
		if override.Valid {
			v := int(override.Int64)
			a.PriorityOverride = &v
		}
		if fromRaw.Valid {
			if t, err := time.Parse(time.RFC3339Nano, fromRaw.String); err == nil {
				a.EffectiveFrom = &t
			}
		}
		if untilRaw.Valid {
			if t, err := time.Parse(time.RFC3339Nano, untilRaw.String); err == nil {
				a.EffectiveUntil = &t
			}
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Covers reports whether the assignment is in effect for scopeID at now.
func (a Assignment) Covers(scopeType, scopeID string, now time.Time) bool {
	if a.ScopeType != scopeType || a.ScopeID != scopeID {
		return false
	}
	if a.EffectiveFrom != nil && now.Before(*a.EffectiveFrom) {
		return false
	}
	if a.EffectiveUntil != nil && now.After(*a.EffectiveUntil) {
		return false
	}
	return true
}

// AddDependency records that one rule requires, conflicts with, enhances or
// replaces another. Adding the same link twice is a no-op.
func (s *Store) AddDependency(d Dependency) error {
	d.DependencyType = strings.ToLower(strings.TrimSpace(d.DependencyType))

	var issues []string
	if strings.TrimSpace(d.RuleID) == "" || strings.TrimSpace(d.DependsOnRuleID) == "" {
		issues = append(issues, "rule_id and depends_on_rule_id are required")
	}
	if d.RuleID == d.DependsOnRuleID {
		issues = append(issues, "a rule cannot depend on itself")
	}
	if !validDependencyTypes[d.DependencyType] {
		issues = append(issues, "dependency_type must be one of: requires, conflicts, enhances, replaces")
	}
	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}

	if _, err := s.Get(d.RuleID); err != nil {
		return err
	}
	if _, err := s.Get(d.DependsOnRuleID); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`INSERT INTO rule_dependencies (rule_id, depends_on_rule_id, dependency_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(rule_id, depends_on_rule_id, dependency_type) DO NOTHING`,
		d.RuleID, d.DependsOnRuleID, d.DependencyType, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("add rule dependency: %w", err)
	}
	return nil
}

// RemoveDependency deletes one link.
func (s *Store) RemoveDependency(d Dependency) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM rule_dependencies
		WHERE rule_id = ? AND depends_on_rule_id = ? AND dependency_type = ?`,
		d.RuleID, d.DependsOnRuleID, strings.ToLower(strings.TrimSpace(d.DependencyType)))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDependencyNotFound
	}
	return nil
}

// Dependencies returns the links a rule declares on others.
func (s *Store) Dependencies(ruleID string) ([]Dependency, error) {
	return s.queryDependencies(`SELECT rule_id, depends_on_rule_id, dependency_type, created_at
		FROM rule_dependencies WHERE rule_id = ? ORDER BY depends_on_rule_id, dependency_type`, ruleID)
}

// Dependents returns the links other rules declare on this one.
func (s *Store) Dependents(ruleID string) ([]Dependency, error) {
	return s.queryDependencies(`SELECT rule_id, depends_on_rule_id, dependency_type, created_at
		FROM rule_dependencies WHERE depends_on_rule_id = ? ORDER BY rule_id, dependency_type`, ruleID)
}

func (s *Store) queryDependencies(query string, args ...any) ([]Dependency, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Dependency, 0)
	for rows.Next() {
		var d Dependency
		var createdRaw string
		if err := rows.Scan(&d.RuleID, &d.DependsOnRuleID, &d.DependencyType, &createdRaw); err != nil {
			continue
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		out = append(out, d)
	}
	return out, rows.Err()
}

func priorityArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
