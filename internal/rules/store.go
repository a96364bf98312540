package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/audit"
	"github.com/marcus-qen/praetor/internal/awareness"
	"github.com/marcus-qen/praetor/internal/interpolate"
)

var (
	ErrRuleNotFound       = errors.New("rule not found")
	ErrRuleExists         = errors.New("rule id already in use")
	ErrVersionConflict    = errors.New("rule version conflict")
	ErrTemplateNotFound   = errors.New("rule template not found")
	ErrAssignmentNotFound = errors.New("rule assignment not found")
	ErrDependencyNotFound = errors.New("rule dependency not found")
)

const announceTimeout = 2 * time.Second

// Emitter publishes best-effort awareness events. The awareness Publisher
// satisfies it.
type Emitter interface {
	Emit(content, category string, metadata map[string]any, tags []string)
}

// Auditor ingests audit trail events. The audit Log satisfies it.
type Auditor interface {
	Record(evt audit.Event)
}

// Store persists rules and their history, assignments, dependencies,
// templates and evaluation analytics in SQLite. Every write bumps the
// rule's version and appends the history row in the same transaction, then
// fans the change out to the awareness feed, the rule-change bus and the
// indexer, all best-effort.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	emitter     Emitter
	auditor     Auditor
	broadcaster awareness.Broadcaster
	indexer     awareness.Indexer
	source      string

	// Serializes writers; readers go straight to the database.
	writeMu sync.Mutex
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEmitter wires the awareness feed.
func WithEmitter(em Emitter) StoreOption {
	return func(s *Store) { s.emitter = em }
}

// WithAuditor wires the audit trail.
func WithAuditor(a Auditor) StoreOption {
	return func(s *Store) { s.auditor = a }
}

// WithBroadcaster wires the rule-change bus.
func WithBroadcaster(b awareness.Broadcaster) StoreOption {
	return func(s *Store) { s.broadcaster = b }
}

// WithIndexer wires the semantic indexer fed on create and update.
func WithIndexer(ix awareness.Indexer) StoreOption {
	return func(s *Store) { s.indexer = ix }
}

// WithSourceMachine names this node in broadcast change events.
func WithSourceMachine(name string) StoreOption {
	return func(s *Store) { s.source = name }
}

// NewStore opens (or creates) the rule database.
func NewStore(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open rule db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	s := &Store{
		db:     db,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rules (
			id                  TEXT PRIMARY KEY,
			version             INTEGER NOT NULL,
			name                TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			tags                TEXT NOT NULL DEFAULT '[]',
			rule_type           TEXT NOT NULL,
			scope               TEXT NOT NULL,
			priority            INTEGER NOT NULL,
			status              TEXT NOT NULL,
			conditions          TEXT NOT NULL DEFAULT '[]',
			actions             TEXT NOT NULL DEFAULT '[]',
			parent_rule_id      TEXT NOT NULL DEFAULT '',
			conflict_resolution TEXT NOT NULL,
			effective_from      TEXT,
			effective_until     TEXT,
			metadata            TEXT NOT NULL DEFAULT '{}',
			advanced            TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_status_scope ON rules(status, scope)`,
		`CREATE TABLE IF NOT EXISTS rule_versions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			rule_id     TEXT NOT NULL,
			version     INTEGER NOT NULL,
			change_type TEXT NOT NULL,
			snapshot    TEXT NOT NULL,
			changed_by  TEXT NOT NULL DEFAULT '',
			changed_at  TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rule_versions_rule ON rule_versions(rule_id, version)`,
		`CREATE TABLE IF NOT EXISTS rule_assignments (
			rule_id           TEXT NOT NULL,
			scope_type        TEXT NOT NULL,
			scope_id          TEXT NOT NULL,
			priority_override INTEGER,
			effective_from    TEXT,
			effective_until   TEXT,
			created_at        TEXT NOT NULL,
			PRIMARY KEY (rule_id, scope_type, scope_id)
		)`,
		`CREATE TABLE IF NOT EXISTS rule_dependencies (
			rule_id            TEXT NOT NULL,
			depends_on_rule_id TEXT NOT NULL,
			dependency_type    TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			PRIMARY KEY (rule_id, depends_on_rule_id, dependency_type)
		)`,
		`CREATE TABLE IF NOT EXISTS rule_templates (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			rule_type   TEXT NOT NULL DEFAULT '',
			parameters  TEXT NOT NULL DEFAULT '[]',
			content     TEXT NOT NULL,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_evaluations (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			context_hash TEXT NOT NULL,
			context      TEXT NOT NULL,
			considered   INTEGER NOT NULL,
			matched      INTEGER NOT NULL,
			applied      INTEGER NOT NULL,
			duration_ms  REAL NOT NULL,
			evaluated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rule_conflicts (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			target         TEXT NOT NULL,
			winner_rule_id TEXT NOT NULL,
			loser_rule_ids TEXT NOT NULL DEFAULT '[]',
			strategy       TEXT NOT NULL,
			resolved_at    TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create rule schema: %w", err)
		}
	}
	return nil
}

// Create validates and stores a new rule at version 1.
func (s *Store) Create(r *Rule) (*Rule, error) {
	if r == nil {
		return nil, &ValidationError{Issues: []string{"rule is required"}}
	}
	in := r.Clone()
	Normalize(in)
	if err := Validate(in); err != nil {
		return nil, err
	}
	if lineage := s.CheckLineage(in); HasErrors(lineage) {
		return nil, lineageError(lineage)
	}

	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	now := s.now()
	in.Version = 1
	in.CreatedAt = now
	in.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM rules WHERE id = ?`, in.ID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrRuleExists, in.ID)
	}

	if err := insertRule(tx, in); err != nil {
		return nil, fmt.Errorf("insert rule: %w", err)
	}
	if err := s.appendVersion(tx, in, ChangeCreated); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.announce(ChangeCreated, in)
	return in.Clone(), nil
}

// Update applies changes to an existing rule, bumps the version and appends
// the history row in the same transaction. A non-zero incoming Version must
// match the stored one.
func (s *Store) Update(r *Rule) (*Rule, error) {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return nil, &ValidationError{Issues: []string{"rule id is required"}}
	}
	in := r.Clone()
	Normalize(in)
	if err := Validate(in); err != nil {
		return nil, err
	}
	if lineage := s.CheckLineage(in); HasErrors(lineage) {
		return nil, lineageError(lineage)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRuleTx(tx, in.ID)
	if err != nil {
		return nil, err
	}
	if in.Version != 0 && in.Version != current.Version {
		return nil, fmt.Errorf("%w: rule %s is at version %d, update carries %d",
			ErrVersionConflict, in.ID, current.Version, in.Version)
	}

	in.Version = current.Version + 1
	in.CreatedAt = current.CreatedAt
	in.UpdatedAt = s.now()
	change := changeTypeFor(current.Status, in.Status)

	if err := updateRule(tx, in); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}
	if err := s.appendVersion(tx, in, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.announce(change, in)
	return in.Clone(), nil
}

// SetStatus transitions a rule between active, inactive, deprecated and
// testing without touching the rest of its definition.
func (s *Store) SetStatus(id, status string) (*Rule, error) {
	current, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	current.Status = status
	return s.Update(current)
}

// Delete removes a rule. The history keeps a final tombstone version, and
// the rule's assignments and dependency links go with it.
func (s *Store) Delete(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := getRuleTx(tx, id)
	if err != nil {
		return err
	}

	final := current.Clone()
	final.Version = current.Version + 1
	final.UpdatedAt = s.now()

	if err := s.appendVersion(tx, final, ChangeDeleted); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM rule_assignments WHERE rule_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM rule_dependencies WHERE rule_id = ? OR depends_on_rule_id = ?`, id, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.announce(ChangeDeleted, final)
	return nil
}

// Get returns one rule by id.
func (s *Store) Get(id string) (*Rule, error) {
	row := s.db.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, strings.TrimSpace(id))
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r, err
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	Scope    string
	RuleType string
	Status   string
	Tag      string
}

// List returns rules matching the filter, highest priority first.
func (s *Store) List(f ListFilter) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules`
	var conds []string
	var args []any
	if f.Scope != "" {
		conds = append(conds, "scope = ?")
		args = append(args, strings.ToLower(f.Scope))
	}
	if f.RuleType != "" {
		conds = append(conds, "rule_type = ?")
		args = append(args, strings.ToLower(f.RuleType))
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, strings.ToLower(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*Rule, 0)
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		if f.Tag != "" && !hasTag(r.Tags, f.Tag) {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRules returns every active rule whose effective window contains now.
// This is the evaluator's candidate set.
func (s *Store) ActiveRules(now time.Time) ([]*Rule, error) {
	all, err := s.List(ListFilter{Status: StatusActive})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.InWindow(now) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Versions returns a rule's history, newest first. The history survives the
// rule's deletion.
func (s *Store) Versions(ruleID string) ([]Version, error) {
	rows, err := s.db.Query(`SELECT rule_id, version, change_type, snapshot, changed_by, changed_at
		FROM rule_versions WHERE rule_id = ? ORDER BY id DESC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Version, 0)
	for rows.Next() {
		var v Version
		var snapshotRaw, changedRaw string
		if err := rows.Scan(&v.RuleID, &v.Version, &v.ChangeType, &snapshotRaw, &v.ChangedBy, &changedRaw); err != nil {
			continue
		}
		var snap Rule
		if err := json.Unmarshal([]byte(snapshotRaw), &snap); err == nil {
			v.Snapshot = &snap
		}
		v.ChangedAt, _ = time.Parse(time.RFC3339Nano, changedRaw)
		out = append(out, v)
	}
	return out, rows.Err()
}

// CheckLineage validates a rule's parent chain against stored rules: the
// chain must be acyclic, every link must inherit from an equally or less
// specific scope, and deep chains draw a warning. A missing parent is a
// warning so rule sets can be imported in any order.
func (s *Store) CheckLineage(r *Rule) []ValidationResult {
	if r == nil || r.ParentRuleID == "" {
		return nil
	}

	var out []ValidationResult
	seen := map[string]bool{r.ID: true}
	childScope := r.Scope
	currentID := r.ParentRuleID
	depth := 0

	for currentID != "" {
		if seen[currentID] {
			out = append(out, ValidationResult{
				Level: LevelError, Category: CategoryLogic, Field: "parent_rule_id",
				Message: fmt.Sprintf("inheritance cycle through %s", currentID),
			})
			break
		}
		seen[currentID] = true

		parent, err := s.Get(currentID)
		if err != nil {
			if errors.Is(err, ErrRuleNotFound) {
				out = append(out, ValidationResult{
					Level: LevelWarning, Category: CategoryLogic, Field: "parent_rule_id",
					Message: fmt.Sprintf("parent rule %s does not exist yet", currentID),
				})
			}
			break
		}

		if ScopeRank(childScope) < ScopeRank(parent.Scope) {
			out = append(out, ValidationResult{
				Level: LevelError, Category: CategoryLogic, Field: "parent_rule_id",
				Message: fmt.Sprintf("scope %s cannot inherit from more specific scope %s (rule %s)",
					childScope, parent.Scope, parent.ID),
			})
		}

		depth++
		childScope = parent.Scope
		currentID = parent.ParentRuleID
	}

	if depth > 3 {
		out = append(out, ValidationResult{
			Level: LevelWarning, Category: CategoryPerformance, Field: "parent_rule_id",
			Message: fmt.Sprintf("inheritance chain is %d levels deep", depth),
		})
	}
	return out
}

func lineageError(results []ValidationResult) error {
	var issues []string
	for _, res := range results {
		if res.Level == LevelError {
			issues = append(issues, res.Message)
		}
	}
	return &ValidationError{Issues: issues}
}

func changeTypeFor(oldStatus, newStatus string) string {
	if oldStatus == newStatus {
		return ChangeUpdated
	}
	switch newStatus {
	case StatusActive:
		return ChangeActivated
	case StatusInactive:
		return ChangeDeactivated
	case StatusDeprecated:
		return ChangeDeprecated
	default:
		return ChangeUpdated
	}
}

const ruleColumns = `id, version, name, description, tags, rule_type, scope, priority, status,
	conditions, actions, parent_rule_id, conflict_resolution, effective_from, effective_until,
	metadata, advanced, created_at, updated_at`

func insertRule(tx *sql.Tx, r *Rule) error {
	args, err := ruleArgs(r)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO rules
		(id, version, name, description, tags, rule_type, scope, priority, status,
		 conditions, actions, parent_rule_id, conflict_resolution, effective_from,
		 effective_until, metadata, advanced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return err
}

func updateRule(tx *sql.Tx, r *Rule) error {
	args, err := ruleArgs(r)
	if err != nil {
		return err
	}
	// ruleArgs puts id first; move it to the WHERE position.
	args = append(args[1:], args[0])
	_, err = tx.Exec(`UPDATE rules SET
		version = ?, name = ?, description = ?, tags = ?, rule_type = ?, scope = ?,
		priority = ?, status = ?, conditions = ?, actions = ?, parent_rule_id = ?,
		conflict_resolution = ?, effective_from = ?, effective_until = ?, metadata = ?,
		advanced = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	return err
}

func ruleArgs(r *Rule) ([]any, error) {
	tagsJSON, err := json.Marshal(r.Tags)
	if err != nil {
		return nil, err
	}
	conditionsJSON, err := json.Marshal(r.Conditions)
	if err != nil {
		return nil, err
	}
	actionsJSON, err := json.Marshal(r.Actions)
	if err != nil {
		return nil, err
	}
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}

	var advanced any
	if r.Advanced != nil {
		raw, err := json.Marshal(r.Advanced)
		if err != nil {
			return nil, err
		}
		advanced = string(raw)
	}

	return []any{
		r.ID, r.Version, r.Name, r.Description, string(tagsJSON), r.RuleType, r.Scope,
		r.Priority, r.Status, string(conditionsJSON), string(actionsJSON), r.ParentRuleID,
		r.ConflictResolution, timeArg(r.EffectiveFrom), timeArg(r.EffectiveUntil),
		string(metadataJSON), advanced,
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	}, nil
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func (s *Store) appendVersion(tx *sql.Tx, r *Rule, changeType string) error {
	snapshot, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO rule_versions (rule_id, version, change_type, snapshot, changed_by, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Version, changeType, string(snapshot), s.source, s.now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append rule version: %w", err)
	}
	return nil
}

func getRuleTx(tx *sql.Tx, id string) (*Rule, error) {
	row := tx.QueryRow(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, strings.TrimSpace(id))
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return r, err
}

func scanRule(row interface{ Scan(dest ...any) error }) (*Rule, error) {
	var (
		r                                               Rule
		tagsRaw, conditionsRaw, actionsRaw, metadataRaw string
		advancedRaw, fromRaw, untilRaw                  sql.NullString
		createdRaw, updatedRaw                          string
	)
	if err := row.Scan(&r.ID, &r.Version, &r.Name, &r.Description, &tagsRaw, &r.RuleType,
		&r.Scope, &r.Priority, &r.Status, &conditionsRaw, &actionsRaw, &r.ParentRuleID,
		&r.ConflictResolution, &fromRaw, &untilRaw, &metadataRaw, &advancedRaw,
		&createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	_ = json.Unmarshal([]byte(tagsRaw), &r.Tags)
	_ = json.Unmarshal([]byte(conditionsRaw), &r.Conditions)
	_ = json.Unmarshal([]byte(actionsRaw), &r.Actions)
	_ = json.Unmarshal([]byte(metadataRaw), &r.Metadata)
	if len(r.Metadata) == 0 {
		r.Metadata = nil
	}
	if advancedRaw.Valid && advancedRaw.String != "" {
		var spec AdvancedSpec
		if err := json.Unmarshal([]byte(advancedRaw.String), &spec); err == nil {
			r.Advanced = &spec
		}
	}
	if fromRaw.Valid {
		if t, err := time.Parse(time.RFC3339Nano, fromRaw.String); err == nil {
			r.EffectiveFrom = &t
		}
	}
	if untilRaw.Valid {
		if t, err := time.Parse(time.RFC3339Nano, untilRaw.String); err == nil {
			r.EffectiveUntil = &t
		}
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	return &r, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// announce fans one change event out to the awareness feed, the audit
// trail, the rule-change bus and the indexer. All four are best-effort;
// the write has already committed.
func (s *Store) announce(changeType string, r *Rule) {
	if s.emitter != nil {
		s.emitter.Emit(
			fmt.Sprintf("rule %s %s (%s)", r.Name, changeType, r.ID),
			"rules",
			map[string]any{
				"rule_id":     r.ID,
				"change_type": changeType,
				"rule_type":   r.RuleType,
				"scope":       r.Scope,
				"version":     r.Version,
			},
			[]string{"rule", changeType},
		)
	}

	if s.auditor != nil {
		s.auditor.Record(audit.Event{
			Type:    auditTypeFor(changeType),
			RuleID:  r.ID,
			Actor:   "rule_store",
			Summary: fmt.Sprintf("rule %q %s at version %d", r.Name, changeType, r.Version),
			After:   map[string]any{"scope": r.Scope, "status": r.Status, "priority": r.Priority},
		})
	}

	if s.broadcaster == nil && s.indexer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()

	if s.broadcaster != nil {
		change := awareness.RuleChange{
			RuleID:        r.ID,
			ChangeType:    changeType,
			RuleData:      ruleData(r),
			Timestamp:     s.now(),
			SourceMachine: s.source,
		}
		if err := s.broadcaster.Broadcast(ctx, change); err != nil {
			s.logger.Warn("rule change broadcast failed",
				zap.String("rule_id", r.ID),
				zap.Error(err),
			)
		}
	}

	if s.indexer != nil && changeType != ChangeDeleted {
		meta := map[string]any{
			"rule_type": r.RuleType,
			"scope":     r.Scope,
			"status":    r.Status,
			"priority":  r.Priority,
		}
		if err := s.indexer.Index(ctx, r.ID, ruleDocument(r), meta); err != nil {
			s.logger.Warn("rule index write failed",
				zap.String("rule_id", r.ID),
				zap.Error(err),
			)
		}
	}
}

func auditTypeFor(changeType string) audit.EventType {
	switch changeType {
	case ChangeCreated:
		return audit.EventRuleCreated
	case ChangeDeleted:
		return audit.EventRuleDeleted
	default:
		return audit.EventRuleUpdated
	}
}

func ruleData(r *Rule) map[string]any {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// ruleDocument renders the searchable text sent to the indexer.
func ruleDocument(r *Rule) string {
	var b strings.Builder
	b.WriteString(r.Name)
	if r.Description != "" {
		b.WriteString(": ")
		b.WriteString(r.Description)
	}
	fmt.Fprintf(&b, " [%s/%s]", r.RuleType, r.Scope)
	for _, c := range r.Conditions {
		fmt.Fprintf(&b, " when %s %s %s", c.Field, c.Operator, interpolate.Stringify(c.Value))
	}
	for _, a := range r.Actions {
		fmt.Fprintf(&b, " then %s %s", a.ActionType, a.Target)
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(&b, " tags: %s", strings.Join(r.Tags, ", "))
	}
	return b.String()
}
