package playbook

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a library lookup misses.
var ErrNotFound = errors.New("playbook not found")

// Entry describes one stored playbook revision.
type Entry struct {
	Name        string    `json:"name"`
	Revision    int       `json:"revision"`
	Description string    `json:"description,omitempty"`
	StepCount   int       `json:"step_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// Library persists playbook definitions in SQLite, one row per revision.
// Saving a name again appends the next revision; lookups default to the
// newest revision.
type Library struct {
	db *sql.DB
}

// NewLibrary opens (or creates) the library database.
func NewLibrary(dbPath string) (*Library, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open playbook library: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS playbooks (
		name            TEXT NOT NULL,
		revision        INTEGER NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		step_count      INTEGER NOT NULL DEFAULT 0,
		definition_json TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		PRIMARY KEY (name, revision)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create playbooks: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_playbooks_name ON playbooks(name)`)

	return &Library{db: db}, nil
}

// Close releases the underlying database handle.
func (l *Library) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Save validates and stores the playbook as the next revision of its name.
func (l *Library) Save(pb *Playbook) (*Entry, error) {
	Normalize(pb)
	if err := Validate(pb); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(pb)
	if err != nil {
		return nil, fmt.Errorf("marshal playbook: %w", err)
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var revision int
	if err := tx.QueryRow(`SELECT COALESCE(MAX(revision), 0) + 1 FROM playbooks WHERE name = ?`, pb.Name).Scan(&revision); err != nil {
		return nil, fmt.Errorf("next revision: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(`INSERT INTO playbooks
		(name, revision, description, step_count, definition_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		pb.Name, revision, pb.Description, len(pb.Steps), string(payload), now.Format(time.RFC3339Nano),
	); err != nil {
		return nil, fmt.Errorf("insert playbook: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &Entry{
		Name:        pb.Name,
		Revision:    revision,
		Description: pb.Description,
		StepCount:   len(pb.Steps),
		CreatedAt:   now,
	}, nil
}

// Get returns the playbook for (name, revision). Revision 0 selects the
// newest revision.
func (l *Library) Get(name string, revision int) (*Playbook, *Entry, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, ErrNotFound
	}

	var row *sql.Row
	if revision <= 0 {
		row = l.db.QueryRow(`SELECT revision, description, step_count, definition_json, created_at
			FROM playbooks WHERE name = ? ORDER BY revision DESC LIMIT 1`, name)
	} else {
		row = l.db.QueryRow(`SELECT revision, description, step_count, definition_json, created_at
			FROM playbooks WHERE name = ? AND revision = ?`, name, revision)
	}

	entry := Entry{Name: name}
	var definitionRaw, createdRaw string
	if err := row.Scan(&entry.Revision, &entry.Description, &entry.StepCount, &definitionRaw, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)

	var pb Playbook
	if err := json.Unmarshal([]byte(definitionRaw), &pb); err != nil {
		return nil, nil, fmt.Errorf("decode stored playbook: %w", err)
	}
	return &pb, &entry, nil
}

// List returns the newest revision of every stored name.
func (l *Library) List() ([]Entry, error) {
	rows, err := l.db.Query(`SELECT name, MAX(revision), description, step_count, created_at
		FROM playbooks GROUP BY name ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		var createdRaw string
		if err := rows.Scan(&entry.Name, &entry.Revision, &entry.Description, &entry.StepCount, &createdRaw); err != nil {
			continue
		}
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Delete removes one revision, or every revision when revision is 0.
func (l *Library) Delete(name string, revision int) error {
	var (
		res sql.Result
		err error
	)
	if revision <= 0 {
		res, err = l.db.Exec(`DELETE FROM playbooks WHERE name = ?`, name)
	} else {
		res, err = l.db.Exec(`DELETE FROM playbooks WHERE name = ? AND revision = ?`, name, revision)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
