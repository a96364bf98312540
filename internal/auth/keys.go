// Package auth manages API keys for the HTTP surface. Keys are random
// 256-bit secrets handed out exactly once; only a bcrypt hash and a short
// lookup prefix are persisted.
package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/praetor/internal/audit"
)

// Permission gates a group of API operations.
type Permission string

const (
	PermExecuteRead    Permission = "execute:read"
	PermExecuteWrite   Permission = "execute:write"
	PermRulesRead      Permission = "rules:read"
	PermRulesWrite     Permission = "rules:write"
	PermPlaybooksRead  Permission = "playbooks:read"
	PermPlaybooksWrite Permission = "playbooks:write"
	PermAuditRead      Permission = "audit:read"
	PermAdmin          Permission = "admin"
)

var knownPermissions = map[Permission]bool{
	PermExecuteRead:    true,
	PermExecuteWrite:   true,
	PermRulesRead:      true,
	PermRulesWrite:     true,
	PermPlaybooksRead:  true,
	PermPlaybooksWrite: true,
	PermAuditRead:      true,
	PermAdmin:          true,
}

// keyScheme prefixes every generated key so tokens are recognizable in
// headers and redacted logs.
const keyScheme = "ptk_"

// prefixLen is how many leading characters of the plaintext are stored in
// clear and indexed for lookup.
const prefixLen = 12

// APIKey is the persisted form of a key. The plaintext secret is never
// stored; KeyHash holds its bcrypt digest and is excluded from JSON.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	KeyHash     string       `json:"-"`
	KeyPrefix   string       `json:"key_prefix"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Enabled     bool         `json:"enabled"`
}

// Recorder receives audit events for key issuance and failed
// authentication attempts.
type Recorder interface {
	Record(evt audit.Event)
}

// KeyStore persists API keys in SQLite.
type KeyStore struct {
	db      *sql.DB
	mu      sync.RWMutex
	auditor Recorder
}

// StoreOption configures a KeyStore.
type StoreOption func(*KeyStore)

// WithAuditor attaches an audit recorder for key lifecycle events.
func WithAuditor(rec Recorder) StoreOption {
	return func(s *KeyStore) { s.auditor = rec }
}

// NewKeyStore opens (creating if needed) the key database at dbPath.
func NewKeyStore(dbPath string, opts ...StoreOption) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open key database: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL,
		key_prefix TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		last_used TEXT,
		expires_at TEXT,
		enabled INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(key_prefix);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create key schema: %w", err)
	}

	s := &KeyStore{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Create issues a new key. The plaintext is returned exactly once and
// cannot be recovered afterwards.
func (s *KeyStore) Create(name string, permissions []Permission, expiresAt *time.Time) (*APIKey, string, error) {
	if strings.TrimSpace(name) == "" {
		return nil, "", fmt.Errorf("key name is required")
	}
	for _, p := range permissions {
		if !knownPermissions[p] {
			return nil, "", fmt.Errorf("unknown permission %q", p)
		}
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key material: %w", err)
	}
	plain := keyScheme + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	key := &APIKey{
		ID:          uuid.New().String(),
		Name:        name,
		KeyHash:     string(hash),
		KeyPrefix:   plain[:prefixLen],
		Permissions: permissions,
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
		Enabled:     true,
	}

	perms, err := json.Marshal(key.Permissions)
	if err != nil {
		return nil, "", fmt.Errorf("encode permissions: %w", err)
	}
	var expires *string
	if key.ExpiresAt != nil {
		v := key.ExpiresAt.UTC().Format(time.RFC3339Nano)
		expires = &v
	}

	s.mu.Lock()
	_, err = s.db.Exec(
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, permissions, created_at, expires_at, enabled)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(perms),
		key.CreatedAt.Format(time.RFC3339Nano), expires,
	)
	s.mu.Unlock()
	if err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}

	if s.auditor != nil {
		s.auditor.Record(audit.Event{
			Type:    audit.EventKeyGenerated,
			Actor:   "system",
			Summary: fmt.Sprintf("api key %q created", key.Name),
			Detail: map[string]any{
				"key_id":      key.ID,
				"key_prefix":  key.KeyPrefix,
				"permissions": key.Permissions,
			},
		})
	}
	return key, plain, nil
}

// Validate checks a presented key against its stored hash and returns the
// record when the key is enabled and unexpired. The last_used timestamp is
// written asynchronously, off the validation path.
func (s *KeyStore) Validate(plainKey string) (*APIKey, error) {
	if len(plainKey) < prefixLen {
		return nil, fmt.Errorf("invalid key format")
	}
	prefix := plainKey[:prefixLen]

	s.mu.RLock()
	row := s.db.QueryRow(
		`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		 FROM api_keys WHERE key_prefix = ?`, prefix)
	key, err := scanKey(row)
	s.mu.RUnlock()
	if err != nil {
		s.recordFailure(prefix, "key not found")
		return nil, fmt.Errorf("key not found")
	}

	if !key.Enabled {
		s.recordFailure(prefix, "key disabled")
		return nil, fmt.Errorf("key disabled")
	}
	if key.ExpiresAt != nil && time.Now().After(*key.ExpiresAt) {
		s.recordFailure(prefix, "key expired")
		return nil, fmt.Errorf("key expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(plainKey)); err != nil {
		s.recordFailure(prefix, "hash mismatch")
		return nil, fmt.Errorf("invalid key")
	}

	go s.touch(key.ID)
	return key, nil
}

// Get returns a single key record by ID.
func (s *KeyStore) Get(id string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRow(
		`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		 FROM api_keys WHERE id = ?`, id)
	key, err := scanKey(row)
	if err != nil {
		return nil, fmt.Errorf("key not found: %s", id)
	}
	return key, nil
}

// List returns all keys, newest first.
func (s *KeyStore) List() ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, name, key_hash, key_prefix, permissions, created_at, last_used, expires_at, enabled
		 FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Revoke disables a key without removing its record.
func (s *KeyStore) Revoke(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE api_keys SET enabled = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// Delete removes a key record entirely.
func (s *KeyStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key not found: %s", id)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *KeyStore) Close() error {
	return s.db.Close()
}

// HasPermission reports whether key grants perm. Admin keys grant
// everything.
func HasPermission(key *APIKey, perm Permission) bool {
	if key == nil {
		return false
	}
	for _, p := range key.Permissions {
		if p == PermAdmin || p == perm {
			return true
		}
	}
	return false
}

// ParsePermissions converts raw strings into permissions, trimming,
// lowercasing, and deduplicating. Unknown values are rejected.
func ParsePermissions(raw []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(raw))
	seen := make(map[Permission]bool)
	for _, r := range raw {
		p := Permission(strings.ToLower(strings.TrimSpace(r)))
		if p == "" {
			continue
		}
		if !knownPermissions[p] {
			return nil, fmt.Errorf("unknown permission %q", r)
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		perms = append(perms, p)
	}
	if len(perms) == 0 {
		return nil, fmt.Errorf("at least one permission is required")
	}
	return perms, nil
}

func (s *KeyStore) recordFailure(prefix, reason string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.Event{
		Type:    audit.EventLoginFailed,
		Actor:   prefix,
		Summary: "api key authentication failed",
		Detail:  map[string]any{"key_prefix": prefix, "reason": reason},
	})
}

func (s *KeyStore) touch(id string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, now, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var (
		key       APIKey
		perms     string
		createdAt string
		lastUsed  sql.NullString
		expiresAt sql.NullString
		enabled   int
	)
	if err := row.Scan(&key.ID, &key.Name, &key.KeyHash, &key.KeyPrefix, &perms,
		&createdAt, &lastUsed, &expiresAt, &enabled); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &key.Permissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		key.CreatedAt = t
	}
	if lastUsed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUsed.String); err == nil {
			key.LastUsedAt = &t
		}
	}
	if expiresAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, expiresAt.String); err == nil {
			key.ExpiresAt = &t
		}
	}
	key.Enabled = enabled == 1
	return &key, nil
}
