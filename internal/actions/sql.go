/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package actions

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	// Drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLDatabase describes one database a sql_query step may read from.
// Read-only is enforced at the driver level, not just by convention.
type SQLDatabase struct {
	// Driver is "postgres" or "mysql".
	Driver string

	// DSN is the connection string.
	DSN string

	// AllowedQueries is an optional regex allowlist. Empty permits any
	// read-tier statement (SELECT/SHOW/DESCRIBE/EXPLAIN).
	AllowedQueries []string

	// MaxRows caps returned rows (default 1000).
	MaxRows int

	// Timeout per query (default 30s).
	Timeout time.Duration
}

// SQLRunner runs read-only sql_query actions.
type SQLRunner struct {
	databases map[string]*SQLDatabase
}

// NewSQLRunner builds a runner over named database configs, filling in
// defaults for unset caps.
func NewSQLRunner(databases map[string]*SQLDatabase) *SQLRunner {
	for _, db := range databases {
		if db.MaxRows <= 0 {
			db.MaxRows = 1000
		}
		if db.Timeout <= 0 {
			db.Timeout = 30 * time.Second
		}
	}
	return &SQLRunner{databases: databases}
}

// Run executes args["query"] against args["database"]. Outputs carry the
// scanned rows plus a row_count.
func (s *SQLRunner) Run(ctx context.Context, args map[string]any) (map[string]any, error) {
	dbName, _ := args["database"].(string)
	query, _ := args["query"].(string)

	if dbName == "" {
		return nil, fmt.Errorf("sql_query action needs a database argument")
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("sql_query action needs a query argument")
	}

	db, ok := s.databases[dbName]
	if !ok {
		names := make([]string, 0, len(s.databases))
		for name := range s.databases {
			names = append(names, name)
		}
		return nil, fmt.Errorf("unknown database %q, configured: %s", dbName, strings.Join(names, ", "))
	}

	if err := checkReadOnlyQuery(query, db.AllowedQueries); err != nil {
		return nil, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, db.Timeout)
	defer cancel()

	driverName := db.Driver
	if driverName == "postgres" || driverName == "postgresql" {
		driverName = "pgx" // pgx/v5/stdlib registers as "pgx"
	}

	conn, err := sql.Open(driverName, db.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", dbName, err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(queryCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read-only transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(queryCtx, query)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()

	records, truncated, err := scanRows(rows, db.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("scan results: %w", err)
	}

	outputs := map[string]any{
		"rows":      records,
		"row_count": len(records),
	}
	if truncated {
		outputs["truncated"] = true
	}
	return outputs, nil
}

var readPrefixes = []string{"SELECT", "SHOW", "DESCRIBE", "DESC", "EXPLAIN"}

// checkReadOnlyQuery rejects anything but single-statement read queries.
// Unknown statement shapes fail closed.
func checkReadOnlyQuery(query string, allowlist []string) error {
	normalized := strings.TrimSpace(strings.ToUpper(query))

	read := false
	for _, prefix := range readPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			read = true
			break
		}
	}
	if !read {
		return fmt.Errorf("only read-only queries are allowed (SELECT, SHOW, DESCRIBE, EXPLAIN)")
	}

	// Reject multiple statements and comment smuggling.
	trimmed := strings.TrimRight(strings.TrimSpace(query), ";")
	if strings.Contains(trimmed, ";") {
		return fmt.Errorf("query must be a single statement")
	}
	if strings.Contains(normalized, "--") || strings.Contains(normalized, "/*") {
		return fmt.Errorf("query must not contain comments")
	}

	if len(allowlist) == 0 {
		return nil
	}
	for _, pattern := range allowlist {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			continue
		}
		if re.MatchString(query) {
			return nil
		}
	}
	return fmt.Errorf("query does not match the configured allowlist")
}

func scanRows(rows *sql.Rows, maxRows int) ([]map[string]any, bool, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, false, err
	}

	records := make([]map[string]any, 0)
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	truncated := false
	for rows.Next() {
		if len(records) >= maxRows {
			truncated = true
			break
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, false, err
		}
		record := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				record[col] = string(v)
			default:
				record[col] = v
			}
		}
		records = append(records, record)
	}
	return records, truncated, rows.Err()
}
