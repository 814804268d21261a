// Package sqlitestore provides SQLite-backed store implementations.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"concord/internal/gateway"
	"concord/internal/syncer"

	_ "modernc.org/sqlite"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	time      TEXT NOT NULL,
	dimension TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	server_id TEXT NOT NULL DEFAULT '',
	source    TEXT NOT NULL,
	detail    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_time ON audit_log(time);
`

// AuditStore implements syncer.AuditLog using SQLite.
type AuditStore struct {
	db *sql.DB
}

// Ensure AuditStore implements the interface at compile time.
var _ syncer.AuditLog = (*AuditStore)(nil)

// Open creates or opens the audit database at path and applies the schema.
func Open(path string) (*AuditStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	return &AuditStore{db: db}, nil
}

// NewAuditStore wraps an existing database connection. The schema must
// already be applied.
func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// Close closes the database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// LogAction appends one canonical mutation to the audit log.
func (s *AuditStore) LogAction(ctx context.Context, entry syncer.AuditEntry) error {
	when := entry.Time
	if when.IsZero() {
		when = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (time, dimension, user_id, server_id, source, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`, when.UTC().Format(time.RFC3339Nano), entry.Dimension, string(entry.User), string(entry.Server), entry.Source, entry.Detail)
	if err != nil {
		return fmt.Errorf("log action: %w", err)
	}
	return nil
}

// ListActions returns the most recent entries, newest first, capped at limit.
func (s *AuditStore) ListActions(ctx context.Context, limit int) ([]syncer.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, dimension, user_id, server_id, source, detail
		FROM audit_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var entries []syncer.AuditEntry
	for rows.Next() {
		var entry syncer.AuditEntry
		var when, user, server string
		if err := rows.Scan(&when, &entry.Dimension, &user, &server, &entry.Source, &entry.Detail); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, when)
		if err != nil {
			return nil, fmt.Errorf("parse action time: %w", err)
		}
		entry.Time = t
		entry.User = gateway.UserID(user)
		entry.Server = gateway.ServerID(server)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountActionsForUser returns how many audit entries exist for a user.
func (s *AuditStore) CountActionsForUser(ctx context.Context, user gateway.UserID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_log WHERE user_id = ?`, string(user),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count actions: %w", err)
	}
	return count, nil
}
