// Package diagnostics persists an audit trail of reactor-level events
// (channel state transitions, reconnect attempts, directory changes,
// token refreshes) to SQLite, grounded on the teacher's checkpoint
// store's migrate/insert/list pattern. Production wiring uses
// mattn/go-sqlite3 (cgo); tests use modernc.org/sqlite (pure Go) so
// they run without a C toolchain.
package diagnostics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fathomdata/ommreactor/internal/eventbus"
)

// Entry is one row of the audit trail.
type Entry struct {
	ID        uuid.UUID
	Timestamp time.Time
	Source    string
	Kind      string
	Data      map[string]any
}

// Store persists Entries to a SQLite database.
type Store struct {
	db *sql.DB
}

// NewStore wraps db, migrating the audit_log table if needed. db's
// driver is the caller's choice: "sqlite3" (mattn, production) or
// "sqlite" (modernc, tests).
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("diagnostics: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			source TEXT NOT NULL,
			kind TEXT NOT NULL,
			data_json TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_created
			ON audit_log(created_at DESC);

		CREATE INDEX IF NOT EXISTS idx_audit_log_kind
			ON audit_log(kind);
	`)
	return err
}

// Record inserts one audit entry for ev.
func (s *Store) Record(ev eventbus.Event) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("diagnostics: generate id: %w", err)
	}

	dataJSON, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("diagnostics: marshal data: %w", err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO audit_log (id, created_at, source, kind, data_json)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), ts.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), ev.Source, ev.Kind, string(dataJSON))
	if err != nil {
		return fmt.Errorf("diagnostics: insert: %w", err)
	}
	return nil
}

// List returns the most recent entries, newest first, bounded by limit.
func (s *Store) List(limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, created_at, source, kind, data_json
		FROM audit_log
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("diagnostics: query: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var idStr, createdAt, source, kind, dataJSON string
		if err := rows.Scan(&idStr, &createdAt, &source, &kind, &dataJSON); err != nil {
			return nil, fmt.Errorf("diagnostics: scan: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("diagnostics: parse id: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("diagnostics: parse timestamp: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
			return nil, fmt.Errorf("diagnostics: unmarshal data: %w", err)
		}
		entries = append(entries, &Entry{ID: id, Timestamp: ts, Source: source, Kind: kind, Data: data})
	}
	return entries, rows.Err()
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Follow subscribes to bus and persists every event until ctx is
// cancelled. Run in its own goroutine by the composition root.
func (s *Store) Follow(ctx context.Context, bus *eventbus.Bus, logger func(error)) {
	ch := bus.Subscribe(256)
	defer bus.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := s.Record(ev); err != nil && logger != nil {
				logger(err)
			}
		}
	}
}
