package events

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteSink is a Sink backed by an embedded SQLite database.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (and if needed creates) the event database at path,
// enforcing WAL journal mode and a 5-second busy timeout, and verifies the
// connection with a ping before returning.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			type TEXT NOT NULL,
			payload BLOB,
			media_timestamp_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS artifact_requests (
			id TEXT PRIMARY KEY,
			reason TEXT NOT NULL,
			label TEXT NOT NULL,
			anchor TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema on %s: %w", path, err)
		}
	}

	return &SQLiteSink{db: db}, nil
}

// AppendBatch writes all events in one transaction.
func (s *SQLiteSink) AppendBatch(ctx context.Context, evs []Event) error {
	if len(evs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events (id, session_id, timestamp, type, payload, media_timestamp_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range evs {
		var media any
		if ev.MediaTimestampMs != nil {
			media = *ev.MediaTimestampMs
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.SessionID, ev.Timestamp.UTC().Format("2006-01-02T15:04:05.999Z07:00"),
			ev.Type, []byte(ev.Payload), media); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

// AppendArtifactRequest writes one derived artifact request.
func (s *SQLiteSink) AppendArtifactRequest(ctx context.Context, req ArtifactRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO artifact_requests (id, reason, label, anchor, duration_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.Reason, req.Label,
		req.Anchor.UTC().Format("2006-01-02T15:04:05.999Z07:00"), req.DurationMs)
	if err != nil {
		return fmt.Errorf("insert artifact request %s: %w", req.ID, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

// MemorySink is an in-memory Sink used in tests and as a fallback when no
// database path is configured.
type MemorySink struct {
	mu        sync.Mutex
	events    []Event
	artifacts []ArtifactRequest
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// AppendBatch implements Sink.AppendBatch.
func (s *MemorySink) AppendBatch(ctx context.Context, evs []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evs...)
	return nil
}

// AppendArtifactRequest implements Sink.AppendArtifactRequest.
func (s *MemorySink) AppendArtifactRequest(ctx context.Context, req ArtifactRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, req)
	return nil
}

// Events returns a copy of the stored events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Artifacts returns a copy of the stored artifact requests.
func (s *MemorySink) Artifacts() []ArtifactRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ArtifactRequest, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}
