// Package audit persists the transition history. Every finished
// transition (successful or not) becomes one row, queryable through the
// API for "what changed and when" forensics.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"grimm.is/egress/internal/clock"
	"grimm.is/egress/internal/engine"
)

// Entry is one recorded transition.
type Entry struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	FromMode   string    `json:"from"`
	ToMode     string    `json:"to"`
	Trigger    string    `json:"trigger"`
	Outcome    string    `json:"outcome"`
	Phase      string    `json:"phase,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store provides persistent storage for transition records.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	retentionDays int
}

// NewStore creates or opens the transition history at dbPath.
func NewStore(dbPath string, retentionDays int) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			from_mode TEXT NOT NULL,
			to_mode TEXT NOT NULL,
			trigger_kind TEXT NOT NULL,
			outcome TEXT NOT NULL,
			phase TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			finished_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_finished ON transitions(finished_at);
		CREATE INDEX IF NOT EXISTS idx_transitions_outcome ON transitions(outcome);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create transitions table: %w", err)
	}

	if retentionDays <= 0 {
		retentionDays = 30
	}

	return &Store{db: db, retentionDays: retentionDays}, nil
}

// Record persists one finished transition. Satisfies
// engine.TransitionRecorder.
func (s *Store) Record(ctx context.Context, rec engine.TransitionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (request_id, from_mode, to_mode, trigger_kind, outcome, phase, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.RequestID, rec.From, rec.To, rec.Trigger, rec.Outcome, rec.Phase, rec.Error, rec.StartedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Recent returns the newest transitions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, from_mode, to_mode, trigger_kind, outcome, phase, error, started_at, finished_at
		FROM transitions ORDER BY finished_at DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var phase, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.RequestID, &e.FromMode, &e.ToMode, &e.Trigger,
			&e.Outcome, &phase, &errMsg, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		e.Phase = phase.String
		e.Error = errMsg.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune removes records older than the retention period.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := clock.Now().AddDate(0, 0, -s.retentionDays)
	result, err := s.db.ExecContext(ctx, "DELETE FROM transitions WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return result.RowsAffected()
}

// Count returns the total number of recorded transitions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transitions").Scan(&count)
	return count, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
