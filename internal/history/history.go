// Package history keeps an append-only ledger of job state transitions in a
// SQLite database under index/. The ledger is best-effort: a broken database
// must never stall the pipeline, so the transition hook logs failures and
// drops them.
package history

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ppiankov/comicwatch/internal/fsio"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_key    TEXT NOT NULL,
		state      TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_job_key ON events(job_key)`,
}

// Event is one recorded transition.
type Event struct {
	ID        int64  `json:"id"`
	JobKey    string `json:"jobKey"`
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Ledger is the transition log. Safe for concurrent use; the pool is capped
// at one connection so concurrent writers never hit SQLITE_BUSY.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := fsio.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init history schema: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

// Close releases the database handle.
func (l *Ledger) Close() error { return l.db.Close() }

// Record appends one transition.
func (l *Ledger) Record(jobKey, state, message string) error {
	_, err := l.db.Exec(
		`INSERT INTO events (job_key, state, message, created_at) VALUES (?, ?, ?, ?)`,
		jobKey, state, message, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record event for %s: %w", jobKey, err)
	}
	return nil
}

// RecordTransition is the hook the state store calls on every transition.
// Failures are logged and dropped.
func (l *Ledger) RecordTransition(jobKey, state, message string) {
	if err := l.Record(jobKey, state, message); err != nil {
		logrus.WithError(err).WithField("jobKey", jobKey).Warn("history: record failed")
	}
}

// Events returns all transitions for jobKey, oldest first. The slice is
// non-nil even when empty so handlers encode it as a JSON array.
func (l *Ledger) Events(jobKey string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, job_key, state, message, created_at FROM events WHERE job_key = ? ORDER BY id`,
		jobKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query events for %s: %w", jobKey, err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.JobKey, &e.State, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
