// Package store persists the orchestrator's job state documents, the global
// job index, and the metrics counters. Every write goes through the atomic
// temp-file-plus-rename path in fsio so a crash never leaves a half-written
// document behind.
package store

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/layout"
)

// Recorder receives job state transitions for an event ledger. Implementations
// swallow their own failures; a broken ledger must never block a state write.
type Recorder interface {
	RecordTransition(jobKey, state, message string)
}

// Store reads and writes per-job state documents and the global index.
type Store struct {
	layout layout.Layout
	rec    Recorder
}

// New returns a store over the given layout. rec may be nil.
func New(lay layout.Layout, rec Recorder) *Store {
	return &Store{layout: lay, rec: rec}
}

// NowISO renders the current UTC time at second resolution, the timestamp
// shape used by every persisted document.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// UpdateState merges patch into work/<jobKey>/state.json, stamps updatedAt,
// and rewrites the document atomically. An absent or corrupt document is
// restarted from {"jobKey": jobKey}: losing history beats losing the job.
func (s *Store) UpdateState(jobKey string, patch map[string]any) error {
	path := s.layout.StatePath(jobKey)
	if err := fsio.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	doc, ok, _ := fsio.SafeLoadJSON(path)
	if !ok || doc == nil {
		doc = map[string]any{"jobKey": jobKey}
	}
	for k, v := range patch {
		doc[k] = v
	}
	doc["updatedAt"] = NowISO()
	if err := fsio.AtomicWriteJSON(path, doc); err != nil {
		return fmt.Errorf("persist state for %s: %w", jobKey, err)
	}
	if s.rec != nil {
		if state, _ := patch["state"].(string); state != "" {
			message, _ := patch["message"].(string)
			s.rec.RecordTransition(jobKey, state, message)
		}
	}
	return nil
}

// ReadState loads work/<jobKey>/state.json. ok is false when the document is
// absent or unreadable; reason classifies the miss.
func (s *Store) ReadState(jobKey string) (data map[string]any, ok bool, reason string) {
	return fsio.SafeLoadJSON(s.layout.StatePath(jobKey))
}
