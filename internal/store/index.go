package store

import (
	"fmt"

	"github.com/ppiankov/comicwatch/internal/fsio"
)

// IndexEntry is the per-job summary kept in index/jobs.json.
type IndexEntry struct {
	JobKey    string  `json:"jobKey"`
	State     string  `json:"state"`
	InputName string  `json:"inputName"`
	OutPdf    *string `json:"outPdf"`
	UpdatedAt string  `json:"updatedAt"`
}

// Index is the registry of every job ever admitted. It is the source of
// truth for duplicate detection and crash recovery.
type Index struct {
	Jobs map[string]*IndexEntry `json:"jobs"`
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{Jobs: map[string]*IndexEntry{}}
}

// LoadIndex reads index/jobs.json. An absent file yields an empty index and
// no error. A corrupt file also yields an empty index, plus an error the
// caller can log before carrying on; the orchestrator must start either way.
func (s *Store) LoadIndex() (*Index, error) {
	idx := NewIndex()
	found, err := fsio.ReadJSON(s.layout.IndexPath(), idx)
	if err != nil {
		return NewIndex(), fmt.Errorf("index unreadable, starting empty: %w", err)
	}
	if !found || idx.Jobs == nil {
		idx.Jobs = map[string]*IndexEntry{}
	}
	return idx, nil
}

// SaveIndex rewrites index/jobs.json atomically.
func (s *Store) SaveIndex(idx *Index) error {
	if err := fsio.EnsureDir(s.layout.IndexDir()); err != nil {
		return err
	}
	return fsio.AtomicWriteJSON(s.layout.IndexPath(), idx)
}
