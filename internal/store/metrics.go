package store

import (
	"path/filepath"
	"sync"

	"github.com/ppiankov/comicwatch/internal/fsio"
)

// metricKeys is the whitelist of counters; Update drops anything else so a
// typo at a call site cannot grow the persisted document.
var metricKeys = []string{
	"done", "error", "running", "queued",
	"disk_error", "pdf_invalid",
	"input_rejected_size", "input_rejected_signature",
}

// Metrics is the counter set persisted to index/metrics.json and served on
// GET /metrics. Safe for concurrent use.
type Metrics struct {
	mu        sync.Mutex
	counts    map[string]int64
	updatedAt string
}

// NewMetrics returns a metrics set with every whitelisted counter at zero.
func NewMetrics() *Metrics {
	m := &Metrics{
		counts:    make(map[string]int64, len(metricKeys)),
		updatedAt: NowISO(),
	}
	for _, k := range metricKeys {
		m.counts[k] = 0
	}
	return m
}

// Update bumps the named counter and stamps updatedAt. Unknown names only
// stamp.
func (m *Metrics) Update(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatedAt = NowISO()
	if _, ok := m.counts[event]; ok {
		m.counts[event]++
	}
}

// Get returns the current value of one counter, 0 for unknown names.
func (m *Metrics) Get(event string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[event]
}

// Snapshot copies the counters plus the updatedAt stamp of the last update,
// the document shape served over HTTP.
func (m *Metrics) Snapshot() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docLocked()
}

// Write persists the document to <indexDir>/metrics.json.
func (m *Metrics) Write(indexDir string) error {
	if err := fsio.EnsureDir(indexDir); err != nil {
		return err
	}
	m.mu.Lock()
	doc := m.docLocked()
	m.mu.Unlock()
	return fsio.AtomicWriteJSON(filepath.Join(indexDir, "metrics.json"), doc)
}

func (m *Metrics) docLocked() map[string]any {
	doc := make(map[string]any, len(m.counts)+1)
	for k, v := range m.counts {
		doc[k] = v
	}
	doc["updatedAt"] = m.updatedAt
	return doc
}
