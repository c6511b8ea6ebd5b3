// Package dup quarantines duplicate submissions and applies the decision
// files a human (or the desktop app) drops next to them. A duplicate is
// never processed and never deleted without an explicit decision.
package dup

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/profile"
	"github.com/ppiankov/comicwatch/internal/store"
)

// Decision actions accepted in decision.json.
const (
	ActionUseExisting    = "USE_EXISTING_RESULT"
	ActionDiscard        = "DISCARD"
	ActionForceReprocess = "FORCE_REPROCESS"
)

// Incoming describes the held file inside a duplicate report.
type Incoming struct {
	FileName  string `json:"fileName"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"sizeBytes"`
}

// Report is written to reports/duplicates/<jobKey>.json when a duplicate is
// detected.
type Report struct {
	JobKey     string            `json:"jobKey"`
	DetectedAt string            `json:"detectedAt"`
	Incoming   Incoming          `json:"incoming"`
	Existing   *store.IndexEntry `json:"existing"`
	Profile    profile.Profile   `json:"profile"`
	Actions    []string          `json:"actions"`
}

// Manager owns the quarantine area under hold/duplicates.
type Manager struct {
	layout   layout.Layout
	log      *logrus.Entry
	now      func() time.Time
	newNonce func() string
}

// NewManager returns a manager over the given layout.
func NewManager(lay layout.Layout, log *logrus.Entry) *Manager {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{layout: lay, log: log, now: time.Now, newNonce: defaultNonce}
}

// defaultNonce feeds force-reprocess renames when the decision file does not
// carry one.
func defaultNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Quarantine moves the incoming file into hold/duplicates/<jobKey>/ under a
// timestamped name, then writes the report and the DUPLICATE_PENDING status
// document.
func (m *Manager) Quarantine(jobKey, incomingPath string, existing *store.IndexEntry, prof profile.Profile) error {
	holdDir := m.layout.HoldDir(jobKey)
	if err := fsio.EnsureDir(holdDir); err != nil {
		return err
	}
	if err := fsio.EnsureDir(m.layout.DupReportsDir()); err != nil {
		return err
	}

	holdName := layout.Stamp(m.now()) + "__" + filepath.Base(incomingPath)
	holdPath := filepath.Join(holdDir, holdName)
	if err := fsio.MoveAtomic(incomingPath, holdPath); err != nil {
		return fmt.Errorf("hold duplicate %s: %w", jobKey, err)
	}

	var size int64
	if info, err := os.Stat(holdPath); err == nil {
		size = info.Size()
	}
	report := Report{
		JobKey:     jobKey,
		DetectedAt: store.NowISO(),
		Incoming:   Incoming{FileName: holdName, Path: holdPath, SizeBytes: size},
		Existing:   existing,
		Profile:    prof,
		Actions:    []string{ActionUseExisting, ActionDiscard, ActionForceReprocess},
	}
	if err := fsio.AtomicWriteJSON(m.layout.ReportPath(jobKey), report); err != nil {
		return err
	}
	return fsio.AtomicWriteJSON(filepath.Join(holdDir, "status.json"), map[string]any{
		"jobKey":    jobKey,
		"state":     store.StateDuplicatePending,
		"updatedAt": store.NowISO(),
	})
}

// ApplyDecisions scans hold/duplicates/*/decision.json and applies each one.
// It returns the number of decisions applied. The index is read-only here:
// USE_EXISTING_RESULT needs the existing entry's outPdf.
func (m *Manager) ApplyDecisions(idx *store.Index) int {
	entries, err := os.ReadDir(m.layout.HoldDupDir())
	if err != nil {
		return 0
	}

	applied := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		jobKey := entry.Name()
		holdDir := m.layout.HoldDir(jobKey)
		decisionPath := filepath.Join(holdDir, "decision.json")
		if _, err := os.Stat(decisionPath); err != nil {
			continue
		}
		decision, ok, reason := fsio.SafeLoadJSON(decisionPath)
		if !ok {
			// Leave the file for the operator to fix rather than guessing.
			m.log.WithField("jobKey", jobKey).Warnf("unreadable decision.json: %s", reason)
			continue
		}
		action, _ := decision["action"].(string)
		m.apply(jobKey, action, decision, idx)
		m.cleanup(jobKey, holdDir)
		applied++
	}
	return applied
}

func (m *Manager) apply(jobKey, action string, decision map[string]any, idx *store.Index) {
	holdDir := m.layout.HoldDir(jobKey)
	heldPath := firstHeldArchive(holdDir)
	existing := idx.Jobs[jobKey]
	log := m.log.WithFields(logrus.Fields{"jobKey": jobKey, "action": action})

	switch action {
	case ActionUseExisting:
		if existing != nil && existing.OutPdf != nil && *existing.OutPdf != "" {
			heldName := "duplicate.cbz"
			if heldPath != "" {
				heldName = filepath.Base(heldPath)
			}
			outPdf := m.layout.OutputPathFor(heldName, jobKey)
			if err := fsio.EnsureDir(m.layout.OutDir()); err == nil {
				if _, err := os.Stat(outPdf); errors.Is(err, fs.ErrNotExist) {
					if err := fsio.CopyFile(*existing.OutPdf, outPdf); err != nil {
						log.WithError(err).Warn("copy existing result failed")
					}
				}
			}
		}
		if heldPath != "" {
			dst := filepath.Join(m.layout.ArchiveDir(), filepath.Base(heldPath))
			if err := fsio.MoveAtomic(heldPath, dst); err != nil {
				log.WithError(err).Warn("archive held input failed")
			}
		}
	case ActionDiscard:
		if heldPath != "" {
			if err := os.Remove(heldPath); err != nil {
				log.WithError(err).Warn("discard held input failed")
			}
		}
	case ActionForceReprocess:
		nonce, _ := decision["nonce"].(string)
		if nonce == "" {
			nonce = m.newNonce()
		}
		if len(nonce) > 8 {
			nonce = nonce[:8]
		}
		if heldPath != "" {
			newName := layout.BaseName(heldPath) + "__force-" + nonce + filepath.Ext(heldPath)
			if err := fsio.MoveAtomic(heldPath, filepath.Join(m.layout.InDir(), newName)); err != nil {
				log.WithError(err).Warn("requeue held input failed")
			}
		}
	default:
		log.Warn("unknown duplicate action")
		return
	}
	log.Info("duplicate decision applied")
}

// cleanup removes the decision, report, and status files and drops the hold
// directory once it is empty.
func (m *Manager) cleanup(jobKey, holdDir string) {
	for _, p := range []string{
		filepath.Join(holdDir, "decision.json"),
		m.layout.ReportPath(jobKey),
		filepath.Join(holdDir, "status.json"),
	} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.WithError(err).Warn("duplicate cleanup failed")
		}
	}
	if rest, err := os.ReadDir(holdDir); err == nil && len(rest) == 0 {
		_ = os.Remove(holdDir)
	}
}

// firstHeldArchive returns the lexicographically first held .cbz/.cbr in
// dir, or "" when none is left.
func firstHeldArchive(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if strings.HasSuffix(name, ".cbz") || strings.HasSuffix(name, ".cbr") {
			return filepath.Join(dir, e.Name())
		}
	}
	return ""
}
