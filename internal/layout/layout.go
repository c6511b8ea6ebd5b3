// Package layout defines the on-disk data layout the orchestrator owns.
// Every path under DATA_DIR is derived here so the naming conventions
// (job directories, staging names, output names) live in one place.
package layout

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/comicwatch/internal/fsio"
)

// Layout holds the data root and derives all managed paths from it.
type Layout struct {
	DataDir string
}

// New returns a Layout rooted at dataDir.
func New(dataDir string) Layout {
	return Layout{DataDir: dataDir}
}

// InDir returns the watch folder external writers deposit archives into.
func (l Layout) InDir() string { return filepath.Join(l.DataDir, "in") }

// OutDir returns the directory published PDFs land in.
func (l Layout) OutDir() string { return filepath.Join(l.DataDir, "out") }

// WorkDir returns the parent of all per-job work directories.
func (l Layout) WorkDir() string { return filepath.Join(l.DataDir, "work") }

// StagingDir returns the pre-hash staging directory. Its contents are owned
// by the discovery step only and never referenced by the index.
func (l Layout) StagingDir() string { return filepath.Join(l.WorkDir(), "_staging") }

// ErrorDir returns the directory rejected or failed inputs are moved to.
func (l Layout) ErrorDir() string { return filepath.Join(l.DataDir, "error") }

// ArchiveDir returns the directory successful inputs are moved to.
func (l Layout) ArchiveDir() string { return filepath.Join(l.DataDir, "archive") }

// HoldDupDir returns the parent of per-job duplicate quarantine directories.
func (l Layout) HoldDupDir() string { return filepath.Join(l.DataDir, "hold", "duplicates") }

// DupReportsDir returns the directory duplicate reports are written to.
func (l Layout) DupReportsDir() string { return filepath.Join(l.DataDir, "reports", "duplicates") }

// IndexDir returns the directory holding the job index and metrics.
func (l Layout) IndexDir() string { return filepath.Join(l.DataDir, "index") }

// IndexPath returns the path of the global job index.
func (l Layout) IndexPath() string { return filepath.Join(l.IndexDir(), "jobs.json") }

// MetricsPath returns the path of the persisted metrics snapshot.
func (l Layout) MetricsPath() string { return filepath.Join(l.IndexDir(), "metrics.json") }

// HistoryPath returns the path of the job event ledger database.
func (l Layout) HistoryPath() string { return filepath.Join(l.IndexDir(), "history.db") }

// PIDPath returns the path of the orchestrator PID lock file.
func (l Layout) PIDPath() string { return filepath.Join(l.DataDir, "comicwatch.pid") }

// JobDir returns the work directory of a job.
func (l Layout) JobDir(jobKey string) string { return filepath.Join(l.WorkDir(), jobKey) }

// StatePath returns the path of a job's state document.
func (l Layout) StatePath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "state.json")
}

// RawPDFPath returns the conventional location of a job's intermediate PDF.
func (l Layout) RawPDFPath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "raw.pdf")
}

// FinalPDFPath returns the conventional location of a job's OCR output
// before it is published.
func (l Layout) FinalPDFPath(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "final.pdf")
}

// PrepHeartbeat returns the path of the PREP worker's heartbeat file.
func (l Layout) PrepHeartbeat(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "prep.heartbeat")
}

// OcrHeartbeat returns the path of the OCR worker's heartbeat file.
func (l Layout) OcrHeartbeat(jobKey string) string {
	return filepath.Join(l.JobDir(jobKey), "ocr.heartbeat")
}

// HoldDir returns the quarantine directory of a duplicate jobKey.
func (l Layout) HoldDir(jobKey string) string {
	return filepath.Join(l.HoldDupDir(), jobKey)
}

// ReportPath returns the path of a duplicate report.
func (l Layout) ReportPath(jobKey string) string {
	return filepath.Join(l.DupReportsDir(), jobKey+".json")
}

// OutputPathFor returns the published PDF path for an input name:
// out/<base>__job-<jobKey>.pdf.
func (l Layout) OutputPathFor(inputName, jobKey string) string {
	return filepath.Join(l.OutDir(), BaseName(inputName)+"__job-"+jobKey+".pdf")
}

// EnsureLayout creates every managed directory. Idempotent; called at
// startup and at the top of the run loop.
func (l Layout) EnsureLayout() error {
	dirs := []string{
		l.InDir(),
		l.OutDir(),
		l.WorkDir(),
		l.ErrorDir(),
		l.ArchiveDir(),
		l.HoldDupDir(),
		l.DupReportsDir(),
		l.IndexDir(),
	}
	for _, dir := range dirs {
		if err := fsio.EnsureDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// BaseName returns a file name stripped of its directory and extension.
func BaseName(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Stamp renders t as the compact UTC timestamp used in staging and
// quarantine file names.
func Stamp(t time.Time) string {
	return t.UTC().Format("20060102-150405")
}
