package scheduler

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// janitorInterval sets how often old work dirs are swept. The first loop
// pass always sweeps because the last-run marker starts at the zero time.
const janitorInterval = 10 * time.Minute

// CleanupOldWorkDirs removes per-job work directories whose modification
// time is more than keepDays old. Directories of running jobs and names
// starting with "_" (the staging area) are always kept. An absent workDir
// is not an error. Returns the number of directories removed.
func CleanupOldWorkDirs(workDir string, keepDays int, running map[string]bool, now time.Time) int {
	entries, err := os.ReadDir(workDir)
	if err != nil {
		return 0
	}
	maxAge := time.Duration(keepDays) * 24 * time.Hour
	deleted := 0
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), "_") || running[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.RemoveAll(filepath.Join(workDir, e.Name())); err == nil {
				deleted++
			}
		}
	}
	return deleted
}

func (s *Scheduler) runJanitor() {
	if s.keepWorkDirDays <= 0 {
		return
	}
	running := map[string]bool{}
	s.mu.Lock()
	for k := range s.inFlight {
		running[k] = true
	}
	s.mu.Unlock()
	if n := CleanupOldWorkDirs(s.layout.WorkDir(), s.keepWorkDirDays, running, s.now()); n > 0 {
		s.log.Infof("janitor removed %d work dir(s)", n)
	}
}
