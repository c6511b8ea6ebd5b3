// Package pidfile prevents two orchestrators from fighting over the same
// data directory.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Acquire writes the current PID to path after checking for a live owner.
// A stale file (dead process, unparseable content) is removed and replaced.
func Acquire(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil {
			// Signal 0 probes for existence without touching the process.
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another orchestrator is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// Release removes the PID file. Safe to call when Acquire failed.
func Release(path string) {
	_ = os.Remove(path)
}
