package cli

import (
	"fmt"
	"os"
	"runtime"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/fsio"
	"github.com/ppiankov/comicwatch/internal/history"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/store"
	"github.com/ppiankov/comicwatch/internal/systemd"
	"github.com/ppiankov/comicwatch/internal/worker"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check pipeline readiness and diagnose configuration issues",
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []checkResult

	// 1. Binary location and version.
	execPath, _ := os.Executable()
	if execPath != "" {
		checks = append(checks, checkResult{
			label:  "comicwatch binary",
			ok:     true,
			detail: fmt.Sprintf("%s (v%s)", execPath, version),
		})
	} else {
		checks = append(checks, checkResult{
			label:  "comicwatch binary",
			ok:     false,
			detail: "cannot determine executable path",
		})
	}

	// 2. Configuration.
	set, cfgErr := config.Load(cfgPath)
	if cfgErr != nil {
		checks = append(checks, checkResult{
			label:  "configuration",
			ok:     false,
			detail: cfgErr.Error(),
			fix:    "fix the YAML syntax or unset COMICWATCH_CONFIG",
		})
		set = config.Default()
	} else {
		source := cfgPath
		if source == "" {
			source = os.Getenv("COMICWATCH_CONFIG")
		}
		if source == "" {
			source = "built-in defaults"
		}
		checks = append(checks, checkResult{
			label:  "configuration",
			ok:     true,
			detail: source,
		})
	}

	lay := layout.New(set.DataDir)

	// 3. Data directory must be writable.
	if probe, err := os.CreateTemp(set.DataDir, ".doctor-*"); err == nil {
		probe.Close()
		os.Remove(probe.Name())
		checks = append(checks, checkResult{
			label:  "data directory",
			ok:     true,
			detail: set.DataDir,
		})
	} else {
		checks = append(checks, checkResult{
			label:  "data directory",
			ok:     false,
			detail: fmt.Sprintf("not writable: %s", set.DataDir),
			fix:    "create it or fix permissions",
		})
	}

	// 4. Pipeline folders.
	folders := []string{
		lay.InDir(), lay.OutDir(), lay.WorkDir(), lay.ErrorDir(),
		lay.ArchiveDir(), lay.HoldDupDir(), lay.IndexDir(),
	}
	present := 0
	for _, d := range folders {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			present++
		}
	}
	if present == len(folders) {
		checks = append(checks, checkResult{
			label:  "pipeline folders",
			ok:     true,
			detail: "all present",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "pipeline folders",
			ok:     false,
			detail: fmt.Sprintf("%d of %d present", present, len(folders)),
			fix:    "run comicwatch serve once to create them",
		})
	}

	// 5. Free disk on the data volume.
	var st syscall.Statfs_t
	if err := syscall.Statfs(set.DataDir, &st); err == nil {
		free := st.Bavail * uint64(st.Bsize)
		if free >= 1<<30 {
			checks = append(checks, checkResult{
				label:  "free disk",
				ok:     true,
				detail: humanize.IBytes(free),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "free disk",
				ok:     false,
				detail: fmt.Sprintf("only %s available", humanize.IBytes(free)),
				fix:    "free up space on the data volume",
			})
		}
	} else {
		checks = append(checks, checkResult{
			label:  "free disk",
			ok:     false,
			detail: "cannot probe the data volume",
		})
	}

	// 6. Prep worker.
	checks = append(checks, checkWorker("prep worker", set.PrepURL, lay.WorkDir()))

	// 7. OCR worker.
	checks = append(checks, checkWorker("ocr worker", set.OcrURL, lay.WorkDir()))

	// 8. Job index.
	if _, err := os.Stat(lay.IndexPath()); err != nil {
		checks = append(checks, checkResult{
			label:  "job index",
			ok:     true,
			detail: "empty (no jobs yet)",
		})
	} else {
		idx := store.NewIndex()
		if _, err := fsio.ReadJSON(lay.IndexPath(), idx); err == nil {
			checks = append(checks, checkResult{
				label:  "job index",
				ok:     true,
				detail: fmt.Sprintf("%d jobs tracked", len(idx.Jobs)),
			})
		} else {
			checks = append(checks, checkResult{
				label:  "job index",
				ok:     false,
				detail: "unreadable",
				fix:    fmt.Sprintf("inspect %s", lay.IndexPath()),
			})
		}
	}

	// 9. Job history.
	if ledger, err := history.Open(lay.HistoryPath()); err == nil {
		ledger.Close()
		checks = append(checks, checkResult{
			label:  "job history",
			ok:     true,
			detail: "sqlite ok",
		})
	} else {
		checks = append(checks, checkResult{
			label:  "job history",
			ok:     false,
			detail: "cannot open, serve will run without it",
			fix:    fmt.Sprintf("move aside %s to recreate", lay.HistoryPath()),
		})
	}

	// 10. systemd unit (Linux only).
	if runtime.GOOS == "linux" {
		unitPath := systemd.UnitFilePaths[0]
		if _, err := os.Stat(unitPath); err != nil {
			checks = append(checks, checkResult{
				label:  "systemd unit",
				ok:     false,
				detail: "not installed",
				fix:    "sudo comicwatch init --install-systemd",
			})
		} else if warn := systemd.CheckUnitFileIntegrity(); warn != "" {
			checks = append(checks, checkResult{
				label:  "systemd unit",
				ok:     false,
				detail: warn,
				fix:    "sudo comicwatch init --install-systemd",
			})
		} else {
			checks = append(checks, checkResult{
				label:  "systemd unit",
				ok:     true,
				detail: "installed",
			})
		}
	}

	// Print results.
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Println(line)
	}

	if hasFailures {
		fmt.Println()
		fmt.Println("Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Println()
	fmt.Println("All checks passed.")
	return nil
}

func checkWorker(label, baseURL, workDir string) checkResult {
	info, err := worker.NewClient(baseURL, workDir).Info()
	if err != nil {
		return checkResult{
			label:  label,
			ok:     false,
			detail: fmt.Sprintf("unreachable at %s", baseURL),
			fix:    "start the worker or fix its URL in the config",
		}
	}
	return checkResult{
		label:  label,
		ok:     true,
		detail: fmt.Sprintf("%s at %s", info.Service, baseURL),
	}
}
