package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/layout"
	"github.com/ppiankov/comicwatch/internal/systemd"
)

var (
	initMode           string
	initDataDir        string
	initInstallSystemd bool
	initForce          bool
)

func init() {
	initCmd.Flags().StringVar(&initMode, "mode", "user", "Config location: user (~/.comicwatch) or system (/etc/comicwatch)")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "", "Pipeline data directory to seed in the config")
	initCmd.Flags().BoolVar(&initInstallSystemd, "install-systemd", false, "Install the comicwatch.service unit (requires root)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing config files")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap comicwatch configuration and optional systemd integration",
	Long: `Creates the config directory, a starter config.yaml, and the pipeline
folder layout under the data directory.

User mode (default):  writes to ~/.comicwatch/
System mode:          writes to /etc/comicwatch/ (requires root)

With --install-systemd: installs comicwatch.service so the pipeline
runs as a daemon via:
  systemctl enable --now comicwatch`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, err := initConfigDir()
	if err != nil {
		return err
	}

	var created []string

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Seed the starter settings.
	set := config.Default()
	switch {
	case initDataDir != "":
		set.DataDir = initDataDir
	case initMode == "user" || initMode == "":
		set.DataDir = filepath.Join(configDir, "data")
	}

	// Write config.yaml.
	configPath := filepath.Join(configDir, "config.yaml")
	content, err := defaultConfigYAML(set)
	if err != nil {
		return fmt.Errorf("generate default config: %w", err)
	}
	if wrote, err := writeIfMissing(configPath, content); err != nil {
		return err
	} else if wrote {
		created = append(created, configPath)
	}

	// Create the pipeline folders.
	lay := layout.New(set.DataDir)
	if err := lay.EnsureLayout(); err != nil {
		return fmt.Errorf("create pipeline folders: %w", err)
	}

	// Install the systemd unit if requested.
	if initInstallSystemd {
		if runtime.GOOS != "linux" {
			return fmt.Errorf("--install-systemd is only supported on Linux")
		}
		if os.Geteuid() != 0 {
			return fmt.Errorf("--install-systemd requires root; run with sudo")
		}

		unitPath := systemd.UnitFilePaths[0]
		content := systemd.ServiceTemplate(configPath, set.DataDir)
		if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write systemd unit: %w", err)
		}
		created = append(created, unitPath)

		if err := systemd.RecordUnitFileHash(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: could not record unit file hash: %v\n", err)
		}

		// Reload systemd.
		if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: systemctl daemon-reload failed: %v\n", err)
		}
	}

	// Print summary.
	fmt.Println("comicwatch init complete.")
	fmt.Println()
	if len(created) > 0 {
		fmt.Println("Created:")
		for _, path := range created {
			fmt.Printf("  %s\n", path)
		}
		fmt.Println()
	} else {
		fmt.Println("All files already exist (use --force to overwrite).")
		fmt.Println()
	}

	fmt.Println("Verify:")
	fmt.Println("  comicwatch doctor")
	fmt.Println()
	fmt.Println("Start the pipeline:")
	fmt.Printf("  comicwatch serve --config %s\n", configPath)

	if initInstallSystemd {
		fmt.Println()
		fmt.Println("Or enable the daemon:")
		fmt.Println("  sudo systemctl enable --now comicwatch")
	}

	return nil
}

// initConfigDir returns the configuration directory based on mode.
func initConfigDir() (string, error) {
	switch initMode {
	case "system":
		return "/etc/comicwatch", nil
	case "user", "":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		return filepath.Join(home, ".comicwatch"), nil
	default:
		return "", fmt.Errorf("unknown mode %q: use 'user' or 'system'", initMode)
	}
}

// writeIfMissing writes content to path if it doesn't exist or --force is set.
// Returns true if the file was written.
func writeIfMissing(path, content string) (bool, error) {
	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// defaultConfigYAML generates a commented starter config.yaml.
func defaultConfigYAML(set config.Settings) (string, error) {
	data, err := yaml.Marshal(set)
	if err != nil {
		return "", err
	}
	header := "# Comicwatch orchestrator configuration.\n" +
		"# Every key has a built-in default; environment variables override this file.\n" +
		"#\n" +
		"# prep_concurrency, ocr_concurrency, job_timeout_seconds and ocr_lang are\n" +
		"# re-applied while the pipeline runs; everything else needs a restart.\n" +
		"# See: comicwatch serve --help\n\n"
	return header + string(data), nil
}
