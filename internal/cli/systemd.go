package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/config"
	"github.com/ppiankov/comicwatch/internal/systemd"
)

var systemdDataDir string

func init() {
	systemdCmd.Flags().StringVar(&systemdDataDir, "data-dir", "", "Data directory the unit grants write access to")
	rootCmd.AddCommand(systemdCmd)
}

var systemdCmd = &cobra.Command{
	Use:   "systemd",
	Short: "Print a systemd unit file for the pipeline daemon",
	Long: `Prints a comicwatch.service unit that runs 'comicwatch serve' under
systemd. Pipe it where you want it:

  comicwatch systemd | sudo tee /etc/systemd/system/comicwatch.service
  sudo systemctl daemon-reload && sudo systemctl enable --now comicwatch

'comicwatch init --install-systemd' writes and registers the same unit
in one step.`,
	RunE: runSystemd,
}

func runSystemd(cmd *cobra.Command, args []string) error {
	// The unit's Environment line needs a concrete config path even when the
	// caller relies on defaults; the system-mode location is the one a daemon
	// would use.
	configPath := cfgPath
	if configPath == "" {
		configPath = os.Getenv("COMICWATCH_CONFIG")
	}
	if configPath == "" {
		configPath = "/etc/comicwatch/config.yaml"
	}

	set, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	dataDir := set.DataDir
	if systemdDataDir != "" {
		dataDir = systemdDataDir
	}

	fmt.Print(systemd.ServiceTemplate(configPath, dataDir))
	return nil
}
