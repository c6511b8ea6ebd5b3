package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "comicwatch",
	Short: "Watch-folder pipeline that turns comic archives into searchable PDFs",
	Long:  "Watches an inbox for comic archives (.cbz/.cbr), drives each one through external prep and OCR workers, and publishes searchable PDFs. Job identity is content-addressed: the same file with the same tool versions is never converted twice.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config file (default: $COMICWATCH_CONFIG)")
}
