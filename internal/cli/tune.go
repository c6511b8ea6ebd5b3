package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/client"
)

var tuneAddr string

func init() {
	tuneCmd.Flags().StringVar(&tuneAddr, "addr", "", "Daemon address (host:port); default derived from config")
	rootCmd.AddCommand(tuneCmd)
}

var tuneCmd = &cobra.Command{
	Use:   "tune key=value [key=value ...]",
	Short: "Adjust runtime tunables on a running daemon",
	Long: `Applies prep_concurrency, ocr_concurrency, job_timeout_s, or
default_ocr_lang to the running daemon without a restart. Everything
else is boot-only configuration and needs a restart to change.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTune,
}

func runTune(cmd *cobra.Command, args []string) error {
	patch := map[string]any{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" || v == "" {
			return fmt.Errorf("argument %q is not key=value", arg)
		}
		if n, err := strconv.Atoi(v); err == nil {
			patch[k] = n
		} else {
			patch[k] = v
		}
	}

	addr, err := resolveAddr(tuneAddr)
	if err != nil {
		return err
	}
	applied, err := client.New(addr).SetConfig(patch)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return fmt.Errorf("no recognized tunables in %s", strings.Join(args, " "))
	}

	out, _ := json.MarshalIndent(map[string]any{"applied": applied}, "", "  ")
	fmt.Println(string(out))
	return nil
}
