package cli

import (
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/client"
	"github.com/ppiankov/comicwatch/internal/config"
)

var statusAddr string

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "Daemon address (host:port); default derived from config")
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and lifetime pipeline counters",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr, err := resolveAddr(statusAddr)
	if err != nil {
		return err
	}

	c := client.New(addr)
	if !c.Healthy() {
		return fmt.Errorf("no healthy daemon at %s", addr)
	}
	met, err := c.Metrics()
	if err != nil {
		return err
	}

	fmt.Printf("comicwatch at %s: healthy\n\n", addr)

	keys := make([]string, 0, len(met))
	for k := range met {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		// counters arrive as float64 over JSON
		if f, ok := met[k].(float64); ok {
			fmt.Printf("  %-26s %s\n", k+":", humanize.Comma(int64(f)))
		} else {
			fmt.Printf("  %-26s %v\n", k+":", met[k])
		}
	}
	return nil
}

// resolveAddr turns the --addr flag, or the configured bind, into a
// dialable host:port.
func resolveAddr(flagAddr string) (string, error) {
	if flagAddr != "" {
		return flagAddr, nil
	}
	set, err := config.Load(cfgPath)
	if err != nil {
		return "", fmt.Errorf("load config: %w", err)
	}
	host := set.HTTPBind
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, set.HTTPPort), nil
}
