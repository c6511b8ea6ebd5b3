package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/comicwatch/internal/client"
)

var (
	jobsAddr   string
	jobsEvents bool
)

func init() {
	jobsCmd.Flags().StringVar(&jobsAddr, "addr", "", "Daemon address (host:port); default derived from config")
	jobsCmd.Flags().BoolVar(&jobsEvents, "events", false, "Show the job's transition history instead of its state")
	rootCmd.AddCommand(jobsCmd)
}

var jobsCmd = &cobra.Command{
	Use:   "jobs [jobKey]",
	Short: "List tracked jobs or inspect one",
	Long: `Without arguments, lists every job the daemon tracks. With a job key
(or an unambiguous prefix of one, as printed by the list), shows that
job's state document, or its transition history with --events.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

func runJobs(cmd *cobra.Command, args []string) error {
	addr, err := resolveAddr(jobsAddr)
	if err != nil {
		return err
	}
	c := client.New(addr)

	if len(args) == 0 {
		rows, err := c.Jobs()
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no jobs tracked")
			return nil
		}
		fmt.Printf("%-22s %-16s %3s  %-28s %s\n", "KEY", "STAGE", "ATT", "INPUT", "OUTPUT")
		for _, row := range rows {
			out := "-"
			if row.OutPdf != nil {
				out = *row.OutPdf
			}
			fmt.Printf("%-22s %-16s %3d  %-28s %s\n",
				shortKey(row.JobKey), row.Stage, row.Attempt, row.InputName, out)
		}
		return nil
	}

	key, err := resolveJobKey(c, args[0])
	if err != nil {
		return err
	}

	if jobsEvents {
		events, err := c.Events(key)
		if err != nil {
			return err
		}
		for _, e := range events {
			line := fmt.Sprintf("%s  %s", e.CreatedAt, e.State)
			if e.Message != "" {
				line += "  " + e.Message
			}
			fmt.Println(line)
		}
		return nil
	}

	doc, err := c.Job(key)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(doc, "", "  ")
	fmt.Println(string(out))
	return nil
}

// shortKey abbreviates a job key for the list; the prefix stays usable as
// an argument to jobs <key>.
func shortKey(jobKey string) string {
	if len(jobKey) <= 20 {
		return jobKey
	}
	return jobKey[:20]
}

// resolveJobKey expands a key prefix, as printed by the list, to the full
// job key.
func resolveJobKey(c *client.Client, arg string) (string, error) {
	rows, err := c.Jobs()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, r := range rows {
		if r.JobKey == arg {
			return arg, nil
		}
		if strings.HasPrefix(r.JobKey, arg) {
			matches = append(matches, r.JobKey)
		}
	}
	switch len(matches) {
	case 0:
		return arg, nil // let the daemon answer
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%q matches %d jobs, give more characters", arg, len(matches))
	}
}
