package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/foldwatch/pkg/jobregistry"
	"github.com/3leaps/foldwatch/pkg/jobview"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Show job counts and the most recent jobs",
	Args:  cobra.NoArgs,
	RunE:  runDashboard,
}

func init() {
	rootCmd.AddCommand(dashboardCmd)
	dashboardCmd.Flags().Bool("json", false, "Output as JSON")
}

func runDashboard(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	jobs, err := fetchHistory(cmd)
	if err != nil {
		return err
	}
	stats := jobview.Summarize(jobs)
	recent := jobview.Recent(jobs, jobview.DashboardRecent)

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Stats  jobview.Stats     `json:"stats"`
			Recent []jobregistry.Job `json:"recent"`
		}{stats, recent})
	}

	_, _ = fmt.Fprintf(out, "total=%d completed=%d active=%d failed=%d\n",
		stats.Total, stats.Completed, stats.Active, stats.Failed)
	if len(recent) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs yet")
		return nil
	}
	_, _ = fmt.Fprintln(out)
	printJobTable(cmd, recent)
	return nil
}
