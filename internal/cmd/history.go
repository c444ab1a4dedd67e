package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/foldwatch/pkg/jobregistry"
	"github.com/3leaps/foldwatch/pkg/jobview"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List jobs known to the backend",
	Long: `List every job the backend reports, newest first.

Examples:
  foldwatch history
  foldwatch history --status Failed
  foldwatch history --search 3f2a --json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().String("status", "", "Only show jobs with this status (Queued, Processing, Completed, Failed)")
	historyCmd.Flags().String("search", "", "Only show jobs whose ID contains this text (case-insensitive)")
	historyCmd.Flags().Int("limit", 0, "Show at most N jobs (0 = all)")
	historyCmd.Flags().Bool("json", false, "Output as JSON")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	rawStatus, _ := cmd.Flags().GetString("status")
	search, _ := cmd.Flags().GetString("search")
	limit, _ := cmd.Flags().GetInt("limit")

	var filter jobview.Filter
	if strings.TrimSpace(rawStatus) != "" {
		status, err := jobregistry.ParseStatus(rawStatus)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid --status value", err)
		}
		filter.Status = status
	}
	filter.Search = search
	if limit < 0 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --limit value", fmt.Errorf("limit must be >= 0"))
	}

	jobs, err := fetchHistory(cmd)
	if err != nil {
		return err
	}

	jobs = jobview.Apply(jobs, filter)
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}
	printJobTable(cmd, jobs)
	return nil
}

// fetchHistory loads the backend history into a throwaway tracker.
func fetchHistory(cmd *cobra.Command) ([]jobregistry.Job, error) {
	_, _, tracker, err := setup(cmd)
	if err != nil {
		return nil, err
	}
	defer tracker.Close()

	outcome := tracker.RefreshAll(cmd.Context())
	switch outcome.Kind {
	case jobregistry.OutcomeSuccess:
	case jobregistry.OutcomeSkipped:
		return nil, exitError(foundry.ExitSignalInt, "Cancelled", outcome.Err)
	default:
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch job history", outcome.Err)
	}
	return tracker.Registry().Snapshot(), nil
}

func printJobTable(cmd *cobra.Command, jobs []jobregistry.Job) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSTATUS\tCREATED\tERROR")
	for _, j := range jobs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", j.ID, j.Status, formatOptionalTime(j.CreatedAt), orDash(j.Error))
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
