package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the current status of a job",
	Long: `Fetch the current status of one job. The job ID may be a unique prefix
of a job listed in the backend history.

Exits with code 1 when the job has Failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	_, _, tracker, err := setup(cmd)
	if err != nil {
		return err
	}
	defer tracker.Close()

	job, err := lookupJob(cmd.Context(), tracker, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
	} else {
		_, _ = fmt.Fprintf(out, "job_id=%s\n", job.ID)
		_, _ = fmt.Fprintf(out, "status=%s\n", job.Status)
		if job.CreatedAt != nil {
			_, _ = fmt.Fprintf(out, "created_at=%s\n", job.CreatedAt.UTC().Format(time.RFC3339))
		}
		if job.Error != "" {
			_, _ = fmt.Fprintf(out, "error=%s\n", job.Error)
		}
	}

	if job.Status == jobregistry.StatusFailed {
		msg := job.Error
		if msg == "" {
			msg = "prediction failed"
		}
		return exitError(exitJobFailed, "Job failed", errors.New(msg))
	}
	return nil
}

// lookupJob resolves input against the backend history (exact ID or unique
// prefix) and refreshes that job's status. IDs missing from the history get a
// direct status request. The structure file is not downloaded.
func lookupJob(ctx context.Context, tracker *jobregistry.Tracker, input string) (jobregistry.Job, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return jobregistry.Job{}, exitError(foundry.ExitInvalidArgument, "Invalid job ID", errors.New("job_id is required"))
	}
	reg := tracker.Registry()

	history := tracker.RefreshAll(ctx)

	id, err := reg.ResolveID(input)
	if errors.Is(err, jobregistry.ErrUnknownJob) {
		id, err = input, nil
	}
	if err != nil {
		return jobregistry.Job{}, exitError(foundry.ExitInvalidArgument, "Invalid job ID", err)
	}

	outcome := tracker.CheckStatus(ctx, id)
	job, known := reg.Get(id)
	switch {
	case outcome.Kind == jobregistry.OutcomeSkipped && ctx.Err() != nil:
		return jobregistry.Job{}, exitError(foundry.ExitSignalInt, "Cancelled", ctx.Err())
	case !known && outcome.Kind == jobregistry.OutcomeTransient:
		return jobregistry.Job{}, exitError(foundry.ExitExternalServiceUnavailable, "Backend unavailable", outcome.Err)
	case !known && history.Kind == jobregistry.OutcomeTransient:
		return jobregistry.Job{}, exitError(foundry.ExitExternalServiceUnavailable, "Backend unavailable", history.Err)
	case !known:
		return jobregistry.Job{}, exitError(foundry.ExitInvalidArgument, "Unknown job", fmt.Errorf("%s: %w", input, jobregistry.ErrUnknownJob))
	}
	return job, nil
}
