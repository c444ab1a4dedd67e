package cmd

import (
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/foldwatch/pkg/artifact"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

var resultCmd = &cobra.Command{
	Use:   "result <job_id>",
	Short: "Download the structure file of a completed job",
	Long: `Download the predicted structure of a Completed job and store it as
protein_<job_id>.pdb in --out (a directory or s3://bucket/prefix; default
output.dir). With --stdout the file content is printed instead.

Examples:
  foldwatch result 3f2a9c
  foldwatch result 3f2a9c --out ./structures
  foldwatch result 3f2a9c --out s3://my-bucket/structures/
  foldwatch result 3f2a9c --stdout > model.pdb`,
	Args: cobra.ExactArgs(1),
	RunE: runResult,
}

func init() {
	rootCmd.AddCommand(resultCmd)
	resultCmd.Flags().String("out", "", "Destination directory or s3://bucket/prefix (default: output.dir)")
	resultCmd.Flags().Bool("stdout", false, "Write the structure file to stdout")
}

func runResult(cmd *cobra.Command, args []string) error {
	dest, _ := cmd.Flags().GetString("out")
	toStdout, _ := cmd.Flags().GetBool("stdout")
	if toStdout && dest != "" {
		return exitError(foundry.ExitInvalidArgument, "Conflicting flags", errors.New("--stdout and --out are mutually exclusive"))
	}

	cfg, _, tracker, err := setup(cmd)
	if err != nil {
		return err
	}
	defer tracker.Close()
	ctx := cmd.Context()

	job, err := lookupJob(ctx, tracker, args[0])
	if err != nil {
		return err
	}

	switch job.Status {
	case jobregistry.StatusCompleted:
	case jobregistry.StatusFailed:
		return exitError(exitJobFailed, "Job failed", fmt.Errorf("%s has no structure: %s", job.ID, orDash(job.Error)))
	default:
		return exitError(foundry.ExitInvalidArgument, "Result not ready", fmt.Errorf("%s is %s", job.ID, job.Status))
	}

	if !job.HasResult() {
		if err := tracker.FetchResult(ctx, job.ID); err != nil {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch result", err)
		}
		job, _ = tracker.Registry().Get(job.ID)
		if !job.HasResult() {
			return exitError(foundry.ExitExternalServiceUnavailable, "Failed to fetch result", errors.New("backend returned no structure"))
		}
	}

	if toStdout {
		_, err := fmt.Fprint(cmd.OutOrStdout(), *job.Result)
		return err
	}

	if dest == "" {
		dest = cfg.Output.Dir
	}
	sink, err := artifact.Open(ctx, dest, artifactOptions(cfg))
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid output destination", err)
	}
	loc, err := sink.Write(ctx, job.ID, *job.Result)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to store structure file", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved=%s\nbytes=%d\n", loc, len(*job.Result))
	return nil
}
