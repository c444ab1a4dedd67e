package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/foldwatch/internal/observability"
	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/sequence"
)

var submitCmd = &cobra.Command{
	Use:   "submit [sequence]",
	Short: "Submit one or more sequences for structure prediction",
	Long: `Submit protein sequences to the prediction backend.

Exactly one input is used: a sequence argument, --file (FASTA or a bare
sequence; "-" reads stdin), --glob (a doublestar pattern of FASTA files) or
--batch (a YAML/JSON batch file). Sequences shorter than 10 characters are
rejected without contacting the backend.

Examples:
  foldwatch submit MKTAYIAKQRQISFVKSHFSRQ
  foldwatch submit --file ubiquitin.fasta --watch
  foldwatch submit --glob 'seqs/**/*.fasta' --concurrency 8
  foldwatch submit --batch batch.yaml --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringP("file", "f", "", "Read sequences from a FASTA file (- for stdin)")
	submitCmd.Flags().String("glob", "", "Submit every FASTA file matching a pattern, e.g. 'seqs/**/*.fasta'")
	submitCmd.Flags().String("batch", "", "Submit the sequences listed in a YAML or JSON batch file")
	submitCmd.Flags().Int("concurrency", 4, "Parallel submissions for multi-sequence input")
	submitCmd.Flags().Bool("json", false, "Output as JSON")
	submitCmd.Flags().Bool("watch", false, "Follow the submitted jobs until they finish")
	addWatchFlags(submitCmd)
}

// submission is the outcome of one sequence.
type submission struct {
	Source string `json:"source,omitempty"`
	Header string `json:"header,omitempty"`
	Length int    `json:"length"`
	JobID  string `json:"job_id,omitempty"`
	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	invalid bool
}

func runSubmit(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	watch, _ := cmd.Flags().GetBool("watch")
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency < 1 {
		return exitError(foundry.ExitInvalidArgument, "Invalid --concurrency value", fmt.Errorf("concurrency must be >= 1"))
	}

	sources, err := submitSources(cmd, args)
	if err != nil {
		return err
	}

	cfg, client, tracker, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	logger := observability.CLILogger

	results := make([]submission, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, src := range sources {
		text := src.Record.Text()
		results[i] = submission{
			Source: src.Path,
			Header: src.Record.Header,
			Length: len(sequence.Residues(text)),
		}
		if sequence.ExceedsRecommended(text) {
			logger.Warn("Sequence is longer than recommended; prediction may be slow",
				zap.String("source", src.Path),
				zap.Int("length", results[i].Length),
				zap.Int("recommended_max", sequence.RecommendedMaxLength))
		}
		g.Go(func() error {
			jobID, err := tracker.Submit(gctx, text)
			if err != nil {
				results[i].Error = err.Error()
				results[i].invalid = errors.Is(err, sequence.ErrTooShort)
				var subErr *gateway.SubmissionError
				if errors.As(err, &subErr) && subErr.Body != "" {
					results[i].Detail = strings.TrimSpace(subErr.Body)
				}
				return nil
			}
			results[i].JobID = jobID
			logger.Debug("Submitted sequence", zap.String("job_id", jobID), zap.String("source", src.Path))
			return nil
		})
	}
	_ = g.Wait()

	if ctx.Err() != nil {
		tracker.Close()
		return exitError(foundry.ExitSignalInt, "Submission cancelled", ctx.Err())
	}

	var ids []string
	failed, invalid := 0, 0
	for _, r := range results {
		switch {
		case r.JobID != "":
			ids = append(ids, r.JobID)
		case r.invalid:
			invalid++
		default:
			failed++
		}
	}

	if err := printSubmissions(cmd, results, jsonOutput); err != nil {
		tracker.Close()
		return err
	}

	if watch && len(ids) > 0 {
		if err := watchJobs(ctx, cmd.OutOrStdout(), cfg, client, tracker, ids, watchOptionsFromFlags(cmd)); err != nil {
			return err
		}
	} else {
		tracker.Close()
	}

	switch {
	case failed > 0:
		return exitError(foundry.ExitExternalServiceUnavailable, "Submission failed",
			fmt.Errorf("%d of %d sequence(s) were not accepted", failed+invalid, len(results)))
	case invalid > 0:
		return exitError(foundry.ExitInvalidArgument, "Invalid sequence",
			fmt.Errorf("%d of %d sequence(s) are shorter than %d characters", invalid, len(results), sequence.MinLength))
	}
	return nil
}

// submitSources loads the sequences named by exactly one input option.
func submitSources(cmd *cobra.Command, args []string) ([]sequence.Source, error) {
	file, _ := cmd.Flags().GetString("file")
	glob, _ := cmd.Flags().GetString("glob")
	batch, _ := cmd.Flags().GetString("batch")

	given := 0
	for _, set := range []bool{len(args) == 1, file != "", glob != "", batch != ""} {
		if set {
			given++
		}
	}
	if given != 1 {
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid input",
			fmt.Errorf("provide exactly one of: a sequence argument, --file, --glob, --batch"))
	}

	var (
		sources []sequence.Source
		err     error
	)
	switch {
	case len(args) == 1:
		sources = []sequence.Source{{Path: "argument", Record: sequence.Record{Residues: args[0]}}}
	case file == "-":
		var records []sequence.Record
		records, err = sequence.ParseFASTA(cmd.InOrStdin())
		for _, rec := range records {
			sources = append(sources, sequence.Source{Path: "stdin", Record: rec})
		}
	case file != "":
		sources, err = sequence.LoadFile(file)
	case glob != "":
		sources, err = sequence.Glob(".", glob)
	default:
		sources, err = sequence.LoadBatch(batch)
	}

	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, exitError(foundry.ExitFileNotFound, "Input not found", err)
		}
		if errors.Is(err, sequence.ErrEmptyInput) {
			return nil, exitError(foundry.ExitInvalidArgument, "No sequence in input", err)
		}
		return nil, exitError(foundry.ExitFileReadError, "Failed to read input", err)
	}
	if len(sources) == 0 {
		return nil, exitError(foundry.ExitInvalidArgument, "No sequence in input", sequence.ErrEmptyInput)
	}
	return sources, nil
}

func printSubmissions(cmd *cobra.Command, results []submission, jsonOutput bool) error {
	out := cmd.OutOrStdout()

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 1 {
		r := results[0]
		if r.JobID != "" {
			_, _ = fmt.Fprintf(out, "job_id=%s\n", r.JobID)
			_, _ = fmt.Fprintf(out, "status=Queued\n")
			return nil
		}
		_, _ = fmt.Fprintf(out, "error=%s\n", r.Error)
		if r.Detail != "" {
			_, _ = fmt.Fprintf(out, "backend_response=%s\n", r.Detail)
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tSOURCE\tHEADER\tLENGTH\tERROR")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			orDash(r.JobID), orDash(r.Source), orDash(r.Header), r.Length, orDash(r.Error))
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
