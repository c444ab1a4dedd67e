package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/foldwatch/internal/config"
	"github.com/3leaps/foldwatch/internal/observability"
	"github.com/3leaps/foldwatch/pkg/artifact"
	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/jobregistry"
	"github.com/3leaps/foldwatch/pkg/output"
	"github.com/3leaps/foldwatch/pkg/progress"
)

var watchCmd = &cobra.Command{
	Use:   "watch <job_id>...",
	Short: "Follow jobs until they finish and download their structures",
	Long: `Poll one or more jobs until each one is Completed or Failed.

Completed structures are written as protein_<job_id>.pdb to --out (a local
directory or an s3://bucket/prefix URI; default output.dir). Job IDs may be
given as unique prefixes of jobs known to the backend.

Progress percentages are estimates: the backend does not report progress.

Examples:
  foldwatch watch 3f2a9c
  foldwatch watch 3f2a9c 77b01e --out s3://my-bucket/structures/
  foldwatch watch 3f2a9c --jsonl > session.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	addWatchFlags(watchCmd)
}

// addWatchFlags registers the flags shared by watch and submit --watch.
func addWatchFlags(c *cobra.Command) {
	c.Flags().String("out", "", "Destination for structure files: directory or s3://bucket/prefix (default: output.dir)")
	c.Flags().Bool("no-download", false, "Do not download structure files")
	c.Flags().Bool("jsonl", false, "Emit JSONL records instead of text")
	c.Flags().Duration("timeout", 0, "Give up after this long (0 = wait until done)")
}

type watchOptions struct {
	Dest       string
	NoDownload bool
	JSONL      bool
	Timeout    time.Duration
}

func watchOptionsFromFlags(cmd *cobra.Command) watchOptions {
	var o watchOptions
	o.Dest, _ = cmd.Flags().GetString("out")
	o.NoDownload, _ = cmd.Flags().GetBool("no-download")
	o.JSONL, _ = cmd.Flags().GetBool("jsonl")
	o.Timeout, _ = cmd.Flags().GetDuration("timeout")
	return o
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, client, tracker, err := setup(cmd)
	if err != nil {
		return err
	}
	return watchJobs(cmd.Context(), cmd.OutOrStdout(), cfg, client, tracker, args, watchOptionsFromFlags(cmd))
}

// watchState tracks one followed job.
type watchState struct {
	status jobregistry.Status
	done   bool
}

type watchSession struct {
	cfg     *config.Config
	tracker *jobregistry.Tracker
	writer  output.Writer
	sink    artifact.Sink
	board   *progress.Board
	logger  *zap.Logger

	jobs      map[string]*watchState
	order     []string
	artifacts []string
	writeErrs int
}

// watchJobs follows ids until all are terminal, ctx ends or the timeout fires.
// It owns tracker and closes it before returning.
func watchJobs(ctx context.Context, out io.Writer, cfg *config.Config, client *gateway.Client, tracker *jobregistry.Tracker, ids []string, opts watchOptions) error {
	start := time.Now()
	logger := observability.CLILogger

	var writer output.Writer
	if opts.JSONL {
		writer = output.NewJSONLWriter(out, uuid.NewString(), client.BaseURL())
	} else {
		writer = newTextWriter(out)
	}
	defer func() { _ = writer.Close() }()

	s := &watchSession{
		cfg:     cfg,
		tracker: tracker,
		writer:  writer,
		board:   progress.NewBoard(cfg.Polling.ProgressInterval),
		logger:  logger,
		jobs:    make(map[string]*watchState),
	}

	if !opts.NoDownload {
		dest := opts.Dest
		if dest == "" {
			dest = cfg.Output.Dir
		}
		sink, err := artifact.Open(ctx, dest, artifactOptions(cfg))
		if err != nil {
			tracker.Close()
			return exitError(foundry.ExitInvalidArgument, "Invalid output destination", err)
		}
		s.sink = sink
		logger.Debug("Writing structure files", zap.String("dest", sink.Describe()))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, opts.Timeout)
		defer cancel()
	}

	s.resolve(runCtx, ids)

	events, unsubscribe := tracker.Subscribe()
	defer unsubscribe()

	scheduler := jobregistry.NewScheduler(tracker, jobregistry.SchedulerConfig{
		HistoryInterval: cfg.Polling.HistoryInterval,
		StatusInterval:  cfg.Polling.StatusInterval,
		PollTerminal:    cfg.Polling.PollTerminal,
		Logger:          logger,
	})
	for _, id := range s.order {
		scheduler.Watch(id)
	}

	pollCtx, stopPolling := context.WithCancel(runCtx)
	g, gctx := errgroup.WithContext(pollCtx)
	g.Go(func() error { return scheduler.Run(gctx) })

	s.reconcile(runCtx)
	s.loop(runCtx, events)

	stopPolling()
	_ = g.Wait()

	summary := s.summary(time.Since(start))
	_ = writer.WriteSummary(ctx, summary)

	switch {
	case ctx.Err() != nil && summary.Pending > 0:
		return exitError(foundry.ExitSignalInt, "Watch interrupted", ctx.Err())
	case runCtx.Err() != nil && summary.Pending > 0:
		_ = writer.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeTimeout,
			Message: fmt.Sprintf("%d job(s) still running after %s", summary.Pending, opts.Timeout),
		})
		return exitError(foundry.ExitExternalServiceUnavailable, "Timed out waiting for jobs", runCtx.Err())
	case s.writeErrs > 0:
		return exitError(foundry.ExitFileWriteError, "Failed to store structure files", fmt.Errorf("%d write(s) failed", s.writeErrs))
	case summary.Failed > 0:
		return exitError(exitJobFailed, "Job failed", fmt.Errorf("%d of %d job(s) failed", summary.Failed, summary.Jobs))
	case len(s.order) == 0:
		return exitError(foundry.ExitInvalidArgument, "No known jobs to watch", errors.New("none of the given job IDs exist"))
	}
	return nil
}

// resolve maps each argument to a job the backend knows, by exact ID or
// unique prefix. Unknown arguments are reported and skipped.
func (s *watchSession) resolve(ctx context.Context, ids []string) {
	reg := s.tracker.Registry()
	if outcome := s.tracker.RefreshAll(ctx); !outcome.OK() {
		s.logger.Debug("Initial history refresh failed", zap.Error(outcome.Err))
	}

	for _, raw := range ids {
		input := strings.TrimSpace(raw)
		id, err := reg.ResolveID(input)
		if errors.Is(err, jobregistry.ErrUnknownJob) {
			s.tracker.PollStatus(ctx, input)
			id, err = reg.ResolveID(input)
		}
		if err != nil {
			_ = s.writer.WriteError(ctx, &output.ErrorRecord{
				Code:    output.ErrCodeInternal,
				Message: "cannot resolve job: " + err.Error(),
				JobID:   input,
			})
			continue
		}
		if _, dup := s.jobs[id]; dup {
			continue
		}
		s.jobs[id] = &watchState{}
		s.order = append(s.order, id)
	}
}

// reconcile reports the registry state of every followed job. It runs once
// before polling starts and again on each progress tick, since a slow
// subscriber can miss events and finished jobs are not re-published.
func (s *watchSession) reconcile(ctx context.Context) {
	for _, id := range s.order {
		if job, ok := s.tracker.Registry().Get(id); ok {
			s.onJob(ctx, job)
			if job.HasResult() {
				s.onResult(ctx, id)
			}
		}
	}
}

func (s *watchSession) loop(ctx context.Context, events <-chan jobregistry.Event) {
	ticker := time.NewTicker(s.cfg.Polling.ProgressInterval)
	defer ticker.Stop()

	for !s.allDone() {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.onEvent(ctx, ev)
		case <-ticker.C:
			s.reconcile(ctx)
			s.reportProgress(ctx)
		}
	}
}

func (s *watchSession) onEvent(ctx context.Context, ev jobregistry.Event) {
	switch ev.Type {
	case jobregistry.EventJobUpdated:
		if ev.Job != nil {
			s.onJob(ctx, *ev.Job)
		}
	case jobregistry.EventJobResult:
		s.onResult(ctx, ev.JobID)
	case jobregistry.EventConnectivity:
		if ev.Connectivity != nil {
			_ = s.writer.WriteConnectivity(ctx, &output.ConnectivityRecord{
				Degraded:            ev.Connectivity.Degraded,
				ConsecutiveFailures: ev.Connectivity.ConsecutiveFailures,
				LastError:           ev.Connectivity.LastError,
			})
		}
	}
}

func (s *watchSession) onJob(ctx context.Context, job jobregistry.Job) {
	st, ok := s.jobs[job.ID]
	if !ok || st.done || st.status == job.Status {
		return
	}
	st.status = job.Status

	_ = s.writer.WriteJob(ctx, &output.JobRecord{
		JobID:     job.ID,
		Status:    string(job.Status),
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		HasResult: job.HasResult(),
	})

	switch job.Status {
	case jobregistry.StatusFailed:
		st.done = true
		s.board.Forget(job.ID)
		msg := job.Error
		if msg == "" {
			msg = "prediction failed"
		}
		_ = s.writer.WriteError(ctx, &output.ErrorRecord{Code: output.ErrCodeJobFailed, Message: msg, JobID: job.ID})
	case jobregistry.StatusCompleted:
		s.emitProgress(ctx, job.ID, job.Status)
		if s.sink == nil {
			st.done = true
		}
	default:
		s.emitProgress(ctx, job.ID, job.Status)
	}
}

func (s *watchSession) onResult(ctx context.Context, id string) {
	st, ok := s.jobs[id]
	if !ok || st.done {
		return
	}
	job, ok := s.tracker.Registry().Get(id)
	if !ok || !job.HasResult() {
		return
	}
	st.status = job.Status
	if s.sink == nil {
		st.done = true
		return
	}

	loc, err := s.sink.Write(ctx, id, *job.Result)
	if err != nil {
		s.writeErrs++
		s.logger.Error("Failed to store structure file", zap.String("job_id", id), zap.Error(err))
		_ = s.writer.WriteError(ctx, &output.ErrorRecord{
			Code:    output.ErrCodeArtifactWrite,
			Message: err.Error(),
			JobID:   id,
			Details: map[string]any{"dest": s.sink.Describe()},
		})
	} else {
		s.artifacts = append(s.artifacts, loc)
		_ = s.writer.WriteArtifact(ctx, &output.ArtifactRecord{JobID: id, Location: loc, Bytes: len(*job.Result)})
	}
	st.done = true
	s.board.Forget(id)
}

func (s *watchSession) reportProgress(ctx context.Context) {
	for _, id := range s.order {
		st := s.jobs[id]
		if st.done || !st.status.IsActive() {
			continue
		}
		s.emitProgress(ctx, id, st.status)
	}
}

func (s *watchSession) emitProgress(ctx context.Context, id string, status jobregistry.Status) {
	pct := s.board.Observe(id, status, time.Now())
	_ = s.writer.WriteProgress(ctx, &output.ProgressRecord{JobID: id, Status: string(status), Percent: pct})
}

func (s *watchSession) allDone() bool {
	for _, st := range s.jobs {
		if !st.done {
			return false
		}
	}
	return true
}

func (s *watchSession) summary(elapsed time.Duration) *output.SummaryRecord {
	sum := &output.SummaryRecord{
		Jobs:          len(s.order),
		Duration:      elapsed,
		DurationHuman: elapsed.Round(time.Millisecond).String(),
		Artifacts:     s.artifacts,
	}
	for _, id := range s.order {
		st := s.jobs[id]
		switch {
		case st.status == jobregistry.StatusFailed:
			sum.Failed++
		case st.status == jobregistry.StatusCompleted && st.done:
			sum.Completed++
		default:
			sum.Pending++
		}
	}
	return sum
}
