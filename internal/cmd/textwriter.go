package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/3leaps/foldwatch/pkg/output"
)

// textWriter renders watch records as one human-readable line each.
type textWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

var _ output.Writer = (*textWriter)(nil)

func newTextWriter(w io.Writer) *textWriter {
	return &textWriter{w: w}
}

func (t *textWriter) printf(format string, args ...any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return output.ErrWriterClosed
	}
	_, err := fmt.Fprintf(t.w, format, args...)
	return err
}

func (t *textWriter) WriteJob(_ context.Context, job *output.JobRecord) error {
	if job.Error != "" {
		return t.printf("[%s] %s: %s\n", job.JobID, job.Status, job.Error)
	}
	return t.printf("[%s] %s\n", job.JobID, job.Status)
}

func (t *textWriter) WriteProgress(_ context.Context, prog *output.ProgressRecord) error {
	return t.printf("[%s] %s ~%d%%\n", prog.JobID, prog.Status, prog.Percent)
}

func (t *textWriter) WriteConnectivity(_ context.Context, conn *output.ConnectivityRecord) error {
	if conn.Degraded {
		return t.printf("backend unreachable after %d attempts: %s\n", conn.ConsecutiveFailures, conn.LastError)
	}
	return t.printf("backend reachable again\n")
}

func (t *textWriter) WriteArtifact(_ context.Context, art *output.ArtifactRecord) error {
	return t.printf("[%s] saved %s (%d bytes)\n", art.JobID, art.Location, art.Bytes)
}

func (t *textWriter) WriteError(_ context.Context, rec *output.ErrorRecord) error {
	if rec.JobID != "" {
		return t.printf("[%s] error %s: %s\n", rec.JobID, rec.Code, rec.Message)
	}
	return t.printf("error %s: %s\n", rec.Code, rec.Message)
}

func (t *textWriter) WriteSummary(_ context.Context, sum *output.SummaryRecord) error {
	return t.printf("jobs=%d completed=%d failed=%d pending=%d artifacts=%d duration=%s\n",
		sum.Jobs, sum.Completed, sum.Failed, sum.Pending, len(sum.Artifacts), sum.DurationHuman)
}

func (t *textWriter) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
