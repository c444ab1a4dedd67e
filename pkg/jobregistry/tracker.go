package jobregistry

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/foldwatch/pkg/gateway"
	"github.com/3leaps/foldwatch/pkg/sequence"
)

// Backend is the subset of the gateway client the tracker needs.
type Backend interface {
	Submit(ctx context.Context, sequence string) (string, error)
	Status(ctx context.Context, jobID string) (string, error)
	Result(ctx context.Context, jobID string) (string, error)
	History(ctx context.Context) ([]gateway.HistoryItem, error)
}

var _ Backend = (*gateway.Client)(nil)

// OutcomeKind classifies the result of a background request.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeTransient covers transport failures, timeouts, 429 and 5xx.
	OutcomeTransient OutcomeKind = "transient"

	// OutcomeFatal covers other 4xx responses and payloads that cannot be used.
	OutcomeFatal OutcomeKind = "fatal"

	// OutcomeStale means the response arrived after a newer request was
	// issued and was discarded.
	OutcomeStale OutcomeKind = "stale"

	// OutcomeSkipped means the request was cancelled or the session is closed.
	OutcomeSkipped OutcomeKind = "skipped"
)

// Outcome is what a background request produced. Background operations
// never return errors; they report an Outcome instead.
type Outcome struct {
	Kind  OutcomeKind
	Op    string
	JobID string
	Err   error
}

func (o Outcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// Connectivity summarizes recent background request health.
type Connectivity struct {
	Degraded            bool       `json:"degraded"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// DefaultDegradedAfter is how many consecutive transient failures flip the
// degraded flag.
const DefaultDegradedAfter = 3

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	DegradedAfter int
	Logger        *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Tracker keeps a Registry in sync with the backend.
//
// Submit is the only operation that returns backend failures to the caller.
// RefreshAll and PollStatus log failures and classify them into an Outcome
// and the Connectivity signal, leaving the last known state in place.
type Tracker struct {
	backend       Backend
	reg           *Registry
	logger        *zap.Logger
	now           func() time.Time
	degradedAfter int
	events        *eventBus

	mu   sync.Mutex
	conn Connectivity
}

func NewTracker(backend Backend, cfg TrackerConfig) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	degradedAfter := cfg.DegradedAfter
	if degradedAfter <= 0 {
		degradedAfter = DefaultDegradedAfter
	}

	return &Tracker{
		backend:       backend,
		reg:           NewRegistry(),
		logger:        logger,
		now:           now,
		degradedAfter: degradedAfter,
		events:        newEventBus(logger),
	}
}

// Registry exposes the tracked jobs for read access.
func (t *Tracker) Registry() *Registry {
	return t.reg
}

// Subscribe returns a stream of registry and connectivity events and a
// function that ends the subscription.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.events.subscribe()
}

// Connectivity returns a copy of the current connectivity summary.
func (t *Tracker) Connectivity() Connectivity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

// Close ends the session. Responses that arrive afterwards are ignored and
// every subscription is closed.
func (t *Tracker) Close() {
	t.reg.Close()
	t.events.closeAll()
}

// Submit validates sequence locally, sends it, and records the new job at the
// head of the registry with status Queued.
//
// Sequences shorter than sequence.MinLength fail with sequence.ErrTooShort
// without any network call. Backend failures are returned unchanged (a
// *gateway.SubmissionError for the HTTP client) and leave the registry as is.
func (t *Tracker) Submit(ctx context.Context, seq string) (string, error) {
	if err := sequence.Validate(seq); err != nil {
		return "", err
	}

	jobID, err := t.backend.Submit(ctx, seq)
	if err != nil {
		t.logger.Error("Failed to submit job", zap.Error(err))
		return "", err
	}

	created := t.now().UTC()
	job := Job{ID: jobID, Status: StatusQueued, CreatedAt: &created}
	inserted, err := t.reg.Prepend(job)
	if err != nil {
		return "", err
	}
	if inserted {
		t.publishJob(jobID)
	}

	t.logger.Info("Submitted job",
		zap.String("job_id", jobID),
		zap.Int("residues", len(sequence.Residues(seq))))
	return jobID, nil
}

// RefreshAll replaces the local view with the backend's full history.
func (t *Tracker) RefreshAll(ctx context.Context) Outcome {
	seq := t.reg.IssueAll()

	items, err := t.backend.History(ctx)
	if err != nil {
		return t.fail(gateway.OpHistory, "", err)
	}

	entries := make([]HistoryEntry, 0, len(items))
	for _, it := range items {
		status, perr := ParseStatus(it.Status)
		if perr != nil {
			t.logger.Warn("Ignoring history entry with unknown status",
				zap.String("job_id", it.JobID),
				zap.String("status", it.Status))
			continue
		}
		entries = append(entries, HistoryEntry{
			ID:        it.JobID,
			Status:    status,
			Error:     it.Error,
			CreatedAt: it.CreatedAt,
		})
	}

	merge, err := t.reg.ApplyHistory(seq, entries, t.now())
	if err != nil {
		return t.closedOutcome(gateway.OpHistory, "")
	}
	t.succeed()

	for _, id := range merge.Changed {
		t.publishJob(id)
	}
	t.logger.Debug("Refreshed job history",
		zap.Int("entries", len(items)),
		zap.Int("applied", merge.Applied),
		zap.Int("stale", merge.Stale),
		zap.Int("changed", len(merge.Changed)))

	if merge.Stale > 0 && merge.Applied == 0 {
		return Outcome{Kind: OutcomeStale, Op: gateway.OpHistory}
	}
	return Outcome{Kind: OutcomeSuccess, Op: gateway.OpHistory}
}

// PollStatus fetches one job's status and stores it. A Completed status
// triggers the single result fetch for that job when no result is stored yet.
func (t *Tracker) PollStatus(ctx context.Context, jobID string) Outcome {
	return t.pollStatus(ctx, jobID, true)
}

// CheckStatus is PollStatus without the result download.
func (t *Tracker) CheckStatus(ctx context.Context, jobID string) Outcome {
	return t.pollStatus(ctx, jobID, false)
}

func (t *Tracker) pollStatus(ctx context.Context, jobID string, fetchResult bool) Outcome {
	jobID = strings.TrimSpace(jobID)
	seq := t.reg.Issue(jobID)

	raw, err := t.backend.Status(ctx, jobID)
	if err != nil {
		t.reg.Release(jobID, seq)
		return t.fail(gateway.OpStatus, jobID, err)
	}
	status, err := ParseStatus(raw)
	if err != nil {
		t.reg.Release(jobID, seq)
		t.succeed()
		t.logger.Warn("Backend returned unknown status",
			zap.String("job_id", jobID),
			zap.String("status", raw))
		return Outcome{Kind: OutcomeFatal, Op: gateway.OpStatus, JobID: jobID, Err: err}
	}

	change, err := t.reg.ApplyStatus(jobID, seq, status, t.now())
	if err != nil {
		return t.closedOutcome(gateway.OpStatus, jobID)
	}
	t.succeed()

	if change == Stale {
		t.logger.Debug("Discarded stale status response",
			zap.String("job_id", jobID),
			zap.Uint64("seq", seq))
		return Outcome{Kind: OutcomeStale, Op: gateway.OpStatus, JobID: jobID}
	}
	if change == Changed {
		t.logger.Info("Job status changed",
			zap.String("job_id", jobID),
			zap.String("status", string(status)))
		t.publishJob(jobID)
	}

	if fetchResult && status == StatusCompleted {
		_ = t.FetchResult(ctx, jobID)
	}
	return Outcome{Kind: OutcomeSuccess, Op: gateway.OpStatus, JobID: jobID}
}

// FetchResult downloads and stores the structure file for a job.
//
// At most one fetch per job is ever in flight and a stored result is never
// fetched again; such calls return nil immediately.
func (t *Tracker) FetchResult(ctx context.Context, jobID string) error {
	if !t.reg.BeginResultFetch(jobID) {
		return nil
	}

	pdb, err := t.backend.Result(ctx, jobID)
	if err != nil {
		_ = t.reg.FinishResultFetch(jobID, nil)
		out := t.fail(gateway.OpResult, jobID, err)
		return out.Err
	}

	if err := t.reg.FinishResultFetch(jobID, &pdb); err != nil {
		if errors.Is(err, ErrClosed) {
			t.closedOutcome(gateway.OpResult, jobID)
		}
		return err
	}
	t.succeed()

	t.logger.Info("Fetched job result",
		zap.String("job_id", jobID),
		zap.Int("bytes", len(pdb)))
	if job, ok := t.reg.Get(jobID); ok {
		t.events.publish(Event{Type: EventJobResult, JobID: jobID, Job: &job, At: t.now().UTC()})
	}
	return nil
}

func (t *Tracker) fail(op, jobID string, err error) Outcome {
	kind := OutcomeFatal
	switch {
	case errors.Is(err, context.Canceled):
		kind = OutcomeSkipped
	case gateway.IsTemporary(err):
		kind = OutcomeTransient
	}

	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}

	switch kind {
	case OutcomeSkipped:
		t.logger.Debug("Backend request cancelled", fields...)
	case OutcomeTransient:
		t.logger.Warn("Backend request failed", fields...)
		t.recordTransient(err)
	default:
		t.logger.Error("Backend request rejected", fields...)
		// The backend answered, so it is reachable.
		t.succeed()
	}
	return Outcome{Kind: kind, Op: op, JobID: jobID, Err: err}
}

func (t *Tracker) closedOutcome(op, jobID string) Outcome {
	t.logger.Debug("Ignoring response after session close",
		zap.String("op", op),
		zap.String("job_id", jobID))
	return Outcome{Kind: OutcomeSkipped, Op: op, JobID: jobID, Err: ErrClosed}
}

func (t *Tracker) succeed() {
	now := t.now().UTC()

	t.mu.Lock()
	wasDegraded := t.conn.Degraded
	t.conn.ConsecutiveFailures = 0
	t.conn.Degraded = false
	t.conn.LastSuccess = &now
	snapshot := t.conn
	t.mu.Unlock()

	if wasDegraded {
		t.logger.Info("Backend connectivity restored")
		t.events.publish(Event{Type: EventConnectivity, Connectivity: &snapshot, At: now})
	}
}

func (t *Tracker) recordTransient(err error) {
	now := t.now().UTC()

	t.mu.Lock()
	t.conn.ConsecutiveFailures++
	t.conn.LastError = err.Error()
	t.conn.LastFailure = &now
	flipped := !t.conn.Degraded && t.conn.ConsecutiveFailures >= t.degradedAfter
	if flipped {
		t.conn.Degraded = true
	}
	snapshot := t.conn
	t.mu.Unlock()

	if flipped {
		t.logger.Warn("Backend connectivity degraded",
			zap.Int("consecutive_failures", snapshot.ConsecutiveFailures))
		t.events.publish(Event{Type: EventConnectivity, Connectivity: &snapshot, At: now})
	}
}

func (t *Tracker) publishJob(jobID string) {
	job, ok := t.reg.Get(jobID)
	if !ok {
		return
	}
	t.events.publish(Event{Type: EventJobUpdated, JobID: jobID, Job: &job, At: t.now().UTC()})
}
