package jobregistry

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrUnknownJob is returned when an operation names a job the registry has never seen.
	ErrUnknownJob = errors.New("unknown job")

	// ErrClosed is returned after the owning session has been torn down.
	ErrClosed = errors.New("job registry is closed")
)

// Registry is the in-memory, session-scoped view of all jobs.
//
// Order is insertion order with submissions prepended. Every background
// request is tagged with a sequence number obtained from Issue or IssueAll;
// a response is applied for a job only while its number is still the latest
// issued for that job, so slow responses never overwrite newer state.
//
// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.Mutex
	order  []string
	jobs   map[string]*Job
	seq    uint64
	latest map[string]uint64

	fetching map[string]bool
	closed   bool
}

func NewRegistry() *Registry {
	return &Registry{
		jobs:     make(map[string]*Job),
		latest:   make(map[string]uint64),
		fetching: make(map[string]bool),
	}
}

// Prepend inserts a freshly submitted job at the head of the registry.
//
// It returns false when the ID is already known (for example because a
// history refresh saw it first); the existing entry is left as is.
func (r *Registry) Prepend(job Job) (bool, error) {
	id := strings.TrimSpace(job.ID)
	if id == "" {
		return false, errors.New("job_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false, ErrClosed
	}
	if _, ok := r.jobs[id]; ok {
		return false, nil
	}

	j := job.clone()
	j.ID = id
	r.jobs[id] = &j
	r.order = append([]string{id}, r.order...)

	// The submit response is itself the newest observation of this job.
	r.seq++
	r.latest[id] = r.seq
	return true, nil
}

// Issue allocates a sequence number for a request that concerns a single job.
func (r *Registry) Issue(jobID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.latest[jobID] = r.seq
	return r.seq
}

// Release drops the sequence entry taken by Issue when the request produced
// no job. Entries for known jobs, or ones re-issued since, are kept.
func (r *Registry) Release(jobID string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.jobs[jobID]; known {
		return
	}
	if r.latest[jobID] == seq {
		delete(r.latest, jobID)
	}
}

// IssueAll allocates a sequence number for a request that concerns every job,
// such as a full history refresh.
func (r *Registry) IssueAll() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	for _, id := range r.order {
		r.latest[id] = r.seq
	}
	return r.seq
}

// isCurrent must be called with mu held.
func (r *Registry) isCurrent(jobID string, seq uint64) bool {
	return seq >= r.latest[jobID]
}

// Change describes the effect of applying one observation.
type Change int

const (
	// Stale means a newer request was issued since; nothing was applied.
	Stale Change = iota
	// Unchanged means the observation matched the stored state.
	Unchanged
	// Changed means the stored job was created or modified.
	Changed
)

// ApplyStatus records a status observed by a poll issued with seq.
//
// Unknown jobs are appended so that a session can track a job it did not
// submit itself. Nothing is mutated when a newer request has been issued for
// the job since seq.
func (r *Registry) ApplyStatus(jobID string, seq uint64, status Status, now time.Time) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Stale, ErrClosed
	}
	if !r.isCurrent(jobID, seq) {
		return Stale, nil
	}

	j, ok := r.jobs[jobID]
	if !ok {
		ts := now.UTC()
		r.jobs[jobID] = &Job{ID: jobID, Status: status, CreatedAt: &ts}
		r.order = append(r.order, jobID)
		return Changed, nil
	}
	if j.Status == status {
		return Unchanged, nil
	}
	j.Status = status
	return Changed, nil
}

// Merge summarizes one ApplyHistory call.
type Merge struct {
	Applied int
	Stale   int
	Changed []string
}

// ApplyHistory merges a full history listing obtained by a request issued with seq.
//
// Known jobs get their status and error overwritten and keep their timestamp
// and result. New jobs are appended in listing order and stamped with now when
// the backend omitted a timestamp. Entries for jobs with a newer in-flight
// request are skipped.
func (r *Registry) ApplyHistory(seq uint64, entries []HistoryEntry, now time.Time) (Merge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var m Merge
	if r.closed {
		return m, ErrClosed
	}

	for _, e := range entries {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			continue
		}
		if !r.isCurrent(id, seq) {
			m.Stale++
			continue
		}
		m.Applied++

		if j, ok := r.jobs[id]; ok {
			changed := j.Status != e.Status || j.Error != e.Error
			j.Status = e.Status
			j.Error = e.Error
			if j.CreatedAt == nil && e.CreatedAt != nil {
				ts := e.CreatedAt.UTC()
				j.CreatedAt = &ts
				changed = true
			}
			if changed {
				m.Changed = append(m.Changed, id)
			}
			continue
		}

		ts := now.UTC()
		if e.CreatedAt != nil {
			ts = e.CreatedAt.UTC()
		}
		r.jobs[id] = &Job{ID: id, Status: e.Status, Error: e.Error, CreatedAt: &ts}
		r.order = append(r.order, id)
		m.Changed = append(m.Changed, id)
	}
	return m, nil
}

// BeginResultFetch claims the single result fetch for a job.
//
// It returns false when the result is already stored or another fetch is in
// flight, in which case the caller must not fetch.
func (r *Registry) BeginResultFetch(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.fetching[jobID] {
		return false
	}
	if j, ok := r.jobs[jobID]; ok && j.Result != nil {
		return false
	}
	r.fetching[jobID] = true
	return true
}

// FinishResultFetch stores the fetched structure text and releases the claim.
//
// A nil result releases the claim without storing anything so a later poll
// may try again.
func (r *Registry) FinishResultFetch(jobID string, result *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.fetching, jobID)
	if r.closed {
		return ErrClosed
	}
	if result == nil {
		return nil
	}

	j, ok := r.jobs[jobID]
	if !ok {
		return ErrUnknownJob
	}
	if j.Result == nil {
		text := *result
		j.Result = &text
	}
	return nil
}

// Get returns a copy of one job.
func (r *Registry) Get(jobID string) (Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[strings.TrimSpace(jobID)]
	if !ok {
		return Job{}, false
	}
	return j.clone(), true
}

// Snapshot returns copies of all jobs in registry order.
func (r *Registry) Snapshot() []Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].clone())
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Close marks the registry as torn down. Later mutations are rejected and
// reads keep returning the last known state.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// ResolveID returns the unique job ID that equals or starts with input.
func (r *Registry) ResolveID(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("job_id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[input]; ok {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	var matches []string
	for _, id := range r.order {
		if strings.HasPrefix(id, input) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", ErrUnknownJob
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousIDError{Input: input, Matches: len(matches)}
	}
}

// AmbiguousIDError reports a job ID prefix that matches several jobs.
type AmbiguousIDError struct {
	Input   string
	Matches int
}

func (e *AmbiguousIDError) Error() string {
	return "job id prefix " + e.Input + " is ambiguous; use the full job_id"
}
