package jobregistry

import (
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a prediction job as reported by the backend.
//
// NOTE: These values are the exact strings used on the wire by the backend
// and are part of the stable contract.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
)

// IsTerminal reports whether no further transitions are expected.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the job is still waiting on the backend.
func (s Status) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// ParseStatus converts a wire string into a Status.
//
// Matching is exact; the backend always emits the capitalized form.
func ParseStatus(raw string) (Status, error) {
	switch Status(strings.TrimSpace(raw)) {
	case StatusQueued:
		return StatusQueued, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

// Job is the client-side view of one submitted prediction request.
type Job struct {
	ID     string `json:"job_id"`
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	// Result is the raw structure-file text. It is nil until fetched.
	Result *string `json:"-"`

	// CreatedAt is client-assigned when the backend does not report one.
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// HasResult reports whether the structure file has been fetched.
func (j Job) HasResult() bool {
	return j.Result != nil
}

func (j Job) clone() Job {
	out := j
	if j.Result != nil {
		r := *j.Result
		out.Result = &r
	}
	if j.CreatedAt != nil {
		t := *j.CreatedAt
		out.CreatedAt = &t
	}
	return out
}

// HistoryEntry is one element of a full history refresh.
type HistoryEntry struct {
	ID        string
	Status    Status
	Error     string
	CreatedAt *time.Time
}
