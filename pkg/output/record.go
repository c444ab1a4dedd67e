// Package output provides JSONL output for job watch sessions.
//
// Output is structured as typed record envelopes containing job updates,
// progress estimates, connectivity changes, downloaded artifacts, errors and
// a final summary. Each line is a self-contained JSON object that can be
// parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: foldwatch.<type>.v<version>
const (
	// TypeJob identifies job state records.
	TypeJob = "foldwatch.job.v1"

	// TypeProgress identifies progress estimate records.
	TypeProgress = "foldwatch.progress.v1"

	// TypeConnectivity identifies backend connectivity changes.
	TypeConnectivity = "foldwatch.connectivity.v1"

	// TypeArtifact identifies downloaded structure files.
	TypeArtifact = "foldwatch.artifact.v1"

	// TypeError identifies error records.
	TypeError = "foldwatch.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "foldwatch.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "foldwatch.job.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// SessionID correlates all records of one watch session.
	SessionID string `json:"session_id"`

	// Backend is the base URL of the prediction backend.
	Backend string `json:"backend"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// JobRecord is the data payload for a job state change.
type JobRecord struct {
	JobID     string     `json:"job_id"`
	Status    string     `json:"status"`
	Error     string     `json:"error,omitempty"`
	CreatedAt *time.Time `json:"created_at,omitempty"`
	HasResult bool       `json:"has_result"`
}

// ProgressRecord is the data payload for progress updates.
//
// Percent is a cosmetic estimate, not backend-reported progress.
type ProgressRecord struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Percent int    `json:"percent"`
}

// ConnectivityRecord is emitted when the degraded flag flips.
type ConnectivityRecord struct {
	Degraded            bool   `json:"degraded"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// ArtifactRecord is emitted after a structure file is written.
type ArtifactRecord struct {
	JobID    string `json:"job_id"`
	Location string `json:"location"`
	Bytes    int    `json:"bytes"`
}

// ErrorRecord is the data payload for errors.
//
// Errors are emitted as records rather than ending the session, so one failed
// job does not hide the others.
type ErrorRecord struct {
	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// JobID is the job related to this error, if applicable.
	JobID string `json:"job_id,omitempty"`

	// Details contains additional error context.
	Details any `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	// ErrCodeSubmissionFailed indicates the backend rejected a submission.
	ErrCodeSubmissionFailed = "SUBMISSION_FAILED"

	// ErrCodeJobFailed indicates the backend reported status Failed.
	ErrCodeJobFailed = "JOB_FAILED"

	// ErrCodeBackendUnavailable indicates transport failures or 5xx responses.
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"

	// ErrCodeArtifactWrite indicates a structure file could not be stored.
	ErrCodeArtifactWrite = "ARTIFACT_WRITE_FAILED"

	// ErrCodeTimeout indicates an operation timed out.
	ErrCodeTimeout = "TIMEOUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal = "INTERNAL"
)

// SummaryRecord is emitted once when a watch session ends.
type SummaryRecord struct {
	Jobs      int `json:"jobs"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// Pending counts jobs still active when the session stopped.
	Pending int `json:"pending"`

	// Duration is the total session duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Artifacts lists the locations written during the session.
	Artifacts []string `json:"artifacts,omitempty"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
