// Package progress produces a decorative completion percentage for jobs that
// are still running.
//
// The backend reports no progress of its own. The estimate creeps toward a
// per-status ceiling on every tick and is meant only for display: nothing in
// the job lifecycle reads it.
package progress

import "github.com/3leaps/foldwatch/pkg/jobregistry"

const (
	QueuedCeiling     = 30
	ProcessingCeiling = 95
	Complete          = 100

	queuedStep     = 1
	processingStep = 2
)

// Estimator holds the current estimate for one job. The zero value starts at 0.
//
// Estimator is not safe for concurrent use.
type Estimator struct {
	value int
}

// Value returns the current estimate in percent.
func (e *Estimator) Value() int {
	return e.value
}

// Tick advances the estimate for the given status and returns it.
//
// The value never decreases: a job observed as Processing and later reported
// as Queued again keeps its higher estimate.
func (e *Estimator) Tick(status jobregistry.Status) int {
	switch status {
	case jobregistry.StatusQueued:
		e.value = step(e.value, queuedStep, QueuedCeiling)
	case jobregistry.StatusProcessing:
		e.value = step(e.value, processingStep, ProcessingCeiling)
	case jobregistry.StatusCompleted:
		e.value = Complete
	}
	return e.value
}

// Advance applies n ticks at once, for views that compute the estimate lazily
// from elapsed time.
func (e *Estimator) Advance(status jobregistry.Status, n int) int {
	for i := 0; i < n; i++ {
		e.Tick(status)
	}
	if n <= 0 && status == jobregistry.StatusCompleted {
		e.value = Complete
	}
	return e.value
}

func step(cur, inc, ceiling int) int {
	if cur >= ceiling {
		return cur
	}
	return min(cur+inc, ceiling)
}
