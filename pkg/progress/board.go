package progress

import (
	"sync"
	"time"

	"github.com/3leaps/foldwatch/pkg/jobregistry"
)

// DefaultInterval is how often an estimate advances by one step.
const DefaultInterval = 10 * time.Second

// Board keeps one Estimator per job and advances them lazily from elapsed
// time, so views that are only rendered on request still see the estimate
// creep forward.
//
// Board is safe for concurrent use.
type Board struct {
	interval time.Duration

	mu      sync.Mutex
	entries map[string]*boardEntry
}

type boardEntry struct {
	est  Estimator
	last time.Time
}

func NewBoard(interval time.Duration) *Board {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Board{
		interval: interval,
		entries:  make(map[string]*boardEntry),
	}
}

// Observe returns the estimate for jobID at now, applying one tick per full
// interval elapsed since the previous observation. The first observation of
// a job ticks once.
func (b *Board) Observe(jobID string, status jobregistry.Status, now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[jobID]
	if !ok {
		e = &boardEntry{last: now}
		b.entries[jobID] = e
		return e.est.Tick(status)
	}

	n := int(now.Sub(e.last) / b.interval)
	if n > 0 {
		e.last = e.last.Add(time.Duration(n) * b.interval)
	}
	return e.est.Advance(status, n)
}

// Forget drops the estimate for jobID.
func (b *Board) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, jobID)
}
