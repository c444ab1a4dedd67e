package jobregistry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	// EventJobUpdated fires when a job's status or error changes.
	EventJobUpdated EventType = "job.updated"

	// EventJobResult fires once when a job's structure file is stored.
	EventJobResult EventType = "job.result"

	// EventConnectivity fires when the degraded flag flips.
	EventConnectivity EventType = "connectivity"
)

// Event is a notification about registry or connectivity changes.
type Event struct {
	Type         EventType     `json:"type"`
	JobID        string        `json:"job_id,omitempty"`
	Job          *Job          `json:"job,omitempty"`
	Connectivity *Connectivity `json:"connectivity,omitempty"`
	At           time.Time     `json:"at"`
}

const subscriberBuffer = 64

type eventBus struct {
	logger *zap.Logger
	mu     sync.RWMutex
	next   int
	subs   map[int]chan Event
}

func newEventBus(logger *zap.Logger) *eventBus {
	return &eventBus{
		logger: logger,
		subs:   make(map[int]chan Event),
	}
}

// subscribe returns a channel of events and a function that ends the
// subscription and closes the channel.
func (b *eventBus) subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
	return ch, unsub
}

// publish never blocks; a full subscriber misses the event.
func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Event subscriber is full, dropping event",
				zap.String("type", string(e.Type)),
				zap.String("job_id", e.JobID))
		}
	}
}

// closeAll ends every subscription.
func (b *eventBus) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
