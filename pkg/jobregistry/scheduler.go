package jobregistry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultHistoryInterval = 10 * time.Second
	DefaultStatusInterval  = 3 * time.Second
)

// SchedulerConfig configures background polling.
type SchedulerConfig struct {
	HistoryInterval time.Duration
	StatusInterval  time.Duration

	// PollTerminal keeps polling Completed and Failed jobs. Off by default:
	// terminal states never change on the backend.
	PollTerminal bool

	Logger *zap.Logger
}

// Scheduler drives a Tracker: a full history refresh on start and on every
// history tick, and a status poll for the current job and every watched job on
// every status tick.
//
// At most one request per key (history, or one job ID) is in flight. A tick
// that finds its previous request still running is skipped.
type Scheduler struct {
	tracker *Tracker
	cfg     SchedulerConfig
	logger  *zap.Logger

	mu       sync.Mutex
	current  string
	watched  map[string]struct{}
	inflight map[string]struct{}

	wg sync.WaitGroup
}

const historyKey = "\x00history"

func NewScheduler(tracker *Tracker, cfg SchedulerConfig) *Scheduler {
	if cfg.HistoryInterval <= 0 {
		cfg.HistoryInterval = DefaultHistoryInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
		watched:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// SetCurrent makes jobID the job being viewed in detail.
func (s *Scheduler) SetCurrent(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = strings.TrimSpace(jobID)
}

func (s *Scheduler) ClearCurrent() {
	s.SetCurrent("")
}

func (s *Scheduler) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Watch adds jobID to the set of jobs polled on every status tick.
func (s *Scheduler) Watch(jobID string) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watched[jobID] = struct{}{}
}

func (s *Scheduler) Unwatch(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watched, strings.TrimSpace(jobID))
}

// Watched returns the watched job IDs in sorted order.
func (s *Scheduler) Watched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watched))
	for id := range s.watched {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Run polls until ctx is done, then waits for in-flight requests and closes
// the tracker. It always returns nil; request failures surface through the
// tracker's outcomes and connectivity signal.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting job polling",
		zap.Duration("history_interval", s.cfg.HistoryInterval),
		zap.Duration("status_interval", s.cfg.StatusInterval),
		zap.Bool("poll_terminal", s.cfg.PollTerminal))

	s.refresh(ctx)
	s.pollStatuses(ctx)

	historyTicker := time.NewTicker(s.cfg.HistoryInterval)
	statusTicker := time.NewTicker(s.cfg.StatusInterval)
	defer historyTicker.Stop()
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			historyTicker.Stop()
			statusTicker.Stop()
			s.wg.Wait()
			s.tracker.Close()
			s.logger.Info("Stopped job polling")
			return nil
		case <-historyTicker.C:
			s.refresh(ctx)
		case <-statusTicker.C:
			s.pollStatuses(ctx)
		}
	}
}

func (s *Scheduler) refresh(ctx context.Context) {
	s.dispatch(ctx, historyKey, func(ctx context.Context) {
		s.tracker.RefreshAll(ctx)
	})
}

// pollStatuses dispatches one request per polling target.
func (s *Scheduler) pollStatuses(ctx context.Context) {
	reg := s.tracker.Registry()
	for _, id := range s.targets() {
		job, known := reg.Get(id)
		if known && job.Status.IsTerminal() {
			if job.Status == StatusCompleted && !job.HasResult() {
				s.dispatch(ctx, id, func(ctx context.Context) {
					_ = s.tracker.FetchResult(ctx, id)
				})
				continue
			}
			if !s.cfg.PollTerminal {
				continue
			}
		}
		s.dispatch(ctx, id, func(ctx context.Context) {
			s.tracker.PollStatus(ctx, id)
		})
	}
}

func (s *Scheduler) targets() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.watched)+1)
	if s.current != "" {
		out = append(out, s.current)
	}
	for id := range s.watched {
		if id != s.current {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) dispatch(ctx context.Context, key string, fn func(context.Context)) {
	if ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if _, busy := s.inflight[key]; busy {
		s.mu.Unlock()
		s.logger.Debug("Skipping poll, previous request still in flight", zap.String("key", key))
		return
	}
	s.inflight[key] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		fn(ctx)
	}()
}
