package watcher

import (
	"context"
	"sync"
	"time"
)

// DefaultPollInterval is how often the shared commit poller runs.
const DefaultPollInterval = 5 * time.Second

// Scheduler owns the shared commit-poll timer. There is exactly one for all
// registered worktrees, so the number of concurrent version-control queries
// stays bounded. The collection starts it on the first registration and
// stops it on the last deregistration.
type Scheduler struct {
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	running bool
}

func NewScheduler(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{interval: interval}
}

// Start launches the tick loop. Each tick gets a context bounded by the poll
// interval so one slow git call cannot pile up behind the next tick.
func (s *Scheduler) Start(tick func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func(stop, done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				tick(ctx)
				cancel()
			case <-stop:
				return
			}
		}
	}(s.stop, s.done)
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
