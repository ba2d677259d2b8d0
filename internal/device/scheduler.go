package device

import (
	"context"
	"time"
)

// DefaultPollInterval is the Scheduler tick when none is given.
const DefaultPollInterval = 250 * time.Millisecond

// Scheduler periodically expires overdue requests and enforces the
// registration deadline for every Device in a Registry.
type Scheduler struct {
	registry *Registry
	interval time.Duration
}

// NewScheduler creates a Scheduler polling r every interval
// (DefaultPollInterval if <= 0).
func NewScheduler(r *Registry, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{registry: r, interval: interval}
}

// Interval returns the poll interval.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.registry.now())
		}
	}
}

// Tick runs one poll as of now and returns how many requests timed out.
func (s *Scheduler) Tick(now time.Time) int {
	expired := 0
	for _, d := range s.registry.List() {
		expired += d.expire(now)
	}
	return expired
}
