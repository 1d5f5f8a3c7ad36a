package broadcast

import (
	"sync"
	"time"
)

// StatsSnapshot is the per-run aggregate.
type StatsSnapshot struct {
	Sent        int
	Failed      int
	RateLimited int
	StartedAt   time.Time
	Elapsed     time.Duration
	// Throughput is successful sends per hour over the elapsed run time.
	Throughput float64
}

// Stats aggregates run-scoped counters. Zero value is ready to use.
type Stats struct {
	mu          sync.Mutex
	sent        int
	failed      int
	rateLimited int
	startedAt   time.Time
	stoppedAt   time.Time
}

func (s *Stats) reset(now time.Time) {
	s.mu.Lock()
	s.sent, s.failed, s.rateLimited = 0, 0, 0
	s.startedAt = now
	s.stoppedAt = time.Time{}
	s.mu.Unlock()
}

func (s *Stats) addSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
	return s.sent
}

func (s *Stats) addFailed() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

func (s *Stats) addRateLimited() {
	s.mu.Lock()
	s.rateLimited++
	s.mu.Unlock()
}

func (s *Stats) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func (s *Stats) stop(now time.Time) {
	s.mu.Lock()
	if s.stoppedAt.IsZero() {
		s.stoppedAt = now
	}
	s.mu.Unlock()
}

// Snapshot computes elapsed time up to now (or the stop time).
func (s *Stats) Snapshot(now time.Time) StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := StatsSnapshot{
		Sent:        s.sent,
		Failed:      s.failed,
		RateLimited: s.rateLimited,
		StartedAt:   s.startedAt,
	}
	if s.startedAt.IsZero() {
		return out
	}
	end := now
	if !s.stoppedAt.IsZero() {
		end = s.stoppedAt
	}
	out.Elapsed = end.Sub(s.startedAt)
	if hours := out.Elapsed.Hours(); hours > 0 {
		out.Throughput = float64(s.sent) / hours
	}
	return out
}
