package chunkupload

import (
	"sync"
	"time"
)

// Stats tracks the durations of successful chunk attempts of one session.
// It is used for hung detection and reporting.
type Stats struct {
	mu       sync.Mutex
	sum      time.Duration
	finished int64
	failed   int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{}
}

// RecordSuccess records a successful chunk upload duration.
func (s *Stats) RecordSuccess(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sum += d
	s.finished++
}

// RecordFailure counts a failed chunk attempt.
func (s *Stats) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

// Average returns the average upload duration of successful chunk attempts.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished == 0 {
		return 0
	}
	return s.sum / time.Duration(s.finished)
}

// FinishedCount returns the number of successful chunk attempts.
func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

// FailedCount returns the number of failed chunk attempts.
func (s *Stats) FailedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}
