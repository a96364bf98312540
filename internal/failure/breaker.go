package failure

import (
	"sync"
	"time"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 300 * time.Second
)

// BreakerState is the open/closed latch per (step, category).
type BreakerState string

const (
	BreakerClosed BreakerState = "closed"
	BreakerOpen   BreakerState = "open"
)

type breakerKey struct {
	stepID   string
	category Category
}

type breaker struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// BreakerStatus is a copy-out view of one breaker for status reporting.
type BreakerStatus struct {
	StepID      string       `json:"step_id"`
	Category    Category     `json:"category"`
	State       BreakerState `json:"state"`
	Failures    int          `json:"failures"`
	LastFailure time.Time    `json:"last_failure"`
}

// BreakerSet tracks circuit breakers keyed by (step id, failure category).
// A breaker opens once failures reach the threshold and closes again after
// resetTimeout has passed since the last failure.
type BreakerSet struct {
	mu           sync.Mutex
	breakers     map[breakerKey]*breaker
	threshold    int
	resetTimeout time.Duration
	now          func() time.Time
}

// NewBreakerSet builds a breaker set. Non-positive arguments fall back to
// the defaults (threshold 5, reset 300s).
func NewBreakerSet(threshold int, resetTimeout time.Duration) *BreakerSet {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	if resetTimeout <= 0 {
		resetTimeout = defaultResetTimeout
	}
	return &BreakerSet{
		breakers:     make(map[breakerKey]*breaker),
		threshold:    threshold,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *BreakerSet) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// Allow reports whether attempts may proceed for the key. An open breaker
// whose reset window has elapsed closes again and allows.
func (s *BreakerSet) Allow(stepID string, category Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[breakerKey{stepID, category}]
	if !ok || b.state == BreakerClosed {
		return true
	}
	if s.now().Sub(b.lastFailure) > s.resetTimeout {
		b.state = BreakerClosed
		b.failures = 0
		return true
	}
	return false
}

// RecordFailure counts one failure and reports whether this call opened the
// breaker.
func (s *BreakerSet) RecordFailure(stepID string, category Category) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := breakerKey{stepID, category}
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: BreakerClosed}
		s.breakers[key] = b
	}

	b.failures++
	b.lastFailure = s.now()
	if b.state == BreakerClosed && b.failures >= s.threshold {
		b.state = BreakerOpen
		return true
	}
	return false
}

// RecordSuccess resets the breaker for the key.
func (s *BreakerSet) RecordSuccess(stepID string, category Category) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[breakerKey{stepID, category}]; ok {
		b.state = BreakerClosed
		b.failures = 0
	}
}

// Snapshot returns a copy of every tracked breaker.
func (s *BreakerSet) Snapshot() []BreakerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BreakerStatus, 0, len(s.breakers))
	for key, b := range s.breakers {
		out = append(out, BreakerStatus{
			StepID:      key.stepID,
			Category:    key.category,
			State:       b.state,
			Failures:    b.failures,
			LastFailure: b.lastFailure,
		})
	}
	return out
}
