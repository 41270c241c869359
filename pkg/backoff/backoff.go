package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config holds the failure backoff parameters.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultConfig returns a sensible default backoff configuration.
func DefaultConfig() Config {
	return Config{
		Initial:    1 * time.Second,
		Max:        60 * time.Second,
		Multiplier: 2.0,
	}
}

// Schedule decides how long to wait before the next shipping attempt.
// While deliveries succeed it returns the regular period; after failures
// it stretches the interval exponentially (with jitter) up to Max, and a
// single success snaps it back to the period.
type Schedule struct {
	period   time.Duration
	cfg      Config
	failures int
}

// NewSchedule creates a schedule around the regular shipping period.
func NewSchedule(period time.Duration, cfg Config) *Schedule {
	return &Schedule{period: period, cfg: cfg}
}

// MarkSuccess records a round that reached the server.
func (s *Schedule) MarkSuccess() {
	s.failures = 0
}

// MarkFailure records a round that did not reach the server.
func (s *Schedule) MarkFailure() {
	s.failures++
}

// Failures returns the current consecutive failure count.
func (s *Schedule) Failures() int {
	return s.failures
}

// NextInterval returns the wait before the next attempt.
func (s *Schedule) NextInterval() time.Duration {
	if s.failures == 0 {
		return s.period
	}

	// Exponential backoff: initial * multiplier^(failures-1), capped.
	wait := float64(s.cfg.Initial) * math.Pow(s.cfg.Multiplier, float64(s.failures-1))
	if wait > float64(s.cfg.Max) {
		wait = float64(s.cfg.Max)
	}

	// Add jitter (±25%)
	jitter := wait * 0.25 * (rand.Float64()*2 - 1)
	wait += jitter

	// Never come back faster than the regular period.
	if wait < float64(s.period) {
		wait = float64(s.period)
	}

	return time.Duration(wait)
}
