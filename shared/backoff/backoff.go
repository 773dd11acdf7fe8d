// Package backoff implements a small additive-then-capped backoff
// strategy, used by the network package's Transactions/Grandpa
// substream reopen retries.
package backoff

import "time"

// Strategy tracks the current backoff duration and the instant at
// which the next attempt becomes active again. Each Fail sets the
// duration to initial plus factor times the previous duration
// (which starts at zero), capped at cap.
type Strategy struct {
	base circuitBase
}

type circuitBase struct {
	initial    time.Duration
	factor     float32
	cap        time.Duration
	duration   time.Duration
	activateAt time.Time
}

// New returns a Strategy fixed at a constant delay (factor 0, so every
// failure waits exactly delay), matching a plain retry-after-failed
// schedule with no growth.
func New(delay time.Duration) *Strategy {
	return &Strategy{base: circuitBase{initial: delay, cap: delay}}
}

// NewExponential returns a Strategy whose delay grows by factor on
// every consecutive failure, capped at capDelay. Used where naive
// immediate retries risk hammering a misbehaving peer.
func NewExponential(initial time.Duration, factor float32, capDelay time.Duration) *Strategy {
	return &Strategy{base: circuitBase{initial: initial, factor: factor, cap: capDelay}}
}

// Fail records a failure at now, grows the duration, and arms the
// cooldown.
func (s *Strategy) Fail(now time.Time) {
	s.base.duration = s.base.initial + time.Duration(float32(s.base.duration)*s.base.factor)
	if s.base.duration > s.base.cap {
		s.base.duration = s.base.cap
	}
	s.base.activateAt = now.Add(s.base.duration)
}

// Succeed resets the strategy to its un-failed state, so the next
// Fail starts growing from initial again.
func (s *Strategy) Succeed() {
	s.base.duration = 0
	s.base.activateAt = time.Time{}
}

// ReadyAt returns the instant this backoff becomes inactive.
func (s *Strategy) ReadyAt() time.Time {
	return s.base.activateAt
}

// Ready reports whether the cooldown has elapsed as of now.
func (s *Strategy) Ready(now time.Time) bool {
	return !now.Before(s.base.activateAt)
}
