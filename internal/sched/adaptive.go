package sched

import (
	"sync"
	"time"
)

// AdaptiveInterval tracks a check interval that tightens while a session is
// active and relaxes while it idles, clamped to [Min, Max].
type AdaptiveInterval struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64

	mu      sync.Mutex
	current time.Duration
}

// NewAdaptiveInterval starts at min with the given growth factor. A factor
// at or below 1 is coerced to 2.
func NewAdaptiveInterval(min, max time.Duration, factor float64) *AdaptiveInterval {
	if factor <= 1 {
		factor = 2
	}
	return &AdaptiveInterval{Min: min, Max: max, Factor: factor, current: min}
}

// Current returns the interval to use for the next check.
func (a *AdaptiveInterval) Current() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Observe adjusts the interval: an active session shrinks it by Factor, an
// idle one grows it by Factor. The result stays within [Min, Max].
func (a *AdaptiveInterval) Observe(active bool) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	if active {
		a.current = time.Duration(float64(a.current) / a.Factor)
	} else {
		a.current = time.Duration(float64(a.current) * a.Factor)
	}
	if a.current < a.Min {
		a.current = a.Min
	}
	if a.current > a.Max {
		a.current = a.Max
	}
	return a.current
}

// Reset snaps the interval back to Min.
func (a *AdaptiveInterval) Reset() {
	a.mu.Lock()
	a.current = a.Min
	a.mu.Unlock()
}
