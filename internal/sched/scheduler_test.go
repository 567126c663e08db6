package sched

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestFakeClockAdvance(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))

	var fired []string
	clock.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	clock.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	clock.AfterFunc(10*time.Second, func() { fired = append(fired, "c") })

	clock.Advance(5 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Errorf("expected [a b], got %v", fired)
	}

	clock.Advance(5 * time.Second)
	if len(fired) != 3 || fired[2] != "c" {
		t.Errorf("expected c to fire, got %v", fired)
	}
}

func TestFakeClockStop(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))

	fired := false
	timer := clock.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Error("Stop returned false for pending timer")
	}

	clock.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestSchedulerAfter(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	s := NewScheduler(clock)

	var count atomic.Int32
	s.After(time.Minute, func() { count.Add(1) })

	clock.Advance(30 * time.Second)
	if count.Load() != 0 {
		t.Error("callback fired early")
	}

	clock.Advance(31 * time.Second)
	if count.Load() != 1 {
		t.Errorf("expected 1 fire, got %d", count.Load())
	}

	// One-shot: further time does nothing
	clock.Advance(5 * time.Minute)
	if count.Load() != 1 {
		t.Errorf("one-shot fired again: %d", count.Load())
	}
	if s.Pending() != 0 {
		t.Errorf("expected no pending handles, got %d", s.Pending())
	}
}

func TestSchedulerAfterCancel(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	s := NewScheduler(clock)

	var count atomic.Int32
	h := s.After(time.Minute, func() { count.Add(1) })
	h.Cancel()

	clock.Advance(2 * time.Minute)
	if count.Load() != 0 {
		t.Error("cancelled callback fired")
	}
}

func TestSchedulerEvery(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	s := NewScheduler(clock)

	var count atomic.Int32
	h := s.Every(10*time.Second, func() { count.Add(1) })

	for i := 0; i < 3; i++ {
		clock.Advance(10 * time.Second)
	}
	if count.Load() != 3 {
		t.Errorf("expected 3 fires, got %d", count.Load())
	}

	h.Cancel()
	clock.Advance(time.Minute)
	if count.Load() != 3 {
		t.Errorf("cancelled recurring callback fired again: %d", count.Load())
	}
}

func TestSchedulerStop(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	s := NewScheduler(clock)

	var count atomic.Int32
	s.After(time.Second, func() { count.Add(1) })
	s.Every(time.Second, func() { count.Add(1) })

	s.Stop()
	clock.Advance(time.Minute)

	if count.Load() != 0 {
		t.Errorf("callbacks fired after Stop: %d", count.Load())
	}

	// New work after Stop is rejected
	s.After(time.Second, func() { count.Add(1) })
	clock.Advance(time.Minute)
	if count.Load() != 0 {
		t.Error("After accepted work on a stopped scheduler")
	}
}

func TestAdaptiveInterval(t *testing.T) {
	a := NewAdaptiveInterval(30*time.Second, 10*time.Minute, 2)

	if a.Current() != 30*time.Second {
		t.Errorf("expected start at min, got %v", a.Current())
	}

	// Idle grows, clamped at max
	for i := 0; i < 10; i++ {
		a.Observe(false)
	}
	if a.Current() != 10*time.Minute {
		t.Errorf("expected clamp at max, got %v", a.Current())
	}

	// Activity shrinks, clamped at min
	for i := 0; i < 10; i++ {
		a.Observe(true)
	}
	if a.Current() != 30*time.Second {
		t.Errorf("expected clamp at min, got %v", a.Current())
	}

	a.Observe(false)
	if a.Current() != time.Minute {
		t.Errorf("expected doubling to 1m, got %v", a.Current())
	}
	a.Reset()
	if a.Current() != 30*time.Second {
		t.Errorf("expected reset to min, got %v", a.Current())
	}
}
