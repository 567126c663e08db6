package sched

import (
	"sync"
	"time"
)

// Scheduler owns one-shot and recurring callbacks. All handles are
// cancellable, and Stop cancels everything and waits for callbacks already
// running. Callbacks run on the clock's timer goroutine.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	handles map[int64]*Handle
	nextID  int64
	stopped bool
	wg      sync.WaitGroup
}

// Handle identifies a scheduled callback.
type Handle struct {
	id    int64
	s     *Scheduler
	mu    sync.Mutex
	timer Timer
	done  bool
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{
		clock:   clock,
		handles: make(map[int64]*Handle),
	}
}

// After schedules fn to run once after d.
func (s *Scheduler) After(d time.Duration, fn func()) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &Handle{done: true}
	}

	s.nextID++
	h := &Handle{id: s.nextID, s: s}
	s.handles[h.id] = h

	h.timer = s.clock.AfterFunc(d, func() {
		if !s.enter(h) {
			return
		}
		defer s.wg.Done()
		defer s.remove(h.id)
		h.markDone()
		fn()
	})
	return h
}

// Every schedules fn to run repeatedly with period d until cancelled. The
// next run is armed after fn returns, so a slow callback never overlaps
// itself.
func (s *Scheduler) Every(d time.Duration, fn func()) *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return &Handle{done: true}
	}

	s.nextID++
	h := &Handle{id: s.nextID, s: s}
	s.handles[h.id] = h

	var arm func()
	arm = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.done {
			return
		}
		h.timer = s.clock.AfterFunc(d, func() {
			if !s.enter(h) {
				return
			}
			fn()
			s.wg.Done()
			arm()
		})
	}
	arm()
	return h
}

// enter registers a starting callback; false means the scheduler stopped or
// the handle was cancelled first. The cancelled check happens before s.mu is
// taken so Cancel's lock order never inverts.
func (s *Scheduler) enter(h *Handle) bool {
	if h.cancelled() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

// Cancel stops the handle. Safe to call multiple times and on handles whose
// callback already ran.
func (s *Scheduler) Cancel(h *Handle) {
	if h == nil {
		return
	}
	h.Cancel()
}

// Cancel stops the pending callback.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.done = true
	if h.timer != nil {
		h.timer.Stop()
	}
	h.mu.Unlock()
	if h.s != nil {
		h.s.remove(h.id)
	}
}

func (h *Handle) markDone() {
	h.mu.Lock()
	h.done = true
	h.mu.Unlock()
}

func (h *Handle) cancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// Stop cancels all pending handles and blocks until in-flight callbacks
// return. The scheduler accepts no new work afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	s.wg.Wait()
}

// Pending reports the number of scheduled, not-yet-fired handles.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}
