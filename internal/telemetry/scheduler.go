package telemetry

import (
	"sync"
	"time"

	"github.com/juju/clock"
)

// Scheduler holds at most one pending task.
type Scheduler struct {
	clk clock.Clock

	mu      sync.Mutex
	timer   clock.Timer
	gen     uint64
	stopped bool
}

func NewScheduler(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{clk: clk}
}

// ScheduleIfAbsent arms fn to run after d unless a task is already pending.
// It reports whether fn was scheduled.
func (s *Scheduler) ScheduleIfAbsent(d time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return false
	}
	s.arm(d, fn)
	return true
}

// Reschedule replaces any pending task with fn after d.
func (s *Scheduler) Reschedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.cancelLocked()
	s.arm(d, fn)
}

// Cancel drops the pending task, if any, and reports whether one was dropped.
func (s *Scheduler) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked()
}

func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop cancels the pending task and refuses further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.stopped = true
}

func (s *Scheduler) arm(d time.Duration, fn func()) {
	s.gen++
	gen := s.gen
	s.timer = s.clk.AfterFunc(d, func() {
		s.mu.Lock()
		if s.gen != gen || s.timer == nil {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		fn()
	})
}

func (s *Scheduler) cancelLocked() bool {
	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
	return true
}
