package event

import (
	"time"
)

// Simulated is a Dispatcher driven by a manual clock. Posted callbacks run
// on RunPending or Advance; timers fire only when Advance reaches their
// deadline. It is not safe for concurrent use.
type Simulated struct {
	now    time.Time
	posted []func()
	timers []*simTimer
	seq    uint64
}

// NewSimulated creates a simulated dispatcher whose clock starts at start.
func NewSimulated(start time.Time) *Simulated {
	return &Simulated{now: start}
}

// Now implements Dispatcher.
func (s *Simulated) Now() time.Time {
	return s.now
}

// Post implements Dispatcher.
func (s *Simulated) Post(fn func()) {
	s.posted = append(s.posted, fn)
}

// NewTimer implements Dispatcher.
func (s *Simulated) NewTimer(cb func()) Timer {
	t := &simTimer{sim: s, cb: cb}
	s.timers = append(s.timers, t)
	return t
}

// RunPending runs posted callbacks, including ones posted while running,
// until none are left.
func (s *Simulated) RunPending() {
	for len(s.posted) > 0 {
		fn := s.posted[0]
		s.posted = s.posted[1:]
		fn()
	}
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window in deadline order.
func (s *Simulated) Advance(d time.Duration) {
	target := s.now.Add(d)
	s.RunPending()

	for {
		next := s.nextDue(target)
		if next == nil {
			break
		}
		s.now = next.deadline
		next.armed = false
		next.cb()
		s.RunPending()
	}
	s.now = target
}

// ArmedTimers returns how many timers are currently armed.
func (s *Simulated) ArmedTimers() int {
	n := 0
	for _, t := range s.timers {
		if t.armed {
			n++
		}
	}
	return n
}

func (s *Simulated) nextDue(target time.Time) *simTimer {
	var next *simTimer
	for _, t := range s.timers {
		if !t.armed || t.deadline.After(target) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) ||
			(t.deadline.Equal(next.deadline) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

type simTimer struct {
	sim      *Simulated
	cb       func()
	deadline time.Time
	armed    bool
	seq      uint64
}

func (t *simTimer) Enable(d time.Duration) {
	t.sim.seq++
	t.seq = t.sim.seq
	t.deadline = t.sim.now.Add(d)
	t.armed = true
}

func (t *simTimer) Disable() {
	t.armed = false
}

func (t *simTimer) Enabled() bool {
	return t.armed
}
