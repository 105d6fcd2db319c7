package clock

import (
	"slices"
	"sync"
	"time"
)

// Simulated implements Clock with a virtual notion of time that only moves
// when Run is called. Timers fire during Run when their deadlines are
// reached, in deadline order.
//
// The zero value is usable and starts at the zero time.
type Simulated struct {
	mu     sync.Mutex
	cond   *sync.Cond
	now    time.Time
	timers []*simTimer
}

var _ Clock = (*Simulated)(nil)

type simTimer struct {
	clk      *Simulated
	deadline time.Time
	ch       chan time.Time
	done     bool
}

func (s *Simulated) init() {
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
}

// Now implements Clock.
func (s *Simulated) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.now
}

// NewTimer implements Clock. A non-positive duration fires immediately.
func (s *Simulated) NewTimer(d time.Duration) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	t := &simTimer{
		clk:      s,
		deadline: s.now.Add(d),
		ch:       make(chan time.Time, 1),
	}

	if d <= 0 {
		t.ch <- t.deadline
		t.done = true

		return t
	}

	s.timers = append(s.timers, t)
	s.cond.Broadcast()

	return t
}

// Run advances the clock by d, firing every timer whose deadline is
// reached, in deadline order.
func (s *Simulated) Run(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	s.now = s.now.Add(d)

	slices.SortStableFunc(s.timers, func(a, b *simTimer) int {
		return a.deadline.Compare(b.deadline)
	})

	remaining := s.timers[:0]

	for _, t := range s.timers {
		if t.done {
			continue
		}

		if t.deadline.After(s.now) {
			remaining = append(remaining, t)

			continue
		}

		t.ch <- t.deadline
		t.done = true
	}

	s.timers = remaining
}

// ActiveTimers returns the number of timers that have neither fired nor
// been stopped.
func (s *Simulated) ActiveTimers() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}

	return n
}

// WaitForTimers blocks until at least n timers are active. Tests use this
// to let a goroutine arm its timer before advancing the clock.
func (s *Simulated) WaitForTimers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.init()

	for s.activeLocked() < n {
		s.cond.Wait()
	}
}

func (s *Simulated) activeLocked() int {
	n := 0

	for _, t := range s.timers {
		if !t.done {
			n++
		}
	}

	return n
}

func (t *simTimer) C() <-chan time.Time { return t.ch }

func (t *simTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()

	if t.done {
		return false
	}

	t.done = true

	return true
}
