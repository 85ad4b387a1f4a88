package clock

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual is a test clock whose time only moves when Advance is called.
// Timers fire synchronously inside Advance, in deadline order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int
}

// NewManual creates a manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) AfterFunc(d time.Duration, fn func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t := &manualTimer{
		clock:    m,
		deadline: m.now.Add(d),
		fn:       fn,
		seq:      m.seq,
	}
	m.timers = append(m.timers, t)
	return t
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	done := make(chan struct{})
	m.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Advance moves time forward by d, firing every timer whose deadline passes.
// Callbacks run outside the clock lock so they may arm new timers; a timer
// armed during Advance fires in the same call if its deadline is within d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.mu.Lock()
		if t.deadline.After(m.now) {
			m.now = t.deadline
		}
		m.mu.Unlock()
		t.fn()
	}

	m.mu.Lock()
	if target.After(m.now) {
		m.now = target
	}
	m.mu.Unlock()
}

// nextDue pops the earliest unexpired timer with deadline <= target.
func (m *Manual) nextDue(target time.Time) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].deadline.Equal(m.timers[j].deadline) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].deadline.Before(m.timers[j].deadline)
	})

	for i, t := range m.timers {
		if t.stopped {
			continue
		}
		if t.deadline.After(target) {
			return nil
		}
		t.stopped = true
		m.timers = append(m.timers[:i], m.timers[i+1:]...)
		return t
	}
	return nil
}

// Pending returns the number of armed timers, for test assertions.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

type manualTimer struct {
	clock    *Manual
	deadline time.Time
	fn       func()
	seq      int
	stopped  bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (t *manualTimer) Reset(d time.Duration) {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.deadline = t.clock.now.Add(d)
	if t.stopped {
		t.stopped = false
		t.clock.timers = append(t.clock.timers, t)
	}
}
