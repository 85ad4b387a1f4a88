// Package clock abstracts timers so backoff, debounce, freshness checks and
// watchdogs can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired
	// or was stopped.
	Stop() bool

	// Reset re-arms the timer with a new duration.
	Reset(d time.Duration)
}

// Clock provides time and timer construction.
type Clock interface {
	Now() time.Time

	// AfterFunc arms a timer that calls fn after d elapses.
	AfterFunc(d time.Duration, fn func()) Timer

	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in
	// the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// System is the real clock backed by the time package.
type System struct{}

// NewSystem returns the wall clock.
func NewSystem() *System {
	return &System{}
}

func (*System) Now() time.Time {
	return time.Now()
}

func (*System) AfterFunc(d time.Duration, fn func()) Timer {
	return &systemTimer{t: time.AfterFunc(d, fn)}
}

func (*System) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type systemTimer struct {
	t *time.Timer
}

func (s *systemTimer) Stop() bool {
	return s.t.Stop()
}

func (s *systemTimer) Reset(d time.Duration) {
	s.t.Reset(d)
}
