package clock

import (
	"testing"
	"time"
)

func TestManualAdvanceFiresInOrder(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))

	var fired []string
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	m.AfterFunc(1*time.Second, func() { fired = append(fired, "a") })
	m.AfterFunc(5*time.Second, func() { fired = append(fired, "c") })

	m.Advance(3 * time.Second)

	if len(fired) != 2 || fired[0] != "a" || fired[1] != "b" {
		t.Fatalf("expected [a b], got %v", fired)
	}
	if m.Pending() != 1 {
		t.Errorf("expected 1 pending timer, got %d", m.Pending())
	}

	m.Advance(2 * time.Second)
	if len(fired) != 3 || fired[2] != "c" {
		t.Fatalf("expected [a b c], got %v", fired)
	}
}

func TestManualStop(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	fired := false
	timer := m.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatal("expected Stop to return true")
	}
	if timer.Stop() {
		t.Error("expected second Stop to return false")
	}

	m.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
}

func TestManualReset(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	count := 0
	timer := m.AfterFunc(time.Second, func() { count++ })

	m.Advance(time.Second)
	if count != 1 {
		t.Fatalf("expected 1 fire, got %d", count)
	}

	// Reset re-arms an expired timer.
	timer.Reset(2 * time.Second)
	m.Advance(time.Second)
	if count != 1 {
		t.Fatal("timer fired early after reset")
	}
	m.Advance(time.Second)
	if count != 2 {
		t.Fatalf("expected 2 fires, got %d", count)
	}
}

func TestManualTimerArmedDuringAdvance(t *testing.T) {
	m := NewManual(time.Unix(0, 0))

	var fired []string
	m.AfterFunc(time.Second, func() {
		fired = append(fired, "first")
		m.AfterFunc(time.Second, func() { fired = append(fired, "chained") })
	})

	m.Advance(3 * time.Second)
	if len(fired) != 2 || fired[1] != "chained" {
		t.Fatalf("expected chained timer to fire in same Advance, got %v", fired)
	}
	if got := m.Now(); !got.Equal(time.Unix(3, 0)) {
		t.Errorf("expected clock at t+3s, got %v", got)
	}
}
