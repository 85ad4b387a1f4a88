package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/drewfead/herald/internal/clock"
)

func TestSeenBasics(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	c := New(time.Minute, 100, clk)

	if c.Seen("msg-1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !c.Seen("msg-1") {
		t.Fatal("repeat within TTL not reported as duplicate")
	}
	if c.Seen("msg-2") {
		t.Fatal("distinct id reported as duplicate")
	}
}

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	c := New(time.Minute, 100, clk)

	c.Seen("msg-1")
	clk.Advance(61 * time.Second)

	if c.Seen("msg-1") {
		t.Fatal("expired entry still reported as duplicate")
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	c := New(time.Hour, 3, clk)

	for i := 1; i <= 4; i++ {
		c.Seen(fmt.Sprintf("msg-%d", i))
		clk.Advance(time.Second)
	}

	if c.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", c.Len())
	}
	// msg-1 evicted, rest retained.
	if c.Seen("msg-1") {
		t.Error("evicted entry reported as duplicate")
	}
	if !c.Seen("msg-4") {
		t.Error("recent entry lost")
	}
}

func TestReinsertAfterExpirySurvivesEviction(t *testing.T) {
	clk := clock.NewManual(time.Unix(1000, 0))
	c := New(30*time.Second, 3, clk)

	c.Seen("msg-1")
	clk.Advance(31 * time.Second) // msg-1 expires

	c.Seen("msg-1") // re-inserted fresh
	c.Seen("msg-2")
	c.Seen("msg-3")
	c.Seen("msg-4") // over capacity: oldest live entry is msg-1 again

	if !c.Seen("msg-4") || !c.Seen("msg-3") {
		t.Error("fresh entries lost to eviction")
	}
}
