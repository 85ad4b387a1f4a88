package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/checkpoint"
)

func TestDispatcherBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	running, peak := 0, 0
	release := make(chan struct{})

	d := New(2, func(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		<-release
		mu.Lock()
		running--
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			d.Submit(context.Background(), chat.Message{ID: int64(i)})
		}
		close(done)
	}()

	// Submitter must block on the third message.
	select {
	case <-done:
		t.Fatal("submit loop finished without blocking at the ceiling")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-done
	d.Wait()

	if peak > 2 {
		t.Fatalf("expected at most 2 concurrent handlers, saw %d", peak)
	}
}

func TestSubmitAbortsOnCancelledContext(t *testing.T) {
	block := make(chan struct{})
	d := New(1, func(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
		<-block
	})

	d.Submit(context.Background(), chat.Message{ID: 1})

	ctx, cancel := context.WithCancel(context.Background())
	waiting := make(chan struct{})
	go func() {
		close(waiting)
		d.Submit(ctx, chat.Message{ID: 2})
	}()
	<-waiting
	cancel()

	close(block)
	d.Wait()

	if got := d.Active(); got != 0 {
		t.Fatalf("expected 0 active after drain, got %d", got)
	}
}

func replayCheckpoint(id string, msgID int64, attempts int, updatedAt time.Time) *checkpoint.Checkpoint {
	return &checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		ID:            id,
		Account:       "acct",
		Stream:        "support",
		Topic:         "help",
		MessageID:     msgID,
		SessionKey:    "acct/support/help",
		RawContent:    "do the thing",
		Attempts:      attempts,
		CreatedAtMs:   updatedAt.UnixMilli(),
		UpdatedAtMs:   updatedAt.UnixMilli(),
	}
}

func TestReplayDropsExhaustedAndStale(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100000, 0)

	fresh := replayCheckpoint("aaa", 1, 0, now.Add(-time.Minute))
	exhausted := replayCheckpoint("bbb", 2, 3, now.Add(-time.Minute))
	stale := replayCheckpoint("ccc", 3, 0, now.Add(-48*time.Hour))
	for _, cp := range []*checkpoint.Checkpoint{fresh, exhausted, stale} {
		if err := store.Write(cp); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	var handled []int64
	d := New(4, func(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
		mu.Lock()
		handled = append(handled, msg.ID)
		mu.Unlock()
	})

	d.Replay(context.Background(), store, []*checkpoint.Checkpoint{fresh, exhausted, stale}, now, 24*time.Hour, 3)
	d.Wait()

	if len(handled) != 1 || handled[0] != 1 {
		t.Fatalf("expected only message 1 replayed, got %v", handled)
	}

	left, err := store.LoadAll("")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].ID != "aaa" {
		t.Fatalf("expected exhausted and stale records cleared, left %d", len(left))
	}
}

func TestReplayGuardIsOncePerProcess(t *testing.T) {
	store, err := checkpoint.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100000, 0)
	cp := replayCheckpoint("aaa", 1, 0, now.Add(-time.Minute))

	var mu sync.Mutex
	count := 0
	d := New(4, func(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	// Same id appears twice in one load and again in a later load.
	d.Replay(context.Background(), store, []*checkpoint.Checkpoint{cp, cp}, now, 24*time.Hour, 3)
	d.Replay(context.Background(), store, []*checkpoint.Checkpoint{cp}, now, 24*time.Hour, 3)
	d.Wait()

	if count != 1 {
		t.Fatalf("expected exactly one replay, got %d", count)
	}
}
