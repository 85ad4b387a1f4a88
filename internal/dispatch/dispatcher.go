// Package dispatch fans inbound messages out to the per-message handler under
// a concurrency ceiling, and replays checkpointed work at startup.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/checkpoint"
	"github.com/drewfead/herald/internal/logging"
)

// HandleFunc processes one inbound message. prior carries the message's
// existing checkpoint when it is a startup replay, nil otherwise.
type HandleFunc func(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint)

// Dispatcher bounds how many handlers run at once. Submit blocks the calling
// loop once the ceiling is reached; waiters are released oldest-first so rough
// arrival order is preserved.
type Dispatcher struct {
	max     int
	handler HandleFunc

	mu      sync.Mutex
	active  int
	waiters []chan struct{}
	wg      sync.WaitGroup

	replayed map[string]bool // checkpoint ids replayed this process lifetime
}

// New creates a dispatcher with the given concurrency ceiling.
func New(maxConcurrent int, handler HandleFunc) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		max:      maxConcurrent,
		handler:  handler,
		replayed: make(map[string]bool),
	}
}

// Submit runs the handler for msg on its own goroutine once a slot is free.
// It returns without handling when ctx is cancelled while waiting.
func (d *Dispatcher) Submit(ctx context.Context, msg chat.Message) {
	d.submit(ctx, msg, nil)
}

func (d *Dispatcher) submit(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
	if !d.acquire(ctx) {
		logging.Warn("dispatch aborted by shutdown", "message_id", msg.ID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.release()
		d.handler(ctx, msg, prior)
	}()
}

// Replay feeds loaded checkpoints back through the handler. Stale and
// retry-exhausted records are cleared without replay, and a checkpoint id is
// never replayed twice within one process lifetime.
func (d *Dispatcher) Replay(ctx context.Context, store *checkpoint.Store, cps []*checkpoint.Checkpoint, now time.Time, maxAge time.Duration, maxAttempts int) {
	for _, cp := range cps {
		if d.replayed[cp.ID] {
			logging.Debug("checkpoint already replayed, skipping", "id", cp.ID)
			continue
		}
		d.replayed[cp.ID] = true

		switch {
		case cp.Exhausted(maxAttempts):
			logging.Warn("dropping retry-exhausted checkpoint", "id", cp.ID, "attempts", cp.Attempts)
			d.clear(store, cp.ID)
		case cp.Stale(now, maxAge):
			logging.Warn("dropping stale checkpoint", "id", cp.ID, "updated_at_ms", cp.UpdatedAtMs)
			d.clear(store, cp.ID)
		default:
			logging.Info("replaying checkpoint", "id", cp.ID, "message_id", cp.MessageID, "attempts", cp.Attempts)
			cp.LastRecoveryAtMs = now.UnixMilli()
			d.submit(ctx, messageFromCheckpoint(cp), cp)
		}
	}
}

// Wait blocks until every in-flight handler returns.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Active returns the number of handlers currently running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

func (d *Dispatcher) acquire(ctx context.Context) bool {
	d.mu.Lock()
	if d.active < d.max {
		d.active++
		d.mu.Unlock()
		return true
	}

	ch := make(chan struct{})
	d.waiters = append(d.waiters, ch)
	d.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-ctx.Done():
		d.abandonWaiter(ch)
		return false
	}
}

// release hands the slot to the oldest waiter, or frees it when none wait.
func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.waiters) > 0 {
		ch := d.waiters[0]
		d.waiters = d.waiters[1:]
		close(ch)
		return
	}
	d.active--
}

// abandonWaiter removes a cancelled waiter. If its slot was granted in the
// race between cancellation and removal, the slot is passed on.
func (d *Dispatcher) abandonWaiter(ch chan struct{}) {
	d.mu.Lock()
	for i, w := range d.waiters {
		if w == ch {
			d.waiters = append(d.waiters[:i], d.waiters[i+1:]...)
			d.mu.Unlock()
			return
		}
	}
	d.mu.Unlock()
	// Not found: release already granted the slot to this waiter.
	d.release()
}

func (d *Dispatcher) clear(store *checkpoint.Store, id string) {
	if err := store.Clear(id); err != nil {
		logging.Warn("checkpoint clear failed", "id", id, "error", err)
	}
}

// messageFromCheckpoint reconstructs the inbound message a checkpoint was
// written for, so replays walk the same handler path as live messages.
func messageFromCheckpoint(cp *checkpoint.Checkpoint) chat.Message {
	return chat.Message{
		ID:          cp.MessageID,
		SenderID:    cp.SenderID,
		SenderName:  cp.SenderName,
		SenderEmail: cp.SenderEmail,
		Stream:      cp.Stream,
		Topic:       cp.Topic,
		Content:     cp.RawContent,
		Mentioned:   cp.Mentioned,
		MediaURLs:   cp.MediaURLs,
	}
}
