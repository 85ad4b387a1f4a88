// Package relay renders one live, debounced, continuously edited progress
// message per sub-agent run, with an optional mirrored copy whose pointer
// survives crashes.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/logging"
)

type runStatus string

const (
	statusRunning runStatus = "running"
	statusOK      runStatus = "ok"
	statusError   runStatus = "error"
)

// Deliverer is the slice of the chat client the relay needs.
type Deliverer interface {
	Send(ctx context.Context, stream, topic, content string) (int64, error)
	Edit(ctx context.Context, messageID int64, content string) error
}

// OverlayFunc reports a run's watchdog stage ("nudged", "frozen", or "") for
// the header overlay.
type OverlayFunc func(runID string) string

type runState struct {
	label  string
	model  string
	origin string
	stream string
	topic  string

	lines  []string
	calls  int
	status runStatus

	startedAt time.Time
	msgID     int64
	mirrorID  int64
	debounce  clock.Timer
	dirty     bool
}

// Relay accumulates tool-call lines per run and flushes them as a single
// edited message.
type Relay struct {
	cfg     config.RelayConfig
	msgr    Deliverer
	clock   clock.Clock
	overlay OverlayFunc
	state   *MirrorState

	mu   sync.Mutex
	runs map[string]*runState
}

// TrackOptions describes a new run to relay progress for.
type TrackOptions struct {
	Label  string
	Model  string
	Origin string
	Stream string
	Topic  string
}

// New creates a relay. overlay may be nil.
func New(cfg config.RelayConfig, msgr Deliverer, clk clock.Clock, overlay OverlayFunc) *Relay {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if overlay == nil {
		overlay = func(string) string { return "" }
	}
	return &Relay{
		cfg:     cfg,
		msgr:    msgr,
		clock:   clk,
		overlay: overlay,
		state:   LoadMirrorState(cfg.StatePath),
		runs:    make(map[string]*runState),
	}
}

// Track begins relaying progress for a run.
func (r *Relay) Track(runID string, opts TrackOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[runID]; ok {
		return
	}
	r.runs[runID] = &runState{
		label:     opts.Label,
		model:     opts.Model,
		origin:    opts.Origin,
		stream:    opts.Stream,
		topic:     opts.Topic,
		status:    statusRunning,
		startedAt: r.clock.Now(),
	}
}

// OnToolStart appends one rendered line for a tool call and schedules a
// debounced flush, coalescing bursts into a single outbound edit.
func (r *Relay) OnToolStart(runID, tool, detail string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.runs[runID]
	if !ok {
		return
	}
	s.calls++
	elapsed := formatElapsed(r.clock.Now().Sub(s.startedAt))
	line := fmt.Sprintf("[%s] %s", elapsed, tool)
	if detail != "" {
		line += " — " + detail
	}
	s.lines = append(s.lines, line)
	s.dirty = true

	if s.debounce == nil {
		s.debounce = r.clock.AfterFunc(r.cfg.Debounce, func() {
			r.flush(runID)
		})
	}
}

// OnLifecycleEnd finalizes a run's message and tears down its timers.
func (r *Relay) OnLifecycleEnd(runID string, failed bool) {
	r.mu.Lock()
	s, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if failed {
		s.status = statusError
	} else {
		s.status = statusOK
	}
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	s.dirty = true
	r.mu.Unlock()

	r.flush(runID)

	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
	r.state.Remove(runID)
}

// flush renders the run and delivers it: first as a fresh send, afterwards as
// edits of the recorded message, falling back to a send when the edit target
// is gone.
func (r *Relay) flush(runID string) {
	r.mu.Lock()
	s, ok := r.runs[runID]
	if !ok || !s.dirty {
		if ok {
			s.debounce = nil
		}
		r.mu.Unlock()
		return
	}
	s.dirty = false
	s.debounce = nil
	content := s.render(r.overlay(runID))
	stream, topic := s.stream, s.topic
	msgID := s.msgID
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	newID := r.deliver(ctx, stream, topic, msgID, content)
	r.mu.Lock()
	if s, ok := r.runs[runID]; ok {
		s.msgID = newID
	}
	r.mu.Unlock()

	r.mirror(ctx, runID, content)
}

// deliver sends or edits the primary progress message. Returns the message id
// to use next time; 0 forgets a stale edit target so the next flush retries
// as a send.
func (r *Relay) deliver(ctx context.Context, stream, topic string, msgID int64, content string) int64 {
	if msgID != 0 {
		if err := r.msgr.Edit(ctx, msgID, content); err == nil {
			return msgID
		}
		logging.Debug("progress edit failed, falling back to send", "message_id", msgID)
	}

	id, err := r.msgr.Send(ctx, stream, topic, content)
	if err != nil {
		logging.Debug("progress send failed", "error", err)
		return 0
	}
	return id
}

// mirror delivers an independent copy to the configured mirror destination,
// persisting the pointer on first success.
func (r *Relay) mirror(ctx context.Context, runID, content string) {
	if r.cfg.MirrorStream == "" {
		return
	}

	r.mu.Lock()
	s, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return
	}
	mirrorID := s.mirrorID
	label, origin := s.label, s.origin
	r.mu.Unlock()

	if mirrorID != 0 {
		if err := r.msgr.Edit(ctx, mirrorID, content); err == nil {
			return
		}
		mirrorID = 0
	}

	id, err := r.msgr.Send(ctx, r.cfg.MirrorStream, r.cfg.MirrorTopic, content)
	if err != nil {
		logging.Debug("mirror send failed", "run", runID, "error", err)
		return
	}

	r.mu.Lock()
	if s, ok := r.runs[runID]; ok {
		s.mirrorID = id
	}
	r.mu.Unlock()

	r.state.Put(runID, MirrorEntry{
		MessageID: id,
		Label:     label,
		Origin:    origin,
		Stream:    r.cfg.MirrorStream,
		Topic:     r.cfg.MirrorTopic,
	})
}

// ReconcileMirrors runs once at startup: every persisted mirror entry whose
// run is confirmed dead is edited in place to a stale notice and dropped from
// state. Entries for still-live runs are left alone.
func (r *Relay) ReconcileMirrors(ctx context.Context, isDead func(runID string) bool) {
	for runID, entry := range r.state.Entries() {
		if !isDead(runID) {
			continue
		}
		if err := r.msgr.Edit(ctx, entry.MessageID, staleRender(entry.Label)); err != nil {
			logging.Debug("stale mirror edit failed", "run", runID, "error", err)
		}
		r.state.Remove(runID)
		logging.Info("stale mirror reconciled", "run", runID, "label", entry.Label)
	}
}
