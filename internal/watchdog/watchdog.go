// Package watchdog detects silently stalled sub-agent runs. Each tracked run
// carries an idle timer whose window depends on what the run last did; a run
// that stays idle is nudged once, then frozen and reported.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/logging"
	"github.com/drewfead/herald/internal/runtime"
)

// State is a run's liveness stage.
type State string

const (
	StateActive State = "active"
	StateNudged State = "nudged"
	StateFrozen State = "frozen"
)

// ToolClass picks the idle window for a tool call.
type ToolClass string

const (
	ToolDefault ToolClass = "default"
	ToolExec    ToolClass = "exec"
	ToolPoll    ToolClass = "poll"
	ToolSpawn   ToolClass = "spawn"
)

// Activity is one observed tool call on a run.
type Activity struct {
	Tool    string
	Class   ToolClass
	Timeout time.Duration // tool's own declared timeout; 0 if none
}

// RunControl is the slice of the runtime client the watchdog needs: a
// short-timeout liveness probe and a way to inject a steering message.
type RunControl interface {
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*runtime.RunStatus, error)
	InjectMessage(ctx context.Context, sessionKey, text string) error
}

// FrozenFunc is called once when a run is declared frozen.
type FrozenFunc func(runID, sessionKey, reason string)

type entry struct {
	sessionKey string
	state      State
	timer      clock.Timer
	generation int // invalidates stale timer callbacks after a reset
}

// Watchdog supervises tracked runs.
type Watchdog struct {
	cfg      config.WatchdogConfig
	clock    clock.Clock
	rt       RunControl
	onFrozen FrozenFunc

	mu   sync.Mutex
	runs map[string]*entry
}

// New creates a watchdog. onFrozen may be nil.
func New(cfg config.WatchdogConfig, rt RunControl, clk clock.Clock, onFrozen FrozenFunc) *Watchdog {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Watchdog{
		cfg:      cfg,
		clock:    clk,
		rt:       rt,
		onFrozen: onFrozen,
		runs:     make(map[string]*entry),
	}
}

// Track starts supervising a run with the default idle window.
func (w *Watchdog) Track(runID, sessionKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.runs[runID]; ok {
		return
	}
	e := &entry{sessionKey: sessionKey, state: StateActive}
	w.runs[runID] = e
	w.armLocked(runID, e, w.cfg.IdleTimeout)
}

// Untrack tears down a run's timers unconditionally; called on every
// lifecycle end or error event.
func (w *Watchdog) Untrack(runID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.runs[runID]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	delete(w.runs, runID)
}

// OnActivity resets a run's idle timer for a new tool call. Any activity
// while nudged or frozen returns the run to active.
func (w *Watchdog) OnActivity(runID string, act Activity) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.runs[runID]
	if !ok {
		return
	}
	if e.state != StateActive {
		logging.Info("stalled run resumed activity", "run", runID, "was", e.state, "tool", act.Tool)
	}
	e.state = StateActive
	w.armLocked(runID, e, w.idleWindow(act))
}

// Status returns a run's current liveness stage.
func (w *Watchdog) Status(runID string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.runs[runID]; ok {
		return e.state
	}
	return ""
}

// idleWindow computes how long a run may stay quiet after a tool call.
func (w *Watchdog) idleWindow(act Activity) time.Duration {
	switch act.Class {
	case ToolExec:
		if act.Timeout > w.cfg.IdleTimeout {
			return act.Timeout + w.cfg.ExecBuffer
		}
		return w.cfg.IdleTimeout
	case ToolPoll:
		if act.Timeout+w.cfg.ExecBuffer > w.cfg.PollFloor {
			return act.Timeout + w.cfg.ExecBuffer
		}
		return w.cfg.PollFloor
	case ToolSpawn:
		// Waiting on a grandchild: the longest floor.
		return w.cfg.SpawnFloor
	default:
		return w.cfg.IdleTimeout
	}
}

func (w *Watchdog) armLocked(runID string, e *entry, d time.Duration) {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	gen := e.generation
	e.timer = w.clock.AfterFunc(d, func() {
		w.onIdle(runID, gen)
	})
}

// onIdle fires when a run's idle window elapses with no activity.
func (w *Watchdog) onIdle(runID string, gen int) {
	w.mu.Lock()
	e, ok := w.runs[runID]
	if !ok || e.generation != gen {
		w.mu.Unlock()
		return
	}
	state := e.state
	sessionKey := e.sessionKey
	w.mu.Unlock()

	if state == StateNudged {
		// Follow-up window elapsed with no reset.
		w.freeze(runID, gen, "no activity after nudge")
		return
	}

	if alive := w.probe(runID); !alive {
		w.freeze(runID, gen, "session no longer alive")
		return
	}

	w.nudge(runID, gen, sessionKey)
}

// probe checks whether the run's session still responds. Probe failures and
// timeouts count as alive (fail open): a dead verdict triggers notifications
// and must not rest on a transient error.
func (w *Watchdog) probe(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ProbeTimeout+time.Second)
	defer cancel()

	status, err := w.rt.WaitForRun(ctx, runID, w.cfg.ProbeTimeout)
	if err != nil {
		logging.Debug("liveness probe errored, assuming alive", "run", runID, "error", err)
		return true
	}
	switch status.State {
	case runtime.RunFailed, runtime.RunNotFound:
		return false
	default:
		return true
	}
}

func (w *Watchdog) nudge(runID string, gen int, sessionKey string) {
	w.mu.Lock()
	e, ok := w.runs[runID]
	if !ok || e.generation != gen {
		w.mu.Unlock()
		return
	}
	e.state = StateNudged
	w.armLocked(runID, e, w.cfg.FollowUp)
	w.mu.Unlock()

	logging.Warn("run idle, nudging", "run", runID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	steer := "You have been quiet for a while. Are you stuck? If the task is done, post your summary; otherwise continue and post a status update."
	if err := w.rt.InjectMessage(ctx, sessionKey, steer); err != nil {
		logging.Debug("steering message failed", "run", runID, "error", err)
	}
}

func (w *Watchdog) freeze(runID string, gen int, reason string) {
	w.mu.Lock()
	e, ok := w.runs[runID]
	if !ok || e.generation != gen {
		w.mu.Unlock()
		return
	}
	e.state = StateFrozen
	if e.timer != nil {
		e.timer.Stop()
	}
	e.generation++
	sessionKey := e.sessionKey
	w.mu.Unlock()

	logging.Error("run frozen", "run", runID, "reason", reason)
	if w.onFrozen != nil {
		w.onFrozen(runID, sessionKey, fmt.Sprintf("watchdog froze run: %s", reason))
	}
}
