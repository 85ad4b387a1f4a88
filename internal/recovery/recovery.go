// Package recovery reconciles orphaned sub-agent runs at startup: runs that
// were started before a restart and never recorded an end.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/logging"
	"github.com/drewfead/herald/internal/registry"
	"github.com/drewfead/herald/internal/runtime"
	"github.com/drewfead/herald/internal/spawn"
)

// Spawner is the slice of the spawn controller recovery needs.
type Spawner interface {
	Spawn(ctx context.Context, req spawn.Request) spawn.Result
}

// Runtime is the slice of the runtime client recovery needs.
type Runtime interface {
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*runtime.RunStatus, error)
	ReadHistory(ctx context.Context, sessionKey string, limit int) ([]runtime.HistoryMessage, error)
	SendNotification(ctx context.Context, stream, topic, text string) error
}

// Disposition is what recovery decided for one orphan.
type Disposition string

const (
	StillRunning Disposition = "still running"
	Respawned    Disposition = "respawned"
	Skipped      Disposition = "skipped"
)

// Outcome records one orphan's reconciliation.
type Outcome struct {
	Run         *registry.Run
	Disposition Disposition
	Reason      string
	NewRunID    string
}

// Recovery is the startup reconciliation pass.
type Recovery struct {
	reg          *registry.Registry
	spawner      Spawner
	rt           Runtime
	spawnCfg     config.SpawnConfig
	historyLimit int
	probeTimeout time.Duration
	clock        clock.Clock
}

// New creates a recovery pass.
func New(reg *registry.Registry, spawner Spawner, rt Runtime, spawnCfg config.SpawnConfig, historyLimit int, probeTimeout time.Duration, clk clock.Clock) *Recovery {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Recovery{
		reg:          reg,
		spawner:      spawner,
		rt:           rt,
		spawnCfg:     spawnCfg,
		historyLimit: historyLimit,
		probeTimeout: probeTimeout,
		clock:        clk,
	}
}

// Run processes every orphaned record and sends one aggregated notification
// per delivery destination summarizing all outcomes.
func (r *Recovery) Run(ctx context.Context) ([]Outcome, error) {
	orphans, err := r.reg.ListOrphaned()
	if err != nil {
		return nil, fmt.Errorf("list orphaned runs: %w", err)
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	logging.Info("restart recovery starting", "orphans", len(orphans))

	outcomes := make([]Outcome, 0, len(orphans))
	for _, run := range orphans {
		outcomes = append(outcomes, r.reconcile(ctx, run))
	}

	r.notify(ctx, outcomes)
	return outcomes, nil
}

func (r *Recovery) reconcile(ctx context.Context, run *registry.Run) Outcome {
	// The in-memory supervisor may have resumed this run already; a duplicate
	// spawn would race the real resumption.
	if r.alive(ctx, run.ID) {
		logging.Info("orphan still running, leaving alone", "run", run.ID, "label", run.Label)
		return Outcome{Run: run, Disposition: StillRunning}
	}

	summary := r.progressSummary(ctx, run)

	now := r.clock.Now()
	if err := r.reg.MarkTerminated(run.ID, "killed by restart", now); err != nil {
		logging.Error("orphan termination record failed", "run", run.ID, "error", err)
	}

	if len(run.Task) < r.spawnCfg.ResumeMinTask {
		logging.Info("orphan not worth resuming", "run", run.ID, "task_len", len(run.Task))
		return Outcome{Run: run, Disposition: Skipped, Reason: "task too short to resume"}
	}

	res := r.spawner.Spawn(ctx, spawn.Request{
		Task:    resumedTask(run.Task, summary),
		Label:   run.Label,
		Model:   run.Model,
		Cleanup: run.Cleanup,
		Requester: spawn.Requester{
			SessionKey:  run.RequesterKey,
			ReplyStream: run.ReplyStream,
			ReplyTopic:  run.ReplyTopic,
			Depth:       run.Depth - 1,
		},
	})
	if res.Outcome != spawn.Accepted {
		logging.Warn("orphan respawn rejected", "run", run.ID, "reason", res.Reason)
		return Outcome{Run: run, Disposition: Skipped, Reason: res.Reason}
	}

	logging.Info("orphan respawned", "run", run.ID, "new_run", res.RunID, "label", run.Label)
	return Outcome{Run: run, Disposition: Respawned, NewRunID: res.RunID}
}

// alive probes the orphan's run with a short wait. Only a definitive
// terminal answer counts as dead; probe errors leave the record to the next
// restart rather than risking a duplicate spawn.
func (r *Recovery) alive(ctx context.Context, runID string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout+time.Second)
	defer cancel()

	status, err := r.rt.WaitForRun(probeCtx, runID, r.probeTimeout)
	if err != nil {
		logging.Warn("orphan liveness probe failed, leaving record for next restart", "run", runID, "error", err)
		return true
	}
	return status.State == runtime.RunRunning
}

// progressSummary reads back a bounded window of the child's output.
// Best-effort: an unreadable history produces an empty summary.
func (r *Recovery) progressSummary(ctx context.Context, run *registry.Run) string {
	msgs, err := r.rt.ReadHistory(ctx, run.ChildKey, r.historyLimit)
	if err != nil {
		logging.Debug("history read-back failed", "run", run.ID, "error", err)
		return ""
	}

	var lines []string
	for _, m := range msgs {
		if m.Role != "assistant" {
			continue
		}
		text := strings.TrimSpace(m.Content)
		if text == "" {
			continue
		}
		if len(text) > 400 {
			text = text[:400] + "…"
		}
		lines = append(lines, "- "+text)
	}
	return strings.Join(lines, "\n")
}

// resumedTask builds the task text for a re-spawned run. It states that this
// is a resumption, embeds prior progress, and restates the original task
// verbatim.
func resumedTask(original, summary string) string {
	var b strings.Builder
	b.WriteString("# Resumed Task\n\n")
	b.WriteString("A previous attempt at this task was interrupted by a restart. Continue from where it left off.\n\n")
	b.WriteString("## Prior Progress\n")
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n")
	} else {
		b.WriteString("No history was recoverable. Start fresh.\n")
	}
	b.WriteString("\n## Original Task\n")
	b.WriteString(original)
	return b.String()
}

// notify sends one aggregated summary per distinct delivery destination.
func (r *Recovery) notify(ctx context.Context, outcomes []Outcome) {
	type dest struct{ stream, topic string }
	grouped := make(map[dest][]Outcome)
	var order []dest
	for _, o := range outcomes {
		d := dest{o.Run.ReplyStream, o.Run.ReplyTopic}
		if _, ok := grouped[d]; !ok {
			order = append(order, d)
		}
		grouped[d] = append(grouped[d], o)
	}

	for _, d := range order {
		var b strings.Builder
		b.WriteString(":recycle: **Restart recovery**\n")
		for _, o := range grouped[d] {
			switch o.Disposition {
			case StillRunning:
				fmt.Fprintf(&b, "- `%s` — still running, left alone\n", o.Run.Label)
			case Respawned:
				fmt.Fprintf(&b, "- `%s` — interrupted by restart, resumed\n", o.Run.Label)
			case Skipped:
				fmt.Fprintf(&b, "- `%s` — not resumed (%s)\n", o.Run.Label, o.Reason)
			}
		}
		if err := r.rt.SendNotification(ctx, d.stream, d.topic, b.String()); err != nil {
			logging.Warn("recovery summary not delivered", "stream", d.stream, "topic", d.topic, "error", err)
		}
	}
}
