// Package gateway assembles the full pipeline: one monitor per configured
// account feeding the shared dispatcher, registry, watchdog and relay, plus
// the control-plane socket.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/checkpoint"
	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/control"
	"github.com/drewfead/herald/internal/dedupe"
	"github.com/drewfead/herald/internal/dispatch"
	"github.com/drewfead/herald/internal/logging"
	"github.com/drewfead/herald/internal/queue"
	"github.com/drewfead/herald/internal/recovery"
	"github.com/drewfead/herald/internal/registry"
	"github.com/drewfead/herald/internal/relay"
	"github.com/drewfead/herald/internal/runtime"
	"github.com/drewfead/herald/internal/spawn"
	"github.com/drewfead/herald/internal/topic"
	"github.com/drewfead/herald/internal/watchdog"
)

// monitor is one account's consumption pipeline.
type monitor struct {
	account    config.AccountConfig
	client     *chat.Client
	topics     *topic.Resolver
	dedupe     *dedupe.Cache
	dispatcher *dispatch.Dispatcher
	consumer   *queue.Consumer
}

// Gateway owns every component for one daemon process.
type Gateway struct {
	cfg     *config.Config
	version string
	clock   clock.Clock

	store    *checkpoint.Store
	reg      *registry.Registry
	rt       *runtime.Client
	ctl      *control.Server
	wd       *watchdog.Watchdog
	rel      *relay.Relay
	spawner  *spawn.Controller
	recovery *recovery.Recovery

	monitors  []*monitor
	startedAt time.Time

	// deliveryCtx outlives the run context by the configured grace period so
	// handlers can finish delivering already-computed replies during shutdown.
	// Set in Run before any consumer starts.
	deliveryCtx context.Context
}

// New wires a gateway from config. Construction validates config and opens
// durable state; nothing polls until Run.
func New(cfg *config.Config, version string) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	store, err := checkpoint.NewStore(cfg.Checkpoint.Dir)
	if err != nil {
		return nil, err
	}
	reg, err := registry.New(cfg.Daemon.Database)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:       cfg,
		version:   version,
		clock:     clock.NewSystem(),
		store:     store,
		reg:       reg,
		rt:        runtime.NewClient(cfg.Runtime),
		ctl:       control.NewServer(cfg.Daemon.Socket),
		startedAt: time.Now(),
	}

	g.wd = watchdog.New(cfg.Watchdog, g.rt, g.clock, g.onFrozen)
	g.rel = relay.New(cfg.Relay, primaryClient(cfg), g.clock, func(runID string) string {
		return string(g.wd.Status(runID))
	})
	g.spawner = spawn.NewController(cfg.Spawn, reg, g.rt)
	g.recovery = recovery.New(reg, g, g.rt, cfg.Spawn, cfg.Runtime.HistoryLimit, cfg.Watchdog.ProbeTimeout, g.clock)

	for _, acct := range cfg.Accounts {
		g.monitors = append(g.monitors, g.buildMonitor(acct))
	}

	g.registerHandlers()
	return g, nil
}

// primaryClient builds the chat client used for relay delivery: the first
// account's credentials.
func primaryClient(cfg *config.Config) *chat.Client {
	acct := cfg.Accounts[0]
	return chat.NewClient(acct.ServerURL, acct.Email, acct.APIKey)
}

func (g *Gateway) buildMonitor(acct config.AccountConfig) *monitor {
	client := chat.NewClient(acct.ServerURL, acct.Email, acct.APIKey)
	topics := topic.NewResolver()
	dd := dedupe.New(time.Hour, 4096, g.clock)

	handler := dispatch.NewHandler(acct, g.store, topics, g.rt, client, g.clock)
	handler.OnStop = g.stopSession

	dispatcher := dispatch.New(g.cfg.Dispatch.MaxConcurrent, handler.Handle)

	consumer := queue.New(client, g.cfg.Queue, acct.Name, acct.Stream, dd, g.clock, queue.Handlers{
		Message: func(ctx context.Context, msg chat.Message) {
			dctx := g.deliveryCtx
			if dctx == nil {
				dctx = ctx
			}
			dispatcher.Submit(dctx, msg)
		},
		Rename: func(r chat.TopicRename) {
			if topics.RecordRename(r.Stream, topic.Key(r.OldTopic), topic.Key(r.NewTopic)) {
				logging.Info("topic rename recorded", "account", acct.Name, "from", r.OldTopic, "to", r.NewTopic)
			}
		},
	})

	return &monitor{
		account:    acct,
		client:     client,
		topics:     topics,
		dedupe:     dd,
		dispatcher: dispatcher,
		consumer:   consumer,
	}
}

// Run starts everything and blocks until ctx is cancelled and in-flight work
// has drained.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.ctl.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer g.ctl.Stop()
	defer g.reg.Close()

	// Startup reconciliation before any polling: stale mirrors, orphaned
	// runs, then checkpoint replay.
	g.rel.ReconcileMirrors(ctx, g.runIsDead)
	if _, err := g.recovery.Run(ctx); err != nil {
		logging.Error("restart recovery failed", "error", err)
	}

	// Handlers run on a delivery context that outlives shutdown by a grace
	// period, so an already-computed reply is not discarded because shutdown
	// began a moment too early.
	deliveryCtx, cancelDelivery := context.WithCancel(context.Background())
	g.deliveryCtx = deliveryCtx
	go func() {
		<-ctx.Done()
		logging.Info("shutdown: draining handlers", "grace", g.cfg.Daemon.DeliveryGrace)
		timer := time.NewTimer(g.cfg.Daemon.DeliveryGrace)
		defer timer.Stop()
		<-timer.C
		cancelDelivery()
	}()

	for _, m := range g.monitors {
		g.replayAccount(deliveryCtx, m)
	}

	done := make(chan struct{})
	for _, m := range g.monitors {
		m := m
		go func() {
			m.consumer.Run(ctx)
			done <- struct{}{}
		}()
	}

	for range g.monitors {
		<-done
	}

	for _, m := range g.monitors {
		m.dispatcher.Wait()
	}
	cancelDelivery()

	logging.Info("gateway stopped")
	return nil
}

// replayAccount feeds an account's surviving checkpoints back through its
// dispatcher, announcing the recovery once per reply destination first so
// senders know their interrupted messages were not lost.
func (g *Gateway) replayAccount(ctx context.Context, m *monitor) {
	cps, err := g.store.LoadAll(m.account.Name)
	if err != nil {
		logging.Error("checkpoint load failed", "account", m.account.Name, "error", err)
		return
	}

	now := g.clock.Now()
	pending := make(map[[2]string]int)
	for _, cp := range cps {
		if cp.Exhausted(g.cfg.Checkpoint.MaxAttempts) || cp.Stale(now, g.cfg.Checkpoint.MaxAge) {
			continue
		}
		pending[[2]string{cp.ReplyStream, cp.ReplyTopic}]++
	}
	for dest, n := range pending {
		notice := fmt.Sprintf(":recycle: Recovering %d message(s) interrupted by a restart.", n)
		if _, err := m.client.Send(ctx, dest[0], dest[1], notice); err != nil {
			logging.Debug("replay notice not delivered", "stream", dest[0], "topic", dest[1], "error", err)
		}
	}

	m.dispatcher.Replay(ctx, g.store, cps, now, g.cfg.Checkpoint.MaxAge, g.cfg.Checkpoint.MaxAttempts)
}

// runIsDead reports whether a run is definitively gone, for mirror
// reconciliation.
func (g *Gateway) runIsDead(runID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.Watchdog.ProbeTimeout+time.Second)
	defer cancel()

	status, err := g.rt.WaitForRun(ctx, runID, g.cfg.Watchdog.ProbeTimeout)
	if err != nil {
		// Unreachable runtime: leave the mirror for the next startup.
		return false
	}
	return status.State == runtime.RunFailed || status.State == runtime.RunNotFound
}

// Spawn implements recovery.Spawner and the control-plane spawn method,
// attaching supervision to every accepted run.
func (g *Gateway) Spawn(ctx context.Context, req spawn.Request) spawn.Result {
	res := g.spawner.Spawn(ctx, req)
	if res.Outcome != spawn.Accepted {
		return res
	}

	g.wd.Track(res.RunID, res.ChildKey)
	g.rel.Track(res.RunID, relay.TrackOptions{
		Label:  req.Label,
		Model:  req.Model,
		Origin: req.Requester.SessionKey,
		Stream: req.Requester.ReplyStream,
		Topic:  req.Requester.ReplyTopic,
	})
	g.ctl.Broadcast(control.Event{Type: control.EventRunSpawned, Payload: map[string]string{
		"run_id": res.RunID, "label": req.Label,
	}})
	return res
}

// stopSession cancels every active run spawned under a session. Returns how
// many were stopped.
func (g *Gateway) stopSession(sessionKey string) int {
	runs, err := g.reg.ActiveByRequester(sessionKey)
	if err != nil {
		logging.Error("stop: active run lookup failed", "session", sessionKey, "error", err)
		return 0
	}

	stopped := 0
	for _, run := range runs {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := g.rt.CancelRun(ctx, run.ID); err != nil {
			logging.Warn("run cancel failed", "run", run.ID, "error", err)
		}
		cancel()
		g.finishRun(run.ID, true, "stopped by user")
		stopped++
	}
	return stopped
}

// finishRun records a run's end and tears down its supervision.
func (g *Gateway) finishRun(runID string, failed bool, errMsg string) {
	status := registry.RunStatusCompleted
	if failed {
		status = registry.RunStatusFailed
	}
	if err := g.reg.Finish(runID, status, errMsg, g.clock.Now()); err != nil {
		logging.Warn("run finish record failed", "run", runID, "error", err)
	}
	g.wd.Untrack(runID)
	g.rel.OnLifecycleEnd(runID, failed)
	g.ctl.Broadcast(control.Event{Type: control.EventRunEnded, Payload: map[string]any{
		"run_id": runID, "failed": failed,
	}})
}

// onFrozen handles a watchdog freeze: the run is treated as failed and its
// requester is told, best-effort.
func (g *Gateway) onFrozen(runID, sessionKey, reason string) {
	run, err := g.reg.GetRun(runID)
	if err != nil || run == nil {
		logging.Warn("frozen run not in registry", "run", runID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	notice := fmt.Sprintf(":ice: Sub-agent `%s` went silent and was marked frozen (%s).", run.Label, reason)
	if err := g.rt.SendNotification(ctx, run.ReplyStream, run.ReplyTopic, notice); err != nil {
		logging.Debug("frozen notice not delivered", "run", runID, "error", err)
	}

	g.finishRun(runID, true, reason)
	g.ctl.Broadcast(control.Event{Type: control.EventRunFrozen, Payload: map[string]string{
		"run_id": runID, "reason": reason,
	}})
}

// registerHandlers wires the control-plane RPC surface.
func (g *Gateway) registerHandlers() {
	g.ctl.Handle("status", func(params json.RawMessage) (any, error) {
		runs, _ := g.reg.ListActive()
		cps, _ := g.store.LoadAll("")
		accounts := make([]string, 0, len(g.cfg.Accounts))
		for _, a := range g.cfg.Accounts {
			accounts = append(accounts, a.Name)
		}
		return control.StatusInfo{
			Version:     g.version,
			Uptime:      int64(time.Since(g.startedAt).Seconds()),
			Accounts:    accounts,
			ActiveRuns:  len(runs),
			Checkpoints: len(cps),
		}, nil
	})

	g.ctl.Handle("list_runs", func(params json.RawMessage) (any, error) {
		runs, err := g.reg.ListActive()
		if err != nil {
			return nil, err
		}
		out := make([]*control.RunInfo, 0, len(runs))
		for _, r := range runs {
			info := &control.RunInfo{
				ID:           r.ID,
				ChildKey:     r.ChildKey,
				RequesterKey: r.RequesterKey,
				Label:        r.Label,
				Model:        r.Model,
				Depth:        r.Depth,
				Status:       string(r.Status),
				Watchdog:     string(g.wd.Status(r.ID)),
			}
			if r.StartedAt != nil {
				info.StartedAt = r.StartedAt.Format(time.RFC3339)
			}
			out = append(out, info)
		}
		return out, nil
	})

	g.ctl.Handle("list_checkpoints", func(params json.RawMessage) (any, error) {
		cps, err := g.store.LoadAll("")
		if err != nil {
			return nil, err
		}
		out := make([]*control.CheckpointInfo, 0, len(cps))
		for _, cp := range cps {
			out = append(out, &control.CheckpointInfo{
				ID:         cp.ID,
				Account:    cp.Account,
				Stream:     cp.Stream,
				Topic:      cp.Topic,
				MessageID:  cp.MessageID,
				SenderName: cp.SenderName,
				Attempts:   cp.Attempts,
				UpdatedAt:  time.UnixMilli(cp.UpdatedAtMs).Format(time.RFC3339),
				LastError:  cp.LastError,
			})
		}
		return out, nil
	})

	g.ctl.Handle("stop_session", func(params json.RawMessage) (any, error) {
		var req struct {
			SessionKey string `json:"session_key"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		return map[string]int{"stopped": g.stopSession(req.SessionKey)}, nil
	})

	g.ctl.Handle("spawn", func(params json.RawMessage) (any, error) {
		var req control.SpawnRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res := g.Spawn(ctx, spawn.Request{
			Task:     req.Task,
			Label:    req.Label,
			Agent:    req.Agent,
			Model:    req.Model,
			Thinking: req.Thinking,
			Cleanup:  registry.CleanupPolicy(req.Cleanup),
			Requester: spawn.Requester{
				SessionKey:  req.SessionKey,
				Agent:       req.RequesterAgent,
				Depth:       req.Depth,
				ReplyStream: req.ReplyStream,
				ReplyTopic:  req.ReplyTopic,
			},
		})
		return control.SpawnResult{
			Outcome:  string(res.Outcome),
			Reason:   res.Reason,
			ChildKey: res.ChildKey,
			RunID:    res.RunID,
		}, nil
	})

	g.ctl.Handle("run_tool", func(params json.RawMessage) (any, error) {
		var req control.ToolEventRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		g.wd.OnActivity(req.RunID, watchdog.Activity{
			Tool:    req.Tool,
			Class:   toolClass(req.Class),
			Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
		})
		g.rel.OnToolStart(req.RunID, req.Tool, req.Detail)
		return map[string]bool{"ok": true}, nil
	})

	g.ctl.Handle("run_end", func(params json.RawMessage) (any, error) {
		var req control.RunEndRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		g.finishRun(req.RunID, req.Failed, req.Error)
		return map[string]bool{"ok": true}, nil
	})
}

func toolClass(s string) watchdog.ToolClass {
	switch s {
	case "exec":
		return watchdog.ToolExec
	case "poll":
		return watchdog.ToolPoll
	case "spawn":
		return watchdog.ToolSpawn
	default:
		return watchdog.ToolDefault
	}
}
