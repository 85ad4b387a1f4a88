// Package spawn enforces sub-agent spawn policy: depth and fanout ceilings,
// target-agent allow-listing, child session provisioning and run registration.
package spawn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/logging"
	"github.com/drewfead/herald/internal/registry"
	"github.com/drewfead/herald/internal/runtime"
)

// Outcome classifies a spawn attempt.
type Outcome string

const (
	Accepted  Outcome = "accepted"
	Forbidden Outcome = "forbidden"
	Errored   Outcome = "error"
)

// Requester identifies who is asking for a child run.
type Requester struct {
	SessionKey  string // may be a display alias; resolved before policy checks
	Agent       string // requester's own agent identity
	Depth       int
	ReplyStream string
	ReplyTopic  string
}

// Request describes the child run to create.
type Request struct {
	Task      string
	Label     string
	Agent     string // target agent identity; empty = same as requester
	Model     string
	Thinking  string
	Cleanup   registry.CleanupPolicy
	Requester Requester
}

// Result is the controller's answer to a spawn request.
type Result struct {
	Outcome  Outcome
	Reason   string
	ChildKey string
	RunID    string
}

// SessionRuntime is the slice of the runtime client the controller needs.
type SessionRuntime interface {
	PatchSession(ctx context.Context, sessionKey string, patch runtime.SessionPatch) error
	StartTurn(ctx context.Context, req runtime.TurnRequest) (string, error)
}

// Controller validates and executes spawn requests.
type Controller struct {
	cfg config.SpawnConfig
	reg *registry.Registry
	rt  SessionRuntime

	// aliases maps externally displayed session names to the canonical
	// internal keys that depth and fanout are tracked under.
	aliases map[string]string
}

// NewController creates a spawn controller.
func NewController(cfg config.SpawnConfig, reg *registry.Registry, rt SessionRuntime) *Controller {
	return &Controller{cfg: cfg, reg: reg, rt: rt, aliases: make(map[string]string)}
}

// RegisterAlias maps a display alias onto the internal session key it is
// tracked under.
func (c *Controller) RegisterAlias(display, internal string) {
	c.aliases[display] = internal
}

// Spawn validates the request, provisions a child session and starts its
// first turn. Policy violations come back as Forbidden and are never retried.
func (c *Controller) Spawn(ctx context.Context, req Request) Result {
	requesterKey := c.resolveKey(req.Requester.SessionKey)

	if req.Requester.Depth >= c.cfg.MaxDepth {
		return Result{Outcome: Forbidden, Reason: fmt.Sprintf("spawn depth limit reached (%d)", c.cfg.MaxDepth)}
	}

	active, err := c.reg.ActiveChildren(requesterKey)
	if err != nil {
		return Result{Outcome: Errored, Reason: fmt.Sprintf("count active children: %v", err)}
	}
	if active >= c.cfg.MaxFanout {
		return Result{Outcome: Forbidden, Reason: fmt.Sprintf("fanout limit reached (%d active)", active)}
	}

	target := req.Agent
	if target == "" {
		target = req.Requester.Agent
	}
	if target != req.Requester.Agent && !c.agentAllowed(target) {
		return Result{Outcome: Forbidden, Reason: fmt.Sprintf("agent %q not on allow-list", target)}
	}

	childKey := fmt.Sprintf("%s/sub/%s", target, uuid.NewString()[:8])
	childDepth := req.Requester.Depth + 1

	// Each configuration call is idempotent on the runtime side. A failure
	// aborts the spawn and leaves the child session configured-but-unused.
	if err := c.rt.PatchSession(ctx, childKey, runtime.SessionPatch{Depth: &childDepth}); err != nil {
		return Result{Outcome: Errored, Reason: fmt.Sprintf("set depth: %v", err)}
	}
	if req.Model != "" {
		if err := c.rt.PatchSession(ctx, childKey, runtime.SessionPatch{Model: req.Model}); err != nil {
			return Result{Outcome: Errored, Reason: fmt.Sprintf("set model: %v", err)}
		}
	}
	if req.Thinking != "" {
		if err := c.rt.PatchSession(ctx, childKey, runtime.SessionPatch{Thinking: req.Thinking}); err != nil {
			return Result{Outcome: Errored, Reason: fmt.Sprintf("set thinking: %v", err)}
		}
	}

	instructions := buildInstructions(req)

	runID, err := c.rt.StartTurn(ctx, runtime.TurnRequest{
		SessionKey:        childKey,
		Message:           req.Task,
		Routing:           runtime.Routing{Stream: req.Requester.ReplyStream, Topic: req.Requester.ReplyTopic},
		ExtraInstructions: instructions,
	})
	if err != nil {
		return Result{Outcome: Errored, Reason: fmt.Sprintf("start child turn: %v", err)}
	}

	now := time.Now()
	run := &registry.Run{
		ID:           runID,
		ChildKey:     childKey,
		RequesterKey: requesterKey,
		ReplyStream:  req.Requester.ReplyStream,
		ReplyTopic:   req.Requester.ReplyTopic,
		Task:         req.Task,
		Label:        req.Label,
		Model:        req.Model,
		Thinking:     req.Thinking,
		Depth:        childDepth,
		Cleanup:      req.Cleanup,
		Status:       registry.RunStatusRunning,
		CreatedAt:    now,
		StartedAt:    &now,
	}
	if err := c.reg.CreateRun(run); err != nil {
		// The child turn is already running; the record is what recovery
		// depends on, so surface this loudly.
		logging.Error("run registration failed", "run", runID, "child", childKey, "error", err)
		return Result{Outcome: Errored, Reason: fmt.Sprintf("register run: %v", err)}
	}

	logging.Info("sub-agent spawned", "run", runID, "child", childKey, "depth", childDepth, "label", req.Label)
	return Result{Outcome: Accepted, ChildKey: childKey, RunID: runID}
}

func (c *Controller) resolveKey(key string) string {
	if internal, ok := c.aliases[key]; ok {
		return internal
	}
	return key
}

func (c *Controller) agentAllowed(agent string) bool {
	for _, allowed := range c.cfg.AgentAllowlist {
		if allowed == "*" || allowed == agent {
			return true
		}
	}
	return false
}
