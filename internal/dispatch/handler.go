package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/checkpoint"
	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/logging"
	"github.com/drewfead/herald/internal/runtime"
	"github.com/drewfead/herald/internal/topic"
)

// Messenger is the slice of the chat client the handler needs for replies and
// cosmetic side effects.
type Messenger interface {
	Send(ctx context.Context, stream, topic, content string) (int64, error)
	Typing(ctx context.Context, stream, topic string, op chat.TypingOp) error
	AddReaction(ctx context.Context, messageID int64, emoji string) error
	RemoveReaction(ctx context.Context, messageID int64, emoji string) error
}

// AgentRuntime is the slice of the runtime client the handler needs.
type AgentRuntime interface {
	StartTurn(ctx context.Context, req runtime.TurnRequest) (string, error)
	WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*runtime.RunStatus, error)
}

// Handler processes one inbound message end to end: filtering, session
// resolution, checkpointing, the runtime turn, and reply delivery.
type Handler struct {
	account config.AccountConfig
	store   *checkpoint.Store
	topics  *topic.Resolver
	rt      AgentRuntime
	msgr    Messenger
	clock   clock.Clock

	waitTimeout time.Duration

	// OnStop handles the /stop command: cancel every active run under the
	// session and report how many were stopped. Nil disables the command.
	OnStop func(sessionKey string) int
}

// NewHandler wires a handler for one account.
func NewHandler(account config.AccountConfig, store *checkpoint.Store, topics *topic.Resolver, rt AgentRuntime, msgr Messenger, clk clock.Clock) *Handler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Handler{
		account:     account,
		store:       store,
		topics:      topics,
		rt:          rt,
		msgr:        msgr,
		clock:       clk,
		waitTimeout: 30 * time.Second,
	}
}

var mentionPattern = regexp.MustCompile(`@\*\*[^*]+\*\*`)

// Handle implements HandleFunc for one account's messages.
func (h *Handler) Handle(ctx context.Context, msg chat.Message, prior *checkpoint.Checkpoint) {
	if msg.SenderEmail == h.account.Email {
		return
	}
	if !h.senderAllowed(msg.SenderEmail) {
		logging.Debug("ignoring disallowed sender", "account", h.account.Name, "sender", msg.SenderEmail)
		return
	}
	if h.account.RequireMention && !msg.Mentioned {
		return
	}

	clean := cleanContent(msg.Content)
	if clean == "" {
		return
	}

	canonical := h.topics.Resolve(msg.Stream, topicKey(msg.Topic))
	sessionKey := SessionKey(h.account.Name, msg.Stream, canonical)

	if clean == "/stop" {
		h.handleStop(ctx, msg, sessionKey)
		return
	}

	cp := h.buildCheckpoint(msg, clean, sessionKey, prior)
	if err := h.store.Write(cp); err != nil {
		// Without a durable record the message cannot be handled safely.
		logging.Error("checkpoint write failed, dropping message", "id", cp.ID, "error", err)
		return
	}

	h.setBusy(ctx, msg, true)
	reply, err := h.runTurn(ctx, cp)
	h.setBusy(ctx, msg, false)

	if err != nil {
		h.recordFailure(ctx, cp, err)
		return
	}

	if reply != "" {
		if _, err := h.msgr.Send(ctx, cp.ReplyStream, cp.ReplyTopic, reply); err != nil {
			h.recordFailure(ctx, cp, fmt.Errorf("deliver reply: %w", err))
			return
		}
	}

	if err := h.store.Clear(cp.ID); err != nil {
		logging.Warn("checkpoint clear failed", "id", cp.ID, "error", err)
	}
	logging.Info("message handled", "account", h.account.Name, "message_id", msg.ID, "session", sessionKey)
}

func (h *Handler) buildCheckpoint(msg chat.Message, clean, sessionKey string, prior *checkpoint.Checkpoint) *checkpoint.Checkpoint {
	now := h.clock.Now().UnixMilli()
	id := checkpoint.DeriveID(h.account.Name, msg.ID)

	if prior == nil {
		prior = h.store.Load(id)
	}

	cp := &checkpoint.Checkpoint{
		ID:           id,
		Account:      h.account.Name,
		Stream:       msg.Stream,
		Topic:        msg.Topic,
		MessageID:    msg.ID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderEmail:  msg.SenderEmail,
		RawContent:   msg.Content,
		CleanContent: clean,
		SessionKey:   sessionKey,
		ReplyStream:  msg.Stream,
		ReplyTopic:   msg.Topic,
		Mentioned:    msg.Mentioned,
		MediaURLs:    msg.MediaURLs,
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
	}
	if prior != nil {
		cp.CreatedAtMs = prior.CreatedAtMs
		cp.Attempts = prior.Attempts
		cp.LastRecoveryAtMs = prior.LastRecoveryAtMs
	}
	return cp
}

// runTurn starts a turn and waits for the run to finish, re-arming the wait
// while the run is healthy.
func (h *Handler) runTurn(ctx context.Context, cp *checkpoint.Checkpoint) (string, error) {
	runID, err := h.rt.StartTurn(ctx, runtime.TurnRequest{
		SessionKey: cp.SessionKey,
		Message:    cp.CleanContent,
		Routing:    runtime.Routing{Stream: cp.ReplyStream, Topic: cp.ReplyTopic},
	})
	if err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}

	for {
		status, err := h.rt.WaitForRun(ctx, runID, h.waitTimeout)
		if err != nil {
			return "", fmt.Errorf("wait for run %s: %w", runID, err)
		}
		switch status.State {
		case runtime.RunCompleted:
			return status.Reply, nil
		case runtime.RunFailed:
			return "", fmt.Errorf("run %s failed: %s", runID, status.Error)
		case runtime.RunRunning:
			// Keep waiting.
		default:
			return "", fmt.Errorf("run %s in unexpected state %q", runID, status.State)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}
}

// recordFailure rewrites the checkpoint with an incremented attempt count so
// the next startup can decide whether to replay, and sends a best-effort
// user-visible notice.
func (h *Handler) recordFailure(ctx context.Context, cp *checkpoint.Checkpoint, cause error) {
	cp.Attempts++
	cp.LastError = cause.Error()
	cp.UpdatedAtMs = h.clock.Now().UnixMilli()
	if err := h.store.Write(cp); err != nil {
		logging.Error("checkpoint failure update failed", "id", cp.ID, "error", err)
	}

	logging.Error("message handling failed", "account", h.account.Name, "message_id", cp.MessageID, "attempts", cp.Attempts, "error", cause)

	notice := fmt.Sprintf(":warning: I hit an error handling that message (attempt %d). I'll retry it after my next restart.", cp.Attempts)
	if _, err := h.msgr.Send(ctx, cp.ReplyStream, cp.ReplyTopic, notice); err != nil {
		logging.Warn("failure notice not delivered", "id", cp.ID, "error", err)
	}
}

func (h *Handler) handleStop(ctx context.Context, msg chat.Message, sessionKey string) {
	stopped := 0
	if h.OnStop != nil {
		stopped = h.OnStop(sessionKey)
	}
	reply := "No active tasks to stop."
	if stopped > 0 {
		reply = fmt.Sprintf("Stopped %d active task(s).", stopped)
	}
	if _, err := h.msgr.Send(ctx, msg.Stream, msg.Topic, reply); err != nil {
		logging.Warn("stop acknowledgement not delivered", "error", err)
	}
}

// setBusy flips the cosmetic busy indicators. Failures are logged and
// swallowed: cosmetics never abort the handler.
func (h *Handler) setBusy(ctx context.Context, msg chat.Message, busy bool) {
	op := chat.TypingStop
	if busy {
		op = chat.TypingStart
	}
	if err := h.msgr.Typing(ctx, msg.Stream, msg.Topic, op); err != nil {
		logging.Debug("typing indicator failed", "error", err)
	}

	if h.account.StatusEmoji == "" {
		return
	}
	var err error
	if busy {
		err = h.msgr.AddReaction(ctx, msg.ID, h.account.StatusEmoji)
	} else {
		err = h.msgr.RemoveReaction(ctx, msg.ID, h.account.StatusEmoji)
	}
	if err != nil {
		logging.Debug("status emoji failed", "error", err)
	}
}

func (h *Handler) senderAllowed(email string) bool {
	if len(h.account.AllowedSenders) == 0 {
		return true
	}
	for _, allowed := range h.account.AllowedSenders {
		if strings.EqualFold(allowed, email) {
			return true
		}
	}
	return false
}

// cleanContent strips mention markup and surrounding whitespace.
func cleanContent(content string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(content, ""))
}

// topicKey normalizes a display topic into the key used for alias resolution.
func topicKey(t string) string {
	return topic.Key(t)
}

// SessionKey derives the canonical session identity for a conversation. It is
// stable across topic renames because it is built from the resolved canonical
// topic key, not the display topic.
func SessionKey(account, stream, canonicalTopic string) string {
	return fmt.Sprintf("%s/%s/%s", account, topicKey(stream), canonicalTopic)
}
