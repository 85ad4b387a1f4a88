// Package queue consumes the chat server's long-poll event queue, owning
// registration, reconnection, backoff and gap recovery.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/drewfead/herald/internal/chat"
	"github.com/drewfead/herald/internal/clock"
	"github.com/drewfead/herald/internal/config"
	"github.com/drewfead/herald/internal/dedupe"
	"github.com/drewfead/herald/internal/logging"
)

// API is the slice of the chat client the consumer needs.
type API interface {
	Register(ctx context.Context, eventTypes []string, stream string) (*chat.Queue, error)
	Events(ctx context.Context, queueID string, lastEventID int64) ([]chat.Event, error)
	DeleteQueue(ctx context.Context, queueID string) error
	RecentMessages(ctx context.Context, stream string, limit int) ([]chat.Message, error)
}

// Handlers receive the consumer's output. MessageFn may block: that is the
// dispatcher's backpressure propagating into this polling loop, which is the
// one place callers are allowed to wait.
type Handlers struct {
	Message func(ctx context.Context, msg chat.Message)
	Rename  func(rename chat.TopicRename)
}

// Consumer owns one account's event queue.
type Consumer struct {
	api      API
	cfg      config.QueueConfig
	account  string
	stream   string
	clock    clock.Clock
	dedupe   *dedupe.Cache
	handlers Handlers
	jitter   func() float64

	queueID     string
	lastEventID int64
	failures    int
	wasFailure  bool // a catch-up fetch is owed after the next registration

	lastSeenMsg int64 // highest message id ever delivered, for the freshness check
}

// New creates a consumer for one account/stream pair.
func New(api API, cfg config.QueueConfig, account, stream string, dd *dedupe.Cache, clk clock.Clock, handlers Handlers) *Consumer {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Consumer{
		api:      api,
		cfg:      cfg,
		account:  account,
		stream:   stream,
		clock:    clk,
		dedupe:   dd,
		handlers: handlers,
		jitter:   defaultJitter,
	}
}

// Run polls until ctx is cancelled, then deletes the queue best-effort.
func (c *Consumer) Run(ctx context.Context) {
	logging.Info("event queue consumer starting", "account", c.account, "stream", c.stream)

	stopFreshness := c.startFreshnessLoop(ctx)
	defer stopFreshness()

	for ctx.Err() == nil {
		if err := c.step(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay := c.failureDelay(err)
			logging.Warn("event queue error, backing off",
				"account", c.account,
				"failures", c.failures,
				"delay", delay,
				"error", err)
			if c.clock.Sleep(ctx, delay) != nil {
				break
			}
		}
	}

	c.shutdown()
	logging.Info("event queue consumer stopped", "account", c.account)
}

// step performs one register-if-needed + poll iteration.
func (c *Consumer) step(ctx context.Context) error {
	if c.queueID == "" {
		if err := c.register(ctx); err != nil {
			return err
		}
		if c.wasFailure {
			c.catchUp(ctx)
			c.wasFailure = false
		}
	}
	return c.pollOnce(ctx)
}

func (c *Consumer) register(ctx context.Context) error {
	q, err := c.api.Register(ctx, []string{"message", "topic_rename"}, c.stream)
	if err != nil {
		c.failures++
		return fmt.Errorf("register queue: %w", err)
	}
	c.queueID = q.ID
	c.lastEventID = q.LastEventID
	c.failures = 0
	logging.Info("event queue registered", "account", c.account, "queue", q.ID)
	return nil
}

// pollOnce long-polls with a client-side deadline strictly longer than the
// server's poll window, so a deadline here means something is actually wrong
// rather than a quiet queue.
func (c *Consumer) pollOnce(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, chat.PollDeadline(c.cfg.ServerPollTimeout, c.cfg.PollMargin))
	defer cancel()

	events, err := c.api.Events(pollCtx, c.queueID, c.lastEventID)
	if err != nil {
		// Any failure invalidates the queue unconditionally: cheaper to
		// re-register than to reason about which errors left it usable.
		c.queueID = ""
		c.failures++
		c.wasFailure = true
		return fmt.Errorf("poll queue: %w", err)
	}

	c.failures = 0
	for _, ev := range events {
		if ev.ID > c.lastEventID {
			c.lastEventID = ev.ID
		}
		c.handleEvent(ctx, ev)
	}
	return nil
}

func (c *Consumer) handleEvent(ctx context.Context, ev chat.Event) {
	switch ev.Type {
	case "message":
		if ev.Message != nil {
			c.deliver(ctx, *ev.Message)
		}
	case "topic_rename":
		if ev.Rename != nil && c.handlers.Rename != nil {
			c.handlers.Rename(*ev.Rename)
		}
	case "heartbeat":
		// Server keepalive, nothing to do.
	default:
		logging.Debug("ignoring event", "account", c.account, "type", ev.Type)
	}
}

// deliver funnels a message through the dedupe cache and on to the handler.
// Both live-polled and recovered messages pass through here, so duplicates
// from catch-up or freshness replays are harmless.
func (c *Consumer) deliver(ctx context.Context, msg chat.Message) {
	if msg.ID > c.lastSeenMsg {
		c.lastSeenMsg = msg.ID
	}
	if c.dedupe.Seen(dedupeKey(c.account, msg.ID)) {
		logging.Debug("duplicate message skipped", "account", c.account, "message_id", msg.ID)
		return
	}
	if c.handlers.Message != nil {
		c.handlers.Message(ctx, msg)
	}
}

// catchUp fetches the most recent messages after re-registration so the gap
// between queue death and rebirth is covered.
func (c *Consumer) catchUp(ctx context.Context) {
	if c.cfg.CatchUpLimit <= 0 {
		return
	}
	msgs, err := c.api.RecentMessages(ctx, c.stream, c.cfg.CatchUpLimit)
	if err != nil {
		logging.Warn("catch-up fetch failed", "account", c.account, "error", err)
		return
	}
	logging.Info("catch-up fetch after reconnect", "account", c.account, "fetched", len(msgs))
	for _, msg := range msgs {
		c.deliver(ctx, msg)
	}
}

// startFreshnessLoop runs an independent periodic check that replays any
// message newer than the last one seen. It guards against silent drops that
// never manifest as poll errors, so it runs regardless of poll health.
func (c *Consumer) startFreshnessLoop(ctx context.Context) func() {
	if c.cfg.FreshnessInterval <= 0 {
		return func() {}
	}

	var timer clock.Timer
	var arm func()
	arm = func() {
		timer = c.clock.AfterFunc(c.cfg.FreshnessInterval, func() {
			if ctx.Err() != nil {
				return
			}
			c.freshnessCheck(ctx)
			arm()
		})
	}
	arm()

	return func() {
		if timer != nil {
			timer.Stop()
		}
	}
}

func (c *Consumer) freshnessCheck(ctx context.Context) {
	msgs, err := c.api.RecentMessages(ctx, c.stream, c.cfg.FreshnessLimit)
	if err != nil {
		logging.Debug("freshness check failed", "account", c.account, "error", err)
		return
	}
	for _, msg := range msgs {
		if msg.ID > c.lastSeenMsg {
			logging.Warn("freshness check found missed message", "account", c.account, "message_id", msg.ID)
			c.deliver(ctx, msg)
		}
	}
}

// failureDelay picks the backoff curve by error class: rate limits get a
// larger base and ceiling, everything else the standard curve.
func (c *Consumer) failureDelay(err error) time.Duration {
	cfg := c.cfg.Backoff
	var retryAfter time.Duration

	var apiErr *chat.APIError
	if errors.As(err, &apiErr) {
		if apiErr.RateLimited() {
			cfg = c.cfg.RateLimitBackoff
		}
		if apiErr.RetryAfter > 0 {
			retryAfter = time.Duration(apiErr.RetryAfter * float64(time.Second))
		}
	}
	return backoffDelay(cfg, c.failures, retryAfter, c.jitter)
}

// shutdown deletes the queue best-effort with its own short deadline, since
// the run context is already cancelled by the time it runs.
func (c *Consumer) shutdown() {
	if c.queueID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.api.DeleteQueue(ctx, c.queueID); err != nil {
		logging.Debug("queue delete failed", "account", c.account, "error", err)
	}
}

func dedupeKey(account string, messageID int64) string {
	return account + "|" + strconv.FormatInt(messageID, 10)
}
