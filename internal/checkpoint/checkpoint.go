// Package checkpoint persists one durable record per in-flight inbound
// message, written before any side effect so a crash can never lose work
// that was acknowledged off the event queue.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// SchemaVersion is bumped when the on-disk record shape changes.
const SchemaVersion = 2

// Checkpoint is the durable record of one inbound message being handled.
type Checkpoint struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"checkpoint_id"`
	Account       string `json:"account"`

	Stream    string `json:"stream"`
	Topic     string `json:"topic"`
	MessageID int64  `json:"message_id"`

	SenderID    int64  `json:"sender_id"`
	SenderName  string `json:"sender_name"`
	SenderEmail string `json:"sender_email"`

	RawContent   string `json:"raw_content"`
	CleanContent string `json:"clean_content"`
	SessionKey   string `json:"session_key"`

	ReplyStream string   `json:"reply_stream"`
	ReplyTopic  string   `json:"reply_topic"`
	Mentioned   bool     `json:"mentioned"`
	MediaURLs   []string `json:"media_urls,omitempty"`

	CreatedAtMs int64 `json:"created_at_ms"`
	UpdatedAtMs int64 `json:"updated_at_ms"`

	Attempts         int    `json:"attempts"`
	LastRecoveryAtMs int64  `json:"last_recovery_at_ms,omitempty"`
	LastError        string `json:"last_error,omitempty"`
}

// DeriveID computes the deterministic checkpoint id for an account + message
// pair. Determinism makes startup replay idempotent: a replayed message maps
// back to the same record.
func DeriveID(account string, messageID int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", account, messageID)))
	return hex.EncodeToString(sum[:8])
}

// Valid reports whether a loaded record carries every required field.
func (c *Checkpoint) Valid() bool {
	return c.SchemaVersion == SchemaVersion &&
		c.ID != "" &&
		c.Account != "" &&
		c.Stream != "" &&
		c.MessageID != 0 &&
		c.SessionKey != "" &&
		c.CreatedAtMs != 0
}

// Stale reports whether the record has aged past maxAge.
func (c *Checkpoint) Stale(now time.Time, maxAge time.Duration) bool {
	updated := time.UnixMilli(c.UpdatedAtMs)
	return now.Sub(updated) > maxAge
}

// Exhausted reports whether the record has used up its retry budget.
func (c *Checkpoint) Exhausted(maxAttempts int) bool {
	return c.Attempts >= maxAttempts
}
