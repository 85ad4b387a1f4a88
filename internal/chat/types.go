// Package chat implements the chat-server HTTP API: event queues with
// long-poll semantics, message send/edit, typing indicators and reactions.
package chat

import "fmt"

// Event is one entry returned by a queue poll.
type Event struct {
	ID      int64        `json:"id"`
	Type    string       `json:"type"` // "message" | "topic_rename" | "heartbeat"
	Message *Message     `json:"message,omitempty"`
	Rename  *TopicRename `json:"rename,omitempty"`
}

// Message is an inbound chat message.
type Message struct {
	ID          int64    `json:"id"`
	SenderID    int64    `json:"sender_id"`
	SenderName  string   `json:"sender_full_name"`
	SenderEmail string   `json:"sender_email"`
	Stream      string   `json:"display_recipient"`
	Topic       string   `json:"subject"`
	Content     string   `json:"content"`
	Mentioned   bool     `json:"is_mentioned"`
	MediaURLs   []string `json:"media_urls,omitempty"`
}

// TopicRename reports a topic being moved under the same stream.
type TopicRename struct {
	Stream   string `json:"stream"`
	OldTopic string `json:"orig_subject"`
	NewTopic string `json:"subject"`
}

// Queue identifies a registered event queue.
type Queue struct {
	ID          string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// APIError is a non-2xx response from the chat server.
type APIError struct {
	StatusCode int
	Code       string
	Msg        string
	RetryAfter float64 // seconds, from a rate-limit response; 0 if absent
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("chat api: %d %s: %s", e.StatusCode, e.Code, e.Msg)
	}
	return fmt.Sprintf("chat api: %d: %s", e.StatusCode, e.Msg)
}

// RateLimited reports whether the error is a rate-limit rejection.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == 429
}

// BadQueue reports whether the server no longer knows the queue id, which
// forces re-registration.
func (e *APIError) BadQueue() bool {
	return e.Code == "BAD_EVENT_QUEUE_ID"
}

// TypingOp is a typing-indicator operation.
type TypingOp string

const (
	TypingStart TypingOp = "start"
	TypingStop  TypingOp = "stop"
)
