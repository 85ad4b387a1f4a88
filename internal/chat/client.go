package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to one chat-server account over its REST API.
type Client struct {
	baseURL string
	email   string
	apiKey  string
	http    *http.Client
}

// NewClient creates a chat API client. The underlying http.Client carries no
// global timeout: long-poll requests bound themselves through their context.
func NewClient(baseURL, email, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		email:   email,
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

// Register creates an event queue scoped to one stream.
func (c *Client) Register(ctx context.Context, eventTypes []string, stream string) (*Queue, error) {
	form := url.Values{}
	types, _ := json.Marshal(eventTypes)
	form.Set("event_types", string(types))
	narrow, _ := json.Marshal([][]string{{"stream", stream}})
	form.Set("narrow", string(narrow))

	var out struct {
		QueueID     string `json:"queue_id"`
		LastEventID int64  `json:"last_event_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/register", form, &out); err != nil {
		return nil, err
	}
	return &Queue{ID: out.QueueID, LastEventID: out.LastEventID}, nil
}

// Events long-polls the queue for entries after lastEventID. The request
// blocks server-side until events exist or the server's poll window elapses;
// the caller is responsible for wrapping ctx with a client-side timeout
// strictly longer than that window.
func (c *Client) Events(ctx context.Context, queueID string, lastEventID int64) ([]Event, error) {
	form := url.Values{}
	form.Set("queue_id", queueID)
	form.Set("last_event_id", strconv.FormatInt(lastEventID, 10))

	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/events", form, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// DeleteQueue removes the queue. Best-effort on shutdown.
func (c *Client) DeleteQueue(ctx context.Context, queueID string) error {
	form := url.Values{}
	form.Set("queue_id", queueID)
	return c.do(ctx, http.MethodDelete, "/api/v1/events", form, nil)
}

// RecentMessages fetches the newest limit messages in a stream, oldest first.
// Used for catch-up after re-registration and the freshness check.
func (c *Client) RecentMessages(ctx context.Context, stream string, limit int) ([]Message, error) {
	form := url.Values{}
	form.Set("anchor", "newest")
	form.Set("num_before", strconv.Itoa(limit))
	form.Set("num_after", "0")
	narrow, _ := json.Marshal([][]string{{"stream", stream}})
	form.Set("narrow", string(narrow))

	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/messages", form, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Send posts a message to stream/topic and returns the new message id.
func (c *Client) Send(ctx context.Context, stream, topic, content string) (int64, error) {
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("content", content)

	var out struct {
		ID int64 `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/messages", form, &out); err != nil {
		return 0, err
	}
	return out.ID, nil
}

// Edit replaces the content of an existing message.
func (c *Client) Edit(ctx context.Context, messageID int64, content string) error {
	form := url.Values{}
	form.Set("content", content)
	return c.do(ctx, http.MethodPatch, "/api/v1/messages/"+strconv.FormatInt(messageID, 10), form, nil)
}

// AddReaction attaches an emoji reaction to a message.
func (c *Client) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	form := url.Values{}
	form.Set("emoji_name", emoji)
	return c.do(ctx, http.MethodPost, "/api/v1/messages/"+strconv.FormatInt(messageID, 10)+"/reactions", form, nil)
}

// RemoveReaction removes an emoji reaction from a message.
func (c *Client) RemoveReaction(ctx context.Context, messageID int64, emoji string) error {
	form := url.Values{}
	form.Set("emoji_name", emoji)
	return c.do(ctx, http.MethodDelete, "/api/v1/messages/"+strconv.FormatInt(messageID, 10)+"/reactions", form, nil)
}

// Typing sets or clears the typing indicator for a stream/topic.
func (c *Client) Typing(ctx context.Context, stream, topic string, op TypingOp) error {
	form := url.Values{}
	form.Set("type", "stream")
	form.Set("to", stream)
	form.Set("topic", topic)
	form.Set("op", string(op))
	return c.do(ctx, http.MethodPost, "/api/v1/typing", form, nil)
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	reqURL := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		reqURL += "?" + form.Encode()
	} else {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.email, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Code       string  `json:"code"`
			Msg        string  `json:"msg"`
			RetryAfter float64 `json:"retry-after"`
		}
		if json.Unmarshal(respBody, &errBody) == nil {
			apiErr.Code = errBody.Code
			apiErr.Msg = errBody.Msg
			apiErr.RetryAfter = errBody.RetryAfter
		}
		if apiErr.RetryAfter == 0 {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.ParseFloat(ra, 64); err == nil {
					apiErr.RetryAfter = secs
				}
			}
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: parse response: %w", method, path, err)
		}
	}
	return nil
}

// WithHTTPClient overrides the underlying HTTP client, used by tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// PollDeadline computes the client-side poll timeout from the server's poll
// window plus a margin, keeping client timeouts distinguishable from genuine
// idle polls.
func PollDeadline(serverTimeout, margin time.Duration) time.Duration {
	return serverTimeout + margin
}
