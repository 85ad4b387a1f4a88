// Package runtime is the RPC client for the agent execution runtime: session
// configuration, turn lifecycle, history read-back and operator notifications.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/drewfead/herald/internal/config"
)

// Run states reported by the runtime.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunNotFound  = "not_found"
)

// SessionPatch is one idempotent configuration change to a session. Exactly
// one field is set per call.
type SessionPatch struct {
	Depth    *int   `json:"depth,omitempty"`
	Model    string `json:"model,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// Routing tells the runtime where a turn's replies belong.
type Routing struct {
	Stream string `json:"stream"`
	Topic  string `json:"topic"`
}

// TurnRequest starts one turn on a session.
type TurnRequest struct {
	SessionKey        string  `json:"session_key"`
	Message           string  `json:"message"`
	Routing           Routing `json:"routing"`
	ExtraInstructions string  `json:"extra_instructions,omitempty"`
}

// RunStatus is the runtime's view of one run.
type RunStatus struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
	Reply string `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// HistoryMessage is one entry of a session's recent output.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	AtMs    int64  `json:"at_ms"`
}

// Client talks to the agent runtime over HTTP with short-lived HS256 bearer
// tokens minted from the shared secret.
type Client struct {
	baseURL  string
	secret   []byte
	tokenTTL time.Duration
	http     *http.Client
}

// NewClient creates a runtime client from config.
func NewClient(cfg config.RuntimeConfig) *Client {
	return &Client{
		baseURL:  cfg.URL,
		secret:   []byte(cfg.SharedSecret),
		tokenTTL: cfg.TokenTTL,
		http:     &http.Client{},
	}
}

// PatchSession applies one configuration change. The runtime treats patches
// as idempotent: re-applying the same value is a no-op.
func (c *Client) PatchSession(ctx context.Context, sessionKey string, patch SessionPatch) error {
	path := "/v1/sessions/" + sessionKey
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

// StartTurn begins a turn and returns the run id.
func (c *Client) StartTurn(ctx context.Context, req TurnRequest) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/turns", req, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// WaitForRun blocks server-side up to timeout and returns the run's status.
// Used both to await completion and as a short-timeout liveness probe.
func (c *Client) WaitForRun(ctx context.Context, runID string, timeout time.Duration) (*RunStatus, error) {
	path := fmt.Sprintf("/v1/runs/%s/wait?timeout_ms=%d", runID, timeout.Milliseconds())
	var out RunStatus
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the runtime to abort a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runs/"+runID, nil, nil)
}

// InjectMessage pushes a message into a session's running turn, used by the
// watchdog to steer a stalled run.
func (c *Client) InjectMessage(ctx context.Context, sessionKey, text string) error {
	body := struct {
		Text string `json:"text"`
	}{text}
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionKey+"/messages", body, nil)
}

// ReadHistory returns up to limit recent messages from a session.
func (c *Client) ReadHistory(ctx context.Context, sessionKey string, limit int) ([]HistoryMessage, error) {
	path := fmt.Sprintf("/v1/sessions/%s/history?limit=%d", sessionKey, limit)
	var out struct {
		Messages []HistoryMessage `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// SendNotification delivers an operator-facing message through the runtime's
// delivery layer.
func (c *Client) SendNotification(ctx context.Context, stream, topic, text string) error {
	body := struct {
		Stream string `json:"stream"`
		Topic  string `json:"topic"`
		Text   string `json:"text"`
	}{stream, topic, text}
	return c.do(ctx, http.MethodPost, "/v1/notifications", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	token, err := c.mintToken()
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
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
		return fmt.Errorf("runtime api: %s %s: %d - %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%s %s: parse response: %w", method, path, err)
		}
	}
	return nil
}

// mintToken signs a short-lived HS256 bearer token. Tokens are minted per
// request; their lifetime covers clock skew plus the longest server-side wait.
func (c *Client) mintToken() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    "herald",
		IssuedAt:  jwt.NewNumericDate(now.Add(-30 * time.Second)), // Clock skew buffer
		ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// WithHTTPClient overrides the underlying HTTP client, used by tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}
