package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Client connects to the herald daemon.
type Client struct {
	conn      net.Conn
	scanner   *bufio.Scanner
	mu        sync.Mutex
	pending   map[string]chan *Response
	events    chan Event
	done      chan struct{}
	connected atomic.Bool
}

// NewClient creates a new daemon client.
func NewClient(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}

	c := &Client{
		conn:    conn,
		scanner: bufio.NewScanner(conn),
		pending: make(map[string]chan *Response),
		events:  make(chan Event, 100),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)

	go c.readLoop()
	return c, nil
}

// Close disconnects from the daemon.
func (c *Client) Close() error {
	c.connected.Store(false)
	close(c.done)
	return c.conn.Close()
}

// Events returns a channel of events pushed by the daemon.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Call makes an RPC call to the daemon.
func (c *Client) Call(method string, params any) (*Response, error) {
	if !c.connected.Load() {
		return nil, fmt.Errorf("not connected to daemon")
	}

	id := uuid.NewString()
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req := Request{
		Method: method,
		Params: paramsJSON,
		ID:     id,
	}

	respChan := make(chan *Response, 1)
	c.mu.Lock()
	c.pending[id] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	encoded, _ := json.Marshal(req)
	c.mu.Lock()
	_, err = c.conn.Write(append(encoded, '\n'))
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-c.done:
		return nil, fmt.Errorf("client closed")
	}
}

// call runs an RPC and decodes its data into out (out may be nil).
func (c *Client) call(method string, params, out any) error {
	resp, err := c.Call(method, params)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil {
		return nil
	}
	data, _ := json.Marshal(resp.Data)
	return json.Unmarshal(data, out)
}

// Status retrieves daemon status.
func (c *Client) Status() (*StatusInfo, error) {
	var status StatusInfo
	if err := c.call("status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// ListRuns retrieves active sub-agent runs.
func (c *Client) ListRuns() ([]*RunInfo, error) {
	var runs []*RunInfo
	if err := c.call("list_runs", nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ListCheckpoints retrieves in-flight message checkpoints.
func (c *Client) ListCheckpoints() ([]*CheckpointInfo, error) {
	var cps []*CheckpointInfo
	if err := c.call("list_checkpoints", nil, &cps); err != nil {
		return nil, err
	}
	return cps, nil
}

// StopSession cancels every active run under a session and returns how many
// were stopped.
func (c *Client) StopSession(sessionKey string) (int, error) {
	var result struct {
		Stopped int `json:"stopped"`
	}
	if err := c.call("stop_session", map[string]string{"session_key": sessionKey}, &result); err != nil {
		return 0, err
	}
	return result.Stopped, nil
}

// Spawn asks the daemon to spawn a sub-agent run. Used by the agent runtime's
// callback path.
func (c *Client) Spawn(req SpawnRequest) (*SpawnResult, error) {
	var result SpawnResult
	if err := c.call("spawn", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ReportTool reports one tool call on a run.
func (c *Client) ReportTool(req ToolEventRequest) error {
	return c.call("run_tool", req, nil)
}

// ReportEnd reports a run's lifecycle end.
func (c *Client) ReportEnd(req RunEndRequest) error {
	return c.call("run_end", req, nil)
}

func (c *Client) readLoop() {
	for c.scanner.Scan() {
		select {
		case <-c.done:
			return
		default:
		}

		// Responses carry the request id they answer; pushed events carry a
		// type instead.
		var resp Response
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err == nil && resp.ID != "" {
			c.mu.Lock()
			if ch, ok := c.pending[resp.ID]; ok {
				ch <- &resp
			}
			c.mu.Unlock()
			continue
		}

		var event Event
		if json.Unmarshal(c.scanner.Bytes(), &event) == nil && event.Type != "" {
			select {
			case c.events <- event:
			default: // Drop if channel full
			}
		}
	}

	c.connected.Store(false)
}

// StatusInfo is the daemon's status summary.
type StatusInfo struct {
	Version     string   `json:"version"`
	Uptime      int64    `json:"uptime_seconds"`
	Accounts    []string `json:"accounts"`
	ActiveRuns  int      `json:"active_runs"`
	Checkpoints int      `json:"checkpoints"`
}

// RunInfo represents run data for API responses.
type RunInfo struct {
	ID           string `json:"id"`
	ChildKey     string `json:"child_key"`
	RequesterKey string `json:"requester_key"`
	Label        string `json:"label"`
	Model        string `json:"model,omitempty"`
	Depth        int    `json:"depth"`
	Status       string `json:"status"`
	Watchdog     string `json:"watchdog,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
}

// CheckpointInfo represents checkpoint data for API responses.
type CheckpointInfo struct {
	ID         string `json:"id"`
	Account    string `json:"account"`
	Stream     string `json:"stream"`
	Topic      string `json:"topic"`
	MessageID  int64  `json:"message_id"`
	SenderName string `json:"sender_name"`
	Attempts   int    `json:"attempts"`
	UpdatedAt  string `json:"updated_at"`
	LastError  string `json:"last_error,omitempty"`
}

// SpawnRequest asks the daemon to spawn a sub-agent run.
type SpawnRequest struct {
	Task           string `json:"task"`
	Label          string `json:"label"`
	Agent          string `json:"agent,omitempty"`
	Model          string `json:"model,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
	Cleanup        string `json:"cleanup,omitempty"`
	SessionKey     string `json:"session_key"`
	RequesterAgent string `json:"requester_agent"`
	Depth          int    `json:"depth"`
	ReplyStream    string `json:"reply_stream"`
	ReplyTopic     string `json:"reply_topic"`
}

// SpawnResult is the daemon's answer to a spawn request.
type SpawnResult struct {
	Outcome  string `json:"outcome"` // accepted | forbidden | error
	Reason   string `json:"reason,omitempty"`
	ChildKey string `json:"child_key,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// ToolEventRequest reports one tool call on a run.
type ToolEventRequest struct {
	RunID     string `json:"run_id"`
	Tool      string `json:"tool"`
	Class     string `json:"class,omitempty"`   // default | exec | poll | spawn
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// RunEndRequest reports a run's lifecycle end.
type RunEndRequest struct {
	RunID  string `json:"run_id"`
	Failed bool   `json:"failed"`
	Error  string `json:"error,omitempty"`
}
