package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/vinayprograms/taskkit/transport"
)

// Client is an MCP client speaking to a server over a transport.
type Client struct {
	t       transport.Transport
	id      atomic.Int64
	pending map[int64]chan *transport.Response
	pendMu  sync.Mutex
	ready   atomic.Bool

	stopRun context.CancelFunc
	runErr  chan error
	done    chan struct{}
	closeFn func() error
	once    sync.Once
}

// ServerConfig configures a server started as a child process.
type ServerConfig struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// NewClient starts a client on an existing transport. The client owns the
// transport and closes it in Close.
func NewClient(t transport.Transport) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		t:       t,
		pending: make(map[int64]chan *transport.Response),
		stopRun: cancel,
		runErr:  make(chan error, 1),
		done:    make(chan struct{}),
	}
	go func() { c.runErr <- t.Run(ctx) }()
	go c.readResponses()
	return c
}

// NewProcessClient starts the server as a child process and talks to it
// over its stdin/stdout. Close waits for the process to exit.
func NewProcessClient(config ServerConfig) (*Client, error) {
	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = os.Environ()
	for k, v := range config.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout: %w", err)
	}
	// Server logs go to our stderr.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	c := NewClient(transport.NewStdioTransport(stdout, stdin, transport.DefaultConfig()))
	c.closeFn = func() error {
		stdin.Close()
		return cmd.Wait()
	}
	return c, nil
}

// Initialize performs the MCP initialization handshake.
func (c *Client) Initialize(ctx context.Context, clientName, clientVersion string) (*InitializeResult, error) {
	raw, err := c.call(ctx, "initialize", InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]interface{}{},
		ClientInfo:      Implementation{Name: clientName, Version: clientVersion},
	})
	if err != nil {
		return nil, fmt.Errorf("initialize failed: %w", err)
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}

	if err := c.t.Send(transport.NewNotification("notifications/initialized", nil)); err != nil {
		return nil, err
	}
	c.ready.Store(true)
	return &result, nil
}

// Ping checks that the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// ListTools fetches available tools from the server.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	if !c.ready.Load() {
		return nil, fmt.Errorf("client not initialized")
	}
	raw, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}
	var result ToolsListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the server. A tool-level failure is reported
// through IsError, not as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolCallResult, error) {
	if !c.ready.Load() {
		return nil, fmt.Errorf("client not initialized")
	}
	raw, err := c.call(ctx, "tools/call", ToolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

// Close shuts down the transport and, for process clients, waits for the
// server to exit.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.t.Close()
		err = <-c.runErr
		c.stopRun()
		if c.closeFn != nil {
			if cerr := c.closeFn(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := c.id.Add(1)

	req := &transport.Request{JSONRPC: transport.Version, ID: id, Method: method}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = data
	}

	respCh := make(chan *transport.Response, 1)
	c.pendMu.Lock()
	c.pending[id] = respCh
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := c.t.Send(&transport.OutboundMessage{Request: req}); err != nil {
		return nil, err
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		raw, _ := resp.Result.(json.RawMessage)
		return raw, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readResponses routes responses to waiting calls until the server goes
// away. Requests and notifications from the server are ignored.
func (c *Client) readResponses() {
	defer close(c.done)
	for msg := range c.t.Recv() {
		if msg.Response == nil {
			continue
		}
		id, ok := responseID(msg.Response.ID)
		if !ok {
			continue
		}

		c.pendMu.Lock()
		ch, ok := c.pending[id]
		c.pendMu.Unlock()
		if ok {
			select {
			case ch <- msg.Response:
			default:
			}
		}
	}
}

func responseID(v interface{}) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	id, err := n.Int64()
	return id, err == nil
}
