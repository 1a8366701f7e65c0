// Command taskctl calls taskkit tools from the shell.
//
// Usage:
//
//	taskctl [flags] tools
//	taskctl [flags] call <tool> ['{"json":"arguments"}']
//
// By default taskctl starts "taskmcp" as a child process and talks MCP over
// its stdio. -ws connects to a running server's /mcp endpoint instead, and
// -http uses its plain JSON API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/vinayprograms/taskkit/mcp"
	"github.com/vinayprograms/taskkit/telemetry"
	"github.com/vinayprograms/taskkit/transport"
)

var version = "dev"

// caller is the part of a server connection taskctl needs.
type caller interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	Call(ctx context.Context, name string, args map[string]interface{}) (result interface{}, isError bool, err error)
	Close() error
}

func main() {
	server := flag.String("server", "taskmcp", "server command to spawn (stdio)")
	wsURL := flag.String("ws", "", "WebSocket MCP endpoint, e.g. ws://127.0.0.1:8080/mcp")
	httpURL := flag.String("http", "", "HTTP API base URL, e.g. http://127.0.0.1:8080")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: taskctl [flags] tools | call <tool> [json-args]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	code, err := run(ctx, *server, *wsURL, *httpURL, flag.Args(), os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskctl: %v\n", err)
	}
	cancel()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, server, wsURL, httpURL string, args []string, out io.Writer) (int, error) {
	if len(args) == 0 {
		return 2, fmt.Errorf("missing command")
	}

	var toolName string
	var toolArgs map[string]interface{}
	switch args[0] {
	case "tools":
	case "call":
		if len(args) < 2 {
			return 2, fmt.Errorf("call requires a tool name")
		}
		toolName = args[1]
		if len(args) > 2 {
			parsed, err := parseArgs(args[2])
			if err != nil {
				return 2, err
			}
			toolArgs = parsed
		}
	default:
		return 2, fmt.Errorf("unknown command %q", args[0])
	}

	c, err := connect(ctx, server, wsURL, httpURL)
	if err != nil {
		return 1, err
	}
	defer c.Close()

	if toolName == "" {
		list, err := c.ListTools(ctx)
		if err != nil {
			return 1, err
		}
		for _, t := range list {
			fmt.Fprintf(out, "%-24s %s\n", t.Name, t.Description)
		}
		return 0, nil
	}

	result, isError, err := c.Call(ctx, toolName, toolArgs)
	if err != nil {
		return 1, err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return 1, err
	}
	if isError {
		return 1, nil
	}
	return 0, nil
}

func parseArgs(s string) (map[string]interface{}, error) {
	var args map[string]interface{}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return args, nil
}

func connect(ctx context.Context, server, wsURL, httpURL string) (caller, error) {
	switch {
	case httpURL != "":
		return &httpCaller{base: strings.TrimRight(httpURL, "/"), client: &http.Client{}}, nil
	case wsURL != "":
		header := http.Header{}
		telemetry.InjectHTTP(ctx, header)
		t, err := transport.DialWebSocket(ctx, wsURL, header, transport.DefaultWebSocketConfig())
		if err != nil {
			return nil, fmt.Errorf("connect %s: %w", wsURL, err)
		}
		return newMCPCaller(ctx, mcp.NewClient(t))
	default:
		fields := strings.Fields(server)
		if len(fields) == 0 {
			return nil, fmt.Errorf("empty -server command")
		}
		c, err := mcp.NewProcessClient(mcp.ServerConfig{Command: fields[0], Args: fields[1:]})
		if err != nil {
			return nil, err
		}
		return newMCPCaller(ctx, c)
	}
}

type mcpCaller struct {
	client *mcp.Client
}

func newMCPCaller(ctx context.Context, c *mcp.Client) (*mcpCaller, error) {
	if _, err := c.Initialize(ctx, "taskctl", version); err != nil {
		c.Close()
		return nil, err
	}
	return &mcpCaller{client: c}, nil
}

func (m *mcpCaller) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return m.client.ListTools(ctx)
}

func (m *mcpCaller) Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, bool, error) {
	res, err := m.client.CallTool(ctx, name, args)
	if err != nil {
		return nil, false, err
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, res.IsError, nil
	}
	if len(res.Content) == 0 {
		return map[string]interface{}{}, res.IsError, nil
	}
	var v interface{}
	dec := json.NewDecoder(strings.NewReader(res.Content[0].Text))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return res.Content[0].Text, res.IsError, nil
	}
	return v, res.IsError, nil
}

func (m *mcpCaller) Close() error {
	return m.client.Close()
}

type httpCaller struct {
	base   string
	client *http.Client
}

func (h *httpCaller) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, h.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	telemetry.InjectHTTP(ctx, req.Header)
	return h.client.Do(req)
}

func (h *httpCaller) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	resp, err := h.do(ctx, http.MethodGet, "/tools", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /tools: %s", resp.Status)
	}
	var out struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tool list: %w", err)
	}
	return out.Tools, nil
}

func (h *httpCaller) Call(ctx context.Context, name string, args map[string]interface{}) (interface{}, bool, error) {
	var body []byte
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, false, err
		}
		body = data
	}
	resp, err := h.do(ctx, http.MethodPost, "/tools/"+name, body)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	var v interface{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, false, fmt.Errorf("POST /tools/%s: %s", name, resp.Status)
	}
	return v, resp.StatusCode != http.StatusOK, nil
}

func (h *httpCaller) Close() error {
	h.client.CloseIdleConnections()
	return nil
}
