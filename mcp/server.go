package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/telemetry"
	"github.com/vinayprograms/taskkit/tools"
	"github.com/vinayprograms/taskkit/transport"
)

// ProtocolVersion is the newest MCP revision the server speaks.
const ProtocolVersion = "2025-06-18"

var supportedVersions = map[string]bool{
	"2025-06-18": true,
	"2025-03-26": true,
	"2024-11-05": true,
}

// Server answers MCP requests from a transport using a tool registry.
type Server struct {
	registry *tools.Registry
	info     Implementation
	log      *logging.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) ServerOption {
	return func(s *Server) { s.info = Implementation{Name: name, Version: version} }
}

// WithLogger sets the server logger.
func WithLogger(l *logging.Logger) ServerOption {
	return func(s *Server) { s.log = l.WithComponent("mcp") }
}

// NewServer creates a server for the given registry.
func NewServer(reg *tools.Registry, opts ...ServerOption) *Server {
	s := &Server{
		registry: reg,
		info:     Implementation{Name: "taskkit", Version: "dev"},
		log:      logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs the transport and answers requests until the peer goes away
// or ctx is cancelled. Each request is handled in its own goroutine.
// Requests already started are allowed to finish and their responses are
// written before Serve returns.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	// The transport outlives ctx long enough to flush in-flight responses.
	runCtx, stopRun := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRun()
	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(runCtx) }()

	handlerCtx := context.WithoutCancel(ctx)
	var active sync.WaitGroup

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case msg, ok := <-t.Recv():
			if !ok {
				break loop
			}
			switch {
			case msg.Request != nil:
				active.Add(1)
				go func(req *transport.Request) {
					defer active.Done()
					t.Send(s.handleRequest(handlerCtx, req))
				}(msg.Request)
			case msg.Notification != nil:
				s.log.Debug("notification", map[string]interface{}{"method": msg.Notification.Method})
			}
		}
	}

	active.Wait()
	t.Close()
	return <-runErr
}

// handleRequest answers one request. It never panics.
func (s *Server) handleRequest(ctx context.Context, req *transport.Request) (out *transport.OutboundMessage) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartRPCSpan(ctx, req.Method)

	var rpcErr *transport.Error
	defer func() {
		if rec := recover(); rec != nil {
			rpcErr = &transport.Error{Code: transport.InternalError, Message: "Internal error", Data: fmt.Sprint(rec)}
			out = transport.NewError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			s.log.Error("request_panic", map[string]interface{}{"method": req.Method, "panic": fmt.Sprint(rec)})
		}
		if rpcErr != nil {
			tracer.EndRPCSpan(span, rpcErr)
		} else {
			tracer.EndRPCSpan(span, nil)
		}
	}()

	result, rpcErr := s.dispatch(ctx, req.Method, req.Params)
	if rpcErr != nil {
		s.log.Debug("request_failed", map[string]interface{}{"method": req.Method, "code": rpcErr.Code})
		return transport.NewError(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}
	return transport.NewResult(req.ID, result)
}

func (s *Server) dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, *transport.Error) {
	switch method {
	case "initialize":
		return s.initialize(params)
	case "ping":
		return struct{}{}, nil
	case "tools/list":
		return ToolsListResult{Tools: s.toolList()}, nil
	case "tools/call":
		return s.callTool(ctx, params)
	default:
		return nil, &transport.Error{Code: transport.MethodNotFound, Message: "Method not found", Data: method}
	}
}

func (s *Server) initialize(params json.RawMessage) (interface{}, *transport.Error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams(err.Error())
		}
	}
	version := ProtocolVersion
	if supportedVersions[p.ProtocolVersion] {
		version = p.ProtocolVersion
	}
	s.log.Info("client_initialized", map[string]interface{}{
		"client":   p.ClientInfo.Name,
		"version":  p.ClientInfo.Version,
		"protocol": version,
	})
	return InitializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": false},
		},
		ServerInfo: s.info,
	}, nil
}

func (s *Server) toolList() []Tool {
	defs := s.registry.Definitions()
	out := make([]Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, Tool{Name: d.Name, Description: d.Description, InputSchema: d.InputSchema})
	}
	return out
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (interface{}, *transport.Error) {
	if len(params) == 0 {
		return nil, invalidParams("params are required")
	}
	var p struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	// Integers in arguments must survive without float rounding.
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return nil, invalidParams(err.Error())
	}
	if p.Name == "" {
		return nil, invalidParams("name is required")
	}

	result, isErr := s.registry.Execute(ctx, p.Name, p.Arguments)
	text, err := json.Marshal(result)
	if err != nil {
		return nil, &transport.Error{Code: transport.InternalError, Message: "Internal error", Data: err.Error()}
	}
	return ToolCallResult{
		Content:           []Content{{Type: "text", Text: string(text)}},
		StructuredContent: result,
		IsError:           isErr,
	}, nil
}

func invalidParams(detail string) *transport.Error {
	return &transport.Error{Code: transport.InvalidParams, Message: "Invalid params", Data: detail}
}
