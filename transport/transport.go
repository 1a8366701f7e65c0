// Package transport provides pluggable transports for JSON-RPC 2.0 communication.
//
// The Transport interface enables bidirectional message passing over
// newline-delimited stdio or WebSocket while keeping JSON-RPC 2.0 as the
// protocol. The same transports serve both ends of a connection.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
)

// Common errors.
var (
	ErrClosed       = errors.New("transport closed")
	ErrEmptyMessage = errors.New("empty outbound message")
)

// Transport provides bidirectional JSON-RPC message passing.
type Transport interface {
	// Recv returns channel for incoming messages.
	// Channel is closed when the peer goes away or the transport shuts down.
	Recv() <-chan *InboundMessage

	// Send queues a message for delivery.
	// Returns ErrClosed if transport is closed.
	Send(msg *OutboundMessage) error

	// Run starts the transport and blocks until ctx is cancelled or Close
	// is called. Queued messages are written before it returns.
	// Returns nil after Close, ctx.Err() on cancellation.
	Run(ctx context.Context) error

	// Close initiates graceful shutdown.
	Close() error
}

// InboundMessage wraps an incoming JSON-RPC message. Exactly one of
// Request, Notification and Response is set.
type InboundMessage struct {
	Request      *Request
	Notification *Notification

	// Response is set when the peer answers one of our requests.
	Response *Response

	// Raw contains the original bytes.
	Raw json.RawMessage
}

// OutboundMessage wraps an outgoing JSON-RPC message.
type OutboundMessage struct {
	Request      *Request
	Response     *Response
	Notification *Notification
}

// ParseInbound parses raw JSON into an InboundMessage. Numbers in ids are
// kept as json.Number so they are echoed back verbatim.
func ParseInbound(data []byte) (*InboundMessage, error) {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Method  *string         `json:"method"`
		Params  json.RawMessage `json:"params"`
		Result  json.RawMessage `json:"result"`
		Error   *Error          `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	if raw.JSONRPC != Version {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be 2.0"}
	}

	id, err := decodeID(raw.ID)
	if err != nil {
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: err.Error()}
	}

	msg := &InboundMessage{Raw: data}
	switch {
	case raw.Method == nil && (raw.Result != nil || raw.Error != nil):
		msg.Response = &Response{JSONRPC: raw.JSONRPC, ID: id, Error: raw.Error}
		if raw.Result != nil {
			msg.Response.Result = raw.Result
		}
	case raw.Method == nil || *raw.Method == "":
		return nil, &Error{Code: InvalidRequest, Message: "Invalid Request", Data: "method is required"}
	case id != nil:
		msg.Request = &Request{JSONRPC: raw.JSONRPC, ID: id, Method: *raw.Method, Params: raw.Params}
	default:
		n := &Notification{JSONRPC: raw.JSONRPC, Method: *raw.Method}
		if raw.Params != nil {
			n.Params = raw.Params
		}
		msg.Notification = n
	}
	return msg, nil
}

// decodeID returns nil for a missing or null id.
func decodeID(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var id interface{}
	if err := dec.Decode(&id); err != nil {
		return nil, err
	}
	switch id.(type) {
	case string, json.Number:
		return id, nil
	default:
		return nil, errors.New("id must be a string or number")
	}
}

// requestID makes a best effort to read the id of a message that failed
// to parse, so the error response can be correlated.
func requestID(data []byte) interface{} {
	var partial struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(data, &partial) != nil {
		return nil
	}
	id, err := decodeID(partial.ID)
	if err != nil {
		return nil
	}
	return id
}

// parseErrorResponse converts a ParseInbound failure into a response.
func parseErrorResponse(data []byte, err error) *OutboundMessage {
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		rpcErr = &Error{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: requestID(data), Error: rpcErr}}
}

// MarshalOutbound serializes an OutboundMessage to JSON.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	switch {
	case msg == nil:
		return nil, ErrEmptyMessage
	case msg.Response != nil:
		return json.Marshal(msg.Response)
	case msg.Request != nil:
		return json.Marshal(msg.Request)
	case msg.Notification != nil:
		return json.Marshal(msg.Notification)
	}
	return nil, ErrEmptyMessage
}

// Config holds common transport configuration.
type Config struct {
	// RecvBufferSize is the size of the receive channel buffer.
	// Default: 100
	RecvBufferSize int

	// SendBufferSize is the size of the internal send buffer.
	// Default: 100
	SendBufferSize int

	// MaxMessageSize limits the size of one incoming message.
	// Default: 1MB
	MaxMessageSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		RecvBufferSize: 100,
		SendBufferSize: 100,
		MaxMessageSize: 1024 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = d.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}
