package transport

import (
	"encoding/json"
	"fmt"
)

// Version is the only JSON-RPC version accepted.
const Version = "2.0"

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a JSON-RPC 2.0 response. ID is always written,
// as null when the request id could not be read.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (%v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Notification represents a JSON-RPC 2.0 notification (no ID).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// NewResult builds a successful response.
func NewResult(id, result interface{}) *OutboundMessage {
	return &OutboundMessage{Response: &Response{JSONRPC: Version, ID: id, Result: result}}
}

// NewError builds an error response.
func NewError(id interface{}, code int, message string, data interface{}) *OutboundMessage {
	return &OutboundMessage{Response: &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message, Data: data},
	}}
}

// NewNotification builds a notification.
func NewNotification(method string, params interface{}) *OutboundMessage {
	return &OutboundMessage{Notification: &Notification{JSONRPC: Version, Method: method, Params: params}}
}
