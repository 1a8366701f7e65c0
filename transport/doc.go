// Package transport provides pluggable transports for JSON-RPC 2.0 communication.
//
// # Available Transports
//
//   - StdioTransport: newline-delimited JSON over stdin/stdout
//   - WebSocketTransport: one message per text frame
//
// # Usage
//
// Servers and clients use the same pattern:
//
//	t := transport.NewStdioTransport(os.Stdin, os.Stdout, transport.DefaultConfig())
//	go t.Run(ctx)
//
//	for msg := range t.Recv() {
//	    if msg.Request != nil {
//	        t.Send(transport.NewResult(msg.Request.ID, result))
//	    }
//	}
//
// Recv is closed when the peer goes away (EOF on stdin, a closed socket).
// Close stops accepting sends; Run writes whatever is still queued and
// then returns.
//
// Lines or frames that are not valid JSON-RPC are answered with a parse
// or invalid-request error and never reach Recv.
//
// # Thread Safety
//
// All transport methods are safe for concurrent use.
package transport
