package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport carries one JSON-RPC message per text frame. It serves
// the /mcp endpoint and is what taskctl -ws and the task worker dial.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv   chan *InboundMessage
	send   chan *OutboundMessage
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// WebSocketConfig adds frame timing to Config.
type WebSocketConfig struct {
	Config

	WriteTimeout time.Duration

	// PingInterval is how often the writer pings the peer. Zero disables
	// pings and the read deadline that goes with them.
	PingInterval time.Duration

	// PongWait is how long the reader waits for any frame, pongs included,
	// before dropping the peer. Zero means twice PingInterval.
	PongWait time.Duration
}

// DefaultWebSocketConfig is used by taskmcp's /mcp endpoint and taskctl.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:       DefaultConfig(),
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

func (c WebSocketConfig) pongWait() time.Duration {
	if c.PongWait > 0 || c.PingInterval <= 0 {
		return c.PongWait
	}
	return 2 * c.PingInterval
}

// NewWebSocketTransport creates a transport from an existing connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	conn.SetReadLimit(int64(cfg.MaxMessageSize))

	return &WebSocketTransport{
		conn:   conn,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket
// connections. An empty allowedOrigins accepts any origin.
func NewWebSocketUpgrader(allowedOrigins ...string) *websocket.Upgrader {
	u := &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(allowedOrigins) == 0 {
		u.CheckOrigin = func(r *http.Request) bool { return true }
		return u
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
	return u
}

// DialWebSocket connects to a WebSocket endpoint and wraps the connection.
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg WebSocketConfig) (*WebSocketTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketTransport(conn, cfg), nil
}

// Recv returns the channel for incoming messages.
func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run starts the transport, blocking until Close or ctx cancellation.
// Queued messages are flushed before the connection is closed.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop(ctx)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		t.writeLoop()
	}()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
		t.Close()
	case <-t.done:
	}
	<-writerDone

	t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.conn.Close()
	<-readerDone

	return err
}

// Close initiates graceful shutdown.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// readLoop feeds parsed frames to recv until the peer goes away or Run
// closes the connection. With pings enabled a silent peer times out.
func (t *WebSocketTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	wait := t.config.pongWait()
	extend := func() {
		if wait > 0 {
			t.conn.SetReadDeadline(time.Now().Add(wait))
		}
	}
	extend()
	t.conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		extend()

		msg, parseErr := ParseInbound(data)
		if parseErr != nil {
			t.Send(parseErrorResponse(data, parseErr))
			continue
		}

		select {
		case t.recv <- msg:
		case <-ctx.Done():
			return
		case <-t.done:
			return
		}
	}
}

// writeLoop is the only writer of data frames. Messages queued before
// Close are still written.
func (t *WebSocketTransport) writeLoop() {
	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-t.done:
			for {
				select {
				case msg := <-t.send:
					t.write(msg)
				default:
					return
				}
			}
		case <-ping:
			t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case msg := <-t.send:
			t.write(msg)
		}
	}
}

func (t *WebSocketTransport) write(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	if t.config.WriteTimeout > 0 {
		t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	}
	t.conn.WriteMessage(websocket.TextMessage, data)
}
