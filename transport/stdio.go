package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// StdioTransport implements Transport over newline-delimited JSON on a
// reader/writer pair, normally stdin/stdout.
type StdioTransport struct {
	reader io.Reader
	writer io.Writer
	config Config

	recv    chan *InboundMessage
	send    chan *OutboundMessage
	done    chan struct{}
	mu      sync.Mutex
	closed  bool
	readErr error
}

// NewStdioTransport creates a new stdio transport.
func NewStdioTransport(r io.Reader, w io.Writer, cfg Config) *StdioTransport {
	cfg = cfg.withDefaults()
	return &StdioTransport{
		reader: r,
		writer: w,
		config: cfg,
		recv:   make(chan *InboundMessage, cfg.RecvBufferSize),
		send:   make(chan *OutboundMessage, cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
}

// Recv returns the channel for incoming messages. It is closed at EOF.
func (t *StdioTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

// Send queues a message for delivery.
func (t *StdioTransport) Send(msg *OutboundMessage) error {
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
// The reader goroutine is not waited for: a blocked read on stdin cannot
// be interrupted and ends with the process.
func (t *StdioTransport) Run(ctx context.Context) error {
	go t.readLoop(ctx)

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

	if err == nil {
		t.mu.Lock()
		err = t.readErr
		t.mu.Unlock()
	}
	return err
}

// Close initiates graceful shutdown. Messages already queued are still
// written by Run.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.done)
	return nil
}

// readLoop reads lines from input and sends them to the recv channel.
func (t *StdioTransport) readLoop(ctx context.Context) {
	defer close(t.recv)

	initial := 64 * 1024
	if initial > t.config.MaxMessageSize {
		initial = t.config.MaxMessageSize
	}
	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, initial), t.config.MaxMessageSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		data := append([]byte(nil), line...)

		msg, err := ParseInbound(data)
		if err != nil {
			t.Send(parseErrorResponse(data, err))
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
	if err := scanner.Err(); err != nil {
		t.mu.Lock()
		t.readErr = fmt.Errorf("read input: %w", err)
		t.mu.Unlock()
	}
}

// writeLoop writes queued messages until Close, then drains the queue.
func (t *StdioTransport) writeLoop() {
	for {
		select {
		case <-t.done:
			t.drainSendQueue()
			return
		case msg := <-t.send:
			t.writeMessage(msg)
		}
	}
}

// drainSendQueue writes any remaining messages in the send queue.
func (t *StdioTransport) drainSendQueue() {
	for {
		select {
		case msg := <-t.send:
			t.writeMessage(msg)
		default:
			return
		}
	}
}

// writeMessage serializes and writes a single message. Only writeLoop
// writes, so no lock is needed.
func (t *StdioTransport) writeMessage(msg *OutboundMessage) {
	data, err := MarshalOutbound(msg)
	if err != nil {
		return
	}
	t.writer.Write(append(data, '\n'))
}
