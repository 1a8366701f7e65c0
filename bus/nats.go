package bus

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSBus implements MessageBus on a NATS connection. When Stream is set,
// events are also persisted to a JetStream stream so late consumers can
// replay the task history.
type NATSBus struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	config NATSConfig
	owned  bool
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	Config

	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name identifies this client to the server.
	Name string

	Token    string
	User     string
	Password string

	ReconnectWait time.Duration

	// MaxReconnects is the maximum number of reconnection attempts.
	// -1 = unlimited
	MaxReconnects int

	ConnectTimeout time.Duration

	// Stream, when non-empty, names a JetStream stream that captures
	// StreamSubjects. Publishes then wait for the stream ack.
	Stream         string
	StreamSubjects []string
	StreamMaxAge   time.Duration
}

// DefaultNATSConfig returns configuration with sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "taskkit",
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  -1,
		ConnectTimeout: 5 * time.Second,
		StreamMaxAge:   7 * 24 * time.Hour,
	}
}

// NewNATSBus connects to cfg.URL.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	conn, err := nats.Connect(cfg.URL, buildNATSOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	b, err := NewNATSBusFromConn(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// NewNATSBusFromConn wraps an existing connection. The caller keeps
// ownership of conn.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) (*NATSBus, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	b := &NATSBus{conn: conn, config: cfg}
	if cfg.Stream != "" {
		if err := b.ensureStream(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func buildNATSOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

func (b *NATSBus) ensureStream() error {
	js, err := jetstream.New(b.conn)
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	if len(b.config.StreamSubjects) == 0 {
		return fmt.Errorf("stream %q has no subjects", b.config.Stream)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     b.config.Stream,
		Subjects: b.config.StreamSubjects,
		MaxAge:   b.config.StreamMaxAge,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", b.config.Stream, err)
	}
	b.js = js
	return nil
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}

	if b.js != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := b.js.Publish(ctx, subject, data); err != nil {
			if !stderrors.Is(err, jetstream.ErrNoStreamResponse) {
				return fmt.Errorf("jetstream publish: %w", err)
			}
			// subject outside the stream, fall back to core NATS
		} else {
			return nil
		}
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(pattern string) (Subscription, error) {
	return b.subscribe(pattern, "")
}

func (b *NATSBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	return b.subscribe(pattern, queue)
}

func (b *NATSBus) subscribe(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	s := &natsSubscription{ch: make(chan *Message, b.config.BufferSize)}
	handler := func(m *nats.Msg) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.done {
			return
		}
		select {
		case s.ch <- &Message{Subject: m.Subject, Data: m.Data}:
		default:
		}
	}

	var err error
	if queue == "" {
		s.sub, err = b.conn.Subscribe(pattern, handler)
	} else {
		s.sub, err = b.conn.QueueSubscribe(pattern, queue, handler)
	}
	if err != nil {
		close(s.ch)
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	return s, nil
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush(timeout time.Duration) error {
	return b.conn.FlushTimeout(timeout)
}

// Close drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned || b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Conn returns the underlying NATS connection.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

type natsSubscription struct {
	sub  *nats.Subscription
	ch   chan *Message
	mu   sync.Mutex
	done bool
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.mu.Lock()
	if !s.done {
		s.done = true
		close(s.ch)
	}
	s.mu.Unlock()
	return err
}
