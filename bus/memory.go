package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus in process. It is the default when no
// NATS server is configured, and what tests use.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool

	// round-robin cursor per queue group
	cursors map[string]*atomic.Uint64
	dropped atomic.Uint64
}

type memorySub struct {
	pattern string
	queue   string
	ch      chan *Message
	once    sync.Once
	bus     *MemoryBus
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	return &MemoryBus{
		config:  cfg,
		cursors: make(map[string]*atomic.Uint64),
	}
}

// Dropped returns how many deliveries were discarded because a subscriber
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Publish delivers to every plain subscriber and to one member of each
// queue group whose pattern matches.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	groups := make(map[string][]*memorySub)
	for _, sub := range b.subs {
		if !MatchSubject(sub.pattern, subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.pattern + "|" + sub.queue
			groups[key] = append(groups[key], sub)
			continue
		}
		b.deliver(sub, msg)
	}
	for key, members := range groups {
		b.deliverToOne(key, members, msg)
	}
	return nil
}

func (b *MemoryBus) deliver(sub *memorySub, msg *Message) bool {
	select {
	case sub.ch <- msg:
		return true
	default:
		b.dropped.Add(1)
		return false
	}
}

// deliverToOne starts at the group's cursor and hands the message to the
// first member with buffer room.
func (b *MemoryBus) deliverToOne(key string, members []*memorySub, msg *Message) {
	cur := b.cursors[key]
	start := 0
	if cur != nil {
		start = int(cur.Add(1) % uint64(len(members)))
	}
	for i := 0; i < len(members); i++ {
		sub := members[(start+i)%len(members)]
		select {
		case sub.ch <- msg:
			return
		default:
		}
	}
	b.dropped.Add(1)
}

func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	return b.subscribe(pattern, "")
}

func (b *MemoryBus) QueueSubscribe(pattern, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidQueue
	}
	return b.subscribe(pattern, queue)
}

func (b *MemoryBus) subscribe(pattern, queue string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{
		pattern: pattern,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := pattern + "|" + queue
		if b.cursors[key] == nil {
			b.cursors[key] = new(atomic.Uint64)
		}
	}
	return sub, nil
}

// Close ends every subscription. Closing twice is a no-op.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed.Swap(true) {
		return nil
	}
	for _, sub := range b.subs {
		sub.close()
	}
	b.subs = nil
	return nil
}

func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	s.close()
	return nil
}

func (s *memorySub) close() {
	s.once.Do(func() { close(s.ch) })
}
