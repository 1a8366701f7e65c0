package bus

import (
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrInvalidSubject = errors.New("invalid subject")
	ErrInvalidQueue   = errors.New("invalid queue name")
)

// Message is an event received from the bus.
type Message struct {
	Subject string
	Data    []byte
}

// MessageBus publishes task events and fans them out to subscribers.
// Subjects are dot-separated tokens; subscriptions may use NATS wildcards
// ("*" for one token, ">" for the remainder).
type MessageBus interface {
	// Publish sends data to every subscriber whose pattern matches subject.
	Publish(subject string, data []byte) error

	// Subscribe delivers every matching message to the returned subscription.
	Subscribe(pattern string) (Subscription, error)

	// QueueSubscribe delivers each matching message to exactly one member
	// of the named queue group.
	QueueSubscribe(pattern, queue string) (Subscription, error)

	Close() error
}

// Subscription is an active subscription. Messages is closed when the
// subscription ends.
type Subscription interface {
	Messages() <-chan *Message
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. Messages are dropped when a
	// subscriber falls this far behind. Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

// ValidateSubject checks a concrete subject used for publishing.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n*>") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. ">" may only appear as
// the last token.
func ValidatePattern(pattern string) error {
	if pattern == "" || strings.ContainsAny(pattern, " \t\r\n") {
		return ErrInvalidSubject
	}
	toks := strings.Split(pattern, ".")
	for i, tok := range toks {
		switch {
		case tok == "":
			return ErrInvalidSubject
		case tok == ">" && i != len(toks)-1:
			return ErrInvalidSubject
		case tok != "*" && tok != ">" && strings.ContainsAny(tok, "*>"):
			return ErrInvalidSubject
		}
	}
	return nil
}

// MatchSubject reports whether subject matches pattern.
func MatchSubject(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
