package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message is a single delivery from the bus.
type Message struct {
	Subject string
	Data    []byte

	// Reply is set for request/reply deliveries and empty for plain pub/sub.
	Reply string
}

// Bus carries gateway side-traffic: capability lookups and audit records.
type Bus interface {
	// Publish fans a message out to every subscriber of subject.
	Publish(subject string, data []byte) error

	// Subscribe delivers every message on subject.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe delivers each message on subject to one member of queue.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request publishes data and waits for a single reply. The wait is
	// bounded by ctx; an expired deadline is reported as ErrTimeout.
	Request(ctx context.Context, subject string, data []byte) (*Message, error)

	Close() error
}

// Subscription is an active interest in a subject. MemoryBus closes the
// Messages channel on Unsubscribe and Close; NATSBus only stops delivery.
type Subscription interface {
	Messages() <-chan *Message
	Unsubscribe() error
}

// Config holds settings shared by all bus implementations.
type Config struct {
	// BufferSize is the per-subscription channel capacity. Default: 256
	BufferSize int
}

func DefaultConfig() Config {
	return Config{BufferSize: 256}
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultConfig().BufferSize
	}
	return c
}

// ValidateSubject rejects empty subjects, whitespace and empty tokens.
func ValidateSubject(subject string) error {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return ErrInvalidSubject
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return ErrInvalidSubject
		}
	}
	return nil
}

// Reply answers a request message. Messages without a reply subject are
// ignored.
func Reply(b Bus, msg *Message, data []byte) error {
	if msg == nil || msg.Reply == "" {
		return nil
	}
	return b.Publish(msg.Reply, data)
}
