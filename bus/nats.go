package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is a Bus over a NATS connection.
type NATSBus struct {
	conn   *nats.Conn
	config NATSConfig
	owned  bool
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	Config

	URL   string
	Name  string
	Token string

	User     string
	Password string

	// MaxReconnects of -1 retries forever.
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Config:         DefaultConfig(),
		URL:            nats.DefaultURL,
		Name:           "gatekit",
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
	}
}

// NewNATSBus dials cfg.URL. The returned bus owns the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}

	conn, err := nats.Connect(cfg.URL, natsOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.URL, err)
	}
	return &NATSBus{conn: conn, config: cfg, owned: true}, nil
}

// NewNATSBusFromConn wraps a connection the caller keeps ownership of.
func NewNATSBusFromConn(conn *nats.Conn, cfg NATSConfig) *NATSBus {
	cfg.Config = cfg.Config.withDefaults()
	return &NATSBus{conn: conn, config: cfg}
}

func natsOptions(cfg NATSConfig) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
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

// Conn exposes the connection, e.g. for JetStream.
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}

func (b *NATSBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.conn.IsClosed() {
		return ErrClosed
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(subject string) (Subscription, error) {
	return b.subscribe(subject, "")
}

func (b *NATSBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	return b.subscribe(subject, queue)
}

func (b *NATSBus) subscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	ch := make(chan *Message, b.config.BufferSize)
	handler := func(m *nats.Msg) {
		select {
		case ch <- &Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
		default:
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queue == "" {
		sub, err = b.conn.Subscribe(subject, handler)
	} else {
		sub, err = b.conn.QueueSubscribe(subject, queue, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return &natsSubscription{sub: sub, ch: ch}, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.conn.IsClosed() {
		return nil, ErrClosed
	}

	reply, err := b.conn.RequestWithContext(ctx, subject, data)
	switch {
	case err == nil:
		return &Message{Subject: reply.Subject, Data: reply.Data, Reply: reply.Reply}, nil
	case errors.Is(err, nats.ErrNoResponders):
		return nil, ErrNoResponders
	case errors.Is(err, nats.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
}

// Close drains the connection if the bus dialed it.
func (b *NATSBus) Close() error {
	if !b.owned {
		return nil
	}
	if err := b.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		b.conn.Close()
		return err
	}
	return nil
}

type natsSubscription struct {
	sub *nats.Subscription
	ch  chan *Message
}

func (s *natsSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe stops delivery. The channel is left open because the NATS
// client may still be running the handler for an in-flight message.
func (s *natsSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
