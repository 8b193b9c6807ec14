package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vinayprograms/gatekit/protocol"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrEmptyMessage = errors.New("empty outbound message")
	ErrUnencodable  = errors.New("response not encodable")
)

// Close codes sent to the peer.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// Transport carries envelopes for one connection.
type Transport interface {
	// Recv yields inbound messages. It is closed when the connection ends.
	Recv() <-chan *InboundMessage

	// Send queues msg. Returns ErrClosed once the transport is closed.
	Send(msg *OutboundMessage) error

	// Run pumps the connection until the peer disconnects, ctx ends or
	// Close is called.
	Run(ctx context.Context) error

	// Close flushes queued sends and closes normally.
	Close() error

	// CloseWith closes with an explicit code and reason.
	CloseWith(code int, reason string) error
}

// InboundMessage is one decoded frame. When Err is set the frame was not a
// valid envelope and Request carries only the identifiers that decoded.
type InboundMessage struct {
	Request *protocol.Request
	Err     error
	Raw     json.RawMessage
}

// OutboundMessage wraps a response for delivery.
type OutboundMessage struct {
	Response *protocol.Response
}

// ParseInbound decodes a frame. It never returns nil.
func ParseInbound(data []byte) *InboundMessage {
	req, err := protocol.ParseRequest(data)
	return &InboundMessage{Request: req, Err: err, Raw: data}
}

// MarshalOutbound encodes msg for the wire. A response that cannot be
// encoded is replaced by protocol.Unencodable; the replacement is returned
// together with an ErrUnencodable error.
func MarshalOutbound(msg *OutboundMessage) ([]byte, error) {
	if msg == nil || msg.Response == nil {
		return nil, ErrEmptyMessage
	}
	data, err := protocol.MarshalResponse(msg.Response)
	if err == nil {
		return data, nil
	}
	fallback, ferr := protocol.MarshalResponse(protocol.Unencodable(msg.Response))
	if ferr != nil {
		return nil, ferr
	}
	return fallback, fmt.Errorf("%w: %v", ErrUnencodable, err)
}

// Config holds settings shared by transports.
type Config struct {
	// RecvBufferSize is the inbound channel capacity. Default: 64
	RecvBufferSize int

	// SendBufferSize is the outbound queue capacity. Default: 64
	SendBufferSize int

	// OnEncodeError is told about every response that had to be replaced
	// by protocol.Unencodable. Optional.
	OnEncodeError func(resp *protocol.Response, err error)
}

func DefaultConfig() Config {
	return Config{RecvBufferSize: 64, SendBufferSize: 64}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RecvBufferSize <= 0 {
		c.RecvBufferSize = def.RecvBufferSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	return c
}
