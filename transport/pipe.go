package transport

import (
	"context"
	"sync"

	"github.com/vinayprograms/gatekit/protocol"
)

// PipeTransport is an in-process Transport. The test or embedding side
// feeds frames with Inject and reads what the gateway sent from Outbound.
type PipeTransport struct {
	config Config
	recv   chan *InboundMessage
	out    chan *OutboundMessage

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{}
	peerGone    chan struct{}
	peerOnce    sync.Once

	recvMu     sync.RWMutex
	recvClosed bool
}

func NewPipeTransport(cfg Config) *PipeTransport {
	cfg = cfg.withDefaults()
	return &PipeTransport{
		config:   cfg,
		recv:     make(chan *InboundMessage, cfg.RecvBufferSize),
		out:      make(chan *OutboundMessage, cfg.SendBufferSize),
		done:     make(chan struct{}),
		peerGone: make(chan struct{}),
	}
}

// Inject delivers a raw frame as if the peer had sent it.
func (p *PipeTransport) Inject(data []byte) error {
	p.recvMu.RLock()
	defer p.recvMu.RUnlock()
	if p.recvClosed {
		return ErrClosed
	}
	select {
	case <-p.done:
		return ErrClosed
	case <-p.peerGone:
		return ErrClosed
	case p.recv <- ParseInbound(data):
		return nil
	}
}

// Outbound yields responses sent by the gateway.
func (p *PipeTransport) Outbound() <-chan *OutboundMessage {
	return p.out
}

// Hangup simulates the peer disconnecting.
func (p *PipeTransport) Hangup() {
	p.peerOnce.Do(func() { close(p.peerGone) })
}

// Done is closed once the gateway side closed the transport.
func (p *PipeTransport) Done() <-chan struct{} {
	return p.done
}

// CloseStatus reports the code and reason the gateway closed with.
func (p *PipeTransport) CloseStatus() (int, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCode, p.closeReason
}

func (p *PipeTransport) Recv() <-chan *InboundMessage {
	return p.recv
}

// Send queues msg. A response that would not encode on the wire is replaced
// the way MarshalOutbound replaces it.
func (p *PipeTransport) Send(msg *OutboundMessage) error {
	if msg == nil || msg.Response == nil {
		return ErrEmptyMessage
	}
	if _, err := MarshalOutbound(msg); err != nil {
		if p.config.OnEncodeError != nil {
			p.config.OnEncodeError(msg.Response, err)
		}
		msg = &OutboundMessage{Response: protocol.Unencodable(msg.Response)}
	}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return ErrClosed
	}
}

// Run closes Recv when the peer hangs up, the gateway closes or ctx ends.
func (p *PipeTransport) Run(ctx context.Context) error {
	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-p.done:
	case <-p.peerGone:
	}
	p.markClosed(CloseNormal, "")

	p.recvMu.Lock()
	p.recvClosed = true
	close(p.recv)
	p.recvMu.Unlock()
	return err
}

func (p *PipeTransport) Close() error {
	return p.CloseWith(CloseNormal, "")
}

func (p *PipeTransport) CloseWith(code int, reason string) error {
	p.markClosed(code, reason)
	return nil
}

func (p *PipeTransport) markClosed(code int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.closeCode = code
	p.closeReason = reason
	close(p.done)
}
