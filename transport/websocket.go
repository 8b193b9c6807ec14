package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketTransport is a Transport over one gorilla/websocket connection.
type WebSocketTransport struct {
	conn   *websocket.Conn
	config WebSocketConfig

	recv chan *InboundMessage
	send chan *OutboundMessage

	mu          sync.Mutex
	running     bool
	closed      bool
	closeCode   int
	closeReason string
	done        chan struct{} // closed once no more sends are accepted
}

// WebSocketConfig holds WebSocket transport configuration.
type WebSocketConfig struct {
	Config

	// WriteTimeout bounds each frame write. Default: 10s
	WriteTimeout time.Duration

	// MaxMessageSize limits inbound frames. Default: 64KB
	MaxMessageSize int64

	// PingInterval between keepalive pings. Zero disables pings and read
	// deadlines. Default: 30s
	PingInterval time.Duration

	// PongWait is how long the peer may stay silent before the connection
	// is considered dead. Default: twice PingInterval
	PongWait time.Duration
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		Config:         DefaultConfig(),
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		PingInterval:   30 * time.Second,
	}
}

// NewWebSocketTransport wraps an upgraded connection.
func NewWebSocketTransport(conn *websocket.Conn, cfg WebSocketConfig) *WebSocketTransport {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	if cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	if cfg.PingInterval > 0 && cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	return &WebSocketTransport{
		conn:      conn,
		config:    cfg,
		recv:      make(chan *InboundMessage, cfg.RecvBufferSize),
		send:      make(chan *OutboundMessage, cfg.SendBufferSize),
		closeCode: CloseNormal,
		done:      make(chan struct{}),
	}
}

// NewWebSocketUpgrader returns an upgrader. A nil allowedOrigins accepts
// every origin.
func NewWebSocketUpgrader(allowedOrigins []string) *websocket.Upgrader {
	up := &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if allowedOrigins == nil {
		up.CheckOrigin = func(r *http.Request) bool { return true }
		return up
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
	return up
}

func (t *WebSocketTransport) Recv() <-chan *InboundMessage {
	return t.recv
}

func (t *WebSocketTransport) Send(msg *OutboundMessage) error {
	if msg == nil || msg.Response == nil {
		return ErrEmptyMessage
	}
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.send <- msg:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// Run returns nil when the peer disconnects or Close is called, and
// ctx.Err() when ctx ends first.
func (t *WebSocketTransport) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running || t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.running = true
	t.mu.Unlock()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readLoop()
	}()

	err := t.writeLoop(ctx, readerDone)

	t.markClosed(CloseNormal, "")
	t.conn.Close()
	<-readerDone
	return err
}

func (t *WebSocketTransport) Close() error {
	return t.CloseWith(CloseNormal, "")
}

func (t *WebSocketTransport) CloseWith(code int, reason string) error {
	t.mu.Lock()
	running := t.running
	t.mu.Unlock()

	t.markClosed(code, reason)
	if !running {
		// Nothing is pumping the connection; say goodbye directly.
		t.writeClose(code, reason)
		return t.conn.Close()
	}
	return nil
}

func (t *WebSocketTransport) markClosed(code int, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.done)
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.recv)

	if t.config.PingInterval > 0 {
		t.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		t.conn.SetPongHandler(func(string) error {
			return t.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		})
	}

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		if t.config.PingInterval > 0 {
			t.conn.SetReadDeadline(time.Now().Add(t.config.PongWait))
		}
		select {
		case t.recv <- ParseInbound(data):
		case <-t.done:
			return
		}
	}
}

func (t *WebSocketTransport) writeLoop(ctx context.Context, readerDone <-chan struct{}) error {
	var ping <-chan time.Time
	if t.config.PingInterval > 0 {
		ticker := time.NewTicker(t.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			t.drain()
			t.writeClose(CloseGoingAway, "server shutting down")
			return ctx.Err()
		case <-t.done:
			t.drain()
			t.mu.Lock()
			code, reason := t.closeCode, t.closeReason
			t.mu.Unlock()
			t.writeClose(code, reason)
			return nil
		case <-readerDone:
			return nil
		case <-ping:
			deadline := time.Now().Add(t.config.WriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return nil
			}
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return nil
			}
		}
	}
}

// drain flushes responses queued before shutdown.
func (t *WebSocketTransport) drain() {
	for {
		select {
		case msg := <-t.send:
			if err := t.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (t *WebSocketTransport) write(msg *OutboundMessage) error {
	data, err := MarshalOutbound(msg)
	if data == nil {
		return nil // nothing to send, keep the connection
	}
	if err != nil && t.config.OnEncodeError != nil {
		t.config.OnEncodeError(msg.Response, err)
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.config.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *WebSocketTransport) writeClose(code int, reason string) {
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
}
