package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vinayprograms/gatekit/logging"
	"github.com/vinayprograms/gatekit/metrics"
	"github.com/vinayprograms/gatekit/protocol"
	"github.com/vinayprograms/gatekit/session"
	"github.com/vinayprograms/gatekit/telemetry"
	"github.com/vinayprograms/gatekit/transport"
)

// ServerConfig configures the HTTP side of the gateway.
type ServerConfig struct {
	Addr string

	// WebSocketPath is the upgrade endpoint. Default: "/ws"
	WebSocketPath string

	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string

	// ReadHeaderTimeout. Default: 10s
	ReadHeaderTimeout time.Duration

	WebSocket transport.WebSocketConfig
}

// Pinger is implemented by dependencies /healthz can check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server accepts WebSocket upgrades and hands each connection to the
// session manager.
type Server struct {
	config   ServerConfig
	auth     Authenticator
	sessions *session.Manager
	metrics  *metrics.Metrics
	logger   *logging.Logger
	checks   map[string]Pinger

	upgrader *websocket.Upgrader
	handler  http.Handler
	http     *http.Server

	// base is the parent of every session context. Cancelling it closes
	// live connections with 1001.
	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	live     sync.WaitGroup
}

func NewServer(cfg ServerConfig, auth Authenticator, sessions *session.Manager, m *metrics.Metrics, logger *logging.Logger) *Server {
	if cfg.WebSocketPath == "" {
		cfg.WebSocketPath = "/ws"
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Server{
		config:   cfg,
		auth:     auth,
		sessions: sessions,
		metrics:  m,
		logger:   logger.WithComponent("gateway"),
		checks:   map[string]Pinger{},
		upgrader: transport.NewWebSocketUpgrader(cfg.AllowedOrigins),
	}
	s.base, s.cancel = context.WithCancel(context.Background())
	if s.config.WebSocket.OnEncodeError == nil {
		s.config.WebSocket.OnEncodeError = s.encodeError
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get(cfg.WebSocketPath, s.handleUpgrade)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", m.Handler())
	s.handler = r

	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// AddHealthCheck makes /healthz report the state of a dependency.
func (s *Server) AddHealthCheck(name string, p Pinger) {
	s.checks[name] = p
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe blocks until the server stops. A stop caused by Shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", map[string]interface{}{"addr": s.config.Addr, "path": s.config.WebSocketPath})
	return ignoreClosed(s.http.ListenAndServe())
}

func (s *Server) Serve(l net.Listener) error {
	return ignoreClosed(s.http.Serve(l))
}

func ignoreClosed(err error) error {
	if stderrors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, then closes live sessions and
// waits for them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.StopAccepting(ctx); err != nil {
		return err
	}
	return s.DrainSessions(ctx)
}

// StopAccepting refuses new upgrades and stops the listener. Hijacked
// WebSocket connections are not affected.
func (s *Server) StopAccepting(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	return s.http.Shutdown(ctx)
}

// DrainSessions closes every live connection with 1001 and waits until
// their sessions, including in-flight handlers, have returned.
func (s *Server) DrainSessions(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// track registers a session unless the server is draining.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.live.Add(1)
	return true
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Debug("upgrade refused", map[string]interface{}{
			"remote": r.RemoteAddr,
			"error":  err,
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !s.track() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.live.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Debug("upgrade failed", map[string]interface{}{"identity": identity, "error": err})
		return
	}

	t := transport.NewWebSocketTransport(conn, s.config.WebSocket)
	ctx := telemetry.ExtractContext(s.base, propagation.HeaderCarrier(r.Header))

	if err := s.sessions.Serve(ctx, identity, t); err != nil && !stderrors.Is(err, session.ErrAdmissionRejected) {
		s.logger.Warn("session ended with error", map[string]interface{}{
			"identity": identity,
			"error":    err,
		})
	}
}

type healthReport struct {
	Status   string            `json:"status"`
	Sessions int64             `json:"sessions"`
	Checks   map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{Status: "ok", Sessions: s.sessions.Active()}

	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()

	if len(s.checks) > 0 {
		report.Checks = make(map[string]string, len(s.checks))
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		for name, p := range s.checks {
			if err := p.Ping(ctx); err != nil {
				report.Checks[name] = "degraded: " + err.Error()
				report.Status = "degraded"
				continue
			}
			report.Checks[name] = "ok"
		}
	}

	code := http.StatusOK
	if draining {
		report.Status = "draining"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(report)
}

func (s *Server) encodeError(resp *protocol.Response, err error) {
	cid := resp.CorrelationID.String()
	s.logger.WithCorrelationID(cid).Error("response replaced with ERROR", map[string]interface{}{
		"message_type_id": resp.MessageTypeID,
		"status":          resp.StatusCode.String(),
		"error":           err,
	})
}
