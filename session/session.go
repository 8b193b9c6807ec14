// Package session runs one WebSocket connection from admission to close.
//
// A Manager admits the connection against the per-identity ceiling, then
// for every inbound envelope applies the sliding-window rate limit and
// hands the request to the router on its own goroutine. Handlers are never
// cancelled because the connection went away; their responses are simply
// discarded.
package session

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/audit"
	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/logging"
	"github.com/vinayprograms/gatekit/metrics"
	"github.com/vinayprograms/gatekit/protocol"
	"github.com/vinayprograms/gatekit/ratelimit"
	"github.com/vinayprograms/gatekit/telemetry"
	"github.com/vinayprograms/gatekit/transport"
)

// ErrAdmissionRejected is returned by Serve when the identity already holds
// its maximum number of connections.
var ErrAdmissionRejected = stderrors.New("connection admission rejected")

// Dispatcher routes one request. *router.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, identity string, req *protocol.Request) *protocol.Response
}

// RateChecker is the per-message limit. *ratelimit.SlidingWindow satisfies it.
type RateChecker interface {
	Check(ctx context.Context, identity string, rule ratelimit.Rule) ratelimit.Decision
}

// Admitter tracks live connections. *ratelimit.ConnectionLimiter satisfies it.
type Admitter interface {
	Add(ctx context.Context, identity, connID string) ratelimit.Admission
	Remove(ctx context.Context, identity, connID string) error
}

// Config wires a Manager. Router is required; a nil Limiter or
// Connections disables that check.
type Config struct {
	Router      Dispatcher
	Limiter     RateChecker
	Rule        ratelimit.Rule
	Connections Admitter

	Audit   audit.Sink
	Metrics *metrics.Metrics
	Logger  *logging.Logger
	Tracer  *telemetry.Tracer

	// MaxInFlight bounds concurrent dispatches per connection. Reading
	// pauses while the bound is reached. Default: 32
	MaxInFlight int

	// CloseOnDenied closes the connection after a PERMISSION_DENIED
	// response has been sent.
	CloseOnDenied bool

	// RemoveTimeout bounds deregistration after disconnect. Default: 2s
	RemoveTimeout time.Duration
}

// Manager serves sessions. One Manager is shared by all connections.
type Manager struct {
	config Config
	logger *logging.Logger
	active atomic.Int64
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("session: router is required")
	}
	if cfg.Limiter != nil {
		if err := cfg.Rule.Validate(); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.RemoveTimeout <= 0 {
		cfg.RemoveTimeout = 2 * time.Second
	}
	return &Manager{config: cfg, logger: cfg.Logger.WithComponent("session")}, nil
}

// Active reports sessions currently being served by this Manager.
func (m *Manager) Active() int64 {
	return m.active.Load()
}

// session is the per-connection state.
type session struct {
	m         *Manager
	identity  string
	connID    string
	transport transport.Transport
	ctx       context.Context
}

// Serve owns t until the connection ends. A rejected admission closes t
// without sending anything and returns ErrAdmissionRejected.
func (m *Manager) Serve(ctx context.Context, identity string, t transport.Transport) error {
	connID := uuid.NewString()

	if c := m.config.Connections; c != nil {
		adm := c.Add(ctx, identity, connID)
		m.config.Metrics.ObserveAdmission(adm.Accepted, adm.Degraded)
		if adm.Degraded {
			m.logger.DependencyDegraded("connections", adm.Cause, map[string]interface{}{"identity": identity})
		}
		if !adm.Accepted {
			m.logger.ConnectionRejected(identity, adm.Active, adm.Degraded)
			t.CloseWith(transport.ClosePolicyViolation, "connection limit reached")
			return fmt.Errorf("%w: %s holds %d connections", ErrAdmissionRejected, identity, adm.Active)
		}
		m.logger.ConnectionOpened(identity, connID, adm.Active)
	} else {
		m.logger.ConnectionOpened(identity, connID, 0)
	}

	start := time.Now()
	m.active.Add(1)
	m.config.Metrics.ConnectionOpened()

	ctx, span := m.config.Tracer.StartSessionSpan(ctx, identity, connID)
	s := &session{m: m, identity: identity, connID: connID, transport: t, ctx: ctx}

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx) }()

	inflight := s.pump()

	err := <-runErr
	s.deregister()
	inflight.Wait()

	m.active.Add(-1)
	m.config.Metrics.ConnectionClosed()
	m.logger.ConnectionClosed(identity, connID, time.Since(start))
	span.End()

	if err != nil && !stderrors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pump reads until Recv closes and returns the group of running dispatches.
func (s *session) pump() *sync.WaitGroup {
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.m.config.MaxInFlight)

	for msg := range s.transport.Recv() {
		start := time.Now()
		req := msg.Request

		if msg.Err != nil {
			s.reply(protocol.NewErrorResponse(req, protocol.StatusInvalidData,
				errorMessage(msg.Err), errors.ErrCodeInvalidInput), start)
			continue
		}

		if !s.allow(req) {
			resp := protocol.NewErrorResponse(req, protocol.StatusError,
				"rate limit exceeded", errors.ErrCodeRateLimit)
			s.reply(resp, start)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(req, start)
		}()
	}
	return &wg
}

func (s *session) allow(req *protocol.Request) bool {
	lim := s.m.config.Limiter
	if lim == nil {
		return true
	}
	d := lim.Check(s.ctx, s.identity, s.m.config.Rule)
	s.m.config.Metrics.ObserveRateDecision(d.Allowed, d.Degraded)
	if d.Degraded {
		s.m.logger.DependencyDegraded("rate_limit", d.Cause, map[string]interface{}{
			"identity": s.identity,
			"allowed":  d.Allowed,
		})
	}
	if !d.Allowed {
		s.m.logger.RateLimited(s.identity, req.CorrelationID.String())
	}
	return d.Allowed
}

func (s *session) dispatch(req *protocol.Request, start time.Time) {
	// Handlers outlive the connection: detach from its cancellation but
	// keep its values, including the session span.
	resp := s.m.config.Router.Dispatch(context.WithoutCancel(s.ctx), s.identity, req)
	s.reply(resp, start)

	if s.m.config.CloseOnDenied && resp.StatusCode == protocol.StatusPermissionDenied {
		s.m.logger.Info("closing connection after permission denial", map[string]interface{}{
			"identity":       s.identity,
			"connection_id":  s.connID,
			"correlation_id": req.CorrelationID.String(),
		})
		s.transport.CloseWith(transport.ClosePolicyViolation, "permission denied")
	}
}

// reply sends resp and records the outcome. A closed transport discards it.
func (s *session) reply(resp *protocol.Response, start time.Time) {
	if err := s.transport.Send(&transport.OutboundMessage{Response: resp}); err != nil {
		s.m.logger.Debug("response discarded", map[string]interface{}{
			"connection_id":  s.connID,
			"correlation_id": resp.CorrelationID.String(),
			"error":          err,
		})
	}

	entry := audit.NewEntry(s.identity, resp.MessageTypeID, resp.CorrelationID.String(),
		resp.StatusCode.String(), start)
	entry.ConnectionID = s.connID
	s.m.config.Audit.Record(entry)
}

// deregister removes the connection record with a fresh bounded context;
// the session context may already be cancelled.
func (s *session) deregister() {
	c := s.m.config.Connections
	if c == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.m.config.RemoveTimeout)
	defer cancel()
	if err := c.Remove(ctx, s.identity, s.connID); err != nil {
		s.m.logger.DependencyDegraded("connections", err, map[string]interface{}{
			"identity":      s.identity,
			"connection_id": s.connID,
			"op":            "remove",
		})
	}
}

func errorMessage(err error) string {
	var gw *errors.Error
	if stderrors.As(err, &gw) {
		return gw.Message()
	}
	return err.Error()
}
