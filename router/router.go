// Package router maps inbound message types to handlers.
//
// Each dispatch passes through fixed gates: type lookup, capability check,
// payload validation, then the handler. Every dispatch yields a response;
// handler errors and panics become ERROR responses and are logged with the
// correlation id.
//
//	r := router.New(router.Config{Provider: provider})
//	r.MustRegister(1, createWidget,
//	    router.WithName("widgets.create"),
//	    router.WithCapabilities("widgets.write"),
//	    router.WithSchema(widgetSchema),
//	)
//	resp := r.Dispatch(ctx, "alice", req)
package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/identity"
	"github.com/vinayprograms/gatekit/logging"
	"github.com/vinayprograms/gatekit/metrics"
	"github.com/vinayprograms/gatekit/protocol"
	"github.com/vinayprograms/gatekit/telemetry"
)

var (
	ErrDuplicateType = stderrors.New("message type already registered")
	ErrSealed        = stderrors.New("router is sealed")
	ErrNilHandler    = stderrors.New("nil handler")
)

// Request is what a handler sees.
type Request struct {
	Identity      string
	MessageTypeID int
	CorrelationID uuid.UUID
	Payload       json.RawMessage

	// Capabilities is populated only for registrations that require some.
	Capabilities identity.CapabilitySet
}

// Bind decodes the payload into v.
func (r *Request) Bind(v interface{}) error {
	return protocol.DecodePayload(r.Payload, v)
}

// Handler serves one message type.
type Handler func(ctx context.Context, req *Request) (*Result, error)

// Validator checks a payload before the handler runs. *schema.Schema
// satisfies it.
type Validator interface {
	Validate(payload json.RawMessage) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(payload json.RawMessage) error

func (f ValidatorFunc) Validate(payload json.RawMessage) error { return f(payload) }

// Registration is an immutable entry in the dispatch table.
type Registration struct {
	MessageTypeID int
	Name          string
	Schema        Validator
	Capabilities  []string

	handler Handler
}

// Option configures a registration.
type Option func(*Registration)

func WithSchema(v Validator) Option {
	return func(r *Registration) { r.Schema = v }
}

// WithCapabilities requires the caller to hold every listed capability.
func WithCapabilities(caps ...string) Option {
	return func(r *Registration) { r.Capabilities = append(r.Capabilities, caps...) }
}

func WithName(name string) Option {
	return func(r *Registration) { r.Name = name }
}

// Config wires a Router to its collaborators. Only Provider is needed, and
// only if some registration requires capabilities.
type Config struct {
	Provider identity.Provider
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *telemetry.Tracer
}

// Router is the dispatch table. Registration happens at startup; the table
// is read-only once sealed.
type Router struct {
	provider identity.Provider
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *telemetry.Tracer

	mu     sync.RWMutex
	routes map[int]*Registration
	sealed bool
}

func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &Router{
		provider: cfg.Provider,
		logger:   cfg.Logger.WithComponent("router"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		routes:   make(map[int]*Registration),
	}
}

// Register adds a handler for messageTypeID.
func (r *Router) Register(messageTypeID int, h Handler, opts ...Option) error {
	if h == nil {
		return fmt.Errorf("message type %d: %w", messageTypeID, ErrNilHandler)
	}
	reg := &Registration{MessageTypeID: messageTypeID, handler: h}
	for _, opt := range opts {
		opt(reg)
	}
	if reg.Name == "" {
		reg.Name = fmt.Sprintf("type-%d", messageTypeID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("message type %d: %w", messageTypeID, ErrSealed)
	}
	if existing, ok := r.routes[messageTypeID]; ok {
		return fmt.Errorf("message type %d (%s, already %s): %w",
			messageTypeID, reg.Name, existing.Name, ErrDuplicateType)
	}
	if len(reg.Capabilities) > 0 && r.provider == nil {
		return fmt.Errorf("message type %d requires capabilities but the router has no identity provider", messageTypeID)
	}
	r.routes[messageTypeID] = reg
	return nil
}

// MustRegister is Register for startup code; a defective table must stop
// the process.
func (r *Router) MustRegister(messageTypeID int, h Handler, opts ...Option) {
	if err := r.Register(messageTypeID, h, opts...); err != nil {
		panic(err)
	}
}

// Seal freezes the table. Dispatch seals implicitly.
func (r *Router) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Router) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Types lists registered message types in ascending order.
func (r *Router) Types() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.routes))
	for id := range r.routes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Lookup returns a copy of the registration for messageTypeID.
func (r *Router) Lookup(messageTypeID int) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.routes[messageTypeID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

func (r *Router) route(messageTypeID int) (*Registration, bool) {
	r.mu.RLock()
	if r.sealed {
		reg, ok := r.routes[messageTypeID]
		r.mu.RUnlock()
		return reg, ok
	}
	r.mu.RUnlock()

	r.mu.Lock()
	r.sealed = true
	reg, ok := r.routes[messageTypeID]
	r.mu.Unlock()
	return reg, ok
}

// Dispatch runs req through the gates and its handler. It never returns
// nil and never panics.
func (r *Router) Dispatch(ctx context.Context, identityName string, req *protocol.Request) *protocol.Response {
	start := time.Now()
	cid := req.CorrelationID.String()

	ctx, span := r.tracer.StartDispatchSpan(ctx, req.MessageTypeID, cid)
	resp, err := r.dispatch(ctx, identityName, req)
	status := resp.StatusCode.String()
	r.tracer.EndDispatchSpan(span, telemetry.DispatchSpanOptions{
		Identity: identityName,
		Status:   status,
		Payload:  req.Payload,
	}, err)

	elapsed := time.Since(start)
	r.metrics.ObserveDispatch(req.MessageTypeID, status, elapsed)
	r.logger.WithCorrelationID(cid).DispatchResult(req.MessageTypeID, cid, status, elapsed)
	return resp
}

// dispatch returns the response plus the internal failure, if any, for the
// span.
func (r *Router) dispatch(ctx context.Context, identityName string, req *protocol.Request) (*protocol.Response, error) {
	reg, ok := r.route(req.MessageTypeID)
	if !ok {
		return protocol.NewErrorResponse(req, protocol.StatusInvalidData,
			fmt.Sprintf("unknown message type %d", req.MessageTypeID), errors.ErrCodeUnknownType), nil
	}

	hreq := &Request{
		Identity:      identityName,
		MessageTypeID: req.MessageTypeID,
		CorrelationID: req.CorrelationID,
		Payload:       req.Payload,
	}

	if len(reg.Capabilities) > 0 {
		caps, err := r.provider.Capabilities(ctx, identityName)
		if stderrors.Is(err, identity.ErrUnknownIdentity) {
			caps, err = identity.CapabilitySet{}, nil
		}
		if err != nil {
			r.logger.WithCorrelationID(req.CorrelationID.String()).Warn("capability lookup failed, denying", map[string]interface{}{
				"identity":        identityName,
				"message_type_id": req.MessageTypeID,
				"error":           err,
			})
			return protocol.NewErrorResponse(req, protocol.StatusPermissionDenied,
				"capabilities unavailable", errors.ErrCodeForbidden), nil
		}
		if missing := caps.Missing(reg.Capabilities); len(missing) > 0 {
			return protocol.NewErrorResponse(req, protocol.StatusPermissionDenied,
				fmt.Sprintf("missing capabilities: %v", missing), errors.ErrCodeForbidden), nil
		}
		hreq.Capabilities = caps
	}

	if reg.Schema != nil {
		if err := reg.Schema.Validate(req.Payload); err != nil {
			return protocol.NewErrorResponse(req, protocol.StatusInvalidData,
				err.Error(), errors.ErrCodeInvalidInput), nil
		}
	}

	result, err := invoke(ctx, reg.handler, hreq)
	if err == nil && result == nil {
		err = errors.New(errors.ErrCodeNoResult, "handler returned neither result nor error")
	}
	if err == nil && !result.Status.Valid() {
		err = errors.Newf(errors.ErrCodeInternal, "handler returned invalid status %d", result.Status)
	}
	if err != nil {
		r.logger.WithCorrelationID(req.CorrelationID.String()).Error("handler failed", map[string]interface{}{
			"identity":        identityName,
			"message_type_id": req.MessageTypeID,
			"handler":         reg.Name,
			"code":            string(errors.Code(err)),
			"error":           err,
		})
		return protocol.NewErrorResponse(req, protocol.StatusError, "internal error", errors.ErrCodeInternal), err
	}
	return result.response(req), nil
}

func invoke(ctx context.Context, h Handler, req *Request) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, errors.RecoverPanic(rec)
		}
	}()
	return h(ctx, req)
}
