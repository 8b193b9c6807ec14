package identity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/gatekit/bus"
	"github.com/vinayprograms/gatekit/errors"
	"github.com/vinayprograms/gatekit/logging"
)

// DefaultSubject is where capability lookups are requested.
const DefaultSubject = "identity.capabilities"

const unknownIdentityReply = "unknown_identity"

// LookupRequest is the bus request body.
type LookupRequest struct {
	Identity string `json:"identity"`
}

// LookupReply is the bus reply body. Error is set instead of Capabilities
// when the lookup failed; "unknown_identity" maps to ErrUnknownIdentity.
type LookupReply struct {
	Capabilities []string `json:"capabilities"`
	Error        string   `json:"error,omitempty"`
}

// BusProviderConfig configures a BusProvider.
type BusProviderConfig struct {
	// Subject defaults to DefaultSubject.
	Subject string

	// Timeout bounds each request when ctx carries no earlier deadline.
	// Default: 1s
	Timeout time.Duration
}

// BusProvider asks a remote identity service over the bus.
type BusProvider struct {
	bus     bus.Bus
	subject string
	timeout time.Duration
}

func NewBusProvider(b bus.Bus, cfg BusProviderConfig) *BusProvider {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &BusProvider{bus: b, subject: cfg.Subject, timeout: cfg.Timeout}
}

func (p *BusProvider) Capabilities(ctx context.Context, identity string) (CapabilitySet, error) {
	body, err := json.Marshal(LookupRequest{Identity: identity})
	if err != nil {
		return CapabilitySet{}, errors.Wrap(err, "encode capability lookup")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg, err := p.bus.Request(ctx, p.subject, body)
	if err != nil {
		code := errors.ErrCodeUnavailable
		switch {
		case stderrors.Is(err, bus.ErrTimeout):
			code = errors.ErrCodeTimeout
		case stderrors.Is(err, context.Canceled):
			code = errors.ErrCodeCanceled
		}
		return CapabilitySet{}, errors.WrapWithCode(err, code, "capability lookup",
			errors.WithIdentity(identity))
	}

	var reply LookupReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return CapabilitySet{}, errors.WrapWithCode(err, errors.ErrCodeUnavailable,
			"decode capability reply", errors.WithIdentity(identity))
	}
	switch reply.Error {
	case "":
		return NewCapabilitySet(reply.Capabilities...), nil
	case unknownIdentityReply:
		return CapabilitySet{}, ErrUnknownIdentity
	default:
		return CapabilitySet{}, errors.New(errors.ErrCodeUnavailable,
			"identity service: "+reply.Error, errors.WithIdentity(identity))
	}
}

// Serve answers capability lookups on subject from provider until ctx ends
// or the subscription closes. Instances share the "identity" queue group.
func Serve(ctx context.Context, b bus.Bus, subject string, provider Provider, logger *logging.Logger) error {
	if subject == "" {
		subject = DefaultSubject
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.WithComponent("identity")

	sub, err := b.QueueSubscribe(subject, "identity")
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			reply := answer(ctx, provider, msg.Data)
			data, _ := json.Marshal(reply)
			if err := bus.Reply(b, msg, data); err != nil {
				logger.Warn("capability reply failed", map[string]interface{}{"error": err})
			}
		}
	}
}

func answer(ctx context.Context, provider Provider, data []byte) LookupReply {
	var req LookupRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Identity == "" {
		return LookupReply{Error: "malformed lookup"}
	}
	set, err := provider.Capabilities(ctx, req.Identity)
	switch {
	case err == nil:
		return LookupReply{Capabilities: set.List()}
	case stderrors.Is(err, ErrUnknownIdentity):
		return LookupReply{Error: unknownIdentityReply}
	default:
		return LookupReply{Error: err.Error()}
	}
}
