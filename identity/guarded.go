package identity

import (
	"context"
	stderrors "errors"

	"github.com/vinayprograms/gatekit/breaker"
	"github.com/vinayprograms/gatekit/telemetry"
)

// GuardedProvider routes lookups through a circuit breaker so a failing
// identity service is not hammered by every dispatch.
type GuardedProvider struct {
	origin  Provider
	breaker *breaker.Breaker
	tracer  *telemetry.Tracer
}

// NewGuardedProvider wraps origin in a breaker built from cfg. When cfg has
// no IsFailure, ErrUnknownIdentity is not counted as a failure. Lookups are
// traced with the tracer installed by telemetry.SetGlobalTracer.
func NewGuardedProvider(origin Provider, cfg breaker.Config) *GuardedProvider {
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsOutage
	}
	return &GuardedProvider{origin: origin, breaker: breaker.New(cfg), tracer: telemetry.GetTracer()}
}

func (p *GuardedProvider) Capabilities(ctx context.Context, identity string) (CapabilitySet, error) {
	ctx, span := p.tracer.StartDependencySpan(ctx, "identity", "capabilities")
	set, err := breaker.Call(ctx, p.breaker, func(ctx context.Context) (CapabilitySet, error) {
		return p.origin.Capabilities(ctx, identity)
	})
	p.tracer.EndDependencySpan(span, IsOutage(err), spanErr(err, IsOutage))
	return set, err
}

// spanErr keeps err on a span only when it reports an outage; definitive
// answers such as a miss end the span cleanly.
func spanErr(err error, outage func(error) bool) error {
	if err != nil && outage(err) {
		return err
	}
	return nil
}

// Breaker exposes the breaker for health reporting.
func (p *GuardedProvider) Breaker() *breaker.Breaker {
	return p.breaker
}

// IsOutage reports whether err indicates the provider itself is failing, as
// opposed to a definitive answer about the identity.
func IsOutage(err error) bool {
	return err != nil && !stderrors.Is(err, ErrUnknownIdentity)
}
