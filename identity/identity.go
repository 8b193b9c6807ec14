// Package identity resolves the capabilities granted to an authenticated
// identity.
//
// A Provider answers "what may this identity do". Providers compose:
//
//	origin := identity.NewBusProvider(b, identity.BusProviderConfig{})
//	guarded := identity.NewGuardedProvider(origin, breaker.DefaultConfig("identity"))
//	cached := identity.NewCachedProvider(guarded, cache, identity.CacheConfig{})
//
// The router calls the outermost provider once per dispatch that needs
// capabilities.
package identity

import (
	"context"
	stderrors "errors"
	"sort"
)

// ErrUnknownIdentity means the provider has no record of the identity. It is
// an answer, not an outage: breakers do not count it.
var ErrUnknownIdentity = stderrors.New("unknown identity")

// CapabilitySet is an immutable set of capability names.
type CapabilitySet struct {
	names map[string]struct{}
}

// NewCapabilitySet builds a set. Empty names are skipped.
func NewCapabilitySet(names ...string) CapabilitySet {
	set := CapabilitySet{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		if n != "" {
			set.names[n] = struct{}{}
		}
	}
	return set
}

func (s CapabilitySet) Has(name string) bool {
	_, ok := s.names[name]
	return ok
}

// Missing returns the required capabilities absent from s, in the order
// given. A nil result means s satisfies all of them.
func (s CapabilitySet) Missing(required []string) []string {
	var missing []string
	for _, r := range required {
		if !s.Has(r) {
			missing = append(missing, r)
		}
	}
	return missing
}

// List returns the names in sorted order.
func (s CapabilitySet) List() []string {
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (s CapabilitySet) Len() int { return len(s.names) }

// Provider resolves capabilities for an identity.
type Provider interface {
	Capabilities(ctx context.Context, identity string) (CapabilitySet, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, identity string) (CapabilitySet, error)

func (f ProviderFunc) Capabilities(ctx context.Context, identity string) (CapabilitySet, error) {
	return f(ctx, identity)
}

// StaticProvider serves a fixed table, typically from configuration.
type StaticProvider struct {
	table map[string]CapabilitySet
}

func NewStaticProvider(table map[string][]string) *StaticProvider {
	p := &StaticProvider{table: make(map[string]CapabilitySet, len(table))}
	for id, caps := range table {
		p.table[id] = NewCapabilitySet(caps...)
	}
	return p
}

func (p *StaticProvider) Capabilities(ctx context.Context, identity string) (CapabilitySet, error) {
	if err := ctx.Err(); err != nil {
		return CapabilitySet{}, err
	}
	set, ok := p.table[identity]
	if !ok {
		return CapabilitySet{}, ErrUnknownIdentity
	}
	return set, nil
}
