package identity

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/vinayprograms/gatekit/breaker"
	"github.com/vinayprograms/gatekit/logging"
	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/telemetry"
)

// CacheConfig configures a CachedProvider.
type CacheConfig struct {
	// KeyPrefix namespaces cache keys. Default: "gatekit:caps:"
	KeyPrefix string

	// TTL is how long a looked-up set is served from cache. Default: 60s
	TTL time.Duration

	// Breaker protects cache calls. Zero fields take breaker defaults.
	Breaker breaker.Config

	Logger *logging.Logger

	// Tracer records a client span per cache call.
	// Default: telemetry.GetTracer()
	Tracer *telemetry.Tracer
}

// CachedProvider serves capability sets from a shared cache, falling back
// to origin on a miss. A failing cache degrades to direct origin lookups.
type CachedProvider struct {
	origin  Provider
	cache   store.Cache
	breaker *breaker.Breaker
	prefix  string
	ttl     time.Duration
	logger  *logging.Logger
	tracer  *telemetry.Tracer
}

func NewCachedProvider(origin Provider, cache store.Cache, cfg CacheConfig) *CachedProvider {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "gatekit:caps:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "identity_cache"
	}
	if cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = isCacheOutage
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = telemetry.GetTracer()
	}
	return &CachedProvider{
		origin:  origin,
		cache:   cache,
		breaker: breaker.New(cfg.Breaker),
		prefix:  cfg.KeyPrefix,
		ttl:     cfg.TTL,
		logger:  cfg.Logger.WithComponent("identity"),
		tracer:  cfg.Tracer,
	}
}

// isCacheOutage counts only errors that say the cache itself is failing. A
// miss or a key the cache refuses concerns one identity, not the cache.
func isCacheOutage(err error) bool {
	return !stderrors.Is(err, store.ErrNotFound) && !stderrors.Is(err, store.ErrInvalidKey)
}

func (p *CachedProvider) Capabilities(ctx context.Context, identity string) (CapabilitySet, error) {
	key := p.prefix + identity

	gctx, span := p.tracer.StartDependencySpan(ctx, "identity_cache", "get")
	raw, err := breaker.Call(gctx, p.breaker, func(ctx context.Context) ([]byte, error) {
		return p.cache.Get(ctx, key)
	})
	p.tracer.EndDependencySpan(span, err != nil && isCacheOutage(err), spanErr(err, isCacheOutage))
	switch {
	case err == nil:
		var names []string
		if jerr := json.Unmarshal(raw, &names); jerr == nil {
			return NewCapabilitySet(names...), nil
		}
		p.logger.Warn("discarding corrupt capability cache entry", map[string]interface{}{"key": key})
	case stderrors.Is(err, store.ErrInvalidKey):
		p.logger.Debug("identity not cacheable", map[string]interface{}{"identity": identity})
	case !stderrors.Is(err, store.ErrNotFound):
		p.logger.DependencyDegraded("identity_cache", err, map[string]interface{}{"op": "get"})
	}

	set, err := p.origin.Capabilities(ctx, identity)
	if err != nil {
		return CapabilitySet{}, err
	}

	data, _ := json.Marshal(set.List())
	sctx, span := p.tracer.StartDependencySpan(ctx, "identity_cache", "set")
	err = p.breaker.Execute(sctx, func(ctx context.Context) error {
		return p.cache.Set(ctx, key, data, p.ttl)
	})
	p.tracer.EndDependencySpan(span, err != nil, err)
	if err != nil && isCacheOutage(err) {
		p.logger.DependencyDegraded("identity_cache", err, map[string]interface{}{"op": "set"})
	}
	return set, nil
}

// Breaker exposes the cache breaker for health reporting.
func (p *CachedProvider) Breaker() *breaker.Breaker {
	return p.breaker
}
