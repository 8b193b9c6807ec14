package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/vinayprograms/gatekit/audit"
	"github.com/vinayprograms/gatekit/breaker"
	"github.com/vinayprograms/gatekit/bus"
	"github.com/vinayprograms/gatekit/config"
	"github.com/vinayprograms/gatekit/identity"
	"github.com/vinayprograms/gatekit/logging"
	"github.com/vinayprograms/gatekit/metrics"
	"github.com/vinayprograms/gatekit/ratelimit"
	"github.com/vinayprograms/gatekit/router"
	"github.com/vinayprograms/gatekit/session"
	"github.com/vinayprograms/gatekit/shutdown"
	"github.com/vinayprograms/gatekit/store"
	"github.com/vinayprograms/gatekit/telemetry"
	"github.com/vinayprograms/gatekit/transport"
)

// Version is reported in trace resources.
var Version = "dev"

// SharedStore is what the limiters and the identity cache need from the
// store backend.
type SharedStore interface {
	store.CounterStore
	store.Cache
}

// RegisterFunc installs the message handlers. It runs once, before the
// router is sealed.
type RegisterFunc func(r *router.Router) error

// App is a fully wired gateway.
type App struct {
	Config   *config.Config
	Logger   *logging.Logger
	Store    SharedStore
	Bus      bus.Bus
	Metrics  *metrics.Metrics
	Tracer   *telemetry.Tracer
	Identity identity.Provider
	Audit    audit.Sink
	Router   *router.Router
	Sessions *session.Manager
	Server   *Server
	Breakers []*breaker.Breaker

	shutdown *shutdown.Coordinator
}

// Option adjusts Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger *logging.Logger
	store  SharedStore
	bus    bus.Bus
	auth   Authenticator
}

// WithLogger replaces the root logger built from configuration.
func WithLogger(l *logging.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithStore supplies the shared store instead of dialing redis.url. The
// App does not close it.
func WithStore(s SharedStore) Option {
	return func(o *buildOptions) { o.store = s }
}

// WithBus supplies the bus instead of dialing nats.url. The App does not
// close it.
func WithBus(b bus.Bus) Option {
	return func(o *buildOptions) { o.bus = b }
}

// WithAuthenticator replaces the authenticator selected by auth.mode.
func WithAuthenticator(a Authenticator) Option {
	return func(o *buildOptions) { o.auth = a }
}

// Build constructs every component from cfg. If any step fails, whatever
// was already built is released before the error is returned.
func Build(ctx context.Context, cfg *config.Config, register RegisterFunc, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.New()
		logger.SetLevel(logging.ParseLevel(cfg.Logging.Level))
		if strings.EqualFold(cfg.Logging.Format, string(logging.FormatJSON)) {
			logger.SetFormat(logging.FormatJSON)
		}
	}

	app := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		shutdown: shutdown.NewCoordinator(shutdown.Config{
			Timeout: cfg.Server.ShutdownTimeout.Std(),
			Logger:  logger,
		}),
	}

	if err := app.build(ctx, register, o); err != nil {
		app.shutdown.ShutdownWithTimeout(0)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, register RegisterFunc, o buildOptions) error {
	cfg := a.Config

	if err := a.buildTracer(ctx); err != nil {
		return err
	}
	if err := a.buildStore(ctx, o.store); err != nil {
		return err
	}
	if err := a.buildBus(o.bus); err != nil {
		return err
	}

	window, err := ratelimit.NewSlidingWindow(a.Store, ratelimit.WindowConfig{
		KeyPrefix: cfg.RateLimit.KeyPrefix,
		FailMode:  cfg.RateLimit.FailMode,
		OpTimeout: cfg.RateLimit.OpTimeout.Std(),
		Tracer:    a.Tracer,
	})
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	conns, err := ratelimit.NewConnectionLimiter(a.Store, ratelimit.ConnectionConfig{
		KeyPrefix:      cfg.RateLimit.KeyPrefix,
		MaxPerIdentity: cfg.Connections.MaxPerIdentity,
		FailMode:       cfg.Connections.FailMode,
		OpTimeout:      cfg.Connections.OpTimeout.Std(),
		HardCap:        cfg.Connections.HardCap,
		TTL:            cfg.Connections.TTL.Std(),
		Tracer:         a.Tracer,
	})
	if err != nil {
		return fmt.Errorf("connection limiter: %w", err)
	}

	if err := a.buildIdentity(ctx); err != nil {
		return err
	}
	if err := a.buildAudit(); err != nil {
		return err
	}

	a.Router = router.New(router.Config{
		Provider: a.Identity,
		Logger:   a.Logger,
		Metrics:  a.Metrics,
		Tracer:   a.Tracer,
	})
	if register != nil {
		if err := register(a.Router); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
	}
	a.Router.Seal()

	a.Sessions, err = session.NewManager(session.Config{
		Router:        a.Router,
		Limiter:       window,
		Rule:          cfg.RateLimit.Rule(),
		Connections:   conns,
		Audit:         a.Audit,
		Metrics:       a.Metrics,
		Logger:        a.Logger,
		Tracer:        a.Tracer,
		MaxInFlight:   cfg.Session.MaxInFlight,
		CloseOnDenied: cfg.Session.CloseOnDenied,
		RemoveTimeout: cfg.Session.RemoveTimeout.Std(),
	})
	if err != nil {
		return err
	}

	auth := o.auth
	if auth == nil {
		if auth, err = newAuthenticator(cfg.Auth); err != nil {
			return err
		}
	}

	ws := transport.DefaultWebSocketConfig()
	ws.WriteTimeout = cfg.Server.WriteTimeout.Std()
	ws.PingInterval = cfg.Server.PingInterval.Std()
	ws.MaxMessageSize = cfg.Server.MaxMessageSize

	a.Server = NewServer(ServerConfig{
		Addr:              cfg.Server.Addr,
		WebSocketPath:     cfg.Server.WebSocketPath,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout.Std(),
		WebSocket:         ws,
	}, auth, a.Sessions, a.Metrics, a.Logger)
	if p, ok := a.Store.(Pinger); ok {
		a.Server.AddHealthCheck("store", p)
	}

	a.shutdown.RegisterFunc("listener", shutdown.PhaseListener, a.Server.StopAccepting)
	a.shutdown.RegisterFunc("sessions", shutdown.PhaseSessions, a.Server.DrainSessions)
	return nil
}

func (a *App) buildTracer(ctx context.Context) error {
	tc := a.Config.Telemetry
	if !tc.Enabled {
		a.Tracer = telemetry.NewTracer("gatekit", tc.Debug)
		telemetry.SetGlobalTracer(a.Tracer)
		return nil
	}
	p, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: Version,
		Endpoint:       tc.Endpoint,
		Protocol:       tc.Protocol,
		Insecure:       tc.Insecure,
		Headers:        tc.Headers,
		SampleRatio:    tc.SampleRatio,
		Debug:          tc.Debug,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.Tracer = p.Tracer()
	a.shutdown.RegisterFunc("tracer", shutdown.PhaseFlush, p.Shutdown)
	return nil
}

func (a *App) buildStore(ctx context.Context, supplied SharedStore) error {
	switch {
	case supplied != nil:
		a.Store = supplied
		return nil
	case a.Config.Redis.URL == "":
		a.Logger.Warn("redis.url not set; limits are per process", nil)
		a.Store = store.NewMemoryStore()
	default:
		rs, err := store.OpenRedisStore(ctx, a.Config.Redis.URL)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
		a.Store = rs
	}
	a.shutdown.RegisterFunc("store", shutdown.PhaseBackends, func(context.Context) error {
		return a.Store.Close()
	})
	return nil
}

func (a *App) buildBus(supplied bus.Bus) error {
	switch {
	case supplied != nil:
		a.Bus = supplied
		return nil
	case a.Config.NATS.URL == "":
		a.Bus = bus.NewMemoryBus(bus.DefaultConfig())
	default:
		nc := bus.DefaultNATSConfig()
		nc.URL = a.Config.NATS.URL
		if a.Config.NATS.Name != "" {
			nc.Name = a.Config.NATS.Name
		}
		nb, err := bus.NewNATSBus(nc)
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		a.Bus = nb
	}
	a.shutdown.RegisterFunc("bus", shutdown.PhaseBackends, func(context.Context) error {
		return a.Bus.Close()
	})
	return nil
}

// breakerConfig applies a configured breaker section and reports every
// transition to the log and to metrics.
func (a *App) breakerConfig(name string, bc config.BreakerConfig) breaker.Config {
	logger := a.Logger.WithComponent("breaker")
	m := a.Metrics
	return breaker.Config{
		Name:        name,
		FailMax:     bc.FailMax,
		Timeout:     bc.Timeout.Std(),
		CallTimeout: bc.CallTimeout.Std(),
		OnStateChange: func(name string, from, to breaker.State) {
			logger.BreakerTransition(name, from.String(), to.String())
			m.BreakerState(name, int(to), to.String())
		},
	}
}

func (a *App) buildIdentity(ctx context.Context) error {
	cfg := a.Config
	if cfg.StaticIdentities() {
		a.Identity = identity.NewStaticProvider(cfg.IdentityCapabilities())
		return nil
	}

	origin := identity.NewBusProvider(a.Bus, identity.BusProviderConfig{
		Subject: cfg.NATS.IdentitySubject,
		Timeout: cfg.NATS.IdentityTimeout.Std(),
	})
	guarded := identity.NewGuardedProvider(origin, a.breakerConfig("identity", cfg.Breakers.Identity))
	a.Breakers = append(a.Breakers, guarded.Breaker())
	a.Identity = guarded

	if !cfg.IdentityCache.Enabled {
		return nil
	}

	var cache store.Cache = a.Store
	if cfg.IdentityCache.Backend == config.CacheBackendNATS {
		nb, ok := a.Bus.(*bus.NATSBus)
		if !ok {
			return fmt.Errorf("identity_cache.backend nats needs a NATS bus")
		}
		kv, err := store.NewNATSCache(ctx, store.NATSCacheConfig{
			Conn:   nb.Conn(),
			Bucket: cfg.IdentityCache.Bucket,
			TTL:    cfg.IdentityCache.TTL.Std(),
		})
		if err != nil {
			return fmt.Errorf("identity cache: %w", err)
		}
		a.shutdown.RegisterFunc("identity_cache", shutdown.PhaseFlush, func(context.Context) error {
			return kv.Close()
		})
		cache = kv
	}

	cached := identity.NewCachedProvider(guarded, cache, identity.CacheConfig{
		KeyPrefix: cfg.IdentityCache.KeyPrefix,
		TTL:       cfg.IdentityCache.TTL.Std(),
		Breaker:   a.breakerConfig("identity_cache", cfg.Breakers.Cache),
		Logger:    a.Logger,
		Tracer:    a.Tracer,
	})
	a.Breakers = append(a.Breakers, cached.Breaker())
	a.Identity = cached
	return nil
}

func (a *App) buildAudit() error {
	ac := a.Config.Audit
	if !ac.Enabled {
		a.Audit = audit.NopSink{}
		return nil
	}

	var signer *audit.Signer
	if seed := ac.Seed(); seed != "" {
		var err error
		if signer, err = audit.NewSignerFromSeed(seed); err != nil {
			return fmt.Errorf("audit signer: %w", err)
		}
		a.Logger.Info("audit entries are signed", map[string]interface{}{"public_key": signer.PublicKey()})
	}

	sink := audit.NewBusSink(a.Bus, audit.BusSinkConfig{
		Subject:   ac.Subject,
		QueueSize: ac.QueueSize,
		Signer:    signer,
		OnDrop:    a.Metrics.AuditDropped,
		Logger:    a.Logger,
	})
	a.Audit = sink
	a.shutdown.RegisterFunc("audit", shutdown.PhaseFlush, func(context.Context) error {
		return sink.Close()
	})
	return nil
}

func newAuthenticator(ac config.AuthConfig) (Authenticator, error) {
	switch ac.Mode {
	case config.AuthJWT:
		return NewJWTAuthenticator(JWTConfig{
			Secret:   ac.Secret(),
			Claim:    ac.Claim,
			Issuer:   ac.Issuer,
			Audience: ac.Audience,
		})
	default:
		return HeaderAuthenticator{Header: ac.Header}, nil
	}
}

// Run serves until ctx ends, then shuts down within the configured timeout.
func (a *App) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- a.Server.ListenAndServe() }()

	select {
	case err := <-errc:
		a.Close(context.Background())
		return err
	case <-ctx.Done():
		a.Logger.Info("shutting down", nil)
		return a.Close(context.Background())
	}
}

// Close releases everything in phase order. ctx without a deadline gets
// the configured shutdown timeout.
func (a *App) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout.Std())
		defer cancel()
	}
	return a.shutdown.Shutdown(ctx)
}
