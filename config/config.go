// Package config loads gateway configuration from TOML.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/gatekit/ratelimit"
)

// Duration is a time.Duration written as a string ("60s", "1m30s").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the whole gateway configuration.
type Config struct {
	Server        ServerConfig              `toml:"server"`
	Redis         RedisConfig               `toml:"redis"`
	NATS          NATSConfig                `toml:"nats"`
	RateLimit     RateLimitConfig           `toml:"rate_limit"`
	Connections   ConnectionsConfig         `toml:"connections"`
	Breakers      BreakersConfig            `toml:"breakers"`
	Session       SessionConfig             `toml:"session"`
	Auth          AuthConfig                `toml:"auth"`
	Audit         AuditConfig               `toml:"audit"`
	Logging       LoggingConfig             `toml:"logging"`
	Telemetry     TelemetryConfig           `toml:"telemetry"`
	Identities    map[string]IdentityConfig `toml:"identities"`
	IdentityCache IdentityCacheConfig       `toml:"identity_cache"`
}

type ServerConfig struct {
	Addr              string   `toml:"addr"`
	WebSocketPath     string   `toml:"ws_path"`
	AllowedOrigins    []string `toml:"allowed_origins"`
	ReadHeaderTimeout Duration `toml:"read_header_timeout"`
	ShutdownTimeout   Duration `toml:"shutdown_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	PingInterval      Duration `toml:"ping_interval"`
	MaxMessageSize    int64    `toml:"max_message_size"`
}

// RedisConfig selects the shared store. An empty URL uses an in-process
// store, which only suits a single replica.
type RedisConfig struct {
	URL string `toml:"url"`
}

// NATSConfig selects the message bus. An empty URL uses an in-process bus.
type NATSConfig struct {
	URL             string   `toml:"url"`
	Name            string   `toml:"name"`
	IdentitySubject string   `toml:"identity_subject"`
	IdentityTimeout Duration `toml:"identity_timeout"`
}

type RateLimitConfig struct {
	Limit     int                `toml:"limit"`
	Window    Duration           `toml:"window"`
	Burst     int                `toml:"burst"`
	FailMode  ratelimit.FailMode `toml:"fail_mode"`
	OpTimeout Duration           `toml:"op_timeout"`
	KeyPrefix string             `toml:"key_prefix"`
}

// Rule returns the configured per-identity rule.
func (c RateLimitConfig) Rule() ratelimit.Rule {
	return ratelimit.Rule{Limit: c.Limit, Window: c.Window.Std(), Burst: c.Burst}
}

type ConnectionsConfig struct {
	MaxPerIdentity int                `toml:"max_per_identity"`
	HardCap        bool               `toml:"hard_cap"`
	FailMode       ratelimit.FailMode `toml:"fail_mode"`
	OpTimeout      Duration           `toml:"op_timeout"`
	TTL            Duration           `toml:"ttl"`
}

type BreakersConfig struct {
	Identity BreakerConfig `toml:"identity"`
	Cache    BreakerConfig `toml:"cache"`
}

type BreakerConfig struct {
	FailMax     int      `toml:"fail_max"`
	Timeout     Duration `toml:"timeout"`
	CallTimeout Duration `toml:"call_timeout"`
}

type SessionConfig struct {
	MaxInFlight   int      `toml:"max_in_flight"`
	CloseOnDenied bool     `toml:"close_on_denied"`
	RemoveTimeout Duration `toml:"remove_timeout"`
}

// Auth modes.
const (
	AuthHeader = "header"
	AuthJWT    = "jwt"
)

// AuthConfig selects how a WebSocket upgrade is mapped to an identity.
// The JWT secret is read from the environment variable named by SecretEnv
// so it never lives in the config file.
type AuthConfig struct {
	Mode      string `toml:"mode"`
	Header    string `toml:"header"`
	SecretEnv string `toml:"secret_env"`
	Claim     string `toml:"claim"`
	Issuer    string `toml:"issuer"`
	Audience  string `toml:"audience"`
}

// Secret returns the JWT signing secret from the environment.
func (c AuthConfig) Secret() []byte {
	return []byte(os.Getenv(c.SecretEnv))
}

type AuditConfig struct {
	Enabled   bool   `toml:"enabled"`
	Subject   string `toml:"subject"`
	QueueSize int    `toml:"queue_size"`
	// SeedEnv names an environment variable holding a base64 ed25519 seed.
	// Entries are signed when it is set.
	SeedEnv string `toml:"signing_seed_env"`
}

// Seed returns the signing seed, or "" when signing is off.
func (c AuditConfig) Seed() string {
	if c.SeedEnv == "" {
		return ""
	}
	return os.Getenv(c.SeedEnv)
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TelemetryConfig struct {
	Enabled     bool              `toml:"enabled"`
	ServiceName string            `toml:"service_name"`
	Endpoint    string            `toml:"endpoint"`
	Protocol    string            `toml:"protocol"`
	Insecure    bool              `toml:"insecure"`
	Headers     map[string]string `toml:"headers"`
	SampleRatio float64           `toml:"sample_ratio"`
	Debug       bool              `toml:"debug"`
}

// IdentityConfig is one statically configured identity.
type IdentityConfig struct {
	Capabilities []string `toml:"capabilities"`
}

// Identity cache backends.
const (
	CacheBackendStore = "store"
	CacheBackendNATS  = "nats"
)

type IdentityCacheConfig struct {
	Enabled   bool     `toml:"enabled"`
	Backend   string   `toml:"backend"`
	TTL       Duration `toml:"ttl"`
	KeyPrefix string   `toml:"key_prefix"`
	Bucket    string   `toml:"bucket"`
}

// StaticIdentities reports whether capabilities come from the config file
// rather than the identity service.
func (c *Config) StaticIdentities() bool {
	return len(c.Identities) > 0
}

// IdentityCapabilities flattens Identities for identity.NewStaticProvider.
func (c *Config) IdentityCapabilities() map[string][]string {
	out := make(map[string][]string, len(c.Identities))
	for name, id := range c.Identities {
		out[name] = append([]string(nil), id.Capabilities...)
	}
	return out
}

// Default returns a configuration that runs a single in-process replica.
func Default() *Config {
	breaker := BreakerConfig{
		FailMax:     5,
		Timeout:     Duration(30 * time.Second),
		CallTimeout: Duration(2 * time.Second),
	}
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			WebSocketPath:     "/ws",
			ReadHeaderTimeout: Duration(10 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			PingInterval:      Duration(30 * time.Second),
			MaxMessageSize:    64 * 1024,
		},
		NATS: NATSConfig{
			Name:            "gatekit",
			IdentitySubject: "identity.capabilities",
			IdentityTimeout: Duration(time.Second),
		},
		RateLimit: RateLimitConfig{
			Limit:     100,
			Window:    Duration(time.Minute),
			FailMode:  ratelimit.FailOpen,
			OpTimeout: Duration(2 * time.Second),
			KeyPrefix: ratelimit.DefaultKeyPrefix,
		},
		Connections: ConnectionsConfig{
			MaxPerIdentity: 5,
			FailMode:       ratelimit.FailOpen,
			OpTimeout:      Duration(2 * time.Second),
			TTL:            Duration(24 * time.Hour),
		},
		Breakers: BreakersConfig{Identity: breaker, Cache: breaker},
		Session: SessionConfig{
			MaxInFlight:   32,
			RemoveTimeout: Duration(2 * time.Second),
		},
		Auth: AuthConfig{
			Mode:      AuthHeader,
			Header:    "X-Identity",
			SecretEnv: "GATEKIT_JWT_SECRET",
			Claim:     "sub",
		},
		Audit: AuditConfig{
			Enabled:   true,
			Subject:   "audit.dispatch",
			QueueSize: 1024,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Telemetry: TelemetryConfig{
			ServiceName: "gatekit",
			Protocol:    "grpc",
			SampleRatio: 1,
		},
		IdentityCache: IdentityCacheConfig{
			Enabled:   true,
			Backend:   CacheBackendStore,
			TTL:       Duration(time.Minute),
			KeyPrefix: "gatekit:caps:",
			Bucket:    "gatekit-caps",
		},
	}
}

// Load reads and validates a TOML file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(string(content))
}

// Parse decodes TOML over Default and validates the result. Unknown keys
// are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.MaxMessageSize <= 0 {
		return fmt.Errorf("server.max_message_size must be positive")
	}

	if err := c.RateLimit.Rule().Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if c.Connections.MaxPerIdentity <= 0 {
		return fmt.Errorf("connections.max_per_identity must be positive")
	}

	for name, b := range map[string]BreakerConfig{"identity": c.Breakers.Identity, "cache": c.Breakers.Cache} {
		if b.FailMax <= 0 {
			return fmt.Errorf("breakers.%s.fail_max must be positive", name)
		}
		if b.Timeout <= 0 {
			return fmt.Errorf("breakers.%s.timeout must be positive", name)
		}
		if b.CallTimeout < 0 {
			return fmt.Errorf("breakers.%s.call_timeout must not be negative", name)
		}
	}

	if c.Session.MaxInFlight <= 0 {
		return fmt.Errorf("session.max_in_flight must be positive")
	}

	switch c.Auth.Mode {
	case AuthHeader:
		if c.Auth.Header == "" {
			return fmt.Errorf("auth.header is required in header mode")
		}
	case AuthJWT:
		if c.Auth.SecretEnv == "" {
			return fmt.Errorf("auth.secret_env is required in jwt mode")
		}
		if c.Auth.Claim == "" {
			return fmt.Errorf("auth.claim is required in jwt mode")
		}
	default:
		return fmt.Errorf("auth.mode must be %q or %q, got %q", AuthHeader, AuthJWT, c.Auth.Mode)
	}

	if c.Audit.Enabled && c.Audit.Subject == "" {
		return fmt.Errorf("audit.subject is required when audit is enabled")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		switch c.Telemetry.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("telemetry.protocol must be grpc or http, got %q", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
		}
	}

	for name := range c.Identities {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("identities: empty identity name")
		}
	}

	if !c.StaticIdentities() && c.IdentityCache.Enabled {
		switch c.IdentityCache.Backend {
		case CacheBackendStore:
		case CacheBackendNATS:
			if c.NATS.URL == "" {
				return fmt.Errorf("identity_cache.backend nats requires nats.url")
			}
		default:
			return fmt.Errorf("identity_cache.backend must be %q or %q", CacheBackendStore, CacheBackendNATS)
		}
		if c.IdentityCache.TTL <= 0 {
			return fmt.Errorf("identity_cache.ttl must be positive")
		}
	}
	return nil
}
