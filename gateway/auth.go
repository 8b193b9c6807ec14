package gateway

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vinayprograms/gatekit/errors"
)

// ErrUnauthenticated is returned when an upgrade request carries no usable
// identity.
var ErrUnauthenticated = stderrors.New("unauthenticated")

// Authenticator maps an upgrade request to an identity name.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// HeaderAuthenticator trusts an identity header set by an upstream proxy
// that has already authenticated the client.
type HeaderAuthenticator struct {
	Header string
}

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	v := strings.TrimSpace(r.Header.Get(a.Header))
	if v == "" {
		return "", errors.WrapWithCode(ErrUnauthenticated, errors.ErrCodeUnauthorized, "missing "+a.Header+" header")
	}
	return v, nil
}

// JWTConfig configures a JWTAuthenticator.
type JWTConfig struct {
	// Secret is the HMAC key. Required.
	Secret []byte

	// Claim holds the identity. Default: "sub"
	Claim string

	// Issuer and Audience are checked when set.
	Issuer   string
	Audience string

	// Leeway tolerates clock skew on exp/nbf. Default: 30s
	Leeway time.Duration
}

// JWTAuthenticator accepts an HMAC-signed bearer token, from the
// Authorization header or, for browsers that cannot set headers on a
// WebSocket upgrade, the access_token query parameter.
type JWTAuthenticator struct {
	config JWTConfig
	parser *jwt.Parser
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if cfg.Claim == "" {
		cfg.Claim = "sub"
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 30 * time.Second
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{
			jwt.SigningMethodHS256.Alg(),
			jwt.SigningMethodHS384.Alg(),
			jwt.SigningMethodHS512.Alg(),
		}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTAuthenticator{config: cfg, parser: jwt.NewParser(opts...)}, nil
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", errors.WrapWithCode(ErrUnauthenticated, errors.ErrCodeUnauthorized, "missing bearer token")
	}

	claims := jwt.MapClaims{}
	_, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.config.Secret, nil
	})
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeUnauthorized, "invalid token")
	}

	id, _ := claims[a.config.Claim].(string)
	if strings.TrimSpace(id) == "" {
		return "", errors.WrapWithCode(ErrUnauthenticated, errors.ErrCodeUnauthorized,
			"token has no "+a.config.Claim+" claim")
	}
	return id, nil
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return r.URL.Query().Get("access_token")
}
