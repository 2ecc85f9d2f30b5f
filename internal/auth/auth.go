package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrUnauthorized means no valid credential was presented.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the credential lacks a required scope.
	ErrForbidden = errors.New("forbidden")
)

// Scopes understood by the server.
const (
	ScopeSubscribe = "events:subscribe"
	ScopePublish   = "events:publish"
	ScopeAll       = "*"
)

// Principal is an authenticated caller.
type Principal struct {
	Identity  string
	Scopes    []string
	ExpiresAt time.Time
}

// Has reports whether p holds scope.
func (p Principal) Has(scope string) bool {
	return slices.Contains(p.Scopes, scope) || slices.Contains(p.Scopes, ScopeAll)
}

// Authenticator resolves a request to a Principal holding every required scope.
type Authenticator interface {
	Authenticate(r *http.Request, required ...string) (Principal, error)
}

// Claims are the JWT claims issued to clients.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Config configures token validation and issuance.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	TokenTTL time.Duration
	Leeway   time.Duration
}

// JWT validates and issues HS256 tokens.
type JWT struct {
	cfg    Config
	parser *jwt.Parser
	now    func() time.Time
}

// NewJWT creates a JWT authenticator.
func NewJWT(cfg Config) (*JWT, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	j := &JWT{cfg: cfg, now: time.Now}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return j.now() }),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	j.parser = jwt.NewParser(opts...)
	return j, nil
}

// Authenticate implements Authenticator. The token is taken from the
// Authorization header, or from the access_token query parameter for
// clients that cannot set headers.
func (j *JWT) Authenticate(r *http.Request, required ...string) (Principal, error) {
	raw := extractToken(r)
	if raw == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	p, err := j.Verify(raw)
	if err != nil {
		return Principal{}, err
	}
	for _, scope := range required {
		if !p.Has(scope) {
			return p, fmt.Errorf("%w: missing scope %q", ErrForbidden, scope)
		}
	}
	return p, nil
}

// Verify parses and validates a raw token.
func (j *JWT) Verify(raw string) (Principal, error) {
	claims := &Claims{}
	if _, err := j.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return j.cfg.Secret, nil
	}); err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	p := Principal{Identity: claims.Subject, Scopes: claims.Scopes}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// Issue signs a token for identity. A zero ttl uses the configured default.
func (j *JWT) Issue(identity string, scopes []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = j.cfg.TokenTTL
	}
	now := j.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.cfg.Issuer,
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
		Scopes: scopes,
	}
	if j.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{j.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.cfg.Secret)
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}
