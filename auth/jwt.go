package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig controls validation behavior for JWT access tokens.
type JWTConfig struct {
	// Issuer is the authorization server issuer URL. Required.
	Issuer string
	// Audience is the expected "aud" claim, typically the public endpoint URL
	// of this server. Required.
	Audience string
	// AllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
	// Defaults to ["RS256"].
	AllowedAlgs []string
	// Leeway is the clock skew tolerance for time-based claims.
	Leeway time.Duration
}

type jwtAuthenticator struct {
	cfg     JWTConfig
	iss     string
	keyfunc jwt.Keyfunc
}

var _ Authenticator = (*jwtAuthenticator)(nil)

// NewJWTFromDiscovery performs OIDC discovery to obtain the provider's
// jwks_uri and constructs an Authenticator that validates JWT access tokens
// against it. JWKS keys are auto-refreshed.
func NewJWTFromDiscovery(ctx context.Context, cfg JWTConfig) (Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	a := &jwtAuthenticator{cfg: cfg, iss: meta.Issuer}
	a.keyfunc = func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, allowed := range cfg.AllowedAlgs {
			if alg == allowed {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
	return a, nil
}

func (a *jwtAuthenticator) CheckAuthentication(_ context.Context, tok string) (*Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.iss),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(a.cfg.Leeway),
	)

	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	scopeStr, _ := claims["scope"].(string)
	return &Identity{
		Subject: sub,
		Scopes:  strings.Fields(scopeStr),
		Claims:  claims,
	}, nil
}
