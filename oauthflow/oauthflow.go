// Package oauthflow manages the OAuth2 authorization-code + PKCE lifecycle:
// building authorization URLs, exchanging callback codes for tokens,
// transparently refreshing expiring tokens, and persisting tokens keyed by
// user identity in a pluggable store.
package oauthflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ErrAuthExchange indicates the token endpoint rejected the exchange or could
// not be reached. Callers should restart the authorization flow.
var ErrAuthExchange = errors.New("oauth2 exchange failed")

// ErrInvalidGrant narrows ErrAuthExchange to failures caused by the grant the
// client presented: an unknown, expired, or replayed state, or a code the
// provider refused. These are the caller's fault, not the provider's.
var ErrInvalidGrant = fmt.Errorf("%w: invalid grant", ErrAuthExchange)

// ErrTokenExpired indicates no usable token exists for the identity and a
// refresh was impossible (no refresh token, or the provider rejected it).
// Callers must treat this as "re-authentication required", not as transient.
var ErrTokenExpired = errors.New("oauth2 token expired")

// Config describes the OAuth2 provider and client registration.
type Config struct {
	ClientID     string
	ClientSecret string

	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string // optional; provider-side revocation is skipped when empty

	RedirectURI string
	Scopes      []string
}

// Validate checks the minimum fields needed to run the flow.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	if c.AuthorizationEndpoint == "" || c.TokenEndpoint == "" {
		return errors.New("authorization and token endpoints are required")
	}
	if c.RedirectURI == "" {
		return errors.New("redirect uri is required")
	}
	return nil
}

// DiscoverEndpoints fills the provider endpoints from OIDC discovery metadata.
// Explicitly configured endpoints win over discovered ones.
func (c *Config) DiscoverEndpoints(ctx context.Context, issuer string) error {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Authorization string `json:"authorization_endpoint"`
		Token         string `json:"token_endpoint"`
		Revocation    string `json:"revocation_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if c.AuthorizationEndpoint == "" {
		c.AuthorizationEndpoint = meta.Authorization
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = meta.Token
	}
	if c.RevocationEndpoint == "" {
		c.RevocationEndpoint = meta.Revocation
	}
	return nil
}
