// Package auth validates bearer credentials presented by networked clients
// and exposes the authenticated identity to the session layer.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// Identity represents an authenticated principal.
type Identity struct {
	// Subject is the unique identifier for the user.
	Subject string
	// Scopes are the granted OAuth2 scopes.
	Scopes []string
	// Claims holds the raw token claims, when the credential carried any.
	Claims map[string]any
}

// HasScope reports whether the identity was granted the named scope. The
// empty scope is always satisfied.
func (id *Identity) HasScope(scope string) bool {
	if scope == "" {
		return true
	}
	if id == nil {
		return false
	}
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Authenticator validates bearer tokens and returns the associated identity.
// Implementations return ErrUnauthorized for invalid credentials and must be
// safe for concurrent use.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Identity, error)
}
