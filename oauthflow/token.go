package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/berrydev/berry-mcp-go/kvstore"
)

// DefaultRefreshMargin is the safety window before expiry inside which a
// token is treated as expiring and refreshed before use.
const DefaultRefreshMargin = 5 * time.Minute

// Token is one OAuth2 credential set. A refresh produces a new Token that
// supersedes the stored one; tokens are never mutated in place.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Scope        string    `json:"scope,omitempty"`
	Identity     string    `json:"identity,omitempty"`
}

// ExpiresWithin reports whether the token expires inside the given margin.
// Tokens without an expiry never expire.
func (t *Token) ExpiresWithin(margin time.Duration) bool {
	if t == nil {
		return true
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(t.ExpiresAt)
}

const tokenNamespace = "oauth2:token"

// TokenStore persists tokens keyed by user identity over the kvstore contract.
type TokenStore struct {
	kv kvstore.Store
}

// NewTokenStore wraps a kvstore.Store.
func NewTokenStore(kv kvstore.Store) *TokenStore {
	return &TokenStore{kv: kv}
}

// Get returns the stored token for identity, or nil when absent.
func (s *TokenStore) Get(ctx context.Context, identity string) (*Token, error) {
	item, err := s.kv.Get(ctx, identity, kvstore.WithNamespace(tokenNamespace))
	if err != nil {
		return nil, fmt.Errorf("token store get: %w", err)
	}
	if item == nil {
		return nil, nil
	}
	var tok Token
	if err := json.Unmarshal(item.Data, &tok); err != nil {
		return nil, fmt.Errorf("token store decode: %w", err)
	}
	return &tok, nil
}

// Put stores the token under its identity, superseding any previous token.
func (s *TokenStore) Put(ctx context.Context, tok *Token) error {
	if tok.Identity == "" {
		return fmt.Errorf("token has no identity")
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("token store encode: %w", err)
	}
	if err := s.kv.Set(ctx, tok.Identity, data, kvstore.WithNamespace(tokenNamespace)); err != nil {
		return fmt.Errorf("token store put: %w", err)
	}
	return nil
}

// Delete removes the stored token for identity.
func (s *TokenStore) Delete(ctx context.Context, identity string) error {
	if err := s.kv.Delete(ctx, identity, kvstore.WithNamespace(tokenNamespace)); err != nil {
		return fmt.Errorf("token store delete: %w", err)
	}
	return nil
}
