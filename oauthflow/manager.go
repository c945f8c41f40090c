package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/berrydev/berry-mcp-go/kvstore"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

const (
	stateNamespace  = "oauth2:state"
	defaultStateTTL = 10 * time.Minute

	maxTokenResponseSize = 1 << 20
)

// IdentityFunc derives the owning identity from a freshly exchanged token.
// The default implementation reads the "sub" claim of a JWT access token
// without verifying it; verification is the resource server's concern.
type IdentityFunc func(tok *Token) (string, error)

// Manager runs the OAuth2 authorization-code + PKCE flow and owns the token
// lifecycle. Refreshes are single-flighted per identity: concurrent callers
// during an in-flight refresh share that refresh's outcome.
type Manager struct {
	cfg    Config
	kv     kvstore.Store
	tokens *TokenStore

	httpClient    *http.Client
	refreshMargin time.Duration
	stateTTL      time.Duration
	identityFn    IdentityFunc
	log           *slog.Logger

	refreshGroup singleflight.Group
}

// Option configures the Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithRefreshMargin sets the expiry safety margin. Default 5 minutes.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) { m.refreshMargin = d }
}

// WithStateTTL bounds how long a pending authorization (state + verifier)
// stays valid. Default 10 minutes.
func WithStateTTL(d time.Duration) Option {
	return func(m *Manager) { m.stateTTL = d }
}

// WithIdentityFunc overrides identity derivation after code exchange.
func WithIdentityFunc(fn IdentityFunc) Option {
	return func(m *Manager) { m.identityFn = fn }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager constructs a Manager backed by the given key-value store. The
// store holds both pending PKCE verifiers (short TTL, keyed by state) and
// exchanged tokens (keyed by identity).
func NewManager(cfg Config, kv kvstore.Store, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:           cfg,
		kv:            kv,
		tokens:        NewTokenStore(kv),
		httpClient:    http.DefaultClient,
		refreshMargin: DefaultRefreshMargin,
		stateTTL:      defaultStateTTL,
		identityFn:    identityFromJWTSub,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// pendingAuth is the server-side record retained between building the
// authorization URL and receiving the provider callback.
type pendingAuth struct {
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// BuildAuthorizationRequest generates a state token and PKCE verifier,
// retains the verifier server-side keyed by the state, and returns the
// provider authorization URL plus the state for callback correlation.
func (m *Manager) BuildAuthorizationRequest(ctx context.Context) (authURL string, state string, err error) {
	state = oauth2.GenerateVerifier()
	verifier := oauth2.GenerateVerifier()

	record, err := json.Marshal(pendingAuth{Verifier: verifier, CreatedAt: time.Now()})
	if err != nil {
		return "", "", fmt.Errorf("failed to encode pending auth: %w", err)
	}
	if err := m.kv.Set(ctx, state, record, kvstore.WithNamespace(stateNamespace), kvstore.WithTTL(m.stateTTL)); err != nil {
		return "", "", fmt.Errorf("failed to persist pending auth: %w", err)
	}

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {m.cfg.ClientID},
		"redirect_uri":          {m.cfg.RedirectURI},
		"state":                 {state},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(verifier)},
		"code_challenge_method": {"S256"},
	}
	if len(m.cfg.Scopes) > 0 {
		params.Set("scope", strings.Join(m.cfg.Scopes, " "))
	}

	return m.cfg.AuthorizationEndpoint + "?" + params.Encode(), state, nil
}

// ExchangeCode consumes the pending verifier for state and exchanges the
// authorization code at the token endpoint. On success the token is persisted
// keyed by the derived identity. Fails with ErrAuthExchange when the provider
// cannot be reached and with the narrower ErrInvalidGrant when the state or
// code is unusable; nothing is stored in either case.
func (m *Manager) ExchangeCode(ctx context.Context, state, code string) (*Token, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrInvalidGrant)
	}

	item, err := m.kv.Get(ctx, state, kvstore.WithNamespace(stateNamespace))
	if err != nil {
		return nil, fmt.Errorf("%w: state lookup failed: %v", ErrAuthExchange, err)
	}
	if item == nil {
		return nil, fmt.Errorf("%w: unknown or expired state", ErrInvalidGrant)
	}
	// One shot: a replayed callback must not reuse the verifier.
	_ = m.kv.Delete(ctx, state, kvstore.WithNamespace(stateNamespace))

	var pending pendingAuth
	if err := json.Unmarshal(item.Data, &pending); err != nil {
		return nil, fmt.Errorf("%w: corrupt pending auth record: %v", ErrAuthExchange, err)
	}

	params := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {m.cfg.RedirectURI},
		"client_id":     {m.cfg.ClientID},
		"code_verifier": {pending.Verifier},
	}
	if m.cfg.ClientSecret != "" {
		params.Set("client_secret", m.cfg.ClientSecret)
	}

	tok, err := m.tokenRequest(ctx, params)
	if err != nil {
		return nil, err
	}

	identity, err := m.identityFn(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: identity derivation failed: %v", ErrAuthExchange, err)
	}
	tok.Identity = identity

	if err := m.tokens.Put(ctx, tok); err != nil {
		return nil, err
	}

	m.log.Info("oauth2 code exchange successful",
		slog.String("identity", identity),
		slog.Bool("has_refresh_token", tok.RefreshToken != ""))
	return tok, nil
}

// GetValidToken returns a token for identity that is guaranteed non-expired
// at return time, transparently refreshing when the stored token is inside
// the refresh margin. Returns ErrTokenExpired when no usable token exists and
// refresh is impossible.
func (m *Manager) GetValidToken(ctx context.Context, identity string) (*Token, error) {
	tok, err := m.tokens.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: no token for identity", ErrTokenExpired)
	}
	if !tok.ExpiresWithin(m.refreshMargin) {
		return tok, nil
	}

	// Single-flight per identity: duplicate refresh calls can invalidate each
	// other's refresh token at rotating providers.
	res, err, _ := m.refreshGroup.Do(identity, func() (any, error) {
		return m.refresh(ctx, identity)
	})
	if err != nil {
		return nil, err
	}
	return res.(*Token), nil
}

// refresh exchanges the stored refresh token for a new token set and persists
// the superseding token.
func (m *Manager) refresh(ctx context.Context, identity string) (*Token, error) {
	// Re-read inside the flight: a concurrent winner may already have stored
	// a fresh token.
	stored, err := m.tokens.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("%w: no token for identity", ErrTokenExpired)
	}
	if !stored.ExpiresWithin(m.refreshMargin) {
		return stored, nil
	}
	if stored.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", ErrTokenExpired)
	}

	params := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {stored.RefreshToken},
		"client_id":     {m.cfg.ClientID},
	}
	if m.cfg.ClientSecret != "" {
		params.Set("client_secret", m.cfg.ClientSecret)
	}

	fresh, err := m.tokenRequest(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh rejected: %v", ErrTokenExpired, err)
	}

	// Some providers rotate refresh tokens, some omit them on refresh.
	// Preserve the old one when the response carries none.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = stored.RefreshToken
	}
	fresh.Identity = identity

	if err := m.tokens.Put(ctx, fresh); err != nil {
		return nil, err
	}

	m.log.Info("oauth2 token refreshed", slog.String("identity", identity),
		slog.Time("expires_at", fresh.ExpiresAt))
	return fresh, nil
}

// Revoke invalidates and removes the stored token for identity. Provider-side
// revocation is attempted only when a revocation endpoint is configured; a
// provider failure there does not keep the token locally.
func (m *Manager) Revoke(ctx context.Context, identity string) error {
	tok, err := m.tokens.Get(ctx, identity)
	if err != nil {
		return err
	}
	if tok != nil && m.cfg.RevocationEndpoint != "" {
		params := url.Values{
			"token":     {tok.AccessToken},
			"client_id": {m.cfg.ClientID},
		}
		if m.cfg.ClientSecret != "" {
			params.Set("client_secret", m.cfg.ClientSecret)
		}
		if err := m.postForm(ctx, m.cfg.RevocationEndpoint, params, nil); err != nil {
			m.log.Warn("provider revocation failed", slog.String("identity", identity), slog.String("err", err.Error()))
		}
	}
	return m.tokens.Delete(ctx, identity)
}

// tokenResponse is the provider token endpoint response shape (RFC 6749 §5).
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (m *Manager) tokenRequest(ctx context.Context, params url.Values) (*Token, error) {
	var tr tokenResponse
	if err := m.postForm(ctx, m.cfg.TokenEndpoint, params, &tr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthExchange, err)
	}
	if tr.Error != "" {
		return nil, fmt.Errorf("%w: provider rejected request: %s (%s)", ErrInvalidGrant, tr.Error, tr.ErrorDescription)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("%w: provider returned no access token", ErrAuthExchange)
	}

	tok := &Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Scope:        tr.Scope,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		tok.ExpiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return tok, nil
}

func (m *Manager) postForm(ctx context.Context, endpoint string, params url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if out == nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		if resp.StatusCode >= 400 {
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// identityFromJWTSub reads the "sub" claim of a JWT-shaped access token
// without signature verification.
func identityFromJWTSub(tok *Token) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tok.AccessToken, claims); err != nil {
		return "", errors.New("access token is not a JWT; configure WithIdentityFunc")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", errors.New("access token has no sub claim")
	}
	return sub, nil
}
