package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berrydev/berry-mcp-go/kvstore/memory"
	"golang.org/x/oauth2"
)

// fakeProvider is a minimal token endpoint that enforces PKCE against the
// challenge captured from the authorization URL.
type fakeProvider struct {
	srv *httptest.Server

	mu            sync.Mutex
	challenge     string
	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64

	refreshToken     string // refresh_token returned on exchange
	rotateOnRefresh  string // refresh_token returned on refresh ("" omits the field)
	refreshDelay     time.Duration
	rejectRefreshes  bool
	accessTokenValue string
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	p := &fakeProvider{accessTokenValue: "access-1", refreshToken: "refresh-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/token", p.handleToken)
	p.srv = httptest.NewServer(mux)
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakeProvider) setChallenge(c string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.challenge = c
}

func (p *fakeProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		p.exchangeCalls.Add(1)
		p.mu.Lock()
		challenge := p.challenge
		p.mu.Unlock()
		verifier := r.PostFormValue("code_verifier")
		if verifier == "" || oauth2.S256ChallengeFromVerifier(verifier) != challenge {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "verifier mismatch"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  p.accessTokenValue,
			"token_type":    "Bearer",
			"expires_in":    3600,
			"refresh_token": p.refreshToken,
			"scope":         "tools:invoke",
		})

	case "refresh_token":
		p.refreshCalls.Add(1)
		if p.refreshDelay > 0 {
			time.Sleep(p.refreshDelay)
		}
		if p.rejectRefreshes {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		body := map[string]any{
			"access_token": "refreshed-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if p.rotateOnRefresh != "" {
			body["refresh_token"] = p.rotateOnRefresh
		}
		_ = json.NewEncoder(w).Encode(body)

	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unsupported_grant_type"})
	}
}

func staticIdentity(identity string) IdentityFunc {
	return func(*Token) (string, error) { return identity, nil }
}

func newTestManager(t *testing.T, p *fakeProvider, opts ...Option) *Manager {
	t.Helper()
	kv, err := memory.New(1024)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	t.Cleanup(func() { _ = kv.Close() })

	cfg := Config{
		ClientID:              "client-1",
		AuthorizationEndpoint: p.srv.URL + "/authorize",
		TokenEndpoint:         p.srv.URL + "/token",
		RedirectURI:           "http://localhost/callback",
		Scopes:                []string{"tools:invoke"},
	}
	opts = append([]Option{WithIdentityFunc(staticIdentity("user-1"))}, opts...)
	m, err := NewManager(cfg, kv, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

// startFlow runs BuildAuthorizationRequest and points the provider at the
// challenge embedded in the returned URL.
func startFlow(t *testing.T, m *Manager, p *fakeProvider) (state string) {
	t.Helper()
	authURL, state, err := m.BuildAuthorizationRequest(context.Background())
	if err != nil {
		t.Fatalf("build authorization request: %v", err)
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatalf("parse auth url: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Fatalf("expected S256 challenge method, got %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") != state {
		t.Fatal("state in URL does not match returned state")
	}
	p.setChallenge(q.Get("code_challenge"))
	return state
}

func TestExchangeCodeSuccess(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)
	state := startFlow(t, m, p)

	tok, err := m.ExchangeCode(context.Background(), state, "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "access-1" || tok.Identity != "user-1" {
		t.Fatalf("unexpected token %+v", tok)
	}

	// The stored token is fresh, so no refresh happens.
	got, err := m.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if got.AccessToken != "access-1" {
		t.Fatalf("unexpected stored token %+v", got)
	}
	if n := p.refreshCalls.Load(); n != 0 {
		t.Fatalf("expected no refresh calls, got %d", n)
	}
}

// A verifier the provider cannot match fails the exchange and stores nothing.
func TestExchangeCodeVerifierMismatchStoresNothing(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)
	state := startFlow(t, m, p)

	// Sabotage: make the provider expect a different challenge.
	p.setChallenge(oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier()))

	if _, err := m.ExchangeCode(context.Background(), state, "code-1"); !errors.Is(err, ErrAuthExchange) {
		t.Fatalf("expected ErrAuthExchange, got %v", err)
	}
	if _, err := m.GetValidToken(context.Background(), "user-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired for absent token, got %v", err)
	}
}

func TestExchangeCodeUnknownState(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)

	if _, err := m.ExchangeCode(context.Background(), "never-issued", "code-1"); !errors.Is(err, ErrAuthExchange) {
		t.Fatalf("expected ErrAuthExchange, got %v", err)
	}
}

// A replayed callback must not reuse the consumed verifier.
func TestExchangeCodeStateIsSingleUse(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)
	state := startFlow(t, m, p)

	if _, err := m.ExchangeCode(context.Background(), state, "code-1"); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	if _, err := m.ExchangeCode(context.Background(), state, "code-1"); !errors.Is(err, ErrAuthExchange) {
		t.Fatalf("expected ErrAuthExchange on replay, got %v", err)
	}
}

// Grant problems and provider outages carry distinct sentinels so HTTP
// surfaces can blame the right party.
func TestExchangeCodeDistinguishesGrantFromProviderFailure(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p, WithIdentityFunc(staticIdentity("user-1")))

	if _, err := m.ExchangeCode(context.Background(), "never-issued", "code-1"); !errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("unknown state: expected ErrInvalidGrant, got %v", err)
	}

	state := startFlow(t, m, p)
	p.srv.Close()

	_, err := m.ExchangeCode(context.Background(), state, "code-1")
	if errors.Is(err, ErrInvalidGrant) {
		t.Fatalf("provider outage misclassified as a grant problem: %v", err)
	}
	if !errors.Is(err, ErrAuthExchange) {
		t.Fatalf("expected ErrAuthExchange, got %v", err)
	}
}

// seedToken stores a token directly, simulating an earlier exchange.
func seedToken(t *testing.T, m *Manager, tok *Token) {
	t.Helper()
	if err := m.tokens.Put(context.Background(), tok); err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestRefreshPreservesRefreshToken(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)

	seedToken(t, m, &Token{
		AccessToken:  "stale-access",
		TokenType:    "Bearer",
		RefreshToken: "keep-me",
		ExpiresAt:    time.Now().Add(time.Minute), // inside the 5m margin
		Identity:     "user-1",
	})

	tok, err := m.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if tok.AccessToken != "refreshed-access" {
		t.Fatalf("expected refreshed access token, got %q", tok.AccessToken)
	}
	if tok.RefreshToken != "keep-me" {
		t.Fatalf("refresh token not preserved: %q", tok.RefreshToken)
	}

	// The superseding token is what later readers see.
	again, err := m.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if again.AccessToken != "refreshed-access" {
		t.Fatalf("stored token not superseded: %q", again.AccessToken)
	}
	if n := p.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one refresh, got %d", n)
	}
}

func TestRefreshAdoptsRotatedToken(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	p.rotateOnRefresh = "rotated-refresh"
	m := newTestManager(t, p)

	seedToken(t, m, &Token{
		AccessToken:  "stale-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    time.Now().Add(time.Minute),
		Identity:     "user-1",
	})

	tok, err := m.GetValidToken(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("get valid token: %v", err)
	}
	if tok.RefreshToken != "rotated-refresh" {
		t.Fatalf("expected rotated refresh token, got %q", tok.RefreshToken)
	}
}

// Concurrent callers over an expiring token share one refresh.
func TestConcurrentRefreshIsSingleFlighted(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	p.refreshDelay = 50 * time.Millisecond
	m := newTestManager(t, p)

	seedToken(t, m, &Token{
		AccessToken:  "stale-access",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Minute),
		Identity:     "user-1",
	})

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetValidToken(context.Background(), "user-1")
			if err != nil {
				t.Errorf("get valid token: %v", err)
				return
			}
			results <- tok.AccessToken
		}()
	}
	wg.Wait()
	close(results)

	for access := range results {
		if access != "refreshed-access" {
			t.Fatalf("caller observed unexpected token %q", access)
		}
	}
	if n := p.refreshCalls.Load(); n != 1 {
		t.Fatalf("expected one shared refresh, got %d", n)
	}
}

func TestRefreshImpossibleMeansReauthentication(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)

	// No refresh token at all.
	seedToken(t, m, &Token{
		AccessToken: "stale-access",
		ExpiresAt:   time.Now().Add(time.Minute),
		Identity:    "user-1",
	})
	if _, err := m.GetValidToken(context.Background(), "user-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	// Provider rejects the refresh token.
	p.rejectRefreshes = true
	seedToken(t, m, &Token{
		AccessToken:  "stale-access",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(time.Minute),
		Identity:     "user-1",
	})
	if _, err := m.GetValidToken(context.Background(), "user-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired on provider rejection, got %v", err)
	}
}

func TestRevokeRemovesToken(t *testing.T) {
	t.Parallel()

	p := newFakeProvider(t)
	m := newTestManager(t, p)

	seedToken(t, m, &Token{
		AccessToken: "access-1",
		ExpiresAt:   time.Now().Add(time.Hour),
		Identity:    "user-1",
	})

	if err := m.Revoke(context.Background(), "user-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.GetValidToken(context.Background(), "user-1"); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired after revoke, got %v", err)
	}
}
