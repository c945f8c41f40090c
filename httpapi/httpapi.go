// Package httpapi is the networked mode's HTTP surface: the OAuth2
// authorization flow endpoints, health and metrics, and the protocol
// transport mounted under /mcp.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/berrydev/berry-mcp-go/internal/logctx"
	"github.com/berrydev/berry-mcp-go/oauthflow"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthCheck probes one dependency. A non-nil error marks the dependency,
// and the process, unhealthy.
type HealthCheck func(ctx context.Context) error

// Option configures the API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) { a.log = log }
}

// WithOAuth enables the /oauth endpoints backed by the manager.
func WithOAuth(m *oauthflow.Manager) Option {
	return func(a *API) { a.oauth = m }
}

// WithTransport mounts the protocol transport under /mcp.
func WithTransport(h http.Handler) Option {
	return func(a *API) { a.transport = h }
}

// WithMetrics serves the registry's scrape endpoint at /metrics.
func WithMetrics(m *Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithHealthCheck registers a named dependency probe for /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(a *API) {
		a.checks = append(a.checks, namedCheck{name: name, check: check})
	}
}

type namedCheck struct {
	name  string
	check HealthCheck
}

// API is the assembled HTTP handler.
type API struct {
	log       *slog.Logger
	oauth     *oauthflow.Manager
	transport http.Handler
	metrics   *Metrics
	checks    []namedCheck

	router chi.Router
}

// New assembles the HTTP surface.
func New(opts ...Option) *API {
	a := &API{log: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(annotateRequests)

	r.Get("/healthz", a.handleHealthz)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}
	if a.oauth != nil {
		r.Get("/oauth/authorize", a.handleAuthorize)
		r.Get("/oauth/callback", a.handleCallback)
		r.Post("/oauth/refresh", a.handleRefresh)
		r.Post("/oauth/revoke", a.handleRevoke)
	}
	if a.transport != nil {
		r.Handle("/mcp", a.transport)
	}

	a.router = r
	return a
}

// annotateRequests folds the request coordinates into the context so every
// log record downstream carries them.
func annotateRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(map[string]string, len(a.checks))
	for _, nc := range a.checks {
		if err := nc.check(ctx); err != nil {
			deps[nc.name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[nc.name] = "ok"
	}

	writeJSON(w, status, map[string]any{
		"status":       healthWord(status),
		"dependencies": deps,
	})
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

// handleAuthorize starts the authorization-code flow: it allocates the state
// and PKCE verifier and redirects the browser to the provider.
func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	authURL, state, err := a.oauth.BuildAuthorizationRequest(r.Context())
	if err != nil {
		a.log.Error("failed to build authorization request", slog.String("err", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "authorization unavailable"})
		return
	}
	w.Header().Set("X-OAuth-State", state)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleCallback completes the flow with the provider's code.
func (a *API) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		// The provider answered; the grant failed (consent denied and the
		// like). That is not a gateway problem.
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       errCode,
			"description": q.Get("error_description"),
		})
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "state and code are required"})
		return
	}

	tok, err := a.oauth.ExchangeCode(r.Context(), state, code)
	if err != nil {
		a.log.Warn("code exchange failed", slog.String("err", err.Error()))
		// Bad state or code is the caller's fault; everything else means we
		// could not complete the exchange with the provider.
		status := http.StatusBadGateway
		if errors.Is(err, oauthflow.ErrInvalidGrant) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{"error": "exchange failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  tok.Identity,
		"expiresAt": tok.ExpiresAt,
		"scope":     tok.Scope,
	})
}

type identityRequest struct {
	Identity string `json:"identity"`
}

// handleRefresh returns a token valid past the refresh margin, refreshing it
// first when needed.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "identity is required"})
		return
	}

	tok, err := a.oauth.GetValidToken(r.Context(), req.Identity)
	if err != nil {
		if errors.Is(err, oauthflow.ErrTokenExpired) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "re-authentication required"})
			return
		}
		a.log.Error("token refresh failed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "refresh failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  tok.Identity,
		"expiresAt": tok.ExpiresAt,
		"scope":     tok.Scope,
	})
}

func (a *API) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "identity is required"})
		return
	}
	if err := a.oauth.Revoke(r.Context(), req.Identity); err != nil {
		a.log.Error("revocation failed", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "revocation failed"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
