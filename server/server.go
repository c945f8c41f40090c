// Package server assembles the runtime: session store, elicitation and
// streaming engines, and the dispatcher, exposed to transports through the
// transport.Handler contract. One Server serves any number of transports.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/berrydev/berry-mcp-go/auth"
	"github.com/berrydev/berry-mcp-go/dispatch"
	"github.com/berrydev/berry-mcp-go/elicit"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/registry"
	"github.com/berrydev/berry-mcp-go/sessions"
	"github.com/berrydev/berry-mcp-go/stream"
	"github.com/berrydev/berry-mcp-go/transport"
)

// Option configures a Server.
type Option func(*config)

type config struct {
	log           *slog.Logger
	serverInfo    mcp.Implementation
	authRequired  bool
	rateLimit     int
	rateWindow    time.Duration
	observe       func(tool string, err error, elapsed time.Duration)
	observeElicit func(elicit.OutcomeKind)
}

// WithLogger sets the logger shared by all components.
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithServerInfo sets the implementation identity advertised at handshake.
func WithServerInfo(info mcp.Implementation) Option {
	return func(c *config) { c.serverInfo = info }
}

// WithAuthRequired rejects tool-surface requests from sessions with no bound
// identity.
func WithAuthRequired() Option {
	return func(c *config) { c.authRequired = true }
}

// WithRateLimit allows limit tool invocations per identity per window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(c *config) { c.rateLimit = limit; c.rateWindow = window }
}

// WithInvocationObserver registers a per-invocation metrics callback.
func WithInvocationObserver(fn func(tool string, err error, elapsed time.Duration)) Option {
	return func(c *config) { c.observe = fn }
}

// WithElicitationObserver registers a per-prompt outcome callback.
func WithElicitationObserver(fn func(elicit.OutcomeKind)) Option {
	return func(c *config) { c.observeElicit = fn }
}

// Server is the transport-facing runtime.
type Server struct {
	log        *slog.Logger
	store      *sessions.Store
	elicit     *elicit.Engine
	stream     *stream.Engine
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
}

var _ transport.Handler = (*Server)(nil)

// New assembles a server around the given tool registry.
func New(reg *registry.Registry, opts ...Option) *Server {
	cfg := &config{
		log:        slog.Default(),
		serverInfo: mcp.Implementation{Name: "berry-mcp-go", Version: "dev"},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	el := elicit.NewEngine(cfg.log)
	if cfg.observeElicit != nil {
		el.OnOutcome(cfg.observeElicit)
	}
	st := stream.NewEngine(cfg.log)

	store := sessions.NewStore()
	store.OnClose(el.CancelSession)
	store.OnClose(st.FailSession)

	dopts := []dispatch.Option{dispatch.WithServerInfo(cfg.serverInfo)}
	if cfg.authRequired {
		dopts = append(dopts, dispatch.WithAuthRequired())
	}
	if cfg.rateLimit > 0 {
		dopts = append(dopts, dispatch.WithRateLimiter(sessions.NewRateLimiter(cfg.rateLimit, cfg.rateWindow)))
	}
	if cfg.observe != nil {
		dopts = append(dopts, dispatch.WithInvocationObserver(cfg.observe))
	}

	return &Server{
		log:        cfg.log,
		store:      store,
		elicit:     el,
		stream:     st,
		registry:   reg,
		dispatcher: dispatch.New(cfg.log, reg, el, st, dopts...),
	}
}

// HandleConnect implements transport.Handler.
func (s *Server) HandleConnect(ctx context.Context, conn transport.Connection, identity *auth.Identity) error {
	sess := s.store.Create(conn.ID(), conn)
	if identity != nil {
		sess.BindIdentity(identity)
	}
	s.log.Info("connection established",
		slog.String("conn_id", conn.ID()),
		slog.String("kind", conn.Kind()))
	return nil
}

// HandleMessage implements transport.Handler. Messages for unknown
// connections are dropped; the transport races its own teardown.
func (s *Server) HandleMessage(ctx context.Context, connID string, msg *jsonrpc.AnyMessage) {
	sess := s.store.Get(connID)
	if sess == nil {
		s.log.Debug("dropping message for unknown connection", slog.String("conn_id", connID))
		return
	}
	if err := s.dispatcher.HandleMessage(ctx, sess, msg); err != nil {
		// A dispatch error means the outbound path failed; the transport will
		// observe the broken connection and run teardown.
		s.log.Warn("dispatch failed",
			slog.String("conn_id", connID), slog.String("err", err.Error()))
	}
}

// HandleClose implements transport.Handler.
func (s *Server) HandleClose(connID string) {
	s.store.Close(connID)
	s.log.Info("connection closed", slog.String("conn_id", connID))
}

// Sessions exposes the session store, for operational surfaces.
func (s *Server) Sessions() *sessions.Store { return s.store }

// Registry exposes the tool registry.
func (s *Server) Registry() *registry.Registry { return s.registry }
