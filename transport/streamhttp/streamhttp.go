// Package streamhttp implements the networked transport: the client opens an
// SSE stream with GET for outbound envelopes, POSTs inbound envelopes, and
// DELETEs the connection to close it. The connection id is carried in a
// header on every request after the opening GET.
package streamhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/berrydev/berry-mcp-go/auth"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/internal/logctx"
	"github.com/berrydev/berry-mcp-go/transport"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	connIDHeader          = "Mcp-Session-Id"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const outboundBuffer = 64

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator mandates bearer authentication on every request. Without
// it connections are anonymous.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = strings.TrimSpace(realm) }
}

// WithFloodGuard bounds sustained inbound envelope rate per connection.
func WithFloodGuard(perSecond float64, burst int) Option {
	return func(h *Handler) {
		h.floodRate = rate.Limit(perSecond)
		h.floodBurst = burst
	}
}

// Handler is the streamhttp transport. Mount it at the protocol endpoint.
type Handler struct {
	log     *slog.Logger
	handler transport.Handler
	auth    auth.Authenticator
	realm   string

	floodRate  rate.Limit
	floodBurst int

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	id       string
	outbound chan jsonrpc.Message
	done     chan struct{}
	once     sync.Once
	limiter  *rate.Limiter

	// lifetime spans the connection, not any single HTTP exchange. Inbound
	// envelopes are handled under it so a tool invocation suspended on an
	// elicitation survives the POST that delivered the call.
	lifetime context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates a streamhttp transport delivering to handler.
func New(handler transport.Handler, opts ...Option) *Handler {
	h := &Handler{
		log:        slog.Default(),
		handler:    handler,
		floodRate:  rate.Limit(50),
		floodBurst: 100,
		conns:      make(map[string]*conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleOpen(w, r)
	case http.MethodPost:
		h.handleInbound(w, r)
	case http.MethodDelete:
		h.handleClose(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// ConnCount reports the number of open connections.
func (h *Handler) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// handleOpen establishes a connection: authenticates, registers, and streams
// outbound envelopes as SSE until the client goes away.
func (h *Handler) handleOpen(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.log.Error("response writer does not support flushing")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	identity, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		return
	}

	id := uuid.NewString()
	cd := &logctx.ConnData{ConnID: id, Kind: "streamhttp"}
	if identity != nil {
		cd.Subject = identity.Subject
	}
	lifetime, cancel := context.WithCancel(logctx.WithConnData(context.Background(), cd))
	c := &conn{
		id:           id,
		outbound:     make(chan jsonrpc.Message, outboundBuffer),
		done:         make(chan struct{}),
		limiter:      rate.NewLimiter(h.floodRate, h.floodBurst),
		lifetime:     lifetime,
		cancel:       cancel,
		lastActivity: time.Now(),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()

	teardown := func() {
		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()
		_ = c.Close()
		h.handler.HandleClose(c.id)
	}

	if err := h.handler.HandleConnect(ctx, c, identity); err != nil {
		teardown()
		h.log.Warn("connection rejected", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer teardown()

	w.Header().Set(connIDHeader, c.id)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.log.Info("connection opened", slog.String("conn_id", c.id))

	for {
		select {
		case msg := <-c.outbound:
			if err := writeSSEEvent(w, flusher, msg); err != nil {
				h.log.Warn("outbound write failed",
					slog.String("conn_id", c.id), slog.String("err", err.Error()))
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// handleInbound accepts one envelope for an established connection.
func (h *Handler) handleInbound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	if _, ok := h.checkAuthentication(ctx, r, w); !ok {
		return
	}

	connID := r.Header.Get(connIDHeader)
	if connID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+connIDHeader+" header")
		return
	}
	c := h.lookup(connID)
	if c == nil {
		writeJSONError(w, http.StatusNotFound, "unknown connection")
		return
	}

	if !c.limiter.Allow() {
		w.Header().Set("Retry-After", strconv.Itoa(1))
		writeJSONError(w, http.StatusTooManyRequests, "inbound rate exceeded")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4*1024*1024))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 && body[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "batch envelopes are not supported")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}

	c.touch()
	// The POST's own context dies as soon as the 202 below is written;
	// dispatch under the connection's lifetime instead so detached
	// invocations keep running.
	h.handler.HandleMessage(c.lifetime, connID, &msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleClose tears down a connection at the client's request.
func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.checkAuthentication(r.Context(), r, w); !ok {
		return
	}

	connID := r.Header.Get(connIDHeader)
	if connID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing "+connIDHeader+" header")
		return
	}
	c := h.lookup(connID)
	if c == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// Closing unblocks the SSE loop, which runs the full teardown.
	_ = c.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) lookup(connID string) *conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[connID]
}

// checkAuthentication validates the bearer credential when an authenticator
// is configured. A missing credential gets a bare Bearer challenge per RFC
// 6750; an invalid one gets an invalid_token challenge.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.auth == nil {
		return nil, true
	}

	header := r.Header.Get(authorizationHeader)
	if header == "" {
		w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge(""))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) || len(header) <= len(bearerPrefix) {
		w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge("invalid_request"))
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}

	identity, err := h.auth.CheckAuthentication(ctx, strings.TrimSpace(header[len(bearerPrefix):]))
	if err != nil {
		h.log.Info("authentication failed", slog.String("err", err.Error()))
		w.Header().Set(wwwAuthenticateHeader, h.bearerChallenge("invalid_token"))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, false
	}
	return identity, true
}

func (h *Handler) bearerChallenge(errCode string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	var pieces []string
	if h.realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(h.realm)))
	}
	if errCode != "" {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(errCode)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (c *conn) ID() string   { return c.id }
func (c *conn) Kind() string { return "streamhttp" }

// WriteMessage queues an envelope for the SSE loop. It fails with
// ErrConnectionClosed once the connection is gone.
func (c *conn) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	select {
	case <-c.done:
		return transport.ErrConnectionClosed
	default:
	}
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return transport.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		close(c.done)
	})
	return nil
}

func (c *conn) touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = time.Now()
}

// writeJSONError emits a minimal JSON body for transport-level rejections
// that happen before a JSON-RPC exchange is possible.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, payload []byte) error {
	if _, err := w.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := w.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	flusher.Flush()
	return nil
}
