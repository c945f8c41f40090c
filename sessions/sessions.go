// Package sessions holds the application-level state bound to each live
// connection: negotiated protocol version, client capabilities, the
// authenticated identity, and activity bookkeeping. Sessions are created at
// connection open and invalidated at connection close; a reconnect creates a
// fresh session (a prior bearer token rebinds identity, never pending state).
package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/berrydev/berry-mcp-go/auth"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/mcp"
)

// MessageWriter delivers an outbound envelope on the session's connection.
type MessageWriter interface {
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
}

// Session is the server-side state for one live connection.
type Session struct {
	connID string
	writer MessageWriter

	mu              sync.Mutex
	initialized     bool
	protocolVersion string
	clientInfo      mcp.Implementation
	capabilities    mcp.ClientCapabilities
	identity        *auth.Identity
	createdAt       time.Time
	lastActivity    time.Time
	closed          bool
}

// New creates a session bound to connID writing through w.
func New(connID string, w MessageWriter) *Session {
	now := time.Now()
	return &Session{connID: connID, writer: w, createdAt: now, lastActivity: now}
}

// ConnID returns the owning connection's id.
func (s *Session) ConnID() string { return s.connID }

// WriteMessage sends an envelope on the session's connection.
func (s *Session) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	return s.writer.WriteMessage(ctx, msg)
}

// Initialize records the outcome of the handshake. It is an error-free
// idempotent set; the dispatcher enforces ordering.
func (s *Session) Initialize(protocolVersion string, info mcp.Implementation, caps mcp.ClientCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = true
	s.protocolVersion = protocolVersion
	s.clientInfo = info
	s.capabilities = caps
}

// Initialized reports whether the handshake completed.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// ProtocolVersion returns the negotiated protocol version.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ClientInfo returns the client implementation declared at handshake.
func (s *Session) ClientInfo() mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

// Capabilities returns the client capabilities declared at handshake.
func (s *Session) Capabilities() mcp.ClientCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// BindIdentity attaches the authenticated identity to the session.
func (s *Session) BindIdentity(id *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// Identity returns the bound identity, or nil before authentication.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Touch updates the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// LastActivity returns the last-activity timestamp.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// markClosed flips the session to closed. Returns false if already closed,
// so teardown runs exactly once.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Closed reports whether the session was torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
