// Package transport defines the contract between connection-level I/O and
// the protocol layer above it. A transport owns framing and connection
// lifecycle; the handler owns everything protocol-shaped. I/O failure on one
// connection is fatal to that connection only.
package transport

import (
	"context"
	"errors"

	"github.com/berrydev/berry-mcp-go/auth"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
)

// ErrConnectionClosed indicates a send on a connection that already closed.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one live client connection.
type Connection interface {
	// ID is the connection's unique identifier, stable for its lifetime.
	ID() string
	// Kind names the transport variant ("pipe", "streamhttp").
	Kind() string
	// WriteMessage delivers one outbound envelope to the client.
	WriteMessage(ctx context.Context, msg jsonrpc.Message) error
	// Close tears the connection down. Idempotent.
	Close() error
}

// Handler receives connection lifecycle events and inbound envelopes from a
// transport. Implementations must be safe for concurrent use; transports may
// deliver events for different connections concurrently.
type Handler interface {
	// HandleConnect is invoked once per new connection, before any message.
	// identity is nil on transports that do not authenticate.
	HandleConnect(ctx context.Context, conn Connection, identity *auth.Identity) error
	// HandleMessage is invoked for each inbound envelope.
	HandleMessage(ctx context.Context, connID string, msg *jsonrpc.AnyMessage)
	// HandleClose is invoked exactly once when the connection closes.
	HandleClose(connID string)
}
