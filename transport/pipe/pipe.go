// Package pipe implements the single-process transport: one always-open
// connection over an io.Reader/io.Writer pair carrying newline-delimited
// JSON envelopes. There is no auth gate; the peer owns the process.
package pipe

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/internal/logctx"
	"github.com/berrydev/berry-mcp-go/transport"
	"github.com/google/uuid"
)

// maxLineBytes bounds a single inbound envelope.
const maxLineBytes = 4 * 1024 * 1024

// Transport pumps envelopes between an io pair and a transport.Handler.
type Transport struct {
	log     *slog.Logger
	reader  io.Reader
	handler transport.Handler
	conn    *conn
}

type conn struct {
	id string

	mu     sync.Mutex
	writer io.Writer
	closed bool
	cancel context.CancelFunc
}

// New creates a pipe transport reading envelopes from r and writing to w.
func New(r io.Reader, w io.Writer, handler transport.Handler, log *slog.Logger) *Transport {
	if log == nil {
		log = slog.Default()
	}
	return &Transport{
		log:     log,
		reader:  r,
		handler: handler,
		conn:    &conn{id: uuid.NewString(), writer: w},
	}
}

// Serve runs the inbound pump until the reader drains, the context is
// cancelled, or the connection is closed. The connection closes exactly once
// on every exit path.
func (t *Transport) Serve(ctx context.Context) error {
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: t.conn.id, Kind: "pipe"})
	ctx, cancel := context.WithCancel(ctx)
	t.conn.cancel = cancel
	defer func() {
		t.conn.markClosed()
		t.handler.HandleClose(t.conn.id)
		cancel()
	}()

	if err := t.handler.HandleConnect(ctx, t.conn, nil); err != nil {
		return fmt.Errorf("connect rejected: %w", err)
	}

	scanner := bufio.NewScanner(t.reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.log.Warn("dropping malformed envelope", slog.String("err", err.Error()))
			t.writeParseError(ctx)
			continue
		}
		t.handler.HandleMessage(ctx, t.conn.id, &msg)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read failed: %w", err)
	}
	return nil
}

func (t *Transport) writeParseError(ctx context.Context) {
	resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = t.conn.WriteMessage(ctx, raw)
}

func (c *conn) ID() string   { return c.id }
func (c *conn) Kind() string { return "pipe" }

// WriteMessage writes one envelope followed by a newline. Writes are
// serialized so concurrent senders never interleave frames.
func (c *conn) WriteMessage(ctx context.Context, msg jsonrpc.Message) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrConnectionClosed
	}
	if _, err := c.writer.Write(msg); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	if _, err := c.writer.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	if c.markClosed() && c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
