package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/berrydev/berry-mcp-go/elicit"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/registry"
	"github.com/berrydev/berry-mcp-go/stream"
)

type fakeConn struct {
	id string

	mu   sync.Mutex
	msgs []jsonrpc.Message
}

func (c *fakeConn) ID() string   { return c.id }
func (c *fakeConn) Kind() string { return "fake" }
func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) WriteMessage(_ context.Context, msg jsonrpc.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make(jsonrpc.Message, len(msg))
	copy(cp, msg)
	c.msgs = append(c.msgs, cp)
	return nil
}

func sendRequest(t *testing.T, srv *Server, connID string, id int, method string, params any) {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, params)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	srv.HandleMessage(context.Background(), connID, &msg)
}

// Closing a connection resolves every suspended elicitation as cancelled,
// fails its open stream with ErrConnectionLost, and frees the session.
func TestConnectionCloseReleasesSuspendedWork(t *testing.T) {
	t.Parallel()

	var waiting atomic.Int32
	promptErrs := make(chan error, 3)
	emitErr := make(chan error, 1)

	reg := registry.New()
	askSpec := mcp.PromptSpec{Type: mcp.PromptConfirmation, Message: "sure?"}

	if err := reg.Register(registry.Descriptor{Name: "ask"}, func(ctx context.Context, tc *registry.ToolContext, args json.RawMessage) (any, error) {
		waiting.Add(1)
		_, err := tc.Elicit.Prompt(ctx, tc.Session, askSpec, time.Minute)
		promptErrs <- err
		return nil, err
	}); err != nil {
		t.Fatalf("register ask: %v", err)
	}

	if err := reg.Register(registry.Descriptor{Name: "feed"}, func(ctx context.Context, tc *registry.ToolContext, args json.RawMessage) (any, error) {
		opID := tc.Stream.Open(tc.Session)
		if err := tc.Stream.Emit(ctx, opID, "chunk-1"); err != nil {
			t.Errorf("first emit: %v", err)
		}
		waiting.Add(1)
		_, err := tc.Elicit.Prompt(ctx, tc.Session, askSpec, time.Minute)
		promptErrs <- err
		emitErr <- tc.Stream.Emit(ctx, opID, "chunk-2")
		return nil, err
	}); err != nil {
		t.Fatalf("register feed: %v", err)
	}

	srv := New(reg)
	conn := &fakeConn{id: "conn-close"}

	if err := srv.HandleConnect(context.Background(), conn, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sendRequest(t, srv, conn.id, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Implementation{Name: "test", Version: "1"},
		Capabilities:    mcp.ClientCapabilities{Elicitation: &struct{}{}, Streaming: &struct{}{}},
	})

	sendRequest(t, srv, conn.id, 2, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: "ask"})
	sendRequest(t, srv, conn.id, 3, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: "ask"})
	sendRequest(t, srv, conn.id, 4, string(mcp.ToolsCallMethod), mcp.CallToolRequest{Name: "feed"})

	deadline := time.Now().Add(2 * time.Second)
	for waiting.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("handlers never suspended, waiting=%d", waiting.Load())
		}
		time.Sleep(2 * time.Millisecond)
	}

	srv.HandleClose(conn.id)

	for i := 0; i < 3; i++ {
		select {
		case err := <-promptErrs:
			if !errors.Is(err, elicit.ErrCancelled) {
				t.Fatalf("prompt %d: expected ErrCancelled, got %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("suspended prompt never released")
		}
	}

	select {
	case err := <-emitErr:
		if !errors.Is(err, stream.ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost on post-close emit, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream emit never returned")
	}

	if srv.Sessions().Get(conn.id) != nil {
		t.Fatal("session record should be freed")
	}
	if srv.Sessions().Len() != 0 {
		t.Fatalf("expected empty store, got %d", srv.Sessions().Len())
	}
}

// A reconnect under the same bearer identity gets a fresh session with no
// carried-over pending state.
func TestReconnectGetsFreshSession(t *testing.T) {
	t.Parallel()

	srv := New(registry.New())

	first := &fakeConn{id: "conn-a"}
	if err := srv.HandleConnect(context.Background(), first, nil); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sendRequest(t, srv, first.id, 1, string(mcp.InitializeMethod), mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
	})
	srv.HandleClose(first.id)

	second := &fakeConn{id: "conn-b"}
	if err := srv.HandleConnect(context.Background(), second, nil); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	sess := srv.Sessions().Get(second.id)
	if sess == nil {
		t.Fatal("expected new session")
	}
	if sess.Initialized() {
		t.Fatal("fresh session must require a new handshake")
	}
}

func TestMessagesForUnknownConnectionAreDropped(t *testing.T) {
	t.Parallel()

	srv := New(registry.New())
	// Must not panic or create state.
	sendRequest(t, srv, "ghost-conn", 1, string(mcp.PingMethod), nil)
	if srv.Sessions().Len() != 0 {
		t.Fatal("no session should exist")
	}
}
