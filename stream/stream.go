// Package stream implements incremental result delivery for long-running
// tool invocations: ordered chunks followed by exactly one terminal
// completion or error per operation.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/sessions"
	"github.com/google/uuid"
)

// ErrStreamClosed indicates an emit against a stream that already received
// its terminal event.
var ErrStreamClosed = errors.New("stream closed")

// ErrConnectionLost indicates the stream's owning connection closed while the
// stream was open. Only the server-side invocation observes this; the client
// is gone.
var ErrConnectionLost = errors.New("connection lost")

// tombstoneTTL bounds how long a terminal stream record stays queryable so a
// still-running invocation can learn why its emits fail.
const tombstoneTTL = time.Minute

type streamState struct {
	opID   string
	connID string

	mu       sync.Mutex
	sess     *sessions.Session // nil once terminal
	seq      uint64
	terminal bool
	cause    error // nil for explicit complete/fail, ErrConnectionLost for implicit
}

// Engine tracks every in-progress stream across all sessions.
type Engine struct {
	log *slog.Logger

	mu        sync.Mutex
	byOp      map[string]*streamState
	bySession map[string]map[string]*streamState
}

// NewEngine creates a streaming engine.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:       log,
		byOp:      make(map[string]*streamState),
		bySession: make(map[string]map[string]*streamState),
	}
}

// Open allocates a new stream on the session's connection and returns its
// operation id.
func (e *Engine) Open(sess *sessions.Session) string {
	st := &streamState{
		opID:   uuid.NewString(),
		connID: sess.ConnID(),
		sess:   sess,
	}

	e.mu.Lock()
	e.byOp[st.opID] = st
	table := e.bySession[st.connID]
	if table == nil {
		table = make(map[string]*streamState)
		e.bySession[st.connID] = table
	}
	table[st.opID] = st
	e.mu.Unlock()

	e.log.Debug("stream opened", slog.String("conn_id", st.connID), slog.String("operation_id", st.opID))
	return st.opID
}

// Emit assigns the next sequence number and sends a chunk notification.
// Emitting on a terminal stream fails with ErrStreamClosed, or with
// ErrConnectionLost when the owning connection closed the stream implicitly.
func (e *Engine) Emit(ctx context.Context, opID string, chunk any) error {
	st := e.lookup(opID)
	if st == nil {
		return ErrStreamClosed
	}

	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}

	// The state lock is held across the send so observed chunk order matches
	// sequence order.
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		if st.cause != nil {
			return st.cause
		}
		return ErrStreamClosed
	}

	st.seq++
	note, err := jsonrpc.NewNotification(string(mcp.StreamChunkNotification), mcp.StreamChunkParams{
		OperationID: opID,
		Seq:         st.seq,
		Data:        data,
	})
	if err != nil {
		return err
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return st.sess.WriteMessage(ctx, raw)
}

// Complete terminates the stream with a final result. A no-op when the
// stream is already terminal.
func (e *Engine) Complete(ctx context.Context, opID string, result any) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		raw = b
	}
	return e.terminate(ctx, opID, mcp.StreamDoneParams{OperationID: opID, Result: raw})
}

// Fail terminates the stream with an error. A no-op when the stream is
// already terminal.
func (e *Engine) Fail(ctx context.Context, opID string, failure error) error {
	msg := "stream failed"
	if failure != nil {
		msg = failure.Error()
	}
	return e.terminate(ctx, opID, mcp.StreamDoneParams{OperationID: opID, Error: msg})
}

// OpenCount reports the number of open streams for a connection.
func (e *Engine) OpenCount(connID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bySession[connID])
}

// FailSession implicitly fails every open stream of the connection with
// ErrConnectionLost and frees the session's table. No notification is sent;
// the client is gone. Terminal records linger briefly so the invocation can
// observe the cause, then are reclaimed.
func (e *Engine) FailSession(connID string) {
	e.mu.Lock()
	table := e.bySession[connID]
	delete(e.bySession, connID)
	var states []*streamState
	for _, st := range table {
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if !st.terminal {
			st.terminal = true
			st.cause = ErrConnectionLost
			st.sess = nil
		}
		st.mu.Unlock()

		opID := st.opID
		time.AfterFunc(tombstoneTTL, func() { e.reclaim(opID) })
	}

	if len(states) > 0 {
		e.log.Debug("streams failed on connection close",
			slog.String("conn_id", connID), slog.Int("count", len(states)))
	}
}

func (e *Engine) lookup(opID string) *streamState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byOp[opID]
}

func (e *Engine) terminate(ctx context.Context, opID string, done mcp.StreamDoneParams) error {
	st := e.lookup(opID)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return nil
	}
	st.terminal = true
	sess := st.sess
	st.sess = nil

	e.detach(st)
	time.AfterFunc(tombstoneTTL, func() { e.reclaim(opID) })

	note, err := jsonrpc.NewNotification(string(mcp.StreamDoneNotification), done)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return sess.WriteMessage(ctx, raw)
}

// detach removes the stream from its session table while keeping the
// terminal record queryable.
func (e *Engine) detach(st *streamState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if table := e.bySession[st.connID]; table != nil {
		delete(table, st.opID)
		if len(table) == 0 {
			delete(e.bySession, st.connID)
		}
	}
}

// reclaim drops a terminal record for good.
func (e *Engine) reclaim(opID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byOp, opID)
}
