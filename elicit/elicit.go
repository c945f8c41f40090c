// Package elicit implements the human-in-the-loop engine: a tool invocation
// can pause, ask the connected human a structured question, and resume when
// the answer arrives. Each pending prompt is a tiny state machine
// (pending -> answered | timed-out | cancelled) whose single transition is
// decided under the engine lock; racing events lose and are discarded.
package elicit

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

// DefaultTimeout bounds prompts whose caller did not supply a deadline.
const DefaultTimeout = 5 * time.Minute

// ErrTimeout indicates the prompt deadline elapsed without a valid answer.
var ErrTimeout = errors.New("elicitation timed out")

// ErrCancelled indicates the prompt was cancelled: by the invocation's own
// cancellation signal, by the client, or by the owning connection closing.
var ErrCancelled = errors.New("elicitation cancelled")

// ErrUnknownPrompt indicates a resolution for a correlation id that is not
// pending: already resolved, never issued, or owned by another session.
var ErrUnknownPrompt = errors.New("unknown prompt")

// ValidationError reports an answer that violates the prompt's constraints.
// The prompt remains pending for a corrected answer.
type ValidationError struct {
	Detail string
}

func (e *ValidationError) Error() string { return "invalid answer: " + e.Detail }

// OutcomeKind is the terminal state of a prompt.
type OutcomeKind string

const (
	OutcomeAnswered  OutcomeKind = "answered"
	OutcomeDeclined  OutcomeKind = "declined"
	OutcomeTimedOut  OutcomeKind = "timed_out"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the resolution delivered to the suspended caller. Value is
// populated only for OutcomeAnswered: bool for confirmations, string for
// inputs, []string for choices and file selections.
type Outcome struct {
	Kind  OutcomeKind
	Value any
}

type resolution int

const (
	statePending resolution = iota
	stateTerminal
)

type pendingPrompt struct {
	promptID string
	connID   string
	spec     mcp.PromptSpec
	created  time.Time
	deadline time.Time
	timer    *time.Timer

	state resolution
	ch    chan Outcome // buffered 1; written exactly once
}

// Engine correlates prompts with answers across all sessions. One Engine
// serves the whole process; per-session tables isolate failure domains.
type Engine struct {
	log *slog.Logger

	mu        sync.Mutex
	bySession map[string]map[string]*pendingPrompt
	onOutcome func(OutcomeKind)
}

// NewEngine creates an elicitation engine.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:       log,
		bySession: make(map[string]map[string]*pendingPrompt),
	}
}

// OnOutcome registers a callback invoked for every terminal prompt outcome.
// The callback runs on the resolving goroutine and must not block. Call
// before the engine starts serving prompts.
func (e *Engine) OnOutcome(fn func(OutcomeKind)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onOutcome = fn
}

// Prompt sends spec to the session's client and suspends until the prompt
// resolves. Exactly one outcome is returned, even when answer, deadline,
// caller cancellation, and connection close race. The returned error is nil
// for answered/declined outcomes, ErrTimeout or ErrCancelled otherwise.
func (e *Engine) Prompt(ctx context.Context, sess *sessions.Session, spec mcp.PromptSpec, timeout time.Duration) (Outcome, error) {
	if err := ValidateSpec(spec); err != nil {
		return Outcome{}, fmt.Errorf("invalid prompt spec: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	promptID := uuid.NewString()
	now := time.Now()
	p := &pendingPrompt{
		promptID: promptID,
		connID:   sess.ConnID(),
		spec:     spec,
		created:  now,
		deadline: now.Add(timeout),
		ch:       make(chan Outcome, 1),
	}

	e.mu.Lock()
	table := e.bySession[p.connID]
	if table == nil {
		table = make(map[string]*pendingPrompt)
		e.bySession[p.connID] = table
	}
	table[promptID] = p
	p.timer = time.AfterFunc(timeout, func() { e.expire(p.connID, promptID) })
	e.mu.Unlock()

	note, err := jsonrpc.NewNotification(string(mcp.ElicitationPromptMethod), mcp.ElicitationPromptParams{
		PromptID:       promptID,
		Spec:           spec,
		TimeoutSeconds: int(timeout / time.Second),
	})
	if err != nil {
		e.discard(p.connID, promptID)
		return Outcome{}, err
	}
	raw, err := json.Marshal(note)
	if err != nil {
		e.discard(p.connID, promptID)
		return Outcome{}, err
	}
	if err := sess.WriteMessage(ctx, raw); err != nil {
		e.discard(p.connID, promptID)
		return Outcome{}, fmt.Errorf("failed to send prompt: %w", err)
	}

	e.log.Debug("elicitation prompt sent",
		slog.String("conn_id", p.connID),
		slog.String("prompt_id", promptID),
		slog.String("type", string(spec.Type)))

	select {
	case out := <-p.ch:
		return out, outcomeErr(out.Kind)
	case <-ctx.Done():
		// The caller's own cancellation fires the same terminal transition an
		// answer would; if another event won the race we honor it instead.
		if won := e.finalize(p.connID, promptID, Outcome{Kind: OutcomeCancelled}); won {
			return Outcome{Kind: OutcomeCancelled}, ErrCancelled
		}
		out := <-p.ch
		return out, outcomeErr(out.Kind)
	}
}

func outcomeErr(kind OutcomeKind) error {
	switch kind {
	case OutcomeTimedOut:
		return ErrTimeout
	case OutcomeCancelled:
		return ErrCancelled
	default:
		return nil
	}
}

// Resolve processes an answer envelope from the transport dispatch path.
// Unknown correlation ids return ErrUnknownPrompt, which callers must not
// surface with detail (cross-session probing must learn nothing). A
// *ValidationError leaves the prompt pending.
func (e *Engine) Resolve(connID, promptID string, action mcp.AnswerAction, value json.RawMessage) error {
	e.mu.Lock()
	p := e.lookupLocked(connID, promptID)
	if p == nil {
		e.mu.Unlock()
		return ErrUnknownPrompt
	}

	switch action {
	case mcp.AnswerActionDecline:
		e.resolveLocked(p, Outcome{Kind: OutcomeDeclined})
		e.mu.Unlock()
		return nil
	case mcp.AnswerActionCancel:
		e.resolveLocked(p, Outcome{Kind: OutcomeCancelled})
		e.mu.Unlock()
		return nil
	case mcp.AnswerActionAnswer:
		// Validate outside any transition: a bad answer is not terminal.
		spec := p.spec
		e.mu.Unlock()

		typed, err := ValidateAnswer(spec, value)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return verr
			}
			return &ValidationError{Detail: err.Error()}
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		// Re-check: the deadline may have elapsed while validating.
		if p = e.lookupLocked(connID, promptID); p == nil {
			return ErrUnknownPrompt
		}
		e.resolveLocked(p, Outcome{Kind: OutcomeAnswered, Value: typed})
		return nil
	default:
		e.mu.Unlock()
		return &ValidationError{Detail: fmt.Sprintf("unknown action %q", action)}
	}
}

// Cancel cancels one pending prompt (client-initiated cancel).
func (e *Engine) Cancel(connID, promptID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.lookupLocked(connID, promptID)
	if p == nil {
		return ErrUnknownPrompt
	}
	e.resolveLocked(p, Outcome{Kind: OutcomeCancelled})
	return nil
}

// CancelSession cancels every pending prompt of the session, exactly once
// each, and frees the session's table. Called when the connection closes.
func (e *Engine) CancelSession(connID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.bySession[connID] {
		e.resolveLocked(p, Outcome{Kind: OutcomeCancelled})
	}
	delete(e.bySession, connID)
}

// PendingCount reports the number of pending prompts for a session.
func (e *Engine) PendingCount(connID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.bySession[connID])
}

func (e *Engine) expire(connID, promptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.lookupLocked(connID, promptID); p != nil {
		e.resolveLocked(p, Outcome{Kind: OutcomeTimedOut})
	}
}

// finalize attempts the terminal transition from outside the dispatch path.
// It reports false when the prompt already resolved; the winning outcome is
// then buffered in the prompt's channel.
func (e *Engine) finalize(connID, promptID string, out Outcome) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.lookupLocked(connID, promptID)
	if p == nil {
		return false
	}
	e.resolveLocked(p, out)
	return true
}

// lookupLocked returns the pending prompt or nil. Caller holds e.mu.
func (e *Engine) lookupLocked(connID, promptID string) *pendingPrompt {
	table := e.bySession[connID]
	if table == nil {
		return nil
	}
	p := table[promptID]
	if p == nil || p.state != statePending {
		return nil
	}
	return p
}

// resolveLocked performs the single terminal transition. Caller holds e.mu.
func (e *Engine) resolveLocked(p *pendingPrompt, out Outcome) {
	if p.state != statePending {
		return
	}
	p.state = stateTerminal
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- out

	if table := e.bySession[p.connID]; table != nil {
		delete(table, p.promptID)
		if len(table) == 0 {
			delete(e.bySession, p.connID)
		}
	}

	e.log.Debug("elicitation resolved",
		slog.String("conn_id", p.connID),
		slog.String("prompt_id", p.promptID),
		slog.String("outcome", string(out.Kind)))

	if e.onOutcome != nil {
		e.onOutcome(out.Kind)
	}
}

// discard removes a prompt that never reached the client (send failure).
func (e *Engine) discard(connID, promptID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p := e.lookupLocked(connID, promptID); p != nil {
		p.state = stateTerminal
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(e.bySession[connID], promptID)
	}
}
