// Package dispatch routes inbound JSON-RPC envelopes to the tool surface.
// It enforces the handshake and authorization gates, applies per-identity
// rate limits, and isolates every tool invocation in its own goroutine so a
// suspended elicitation never blocks a connection's inbound pump.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/berrydev/berry-mcp-go/elicit"
	"github.com/berrydev/berry-mcp-go/internal/jsonrpc"
	"github.com/berrydev/berry-mcp-go/internal/logctx"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/registry"
	"github.com/berrydev/berry-mcp-go/sessions"
	"github.com/berrydev/berry-mcp-go/stream"
)

// ErrPermissionDenied indicates the caller's identity lacks the scope a tool
// requires.
var ErrPermissionDenied = errors.New("permission denied")

// ErrRateLimited indicates the caller's identity exhausted its request budget
// for the current window.
var ErrRateLimited = errors.New("rate limited")

// ErrToolExecution wraps a failure (or panic) inside a tool handler.
var ErrToolExecution = errors.New("tool execution failed")

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithServerInfo sets the implementation identity advertised at handshake.
func WithServerInfo(info mcp.Implementation) Option {
	return func(d *Dispatcher) { d.serverInfo = info }
}

// WithRateLimiter installs a per-identity request budget for tools/call.
func WithRateLimiter(rl *sessions.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = rl }
}

// WithAuthRequired makes the dispatcher reject tool-surface requests from
// sessions with no bound identity. Transports bind identities; the
// dispatcher only checks presence.
func WithAuthRequired() Option {
	return func(d *Dispatcher) { d.authRequired = true }
}

// WithInvocationObserver registers a callback invoked after every tools/call
// completes, for metrics.
func WithInvocationObserver(fn func(tool string, err error, elapsed time.Duration)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// Dispatcher routes messages for every session of a server instance.
type Dispatcher struct {
	log      *slog.Logger
	registry *registry.Registry
	elicit   *elicit.Engine
	stream   *stream.Engine

	serverInfo   mcp.Implementation
	limiter      *sessions.RateLimiter
	authRequired bool
	observe      func(tool string, err error, elapsed time.Duration)
}

// New creates a dispatcher over the given registry and engines.
func New(log *slog.Logger, reg *registry.Registry, el *elicit.Engine, st *stream.Engine, opts ...Option) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		log:        log,
		registry:   reg,
		elicit:     el,
		stream:     st,
		serverInfo: mcp.Implementation{Name: "berry-mcp-go", Version: "dev"},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleMessage processes one inbound envelope for sess. Errors returned are
// fatal to the connection; protocol-level failures become JSON-RPC error
// responses instead.
func (d *Dispatcher) HandleMessage(ctx context.Context, sess *sessions.Session, msg *jsonrpc.AnyMessage) error {
	sess.Touch()

	switch msg.Kind() {
	case jsonrpc.KindRequest:
		return d.handleRequest(ctx, sess, msg.AsRequest())
	case jsonrpc.KindNotification:
		d.handleNotification(ctx, sess, msg.AsRequest())
		return nil
	default:
		// The server sends no requests that expect a response; elicitation
		// answers arrive as their own requests. Stray responses are dropped.
		d.log.Debug("ignoring unexpected response envelope", slog.String("conn_id", sess.ConnID()))
		return nil
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		return d.handleInitialize(ctx, sess, req)
	case mcp.PingMethod:
		return d.writeResult(ctx, sess, req.ID, struct{}{})
	}

	if !sess.Initialized() {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeHandshakeRequired, "initialize must complete first", nil)
	}
	if d.authRequired && sess.Identity() == nil {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeAuthRequired, "authentication required", nil)
	}

	switch mcp.Method(req.Method) {
	case mcp.ToolsListMethod:
		return d.writeResult(ctx, sess, req.ID, mcp.ListToolsResult{Tools: d.registry.List()})
	case mcp.ToolsCallMethod:
		return d.handleToolCall(ctx, sess, req)
	case mcp.ElicitationAnswerMethod:
		return d.handleElicitationAnswer(ctx, sess, req)
	case mcp.ElicitationCancelMethod:
		return d.handleElicitationCancel(ctx, sess, req)
	default:
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (d *Dispatcher) handleNotification(ctx context.Context, sess *sessions.Session, note *jsonrpc.Request) {
	switch mcp.Method(note.Method) {
	case mcp.InitializedNotification:
		// Activity already recorded; nothing else to do.
	case mcp.ElicitationCancelMethod:
		var params mcp.ElicitationCancelParams
		if err := json.Unmarshal(note.Params, &params); err != nil {
			return
		}
		// Unknown ids are dropped without detail.
		_ = d.elicit.Cancel(sess.ConnID(), params.PromptID)
	default:
		d.log.Debug("ignoring unknown notification",
			slog.String("conn_id", sess.ConnID()), slog.String("method", note.Method))
	}
}

func (d *Dispatcher) handleInitialize(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	var params mcp.InitializeRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil)
	}

	version := negotiateVersion(params.ProtocolVersion)
	sess.Initialize(version, params.ClientInfo, params.Capabilities)

	d.log.Info("session initialized",
		slog.String("conn_id", sess.ConnID()),
		slog.String("client", params.ClientInfo.Name),
		slog.String("protocol_version", version))

	return d.writeResult(ctx, sess, req.ID, mcp.InitializeResult{
		ProtocolVersion: version,
		ServerInfo:      d.serverInfo,
		Capabilities: mcp.ServerCapabilities{
			Tools:       &struct{}{},
			Elicitation: &struct{}{},
			Streaming:   &struct{}{},
		},
	})
}

// negotiateVersion picks the client's version when supported, otherwise the
// newest the server speaks.
func negotiateVersion(requested string) string {
	for _, v := range mcp.SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return mcp.LatestProtocolVersion
}

func (d *Dispatcher) handleToolCall(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil)
	}

	desc, handler, ok := d.registry.Lookup(params.Name)
	if !ok {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeValidation, fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	caps := sess.Capabilities()
	if desc.Interactive && !caps.SupportsElicitation() {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeCapabilityMissing,
			fmt.Sprintf("tool %q requires elicitation support", desc.Name), nil)
	}
	if desc.Streaming && !caps.SupportsStreaming() {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeCapabilityMissing,
			fmt.Sprintf("tool %q requires streaming support", desc.Name), nil)
	}

	identity := sess.Identity()
	if desc.RequiredScope != "" && !identity.HasScope(desc.RequiredScope) {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodePermissionDenied,
			fmt.Sprintf("%s: scope %q required", ErrPermissionDenied, desc.RequiredScope), nil)
	}

	if d.limiter != nil {
		subject := sess.ConnID()
		if identity != nil {
			subject = identity.Subject
		}
		if ok, retryAfter := d.limiter.Allow(subject); !ok {
			return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeRateLimited, ErrRateLimited.Error(),
				map[string]any{"retryAfterSeconds": int(retryAfter.Seconds()) + 1})
		}
	}

	// The invocation runs detached from the inbound pump: a handler suspended
	// on an elicitation must not stall subsequent messages on the connection,
	// least of all the answer it is waiting for.
	go d.invoke(ctx, sess, req.ID, desc, handler, params.Arguments)
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, sess *sessions.Session, id *jsonrpc.RequestID, desc registry.Descriptor, handler registry.HandlerFunc, args json.RawMessage) {
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: desc.Name})
	start := time.Now()
	tc := &registry.ToolContext{Session: sess, Elicit: d.elicit, Stream: d.stream}

	result, err := d.invokeSafely(ctx, tc, handler, args)
	if d.observe != nil {
		d.observe(desc.Name, err, time.Since(start))
	}

	if err != nil {
		d.log.Warn("tool invocation failed",
			slog.String("conn_id", sess.ConnID()),
			slog.String("tool", desc.Name),
			slog.String("err", err.Error()))
		_ = d.writeError(ctx, sess, id, jsonrpc.ErrorCodeToolExecution,
			fmt.Sprintf("%s: %s", ErrToolExecution, err), nil)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		_ = d.writeError(ctx, sess, id, jsonrpc.ErrorCodeToolExecution,
			fmt.Sprintf("%s: unmarshalable result: %s", ErrToolExecution, err), nil)
		return
	}
	_ = d.writeResult(ctx, sess, id, mcp.CallToolResult{Result: raw})
}

// invokeSafely converts a handler panic into an error so one bad tool never
// takes down the dispatcher or other sessions.
func (d *Dispatcher) invokeSafely(ctx context.Context, tc *registry.ToolContext, handler registry.HandlerFunc, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, tc, args)
}

func (d *Dispatcher) handleElicitationAnswer(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	var params mcp.ElicitationAnswerParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid elicitation/answer params", nil)
	}

	err := d.elicit.Resolve(sess.ConnID(), params.PromptID, params.Action, params.Value)
	switch {
	case err == nil:
		return d.writeResult(ctx, sess, req.ID, mcp.ElicitationAnswerResult{Accepted: true})
	case errors.Is(err, elicit.ErrUnknownPrompt):
		// Unknown or already-resolved ids get a bare rejection so another
		// session's prompt ids cannot be probed for liveness.
		return d.writeResult(ctx, sess, req.ID, mcp.ElicitationAnswerResult{Accepted: false})
	default:
		var verr *elicit.ValidationError
		if errors.As(err, &verr) {
			// The prompt stays pending; the client may retry until the
			// original deadline.
			return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeValidation, verr.Error(), nil)
		}
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}
}

func (d *Dispatcher) handleElicitationCancel(ctx context.Context, sess *sessions.Session, req *jsonrpc.Request) error {
	var params mcp.ElicitationCancelParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return d.writeError(ctx, sess, req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid elicitation/cancel params", nil)
	}
	_ = d.elicit.Cancel(sess.ConnID(), params.PromptID)
	return d.writeResult(ctx, sess, req.ID, struct{}{})
}

func (d *Dispatcher) writeResult(ctx context.Context, sess *sessions.Session, id *jsonrpc.RequestID, result any) error {
	resp, err := jsonrpc.NewResultResponse(id, result)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return sess.WriteMessage(ctx, raw)
}

func (d *Dispatcher) writeError(ctx context.Context, sess *sessions.Session, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, message string, data any) error {
	raw, err := json.Marshal(jsonrpc.NewErrorResponse(id, code, message, data))
	if err != nil {
		return err
	}
	return sess.WriteMessage(ctx, raw)
}
