// Package registry is the explicit catalogue of invocable tools. Tools are
// registered at startup; the registry is read-only while serving.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/berrydev/berry-mcp-go/elicit"
	"github.com/berrydev/berry-mcp-go/mcp"
	"github.com/berrydev/berry-mcp-go/sessions"
	"github.com/berrydev/berry-mcp-go/stream"
	"github.com/invopop/jsonschema"
)

// ToolContext hands a running handler its session and the engines it may
// suspend on.
type ToolContext struct {
	Session *sessions.Session
	Elicit  *elicit.Engine
	Stream  *stream.Engine
}

// HandlerFunc executes one tool invocation. Args is the raw JSON argument
// object from the call request; the returned value is marshaled into the
// call result.
type HandlerFunc func(ctx context.Context, tc *ToolContext, args json.RawMessage) (any, error)

// Descriptor describes a tool as advertised to clients.
type Descriptor struct {
	Name          string
	Description   string
	InputSchema   json.RawMessage
	RequiredScope string
	Interactive   bool
	Streaming     bool
}

type entry struct {
	desc    Descriptor
	handler HandlerFunc
}

// Registry maps tool names to descriptors and handlers.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool. Registering a duplicate name, an empty name, or a
// nil handler is a programming error and fails.
func (r *Registry) Register(desc Descriptor, handler HandlerFunc) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", desc.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = &entry{desc: desc, handler: handler}
	return nil
}

// Lookup returns the descriptor and handler for name.
func (r *Registry) Lookup(name string) (Descriptor, HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return Descriptor{}, nil, false
	}
	return e.desc, e.handler, true
}

// List returns the advertised tool set in name order.
func (r *Registry) List() []mcp.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mcp.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, toWire(e.desc))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func toWire(d Descriptor) mcp.Tool {
	t := mcp.Tool{
		Name:          d.Name,
		Description:   d.Description,
		InputSchema:   d.InputSchema,
		RequiredScope: d.RequiredScope,
	}
	if d.Interactive || d.Streaming {
		t.Annotations = &mcp.ToolAnnotations{
			Interactive: d.Interactive,
			Streaming:   d.Streaming,
		}
	}
	return t
}

// SchemaFor derives a JSON schema for a handler's argument struct. The
// schema is inlined (no $ref indirection) so clients need no resolver.
func SchemaFor(v any) (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	schema := reflector.Reflect(v)
	schema.Version = ""

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// MustSchemaFor is SchemaFor for static registration at startup, where a
// reflection failure is a programming error.
func MustSchemaFor(v any) json.RawMessage {
	s, err := SchemaFor(v)
	if err != nil {
		panic(err)
	}
	return s
}
