package registry

import (
	"context"
	"encoding/json"
	"testing"
)

func noopHandler(context.Context, *ToolContext, json.RawMessage) (any, error) {
	return nil, nil
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Register(Descriptor{}, noopHandler); err == nil {
		t.Fatal("empty name must be rejected")
	}
	if err := r.Register(Descriptor{Name: "t"}, nil); err == nil {
		t.Fatal("nil handler must be rejected")
	}
	if err := r.Register(Descriptor{Name: "t"}, noopHandler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Descriptor{Name: "t"}, noopHandler); err == nil {
		t.Fatal("duplicate name must be rejected")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 tool, got %d", r.Len())
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	r := New()
	if err := r.Register(Descriptor{Name: "echo", RequiredScope: "tools:echo"}, noopHandler); err != nil {
		t.Fatalf("register: %v", err)
	}

	desc, handler, ok := r.Lookup("echo")
	if !ok || handler == nil {
		t.Fatal("expected registered tool")
	}
	if desc.RequiredScope != "tools:echo" {
		t.Fatalf("unexpected descriptor %+v", desc)
	}

	if _, _, ok := r.Lookup("missing"); ok {
		t.Fatal("unknown tool must not resolve")
	}
}

func TestListIsNameOrderedAndAnnotated(t *testing.T) {
	t.Parallel()

	r := New()
	for _, d := range []Descriptor{
		{Name: "zeta", Streaming: true},
		{Name: "alpha"},
		{Name: "mid", Interactive: true},
	} {
		if err := r.Register(d, noopHandler); err != nil {
			t.Fatalf("register %s: %v", d.Name, err)
		}
	}

	tools := r.List()
	if len(tools) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(tools))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if tools[i].Name != want {
			t.Fatalf("tools[%d] = %q, want %q", i, tools[i].Name, want)
		}
	}

	if tools[0].Annotations != nil {
		t.Fatal("plain tool should carry no annotations")
	}
	if tools[1].Annotations == nil || !tools[1].Annotations.Interactive {
		t.Fatalf("mid should advertise interactivity: %+v", tools[1].Annotations)
	}
	if tools[2].Annotations == nil || !tools[2].Annotations.Streaming {
		t.Fatalf("zeta should advertise streaming: %+v", tools[2].Annotations)
	}
}

func TestSchemaForInlinesDefinitions(t *testing.T) {
	t.Parallel()

	type echoArgs struct {
		Message string `json:"message" jsonschema:"title=Message,description=Text to echo back"`
		Repeat  int    `json:"repeat,omitempty"`
	}

	raw, err := SchemaFor(&echoArgs{})
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if schema["type"] != "object" {
		t.Fatalf("expected object schema, got %v", schema["type"])
	}
	if _, found := schema["$ref"]; found {
		t.Fatal("schema must be inlined, not referenced")
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("missing properties: %v", schema)
	}
	if _, found := props["message"]; !found {
		t.Fatalf("message property missing: %v", props)
	}
	if _, found := props["repeat"]; !found {
		t.Fatalf("repeat property missing: %v", props)
	}
}
