package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func record(t *testing.T, ctx context.Context) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})
	log.InfoContext(ctx, "hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	return out
}

func TestHandlerAddsContextGroups(t *testing.T) {
	t.Parallel()

	ctx := WithRequestData(context.Background(), &RequestData{
		RequestID:  "req-1",
		Method:     "POST",
		RemoteAddr: "10.0.0.1:1234",
		Path:       "/mcp",
	})
	ctx = WithConnData(ctx, &ConnData{ConnID: "conn-1", Kind: "streamhttp", Subject: "user-1"})
	ctx = WithToolCallData(ctx, &ToolCallData{ToolName: "echo"})

	out := record(t, ctx)

	req, ok := out["req"].(map[string]any)
	if !ok || req["id"] != "req-1" || req["path"] != "/mcp" {
		t.Fatalf("missing req group: %v", out)
	}
	conn, ok := out["conn"].(map[string]any)
	if !ok || conn["id"] != "conn-1" || conn["subject"] != "user-1" {
		t.Fatalf("missing conn group: %v", out)
	}
	tool, ok := out["tool"].(map[string]any)
	if !ok || tool["name"] != "echo" {
		t.Fatalf("missing tool group: %v", out)
	}
}

func TestHandlerBareContextAddsNothing(t *testing.T) {
	t.Parallel()

	out := record(t, context.Background())
	for _, group := range []string{"req", "conn", "tool"} {
		if _, found := out[group]; found {
			t.Fatalf("unexpected %s group on bare context: %v", group, out)
		}
	}
	if !strings.Contains(out["msg"].(string), "hello") {
		t.Fatalf("record not passed through: %v", out)
	}
}
