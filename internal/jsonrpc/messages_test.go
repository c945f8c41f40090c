package jsonrpc

import (
	"encoding/json"
	"testing"
)

func TestAnyMessageKindDiscrimination(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want MessageKind
	}{
		{"request", `{"jsonrpc":"2.0","method":"tools/list","id":1}`, KindRequest},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"result response", `{"jsonrpc":"2.0","result":{"ok":true},"id":"a"}`, KindResponse},
		{"error response", `{"jsonrpc":"2.0","error":{"code":-32601,"message":"nope"},"id":2}`, KindResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Kind(); got != tc.want {
				t.Fatalf("kind = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestAnyMessageRejectsMalformedEnvelopes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"m","id":1}`},
		{"missing version", `{"method":"m","id":1}`},
		{"request with result", `{"jsonrpc":"2.0","method":"m","result":{},"id":1}`},
		{"response with both", `{"jsonrpc":"2.0","result":{},"error":{"code":1,"message":"x"},"id":1}`},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`},
		{"boolean id", `{"jsonrpc":"2.0","method":"m","id":true}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.raw), &msg); err == nil {
				t.Fatal("expected unmarshal error")
			}
		})
	}
}

func TestRequestIDStringOrNumber(t *testing.T) {
	t.Parallel()

	var numeric RequestID
	if err := json.Unmarshal([]byte(`7`), &numeric); err != nil {
		t.Fatalf("unmarshal numeric: %v", err)
	}
	if numeric.String() != "7" {
		t.Fatalf("numeric id string = %q", numeric.String())
	}

	var str RequestID
	if err := json.Unmarshal([]byte(`"req-1"`), &str); err != nil {
		t.Fatalf("unmarshal string: %v", err)
	}
	if str.String() != "req-1" {
		t.Fatalf("string id = %q", str.String())
	}

	out, err := json.Marshal(&numeric)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "7" {
		t.Fatalf("numeric id should round-trip as a number, got %s", out)
	}

	var nilID *RequestID
	out, err = json.Marshal(nilID)
	if err != nil {
		t.Fatalf("marshal nil id: %v", err)
	}
	if string(out) != "null" {
		t.Fatalf("nil id should marshal as null, got %s", out)
	}
}

func TestNewResultAndErrorResponses(t *testing.T) {
	t.Parallel()

	id := NewRequestID(42)
	resp, err := NewResultResponse(id, map[string]bool{"ok": true})
	if err != nil {
		t.Fatalf("new result response: %v", err)
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var echo AnyMessage
	if err := json.Unmarshal(raw, &echo); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if echo.Kind() != KindResponse || echo.Error != nil {
		t.Fatalf("unexpected round-trip message: %+v", echo)
	}

	errResp := NewErrorResponse(id, ErrorCodeRateLimited, "rate limited", map[string]int{"retryAfterSeconds": 12})
	raw, err = json.Marshal(errResp)
	if err != nil {
		t.Fatalf("marshal error response: %v", err)
	}
	var echoErr AnyMessage
	if err := json.Unmarshal(raw, &echoErr); err != nil {
		t.Fatalf("round-trip error: %v", err)
	}
	if echoErr.Error == nil || echoErr.Error.Code != ErrorCodeRateLimited {
		t.Fatalf("unexpected error payload: %+v", echoErr.Error)
	}
}
