package elicit

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/berrydev/berry-mcp-go/mcp"
)

func intPtr(v int) *int { return &v }

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		spec    mcp.PromptSpec
		wantErr bool
	}{
		{"confirmation ok", mcp.PromptSpec{Type: mcp.PromptConfirmation, Message: "ok?"}, false},
		{"missing message", mcp.PromptSpec{Type: mcp.PromptConfirmation}, true},
		{"bad pattern", mcp.PromptSpec{Type: mcp.PromptInput, Message: "m", Pattern: "("}, true},
		{"inverted lengths", mcp.PromptSpec{Type: mcp.PromptInput, Message: "m", MinLength: intPtr(5), MaxLength: intPtr(2)}, true},
		{"empty choices", mcp.PromptSpec{Type: mcp.PromptChoice, Message: "m"}, true},
		{"duplicate choice", mcp.PromptSpec{Type: mcp.PromptChoice, Message: "m", Choices: []mcp.Choice{{Value: "x"}, {Value: "x"}}}, true},
		{"max beyond choices", mcp.PromptSpec{Type: mcp.PromptChoice, Message: "m", Choices: []mcp.Choice{{Value: "x"}}, MaxSelections: 2}, true},
		{"unknown type", mcp.PromptSpec{Type: "mystery", Message: "m"}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSpec(tc.spec)
			if tc.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateAnswerInputConstraints(t *testing.T) {
	t.Parallel()

	spec := mcp.PromptSpec{
		Type:      mcp.PromptInput,
		Message:   "hostname?",
		Pattern:   `^[a-z0-9.-]+$`,
		MinLength: intPtr(3),
		MaxLength: intPtr(10),
	}

	var verr *ValidationError
	if _, err := ValidateAnswer(spec, json.RawMessage(`"ab"`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for short answer, got %v", err)
	}
	if _, err := ValidateAnswer(spec, json.RawMessage(`"UPPERCASE"`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for pattern miss, got %v", err)
	}
	if _, err := ValidateAnswer(spec, json.RawMessage(`42`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for non-string, got %v", err)
	}

	v, err := ValidateAnswer(spec, json.RawMessage(`"host-1.io"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "host-1.io" {
		t.Fatalf("unexpected typed value %#v", v)
	}
}

// A choice prompt with no declared bounds is a single-select.
func TestValidateAnswerBareChoiceIsSingleSelect(t *testing.T) {
	t.Parallel()

	spec := mcp.PromptSpec{
		Type:    mcp.PromptChoice,
		Message: "pick one",
		Choices: []mcp.Choice{{Value: "red"}, {Value: "blue"}},
	}

	var verr *ValidationError
	if _, err := ValidateAnswer(spec, json.RawMessage(`["red","blue"]`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for two selections, got %v", err)
	}
	if _, err := ValidateAnswer(spec, json.RawMessage(`"green"`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for unknown choice, got %v", err)
	}

	v, err := ValidateAnswer(spec, json.RawMessage(`"red"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := v.([]string)
	if !ok || len(got) != 1 || got[0] != "red" {
		t.Fatalf("unexpected typed value %#v", v)
	}
}

func TestValidateAnswerFileSelection(t *testing.T) {
	t.Parallel()

	spec := mcp.PromptSpec{
		Type:       mcp.PromptFileSelection,
		Message:    "pick files",
		Extensions: []string{".go", ".md"},
	}

	var verr *ValidationError
	if _, err := ValidateAnswer(spec, json.RawMessage(`"notes.txt"`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for disallowed extension, got %v", err)
	}
	if _, err := ValidateAnswer(spec, json.RawMessage(`["a.go","b.go"]`)); !errors.As(err, &verr) {
		t.Fatalf("expected validation error for multiple without allowMultiple, got %v", err)
	}

	spec.AllowMultiple = true
	v, err := ValidateAnswer(spec, json.RawMessage(`["a.go","README.md"]`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := v.([]string); len(got) != 2 {
		t.Fatalf("unexpected typed value %#v", v)
	}
}
