package elicit

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/berrydev/berry-mcp-go/mcp"
)

// ValidateSpec checks a prompt specification for internal consistency before
// it is sent to a client.
func ValidateSpec(spec mcp.PromptSpec) error {
	if spec.Message == "" {
		return fmt.Errorf("prompt message is required")
	}
	switch spec.Type {
	case mcp.PromptConfirmation:
		return nil
	case mcp.PromptInput:
		if spec.Pattern != "" {
			if _, err := regexp.Compile(spec.Pattern); err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
		}
		if spec.MinLength != nil && spec.MaxLength != nil && *spec.MinLength > *spec.MaxLength {
			return fmt.Errorf("minLength greater than maxLength")
		}
		return nil
	case mcp.PromptChoice:
		if len(spec.Choices) == 0 {
			return fmt.Errorf("choice prompt requires at least one choice")
		}
		seen := make(map[string]struct{}, len(spec.Choices))
		for _, c := range spec.Choices {
			if c.Value == "" {
				return fmt.Errorf("choice with empty value")
			}
			if _, dup := seen[c.Value]; dup {
				return fmt.Errorf("duplicate choice value %q", c.Value)
			}
			seen[c.Value] = struct{}{}
		}
		minSel, maxSel := selectionBounds(spec)
		if minSel > maxSel {
			return fmt.Errorf("minSelections greater than maxSelections")
		}
		if maxSel > len(spec.Choices) {
			return fmt.Errorf("maxSelections exceeds choice count")
		}
		return nil
	case mcp.PromptFileSelection:
		return nil
	default:
		return fmt.Errorf("unknown prompt type %q", spec.Type)
	}
}

// selectionBounds normalizes the multiplicity bounds of a choice prompt.
// A prompt declaring no bounds is a single-select requiring exactly one
// selection; a multi-select may declare minSelections 0 (optional).
func selectionBounds(spec mcp.PromptSpec) (minSel, maxSel int) {
	minSel = spec.MinSelections
	maxSel = spec.MaxSelections
	if maxSel == 0 {
		maxSel = 1
		if minSel == 0 {
			minSel = 1
		}
	}
	return minSel, maxSel
}

// ValidateAnswer checks a raw answer value against the prompt's constraints
// and returns the typed value: bool for confirmations, string for inputs,
// []string for choices and file selections. Violations yield a
// *ValidationError so the prompt can stay open for a corrected answer.
func ValidateAnswer(spec mcp.PromptSpec, raw json.RawMessage) (any, error) {
	switch spec.Type {
	case mcp.PromptConfirmation:
		var v bool
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &ValidationError{Detail: "confirmation answer must be a boolean"}
		}
		return v, nil

	case mcp.PromptInput:
		var v string
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, &ValidationError{Detail: "input answer must be a string"}
		}
		if spec.MinLength != nil && len(v) < *spec.MinLength {
			return nil, &ValidationError{Detail: fmt.Sprintf("answer shorter than %d characters", *spec.MinLength)}
		}
		if spec.MaxLength != nil && len(v) > *spec.MaxLength {
			return nil, &ValidationError{Detail: fmt.Sprintf("answer longer than %d characters", *spec.MaxLength)}
		}
		if spec.Pattern != "" {
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return nil, fmt.Errorf("invalid pattern: %w", err)
			}
			if !re.MatchString(v) {
				return nil, &ValidationError{Detail: "answer does not match required pattern"}
			}
		}
		return v, nil

	case mcp.PromptChoice:
		selections, err := stringsFromRaw(raw)
		if err != nil {
			return nil, &ValidationError{Detail: "choice answer must be a string or array of strings"}
		}
		minSel, maxSel := selectionBounds(spec)
		if len(selections) < minSel {
			return nil, &ValidationError{Detail: fmt.Sprintf("select at least %d option(s)", minSel)}
		}
		if len(selections) > maxSel {
			return nil, &ValidationError{Detail: fmt.Sprintf("select at most %d option(s)", maxSel)}
		}
		valid := make(map[string]struct{}, len(spec.Choices))
		for _, c := range spec.Choices {
			valid[c.Value] = struct{}{}
		}
		seen := make(map[string]struct{}, len(selections))
		for _, s := range selections {
			if _, ok := valid[s]; !ok {
				return nil, &ValidationError{Detail: fmt.Sprintf("%q is not a valid choice", s)}
			}
			if _, dup := seen[s]; dup {
				return nil, &ValidationError{Detail: fmt.Sprintf("duplicate selection %q", s)}
			}
			seen[s] = struct{}{}
		}
		return selections, nil

	case mcp.PromptFileSelection:
		paths, err := stringsFromRaw(raw)
		if err != nil {
			return nil, &ValidationError{Detail: "file answer must be a path or array of paths"}
		}
		if len(paths) == 0 {
			return nil, &ValidationError{Detail: "at least one path is required"}
		}
		if !spec.AllowMultiple && len(paths) > 1 {
			return nil, &ValidationError{Detail: "multiple paths not allowed"}
		}
		if len(spec.Extensions) > 0 {
			for _, p := range paths {
				if !hasAllowedExtension(p, spec.Extensions) {
					return nil, &ValidationError{Detail: fmt.Sprintf("%q does not match allowed extensions", p)}
				}
			}
		}
		return paths, nil

	default:
		return nil, fmt.Errorf("unknown prompt type %q", spec.Type)
	}
}

// stringsFromRaw accepts either a bare string or an array of strings.
func stringsFromRaw(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, err
	}
	return many, nil
}

func hasAllowedExtension(path string, exts []string) bool {
	for _, ext := range exts {
		if len(path) >= len(ext) && path[len(path)-len(ext):] == ext {
			return true
		}
	}
	return false
}
