// Package codegen calls an LLM provider to generate code snippets for
// the editor's inline generation feature.
package codegen

import (
	"context"
	"fmt"
	"strings"
)

// Request describes one inline generation call: the file being edited,
// its current content, the cursor line, and the user's instructions.
type Request struct {
	FileName     string
	Code         string
	Line         int
	Instructions string
}

// Client generates code from a request.
type Client interface {
	GenerateCode(ctx context.Context, req Request) (string, error)
}

// buildPrompt renders the generation prompt. The model sees the whole
// file with the insertion point marked so it can match surrounding
// style.
func buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Edit the code in the file %q.\n", req.FileName)
	fmt.Fprintf(&b, "Apply these instructions at line %d: %s\n\n", req.Line, req.Instructions)
	b.WriteString("File contents:\n")
	b.WriteString(req.Code)
	b.WriteString("\n\nReturn ONLY the code to insert, without explanations and without markdown formatting.")
	return b.String()
}

// stripFences removes a wrapping markdown code fence if the model
// added one despite the instructions.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if idx := strings.Index(out, "\n"); idx >= 0 {
		// Drop the language tag line.
		out = out[idx+1:]
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}

// NewClient constructs the configured provider's client.
func NewClient(provider, apiKey, model string) (Client, error) {
	switch provider {
	case "", "anthropic":
		return NewAnthropicClient(apiKey, model)
	case "openai":
		return NewOpenAIClient(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown codegen provider %q", provider)
	}
}
