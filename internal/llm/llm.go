// Package llm defines the interface to the language-model capability that
// backs analysis agents and analyst phases. Model internals are out of scope:
// callers submit a prompt and receive text plus token usage.
package llm

import "context"

// Request is a single one-shot completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the model's reply.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
