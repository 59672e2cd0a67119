// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/halcyonlabs/sentinel/internal/llm"
)

const defaultMaxTokens = 4096

// Client implements the Provider interface for the Claude API.
type Client struct {
	client anthropic.Client
	model  anthropic.Model
}

// New creates a new Claude client with the given API key and model name.
// Extra request options (e.g. a base URL override in tests) are passed
// through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Complete sends a one-shot completion request and returns the text reply.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("claude completion: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &llm.Response{
		Text:         text.String(),
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}, nil
}
