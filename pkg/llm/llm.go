// Package llm abstracts the streaming chat providers the orchestrator drives.
// A Client turns an ordered conversation into an async sequence of chunks;
// the session loop stops reading (and cancels the context) the moment it has
// seen a complete tool block, so no tokens are generated past the suspension
// point.
package llm

import (
	"context"
	"fmt"
	"os"
)

// Role tags one conversation segment.
type Role string

// Conversation roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged segment of the conversation the LLM sees.
type Message struct {
	Role    Role
	Content string
}

// Chunk is one element of a streaming response.
type Chunk interface{ isChunk() }

// TextChunk carries a text delta.
type TextChunk struct {
	Content string
}

// UsageChunk carries token accounting, emitted at most once per stream.
type UsageChunk struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ErrorChunk carries a provider-side error. The stream ends after it.
type ErrorChunk struct {
	Message   string
	Retryable bool
}

func (*TextChunk) isChunk()  {}
func (*UsageChunk) isChunk() {}
func (*ErrorChunk) isChunk() {}

// GenerateInput is one streaming chat request.
type GenerateInput struct {
	TaskID   string
	Messages []Message
}

// Client is a streaming chat endpoint. Generate returns immediately with a
// channel that is closed when the stream ends; cancelling ctx stops the
// underlying stream without waiting for it to drain.
type Client interface {
	Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error)
	Close() error
}

// Config selects and parameterizes a provider.
type Config struct {
	// Provider is "openai" or "anthropic".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider endpoint (openai-compatible gateways).
	BaseURL string `yaml:"base_url"`

	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
}

// NewClient constructs the configured provider client.
func NewClient(cfg Config) (Client, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("LLM API key env %q is empty", cfg.APIKeyEnv)
	}

	switch cfg.Provider {
	case "openai":
		return newOpenAIClient(cfg, apiKey), nil
	case "anthropic":
		return newAnthropicClient(cfg, apiKey), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
