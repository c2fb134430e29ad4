package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// openAIClient streams chat completions through the OpenAI API (or any
// OpenAI-compatible gateway via BaseURL).
type openAIClient struct {
	client *openai.Client
	model  string

	maxTokens   int
	temperature float32
}

func newOpenAIClient(cfg Config, apiKey string) *openAIClient {
	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &openAIClient{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Generate implements Client.
func (c *openAIClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	messages := make([]openai.ChatCompletionMessage, len(input.Messages))
	for i, msg := range input.Messages {
		var role string
		switch msg.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		messages[i] = openai.ChatCompletionMessage{Role: role, Content: msg.Content}
	}

	req := openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if c.maxTokens > 0 {
		req.MaxTokens = c.maxTokens
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("openai stream create: %w", err)
	}

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				// Context cancellation is the session suspending generation,
				// not a provider failure.
				if ctx.Err() != nil {
					return
				}
				send(ctx, chunks, &ErrorChunk{Message: err.Error(), Retryable: isRetryableOpenAI(err)})
				return
			}

			if resp.Usage != nil {
				if !send(ctx, chunks, &UsageChunk{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			if delta := resp.Choices[0].Delta.Content; delta != "" {
				if !send(ctx, chunks, &TextChunk{Content: delta}) {
					return
				}
			}
		}
	}()

	return chunks, nil
}

// Close implements Client. The OpenAI SDK holds no persistent connection.
func (c *openAIClient) Close() error { return nil }

func isRetryableOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	return false
}

// send delivers a chunk unless the consumer has gone away.
func send(ctx context.Context, ch chan<- Chunk, chunk Chunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
