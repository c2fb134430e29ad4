package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// defaultAnthropicMaxTokens applies when the config leaves max_tokens unset;
// the Anthropic API requires an explicit value.
const defaultAnthropicMaxTokens = 8192

// anthropicClient streams messages through the Anthropic API.
type anthropicClient struct {
	client anthropic.Client
	model  string

	maxTokens   int
	temperature float32
}

func newAnthropicClient(cfg Config, apiKey string) *anthropicClient {
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &anthropicClient{
		client:      anthropic.NewClient(options...),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}
}

// Generate implements Client. The system message is split out of the
// conversation; the Anthropic API takes it as a separate field.
func (c *anthropicClient) Generate(ctx context.Context, input *GenerateInput) (<-chan Chunk, error) {
	var system string
	messages := make([]anthropic.MessageParam, 0, len(input.Messages))
	for _, msg := range input.Messages {
		switch msg.Role {
		case RoleSystem:
			system = msg.Content
		case RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("anthropic: conversation has no user/assistant messages")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(c.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(float64(c.temperature))
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan Chunk, 64)
	go func() {
		defer close(chunks)
		defer stream.Close()

		var inputTokens, outputTokens int
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				if delta.Type == "text_delta" && delta.Text != "" {
					if !send(ctx, chunks, &TextChunk{Content: delta.Text}) {
						return
					}
				}
			case "message_delta":
				if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
					outputTokens = int(n)
				}
			case "message_stop":
				send(ctx, chunks, &UsageChunk{
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
					TotalTokens:  inputTokens + outputTokens,
				})
				return
			}
		}

		if err := stream.Err(); err != nil && ctx.Err() == nil {
			send(ctx, chunks, &ErrorChunk{Message: err.Error()})
		}
	}()

	return chunks, nil
}

// Close implements Client.
func (c *anthropicClient) Close() error { return nil }
