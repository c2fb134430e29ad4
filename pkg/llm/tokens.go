package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts for budget enforcement. Providers
// report exact usage after each call; the counter exists so the session can
// also price conversation segments the provider never counted (spliced
// result blocks) against the max_tokens budget.
type TokenCounter struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter backed by the cl100k_base encoding.
// When the encoding cannot be loaded (no cached BPE files and no network),
// the counter falls back to a bytes/4 heuristic.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &TokenCounter{enc: enc}
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		// Rough heuristic: one token per 4 bytes of UTF-8.
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
