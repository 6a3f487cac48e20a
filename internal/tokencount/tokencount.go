// Package tokencount provides token counting for accounting and estimates.
// Exact counts use tiktoken encodings cached in a process-wide map; unknown
// tokenizers fall back to a ~4 chars/token heuristic which is sufficient
// for estimates.
package tokencount

import (
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// Counter counts tokens for text payloads. Encoders are lazily created and
// cached for the life of the process.
type Counter struct {
	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken
	failed   map[string]bool // encodings that failed to load; don't retry per call
}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		failed:   make(map[string]bool),
	}
}

// Count returns the token count of text under the named tokenizer.
// An empty or unloadable tokenizer name falls back to the heuristic.
func (c *Counter) Count(tokenizer, text string) int {
	if text == "" {
		return 0
	}
	if enc := c.encoder(tokenizer); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// encoder returns the cached encoding for name, loading it on first use.
func (c *Counter) encoder(name string) *tiktoken.Tiktoken {
	if name == "" {
		name = defaultEncoding
	}

	c.mu.RLock()
	enc, ok := c.encoders[name]
	failed := c.failed[name]
	c.mu.RUnlock()
	if ok {
		return enc
	}
	if failed {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encoders[name]; ok {
		return enc
	}
	enc, err := tiktoken.GetEncoding(name)
	if err != nil {
		// Model names are accepted as well as raw encoding names.
		enc, err = tiktoken.EncodingForModel(name)
	}
	if err != nil {
		slog.Warn("tokenizer unavailable, using heuristic", "tokenizer", name, "error", err)
		c.failed[name] = true
		return nil
	}
	c.encoders[name] = enc
	return enc
}

// estimateTokens uses ~4 characters per token heuristic.
// This is a reasonable approximation for English text with GPT-family tokenizers.
func estimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return (len(s) + 3) / 4
}
