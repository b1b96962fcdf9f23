// Package tokencount estimates token counts before any provider call is
// made, via tiktoken-go. The enqueue path uses it to price a job in advance;
// real usage always comes from the provider response afterwards.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting with a per-model encoding
// cache.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base is the closest approximation for the model families
		// tiktoken does not know.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName maps vendor model ids onto names tiktoken recognises.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if idx := strings.LastIndex(model, "/"); idx >= 0 {
		model = model[idx+1:]
	}
	switch {
	case strings.HasPrefix(model, "gpt-4"):
		return "gpt-4"
	case strings.HasPrefix(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// claude, gemini, llama, grok: cl100k_base via the gpt-4 entry is a
		// reasonable approximation for estimation purposes.
		return "gpt-4"
	}
}

// Count returns the token count of text under the model's encoding, falling
// back to the rough 4-chars-per-token heuristic when no encoding loads.
func (c *Counter) Count(text, model string) int {
	enc, err := c.encodingForModel(model)
	if err != nil {
		slog.Warn("token encoding unavailable, using estimate",
			slog.String("model", model),
			slog.Any("error", err))
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateUsage projects the usage of an agent run from its prompt text.
// Output is assumed symmetric with input: crude, but it only feeds the
// advisory estimated_cost column, never budget enforcement.
func (c *Counter) EstimateUsage(prompt, model string) (tokensIn, tokensOut int64) {
	n := int64(c.Count(prompt, model))
	return n, n
}
