// Package tokens provides token counting for model context management.
// Accurate counts come from tiktoken; the conversation-compression
// thresholds use a deliberately cheap character heuristic instead, since
// they only gate when the compressor runs.
package tokens

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter handles accurate token counting per model.
type Counter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

// Message represents a message for token counting.
type Message struct {
	Role    string
	Content string
}

var (
	// Cache encodings to avoid repeated initialization
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewCounter creates a counter for a specific model, falling back to
// cl100k_base for models tiktoken does not know.
func NewCounter(model string) (*Counter, error) {
	cacheMu.RLock()
	cached, exists := encodingCache[model]
	cacheMu.RUnlock()

	if exists {
		return &Counter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &Counter{encoding: encoding, model: model}, nil
}

// Count returns the accurate token count for text.
func (c *Counter) Count(text string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens in a message list, including per-message
// role overhead and the assistant reply priming.
func (c *Counter) CountMessages(messages []Message) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	const tokensPerMessage = 3

	total := 0
	for _, msg := range messages {
		total += tokensPerMessage
		total += len(c.encoding.Encode(msg.Role, nil, nil))
		total += len(c.encoding.Encode(msg.Content, nil, nil))
	}
	total += 3

	return total
}

// Model returns the model name this counter is configured for.
func (c *Counter) Model() string {
	return c.model
}

// Estimate is the heuristic used by the compression thresholds:
// characters / 2, scaled by 1.2 for safety margin.
func Estimate(text string) int {
	return int(float64(len([]rune(text))) / 2.0 * 1.2)
}

// EstimateMessages sums the heuristic estimate over a message list.
func EstimateMessages(messages []Message) int {
	total := 0
	for _, msg := range messages {
		total += Estimate(msg.Content)
	}
	return total
}
