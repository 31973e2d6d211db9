// Package llms implements the chat-completion client for OpenAI-compatible
// providers (OpenAI, DeepSeek). One call is one completion; transport
// failures are retried below this layer, HTTP errors are returned as
// ProviderError and never retried.
package llms

import "fmt"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat message on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options enumerates the per-call completion parameters.
type Options struct {
	MaxTokens        int
	Temperature      float64
	Stream           bool
	IncludeUsage     bool
	ResponseFormat   string // "text" or "json_object"
	FrequencyPenalty float64
	PresencePenalty  float64
	TopP             float64
	Thinking         string // "enabled" or "disabled"; empty means disabled
}

// DefaultOptions mirrors the provider API defaults.
func DefaultOptions() Options {
	return Options{
		MaxTokens:   4096,
		Temperature: 1.0,
		TopP:        1.0,
	}
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of one chat call.
type Completion struct {
	Content      string
	FinishReason string
	Model        string
	Usage        Usage
}

// StreamFunc receives each streamed fragment together with the content
// accumulated so far. It runs synchronously on the read loop and must
// return quickly.
type StreamFunc func(fragment string, accumulated string)

// ProviderError is a non-2xx response from the provider API.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider API error (HTTP %d): %s", e.StatusCode, e.Message)
}
