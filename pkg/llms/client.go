package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindmesh/mindmesh/pkg/config"
	"github.com/mindmesh/mindmesh/pkg/httpclient"
)

const (
	readTimeout = 120 * time.Second
	maxRetries  = 3
	baseDelay   = 2 * time.Second
)

// Client talks to one OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg      *config.Provider
	http     *httpclient.Client
	endpoint string
}

// New builds a client for the given provider, wiring the proxy transport
// when the provider requests one.
func New(cfg *config.Provider) (*Client, error) {
	transport := http.DefaultTransport
	if cfg.UseProxy && cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.ProxyURL, err)
		}
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	return &Client{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout:   readTimeout,
				Transport: transport,
			}),
			httpclient.WithMaxRetries(maxRetries),
			httpclient.WithBaseDelay(baseDelay),
		),
		endpoint: completionsEndpoint(cfg.BaseURL),
	}, nil
}

// completionsEndpoint tolerates base URLs with and without a /v1 suffix.
func completionsEndpoint(base string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

type chatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	MaxTokens        int             `json:"max_tokens"`
	Temperature      float64         `json:"temperature"`
	Thinking         *thinkingOption `json:"thinking,omitempty"`
	FrequencyPenalty float64         `json:"frequency_penalty"`
	PresencePenalty  float64         `json:"presence_penalty"`
	TopP             float64         `json:"top_p"`
	Stream           bool            `json:"stream"`
	ResponseFormat   *responseFormat `json:"response_format,omitempty"`
	StreamOptions    *streamOptions  `json:"stream_options,omitempty"`
}

type thinkingOption struct {
	Type string `json:"type"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type streamDelta struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete performs one chat completion. When opts.Stream is set, onDelta
// (if non-nil) is invoked per fragment and the returned Completion carries
// the full accumulated content.
func (c *Client) Complete(ctx context.Context, messages []Message, opts Options, onDelta StreamFunc) (*Completion, error) {
	reqBody := chatRequest{
		Model:            c.cfg.Model,
		Messages:         messages,
		MaxTokens:        opts.MaxTokens,
		Temperature:      opts.Temperature,
		FrequencyPenalty: opts.FrequencyPenalty,
		PresencePenalty:  opts.PresencePenalty,
		TopP:             opts.TopP,
		Stream:           opts.Stream,
	}
	if opts.Thinking != "" {
		reqBody.Thinking = &thinkingOption{Type: opts.Thinking}
	}
	if opts.ResponseFormat == "json_object" {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if opts.Stream && opts.IncludeUsage {
		reqBody.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	if opts.Stream {
		return c.readStream(resp.Body, onDelta)
	}
	return c.readCompletion(resp.Body)
}

func (c *Client) parseError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)

	var apiErr apiError
	if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Error.Message != "" {
		return &ProviderError{StatusCode: resp.StatusCode, Message: apiErr.Error.Message}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func (c *Client) readCompletion(body io.Reader) (*Completion, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("malformed response body: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contains no choices")
	}

	model := parsed.Model
	if model == "" {
		model = c.cfg.Model
	}
	return &Completion{
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Model:        model,
		Usage:        parsed.Usage,
	}, nil
}

// readStream consumes "data: <json>" SSE lines until [DONE], accumulating
// content deltas and invoking onDelta per fragment.
func (c *Client) readStream(body io.Reader, onDelta StreamFunc) (*Completion, error) {
	var (
		accumulated  strings.Builder
		finishReason string
		usage        Usage
		model        = c.cfg.Model
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var delta streamDelta
		if err := json.Unmarshal([]byte(payload), &delta); err != nil {
			slog.Debug("skipping malformed stream line", slog.String("line", payload))
			continue
		}
		if delta.Model != "" {
			model = delta.Model
		}
		if delta.Usage != nil {
			usage = *delta.Usage
		}
		if len(delta.Choices) == 0 {
			continue
		}

		choice := delta.Choices[0]
		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			accumulated.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content, accumulated.String())
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read failed: %w", err)
	}

	return &Completion{
		Content:      accumulated.String(),
		FinishReason: finishReason,
		Model:        model,
		Usage:        usage,
	}, nil
}
