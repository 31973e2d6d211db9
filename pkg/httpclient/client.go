// Package httpclient provides an HTTP client that retries transport-level
// failures (connection reset, timeout, proxy errors) with exponential
// backoff. Non-2xx responses are returned to the caller untouched; whether
// a status code is an error is the caller's policy, not this layer's.
package httpclient

import (
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

type Client struct {
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

func WithMaxRetries(max int) Option {
	return func(c *Client) {
		c.maxRetries = max
	}
}

func WithBaseDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.baseDelay = delay
	}
}

func New(opts ...Option) *Client {
	client := &Client{
		client:     &http.Client{Timeout: 60 * time.Second},
		maxRetries: 3,
		baseDelay:  2 * time.Second,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

// Do issues the request, retrying only when the transport itself fails.
// Requests carrying a body must set req.GetBody so the body can be rebuilt
// per attempt (http.NewRequest does this for common body types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, &RetryableError{
					Message:  "failed to recreate request body for retry",
					Attempts: attempt,
					Err:      err,
				}
			}
			req.Body = body
		}

		resp, err := c.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt >= c.maxRetries {
			break
		}

		delay := c.delay(attempt)
		slog.Warn("HTTP transport failure, retrying",
			slog.String("url", req.URL.String()),
			slog.Int("attempt", attempt+1),
			slog.Int("max", c.maxRetries),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		time.Sleep(delay)
	}

	return nil, &RetryableError{
		Message:  "max transport retries exceeded",
		Attempts: c.maxRetries + 1,
		Err:      lastErr,
	}
}

func (c *Client) delay(attempt int) time.Duration {
	exponential := time.Duration(math.Pow(2, float64(attempt))) * c.baseDelay
	jitter := time.Duration(rand.Float64() * 0.1 * float64(exponential))
	return exponential + jitter
}
