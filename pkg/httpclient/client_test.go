package httpclient

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("Expected maxRetries=3, got %d", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("Expected baseDelay=2s, got %v", client.baseDelay)
				}
				if client.client.Timeout != 60*time.Second {
					t.Errorf("Expected timeout=60s, got %v", client.client.Timeout)
				}
			},
		},
		{
			name: "custom_max_retries",
			options: []Option{
				WithMaxRetries(1),
			},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 1 {
					t.Errorf("Expected maxRetries=1, got %d", client.maxRetries)
				}
			},
		},
		{
			name: "custom_http_client",
			options: []Option{
				WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 30*time.Second {
					t.Errorf("Expected timeout=30s, got %v", client.client.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, New(tt.options...))
		})
	}
}

func TestDo_NoRetryOnHTTPError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(WithMaxRetries(3), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("expected no transport error, got %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected exactly 1 attempt for an HTTP error, got %d", got)
	}
}

func TestDo_RetriesTransportFailure(t *testing.T) {
	// Closed server: every attempt fails at the transport layer.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, url, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	var retryErr *RetryableError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected RetryableError, got %T", err)
	}
	if retryErr.Attempts != 3 {
		t.Errorf("expected 3 attempts (1 initial + 2 retries), got %d", retryErr.Attempts)
	}
}

func TestDo_RebuildsBodyPerAttempt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(WithMaxRetries(2), WithBaseDelay(time.Millisecond))

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"k":"v"}`))
	if err != nil {
		t.Fatal(err)
	}
	if req.GetBody == nil {
		t.Fatal("expected GetBody to be populated by http.NewRequest")
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
}
