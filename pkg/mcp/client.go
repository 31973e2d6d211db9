// Package mcp implements the JSON-RPC-2.0-over-HTTP client pool for tool
// servers. Servers are declared in mcp.json; each is initialized with the
// configured context, validated against its declared required context, and
// its tools are indexed into a process-wide routing table.
package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mindmesh/mindmesh/pkg/httpclient"
)

const protocolVersion = "2024-11-05"

// candidateEndpoints are tried in order until one answers.
var candidateEndpoints = []string{"/mcp", "/message", "/"}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

// Tool is one tool declared by a server via tools/list. InputSchema is the
// raw JSON-Schema-shaped object (properties, required, enum, items).
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// RequiredParam is one entry of a server's requiredContext declaration.
type RequiredParam struct {
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// ServerInfo identifies a server from its initialize response.
type ServerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

type initializeResult struct {
	ServerInfo      ServerInfo               `json:"serverInfo"`
	RequiredContext map[string]RequiredParam `json:"requiredContext"`
}

type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

type callResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// ToolResult is the outcome of one tool invocation. Content is the parsed
// JSON of the server's text response when possible, otherwise raw text.
type ToolResult struct {
	Success bool   `json:"success"`
	Content any    `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Client talks JSON-RPC to one tool server.
type Client struct {
	serverName string
	baseURL    string
	config     map[string]any
	http       *httpclient.Client

	endpoint string
	nextID   int
	info     ServerInfo
	required map[string]RequiredParam
	tools    []Tool
}

// NewClient builds a client for one configured server. cfgContext is the
// arbitrary key/value map from mcp.json, sent with initialize.
func NewClient(serverName, baseURL string, cfgContext map[string]any) *Client {
	return &Client{
		serverName: serverName,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		config:     cfgContext,
		// Single attempt per call: tool invocations are not assumed
		// idempotent, so transport failures surface as tool errors
		// instead of being re-sent.
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(0),
		),
	}
}

// ServerName returns the config name of the server.
func (c *Client) ServerName() string { return c.serverName }

// Info returns the serverInfo from initialize.
func (c *Client) Info() ServerInfo { return c.info }

// RequiredContext returns the server's declared required context.
func (c *Client) RequiredContext() map[string]RequiredParam { return c.required }

// Tools returns the tool list discovered via tools/list.
func (c *Client) Tools() []Tool { return c.tools }

// call issues one JSON-RPC request, hunting for a working endpoint on the
// first call and pinning it afterwards.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.nextID++
	reqBody, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      c.nextID,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoints := candidateEndpoints
	if c.endpoint != "" {
		endpoints = []string{c.endpoint}
	}

	var lastErr error
	for _, endpoint := range endpoints {
		resp, err := c.post(ctx, c.baseURL+endpoint, reqBody)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("server %s: JSON-RPC error %d: %s",
				c.serverName, resp.Error.Code, resp.Error.Message)
		}
		c.endpoint = endpoint
		return resp.Result, nil
	}
	return nil, fmt.Errorf("server %s: no endpoint answered %s: %w", c.serverName, method, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*jsonRPCResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(data)))
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}
	return parseRPCBody(data)
}

// parseRPCBody accepts either a plain JSON body or an SSE-framed body
// whose data lines carry the JSON-RPC response.
func parseRPCBody(data []byte) (*jsonRPCResponse, error) {
	var resp jsonRPCResponse
	if err := json.Unmarshal(data, &resp); err == nil && resp.JSONRPC != "" {
		return &resp, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(payload), &resp); err == nil && resp.JSONRPC != "" {
			return &resp, nil
		}
	}
	return nil, fmt.Errorf("unparseable JSON-RPC response body")
}

// Initialize performs the initialize handshake, sending the configured
// context, and records serverInfo and requiredContext.
func (c *Client) Initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mindmesh",
			"version": "1.0",
		},
		"context": c.config,
	}

	result, err := c.call(ctx, "initialize", params)
	if err != nil {
		return err
	}

	var parsed initializeResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return fmt.Errorf("server %s: malformed initialize result: %w", c.serverName, err)
	}
	c.info = parsed.ServerInfo
	c.required = parsed.RequiredContext
	return nil
}

// MissingContext compares the server's requiredContext against the
// configured context and returns the names of required params that are
// absent or empty.
func (c *Client) MissingContext() []string {
	var missing []string
	for name, param := range c.required {
		if !param.Required {
			continue
		}
		value, ok := c.config[name]
		if !ok || value == nil || value == "" || value == false {
			missing = append(missing, name)
		}
	}
	return missing
}

// DiscoverTools fetches and records the server's tool list.
func (c *Client) DiscoverTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("server %s: malformed tools/list result: %w", c.serverName, err)
	}
	c.tools = parsed.Tools
	return parsed.Tools, nil
}

// CallTool invokes tools/call and maps the protocol result onto a
// ToolResult. Text content parses as JSON when possible.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) *ToolResult {
	if arguments == nil {
		arguments = map[string]any{}
	}
	result, err := c.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": arguments,
	})
	if err != nil {
		return &ToolResult{Success: false, Error: err.Error()}
	}

	var parsed callResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return &ToolResult{Success: false, Error: fmt.Sprintf("malformed tools/call result: %v", err)}
	}

	var texts []string
	for _, item := range parsed.Content {
		if item.Type == "text" {
			texts = append(texts, item.Text)
		}
	}
	text := strings.Join(texts, "\n")

	if parsed.IsError {
		return &ToolResult{Success: false, Error: text}
	}

	var content any = text
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		content = decoded
	}
	return &ToolResult{Success: true, Content: content}
}

// Ping checks liveness.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", map[string]any{})
	return err
}
