package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ServerConfig is one entry of mcp.json's mcpServers map.
type ServerConfig struct {
	URL       string         `json:"url"`
	Transport string         `json:"transport"`
	Context   map[string]any `json:"context"`
}

// Config is the mcp.json file.
type Config struct {
	MCPServers map[string]ServerConfig `json:"mcpServers"`
}

// LoadConfig reads and parses mcp.json. A missing file yields an empty
// config: running without tool servers is legal.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{MCPServers: map[string]ServerConfig{}}, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]ServerConfig{}
	}
	return &cfg, nil
}

// Plugin is the read-only projection of one initialized server.
type Plugin struct {
	Name            string                   `json:"name"`
	Description     string                   `json:"description"`
	Tools           []Tool                   `json:"tools"`
	RequiredContext map[string]RequiredParam `json:"requiredContext,omitempty"`
}

// Pool owns one client per initialized server and the tool routing table.
// It is read-only after InitializeAll except for config-watch swaps.
type Pool struct {
	configPath string

	mu           sync.RWMutex
	clients      map[string]*Client
	toolToServer map[string]string
	failed       map[string][]string

	watcher *fsnotify.Watcher
}

// NewPool creates a pool bound to an mcp.json path.
func NewPool(configPath string) *Pool {
	return &Pool{
		configPath:   configPath,
		clients:      map[string]*Client{},
		toolToServer: map[string]string{},
		failed:       map[string][]string{},
	}
}

// InitializeAll loads the config and initializes every server: handshake,
// required-context validation, tool discovery. Servers whose required
// context is unsatisfied are excluded from routing with a logged warning.
// The new routing state replaces the old atomically.
func (p *Pool) InitializeAll(ctx context.Context) error {
	cfg, err := LoadConfig(p.configPath)
	if err != nil {
		return err
	}

	clients := map[string]*Client{}
	toolToServer := map[string]string{}
	failed := map[string][]string{}

	for name, serverCfg := range cfg.MCPServers {
		client := NewClient(name, serverCfg.URL, serverCfg.Context)

		if err := client.Initialize(ctx); err != nil {
			slog.Warn("MCP server initialization failed",
				slog.String("server", name), slog.String("error", err.Error()))
			failed[name] = []string{fmt.Sprintf("initialize failed: %v", err)}
			continue
		}

		if missing := client.MissingContext(); len(missing) > 0 {
			sort.Strings(missing)
			slog.Warn("MCP server missing required context, excluded from routing",
				slog.String("server", name),
				slog.String("missing", strings.Join(missing, ",")))
			failed[name] = missing
			continue
		}

		tools, err := client.DiscoverTools(ctx)
		if err != nil {
			slog.Warn("MCP tool discovery failed",
				slog.String("server", name), slog.String("error", err.Error()))
			failed[name] = []string{fmt.Sprintf("tools/list failed: %v", err)}
			continue
		}

		clients[name] = client
		for _, tool := range tools {
			toolToServer[tool.Name] = name
		}
		slog.Info("MCP server ready",
			slog.String("server", name), slog.Int("tools", len(tools)))
	}

	p.mu.Lock()
	p.clients = clients
	p.toolToServer = toolToServer
	p.failed = failed
	p.mu.Unlock()
	return nil
}

// Watch re-initializes the pool whenever the config file is rewritten.
func (p *Pool) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	if err := watcher.Add(p.configPath); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", p.configPath, err)
	}
	p.watcher = watcher

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				slog.Info("MCP config changed, re-initializing pool",
					slog.String("path", p.configPath))
				if err := p.InitializeAll(ctx); err != nil {
					slog.Error("MCP pool re-initialization failed",
						slog.String("error", err.Error()))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", slog.String("error", err.Error()))
			}
		}
	}()
	return nil
}

// ServerCount returns the number of initialized servers.
func (p *Pool) ServerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// FailedServers maps excluded servers to their missing params or init
// errors.
func (p *Pool) FailedServers() map[string][]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string][]string, len(p.failed))
	for k, v := range p.failed {
		out[k] = v
	}
	return out
}

func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

// clientForTool resolves a tool name to its server: exact match first,
// then — for dotted names — a hyphen/underscore-insensitive prefix match
// against server names.
func (p *Pool) clientForTool(toolName string) (*Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if serverName, ok := p.toolToServer[toolName]; ok {
		if client, ok := p.clients[serverName]; ok {
			return client, true
		}
	}

	if prefix, _, found := strings.Cut(toolName, "."); found {
		normalized := normalizeName(prefix)
		for serverName, client := range p.clients {
			candidate := normalizeName(serverName)
			if strings.Contains(candidate, normalized) || strings.HasPrefix(candidate, normalized) {
				return client, true
			}
		}
	}
	return nil, false
}

// Invoke routes a tool call to its server. Unknown tools produce a failed
// ToolResult listing what is available.
func (p *Pool) Invoke(ctx context.Context, toolName string, arguments map[string]any) *ToolResult {
	client, ok := p.clientForTool(toolName)
	if !ok {
		return &ToolResult{
			Success: false,
			Error:   fmt.Sprintf("tool not found: %s. available tools: %s", toolName, strings.Join(p.ToolNames(), ", ")),
		}
	}
	return client.CallTool(ctx, toolName, arguments)
}

// ToolNames returns the sorted names in the routing table.
func (p *Pool) ToolNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.toolToServer))
	for name := range p.toolToServer {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Plugins projects every initialized server with its tools, sorted by name.
func (p *Pool) Plugins() []Plugin {
	p.mu.RLock()
	defer p.mu.RUnlock()

	plugins := make([]Plugin, 0, len(p.clients))
	for name, client := range p.clients {
		info := client.Info()
		description := info.Description
		if description == "" {
			description = info.Name
		}
		plugins = append(plugins, Plugin{
			Name:            name,
			Description:     description,
			Tools:           client.Tools(),
			RequiredContext: client.RequiredContext(),
		})
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name < plugins[j].Name })
	return plugins
}

// SummarizePlugins renders the "- name: description" listing injected into
// router and planner prompts.
func (p *Pool) SummarizePlugins() string {
	plugins := p.Plugins()
	if len(plugins) == 0 {
		return "（暂无可用插件）"
	}
	var lines []string
	for _, plugin := range plugins {
		lines = append(lines, fmt.Sprintf("- %s: %s", plugin.Name, plugin.Description))
	}
	return strings.Join(lines, "\n")
}

// FindPlugins matches router-selected names against the pool, tolerating
// case and hyphen/underscore differences. Unknown names are returned
// separately so the caller can abort routing.
func (p *Pool) FindPlugins(names []string) (matched []Plugin, unknown []string) {
	plugins := p.Plugins()
	byName := make(map[string]Plugin, len(plugins))
	for _, plugin := range plugins {
		byName[normalizeName(plugin.Name)] = plugin
	}

	seen := map[string]bool{}
	for _, name := range names {
		plugin, ok := byName[normalizeName(strings.TrimSpace(name))]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		if seen[plugin.Name] {
			continue
		}
		seen[plugin.Name] = true
		matched = append(matched, plugin)
	}
	return matched, unknown
}
