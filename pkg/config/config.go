// Package config loads environment files, provider credentials, and the
// optional YAML server configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadEnvFiles loads .env.local then .env from the working directory.
// Earlier files win per key; real environment variables always win.
func LoadEnvFiles() {
	for _, file := range []string{".env.local", ".env"} {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			slog.Warn("failed to load env file", slog.String("file", file), slog.String("error", err.Error()))
			continue
		}
		slog.Debug("loaded env file", slog.String("file", file))
	}
}

// Provider holds the connection settings for one chat-completion provider.
type Provider struct {
	Name     string
	APIKey   string
	BaseURL  string
	Model    string
	UseProxy bool
	ProxyURL string
}

// ProviderFromEnv reads <PROVIDER>_API_KEY/_BASE_URL/_MODEL/_USE_PROXY/
// _PROXY_URL. Recognized providers: openai, deepseek.
func ProviderFromEnv(name string) (*Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		p := &Provider{
			Name:     "openai",
			APIKey:   os.Getenv("OPENAI_API_KEY"),
			BaseURL:  envOr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:    envOr("OPENAI_MODEL", "gpt-4o-mini"),
			UseProxy: envBool("OPENAI_USE_PROXY"),
			ProxyURL: os.Getenv("OPENAI_PROXY_URL"),
		}
		if p.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return p, nil
	case "deepseek":
		p := &Provider{
			Name:     "deepseek",
			APIKey:   os.Getenv("DEEPSEEK_API_KEY"),
			BaseURL:  envOr("DEEPSEEK_BASE_URL", "https://api.deepseek.com"),
			Model:    envOr("DEEPSEEK_MODEL", "deepseek-chat"),
			UseProxy: envBool("DEEPSEEK_USE_PROXY"),
			ProxyURL: os.Getenv("DEEPSEEK_PROXY_URL"),
		}
		if p.APIKey == "" {
			return nil, fmt.Errorf("DEEPSEEK_API_KEY is not set")
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// Server is the optional YAML configuration file. Zero values fall back to
// the defaults below.
type Server struct {
	Listen            string `yaml:"listen"`
	Provider          string `yaml:"provider"`
	ConversationsRoot string `yaml:"conversations_root"`
	MemoryRoot        string `yaml:"memory_root"`
	PromptsDir        string `yaml:"prompts_dir"`
	MCPConfig         string `yaml:"mcp_config"`
	LogLevel          string `yaml:"log_level"`
	LogFormat         string `yaml:"log_format"`

	// Context compression thresholds for agent sessions.
	MaxContextTokens int `yaml:"max_context_tokens"`
	MaxContextTurns  int `yaml:"max_context_turns"`
}

// DefaultServer returns the built-in configuration.
func DefaultServer() *Server {
	return &Server{
		Listen:            ":5010",
		Provider:          "deepseek",
		ConversationsRoot: "conversations",
		MemoryRoot:        ".memory",
		PromptsDir:        "prompts",
		MCPConfig:         "mcp.json",
		LogLevel:          "info",
		LogFormat:         "simple",
		MaxContextTokens:  10000,
		MaxContextTurns:   20,
	}
}

// LoadServer reads a YAML config file and overlays it on the defaults.
// An empty path returns the defaults unchanged.
func LoadServer(path string) (*Server, error) {
	cfg := DefaultServer()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
