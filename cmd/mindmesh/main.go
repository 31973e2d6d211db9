// Command mindmesh runs the multi-agent orchestration server.
//
// Usage:
//
//	mindmesh serve
//	mindmesh serve --config mindmesh.yaml
//	mindmesh serve --provider openai --listen :8080
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/mindmesh/mindmesh/pkg/config"
	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/logger"
	"github.com/mindmesh/mindmesh/pkg/mcp"
	"github.com/mindmesh/mindmesh/pkg/orchestrator"
	"github.com/mindmesh/mindmesh/pkg/server"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Start the orchestration server."`

	Config    string `short:"c" help:"Path to YAML config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or json)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("mindmesh version %s\n", version)
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Listen            string `help:"Listen address (overrides config)."`
	Provider          string `help:"Model provider: openai or deepseek (overrides config)."`
	PromptsDir        string `name:"prompts-dir" help:"Directory holding the agent prompt templates." type:"path"`
	MCPConfig         string `name:"mcp-config" help:"Path to mcp.json." type:"path"`
	ConversationsRoot string `name:"conversations-root" help:"Conversation session root directory." type:"path"`
	MemoryRoot        string `name:"memory-root" help:"Memory shard root directory." type:"path"`
	Watch             *bool  `default:"true" negatable:"" help:"Watch mcp.json for changes (use --no-watch to disable)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, err := config.LoadServer(cli.Config)
	if err != nil {
		return err
	}
	c.overlay(cfg)

	if err := initLogger(cli, cfg); err != nil {
		return err
	}

	provider, err := config.ProviderFromEnv(cfg.Provider)
	if err != nil {
		return err
	}
	client, err := llms.New(provider)
	if err != nil {
		return err
	}
	slog.Info("Model provider ready", "provider", provider.Name, "model", provider.Model)

	prompts, err := orchestrator.LoadPrompts(cfg.PromptsDir)
	if err != nil {
		return fmt.Errorf("failed to load prompts: %w", err)
	}

	pool := mcp.NewPool(cfg.MCPConfig)
	if err := pool.InitializeAll(ctx); err != nil {
		slog.Warn("MCP initialization failed, continuing without tools", "error", err)
	} else {
		slog.Info("MCP pool ready", "servers", pool.ServerCount(), "tools", len(pool.ToolNames()))
	}
	if c.Watch == nil || *c.Watch {
		if err := pool.Watch(ctx); err != nil {
			slog.Warn("MCP config watch unavailable", "error", err)
		}
	}

	srv := server.New(cfg, client, prompts, pool)
	return srv.Start(ctx)
}

// overlay applies explicit CLI flags on top of the loaded config.
func (c *ServeCmd) overlay(cfg *config.Server) {
	if c.Listen != "" {
		cfg.Listen = c.Listen
	}
	if c.Provider != "" {
		cfg.Provider = c.Provider
	}
	if c.PromptsDir != "" {
		cfg.PromptsDir = c.PromptsDir
	}
	if c.MCPConfig != "" {
		cfg.MCPConfig = c.MCPConfig
	}
	if c.ConversationsRoot != "" {
		cfg.ConversationsRoot = c.ConversationsRoot
	}
	if c.MemoryRoot != "" {
		cfg.MemoryRoot = c.MemoryRoot
	}
}

// initLogger configures slog. Priority: CLI flags > env vars > config.
func initLogger(cli *CLI, cfg *config.Server) error {
	levelStr := cli.LogLevel
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}
	if levelStr == "" {
		levelStr = cfg.LogLevel
	}
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return err
	}

	format := cli.LogFormat
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	if format == "" {
		format = cfg.LogFormat
	}

	logFile := cli.LogFile
	if logFile == "" {
		logFile = os.Getenv("LOG_FILE")
	}

	output := os.Stderr
	if logFile != "" {
		file, _, err := logger.OpenLogFile(logFile)
		if err != nil {
			return err
		}
		output = file
	}

	logger.Init(level, output, format)
	return nil
}

func main() {
	config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mindmesh"),
		kong.Description("mindmesh - multi-agent orchestration server"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
