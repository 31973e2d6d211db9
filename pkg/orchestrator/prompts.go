package orchestrator

import (
	"path/filepath"

	"github.com/mindmesh/mindmesh/pkg/agent"
)

// Prompts holds the template text for every role.
type Prompts struct {
	Planner       string
	Supervisor    string
	Router        string
	Executor      string
	MemoryManager string
	MemoryRouter  string
	MemoryShards  string
	Compressor    string
}

// LoadPrompts reads every role template from dir and validates the
// placeholders each template must declare.
func LoadPrompts(dir string) (*Prompts, error) {
	load := func(name string) (string, error) {
		return agent.LoadTemplate(filepath.Join(dir, name))
	}

	var p Prompts
	var err error
	if p.Planner, err = load("mcp_main_brain.txt"); err != nil {
		return nil, err
	}
	if err := agent.RequirePlaceholders(p.Planner, "{USER_MEMORY}", "{MCP_TOOLS}"); err != nil {
		return nil, err
	}
	if p.Supervisor, err = load("mcp_supervisor.txt"); err != nil {
		return nil, err
	}
	if err := agent.RequirePlaceholders(p.Supervisor, "{USER_MEMORY}"); err != nil {
		return nil, err
	}
	if p.Router, err = load("mcp_tool_router.txt"); err != nil {
		return nil, err
	}
	if err := agent.RequirePlaceholders(p.Router, "{MCP_PLUGINS}"); err != nil {
		return nil, err
	}
	if p.Executor, err = load("mcp_tool_executor.txt"); err != nil {
		return nil, err
	}
	if err := agent.RequirePlaceholders(p.Executor, "{PLUGINS_INFO}", "{USER_MEMORY}"); err != nil {
		return nil, err
	}
	if p.MemoryManager, err = load("mcp_memory_manager.txt"); err != nil {
		return nil, err
	}
	if p.MemoryRouter, err = load("mcp_memory_router.txt"); err != nil {
		return nil, err
	}
	if err := agent.RequirePlaceholders(p.MemoryRouter, "{TASK_DESCRIPTION}", "{STAGE}", "{MEMORY_DATA}"); err != nil {
		return nil, err
	}
	if p.MemoryShards, err = load("mcp_memory_shards.txt"); err != nil {
		return nil, err
	}
	if p.Compressor, err = load("mcp_context_compressor.txt"); err != nil {
		return nil, err
	}
	return &p, nil
}
