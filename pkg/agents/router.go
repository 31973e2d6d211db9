package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/jsonx"
	"github.com/mindmesh/mindmesh/pkg/mcp"
)

// PluginCatalog is the view of the MCP pool the router needs: the
// human-readable plugin summary and name-tolerant plugin lookup.
type PluginCatalog interface {
	SummarizePlugins() string
	FindPlugins(names []string) (matched []mcp.Plugin, unknown []string)
}

// ToolRouter picks the plugins a task should run against.
type ToolRouter struct {
	runtime *agent.Agent
}

func NewToolRouter(runtime *agent.Agent) *ToolRouter {
	return &ToolRouter{runtime: runtime}
}

func (r *ToolRouter) Runtime() *agent.Agent { return r.runtime }

// FindPlugins asks the model to choose plugins for the task and
// validates every returned name against the catalog. A single unknown
// name fails the whole routing step.
func (r *ToolRouter) FindPlugins(ctx context.Context, taskDescription string, catalog PluginCatalog) ([]mcp.Plugin, error) {
	r.runtime.UpdateSystemPrompt(map[string]string{
		"{MCP_PLUGINS}": catalog.SummarizePlugins(),
	})
	r.runtime.ClearHistory()

	input := "用户任务: " + taskDescription + "\n\n请从上述插件列表中选择最合适的插件，返回JSON数组格式。"
	completion, err := r.runtime.Chat(ctx, input, jsonOptions(200))
	if err != nil {
		return nil, err
	}

	var names []string
	if err := jsonx.ArrayInto(completion.Content, &names); err != nil {
		return nil, fmt.Errorf("无法从 AI 响应中解析JSON数组格式的插件名称")
	}

	matched, unknown := catalog.FindPlugins(names)
	if len(unknown) > 0 {
		return nil, fmt.Errorf("AI 响应的以下插件不存在: %s", strings.Join(unknown, ", "))
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("无法从 AI 响应中找到有效的插件名称")
	}
	return matched, nil
}
