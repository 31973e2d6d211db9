package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/jsonx"
	"github.com/mindmesh/mindmesh/pkg/mcp"
)

// Executor decision actions.
const (
	ExecActionCall   = "call"
	ExecActionFinish = "finish"
)

// ToolCall is one tool invocation the executor asks for.
type ToolCall struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// ExecutorDecision is the executor's reply for one stage: either a
// batch of tool calls or a finish with summary and extracted data.
type ExecutorDecision struct {
	Action        string         `json:"action"`
	Calls         []ToolCall     `json:"calls,omitempty"`
	Summary       string         `json:"summary,omitempty"`
	ExtractedData map[string]any `json:"extracted_data,omitempty"`
}

// FeedbackItem reports one executed call back to the executor.
type FeedbackItem struct {
	Step   int    `json:"step"`
	Tool   string `json:"tool"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Executor chooses concrete tool methods and their arguments from the
// plugins the router selected, across multiple feedback stages.
type Executor struct {
	runtime *agent.Agent
}

func NewExecutor(runtime *agent.Agent) *Executor {
	return &Executor{runtime: runtime}
}

func (e *Executor) Runtime() *agent.Agent { return e.runtime }

// ClearHistory resets the execution transcript between turns.
func (e *Executor) ClearHistory() { e.runtime.ClearHistory() }

// Execute starts a task: renders the plugin catalogue and memory into
// the prompt and asks for the first decision.
func (e *Executor) Execute(ctx context.Context, plugins []mcp.Plugin, memoryMD, taskDescription string) (*ExecutorDecision, error) {
	if len(plugins) == 0 {
		return nil, fmt.Errorf("没有推荐的插件")
	}
	e.runtime.UpdateSystemPrompt(map[string]string{
		"{PLUGINS_INFO}": FormatPluginsInfo(plugins),
		"{USER_MEMORY}":  memoryMD,
	})

	input := fmt.Sprintf("本轮任务需求: %s\n", taskDescription)
	completion, err := e.runtime.Chat(ctx, input, jsonOptions(2000))
	if err != nil {
		return nil, fmt.Errorf("工具执行 AI 调用失败: %w", err)
	}
	return parseExecutorDecision(completion.Content)
}

// Continue feeds one stage's tool results back and asks for the next
// decision. The transcript carries the earlier stages, so only the new
// results are sent.
func (e *Executor) Continue(ctx context.Context, plugins []mcp.Plugin, feedback []FeedbackItem, taskDescription string) (*ExecutorDecision, error) {
	e.runtime.UpdateSystemPrompt(map[string]string{
		"{PLUGINS_INFO}": FormatPluginsInfo(plugins),
	})

	input := fmt.Sprintf(
		"前面步骤的执行结果：\n\n%s\n\n"+
			"请根据上述执行结果，分析并决定下一步操作：\n"+
			"- 如果还需要执行更多 MCP 工具调用（如处理结果、存储数据等），输出 action: \"call\" 和新的 calls 列表\n"+
			"- 如果所有调用已完成，任务已完成，输出 action: \"finish\" 和总结\n\n"+
			"当前任务描述: %s\n用户提供的参数: 无",
		marshalIndent(feedback), taskDescription)

	completion, err := e.runtime.Chat(ctx, input, jsonOptions(2000))
	if err != nil {
		return nil, fmt.Errorf("工具执行 AI 继续生成失败: %w", err)
	}
	return parseExecutorDecision(completion.Content)
}

// parseExecutorDecision extracts and validates one decision. A missing
// action field defaults to "call"; a call without a non-empty calls
// array is a protocol error.
func parseExecutorDecision(reply string) (*ExecutorDecision, error) {
	var raw map[string]json.RawMessage
	if err := jsonx.ObjectInto(reply, &raw); err != nil {
		return nil, fmt.Errorf("无法从工具执行 AI 输出中解析 JSON 格式。输出可能被截断，请检查 max_tokens 设置是否足够大。")
	}

	action := ExecActionCall
	if actionRaw, ok := raw["action"]; ok {
		if err := json.Unmarshal(actionRaw, &action); err != nil {
			return nil, fmt.Errorf("action 字段格式错误")
		}
	}

	switch action {
	case ExecActionFinish:
		decision := &ExecutorDecision{Action: ExecActionFinish, ExtractedData: map[string]any{}}
		if summaryRaw, ok := raw["summary"]; ok {
			_ = json.Unmarshal(summaryRaw, &decision.Summary)
		}
		if dataRaw, ok := raw["extracted_data"]; ok {
			_ = json.Unmarshal(dataRaw, &decision.ExtractedData)
		}
		return decision, nil
	case ExecActionCall:
		callsRaw, ok := raw["calls"]
		if !ok {
			return nil, errMissingCalls()
		}
		var calls []ToolCall
		if err := json.Unmarshal(callsRaw, &calls); err != nil || len(calls) == 0 {
			return nil, errMissingCalls()
		}
		return &ExecutorDecision{Action: ExecActionCall, Calls: calls}, nil
	default:
		return nil, fmt.Errorf("未知的 action 类型: %s", action)
	}
}

func errMissingCalls() error {
	return fmt.Errorf("action 为 \"call\" 但缺少 calls 字段或格式错误（即使是单个调用，也必须使用 calls 数组格式）")
}

// FormatPluginsInfo renders the routed plugins with every tool and
// parameter, in the layout the executor prompt template expects.
func FormatPluginsInfo(plugins []mcp.Plugin) string {
	var b strings.Builder
	for pluginIdx, plugin := range plugins {
		fmt.Fprintf(&b, "\n### 插件 %d: %s\n", pluginIdx+1, plugin.Name)
		fmt.Fprintf(&b, "描述: %s\n\n", plugin.Description)
		b.WriteString("**该插件的所有方法**（请严格按照以下方法名称使用，不要使用示例中的方法名称）:\n\n")

		if len(plugin.Tools) == 0 {
			b.WriteString("（无可用方法）\n")
		}
		for i, tool := range plugin.Tools {
			fmt.Fprintf(&b, "%d. **%s**\n", i+1, tool.Name)
			fmt.Fprintf(&b, "   描述: %s\n", tool.Description)
			writeToolParams(&b, tool.InputSchema)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeToolParams(b *strings.Builder, schema map[string]any) {
	properties, _ := schema["properties"].(map[string]any)
	if len(properties) == 0 {
		b.WriteString("   参数: 无参数\n")
		return
	}
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)

	b.WriteString("   参数列表:\n")
	for _, name := range names {
		info, _ := properties[name].(map[string]any)
		paramType, _ := info["type"].(string)
		if paramType == "" {
			paramType = "unknown"
		}
		desc, _ := info["description"].(string)
		requiredText := "【可选】"
		if required[name] {
			requiredText = "【必填】"
		}

		if enumValues, ok := info["enum"].([]any); ok {
			fmt.Fprintf(b, "     - %s (%s) %s: %s\n", name, paramType, requiredText, desc)
			values := make([]string, len(enumValues))
			for i, v := range enumValues {
				values[i] = fmt.Sprint(v)
			}
			fmt.Fprintf(b, "       可选值: %s\n", strings.Join(values, ", "))
			continue
		}
		if paramType == "array" {
			if items, ok := info["items"].(map[string]any); ok {
				itemsType, _ := items["type"].(string)
				if itemsType == "" {
					itemsType = "unknown"
				}
				fmt.Fprintf(b, "     - %s (array<%s>) %s: %s\n", name, itemsType, requiredText, desc)
				continue
			}
		}
		fmt.Fprintf(b, "     - %s (%s) %s: %s\n", name, paramType, requiredText, desc)
	}
}
