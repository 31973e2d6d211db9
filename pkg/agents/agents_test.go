package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/config"
	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/mcp"
	"github.com/mindmesh/mindmesh/pkg/memory"
)

// scriptedProvider replays canned replies in order and records every
// request body.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	requests []capturedRequest
	fail     bool
}

type capturedRequest struct {
	Messages []llms.Message `json:"messages"`
}

func (s *scriptedProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req capturedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.requests = append(s.requests, req)
		n := len(s.requests)
		s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"message":"boom"}}`)
			return
		}
		reply := "{}"
		if n <= len(s.replies) {
			reply = s.replies[n-1]
		}
		body, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]string{"role": "assistant", "content": reply},
				"finish_reason": "stop",
			}},
			"model": "deepseek-chat",
			"usage": map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}
}

func (s *scriptedProvider) request(t *testing.T, i int) capturedRequest {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.Greater(t, len(s.requests), i)
	return s.requests[i]
}

func (s *scriptedProvider) requestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func newRuntime(t *testing.T, provider *scriptedProvider, name, template string) *agent.Agent {
	t.Helper()
	server := httptest.NewServer(provider.handler())
	t.Cleanup(server.Close)
	client, err := llms.New(&config.Provider{
		Name:    "deepseek",
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "deepseek-chat",
	})
	require.NoError(t, err)
	return agent.New(name, template, client)
}

func newMemoryStore(t *testing.T, categories map[string][]memory.Shard) *memory.Store {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "conv-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for category, shards := range categories {
		data, err := json.Marshal(shards)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, category+".json"), data, 0o644))
	}
	return memory.NewStore(root, "conv-1")
}

func TestPlannerParsesActionSpec(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		"好的，计划如下：\n```json\n{\"actions\":[{\"type\":\"task\",\"payload\":\"查询北京天气\"},{\"type\":\"reply\",\"payload\":\"稍等\"}]}\n```",
	}}
	planner := NewPlanner(newRuntime(t, provider, NamePlanner, "记忆：{USER_MEMORY}\n工具：{MCP_TOOLS}"))

	planner.UpdateMemory("（无记忆）", "- weather: 天气查询")
	spec, raw, err := planner.Chat(context.Background(), "北京天气怎么样")
	require.NoError(t, err)
	assert.Contains(t, raw, "计划如下")

	require.Len(t, spec.Actions, 2)
	assert.True(t, spec.HasTask())
	require.Len(t, spec.Tasks(), 1)
	assert.Equal(t, "查询北京天气", spec.Tasks()[0].Payload)
	require.Len(t, spec.Replies(), 1)

	sent := provider.request(t, 0)
	assert.Contains(t, sent.Messages[0].Content, "- weather: 天气查询")
	assert.Contains(t, sent.Messages[1].Content, "北京天气怎么样")
}

func TestPlannerRejectsReplyWithoutActions(t *testing.T) {
	provider := &scriptedProvider{replies: []string{`{"plan":"no actions here"}`}}
	planner := NewPlanner(newRuntime(t, provider, NamePlanner, "提示词"))

	_, raw, err := planner.Chat(context.Background(), "你好")
	require.Error(t, err)
	assert.Contains(t, raw, "no actions here")
}

func TestParseActionSpecKeepsUnknownTypes(t *testing.T) {
	spec, err := ParseActionSpec(`{"actions":[{"type":"update_memory","payload":"x"},{"type":"reply","payload":"y"}]}`)
	require.NoError(t, err)
	assert.Len(t, spec.Actions, 2)
	assert.False(t, spec.HasTask())
	assert.Len(t, spec.Replies(), 1)
}

func TestSupervisorApproveAndReject(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"decision":"APPROVE","reason":"安全"}`,
		`{"decision":"REJECT","reason":"参数缺失","suggestions":["补充城市"]}`,
	}}
	supervisor := NewSupervisor(newRuntime(t, provider, NameSupervisor, "监督提示词 {USER_MEMORY}"))
	supervisor.UpdateMemory("（无记忆）")

	plan := map[string]any{"actions": []any{map[string]any{"type": "task", "payload": "查询天气"}}}
	approved := supervisor.Supervise(context.Background(), "查天气", plan)
	assert.True(t, approved.Approved())
	assert.Equal(t, "安全", approved.Reason)

	rejected := supervisor.Supervise(context.Background(), "查天气", plan)
	assert.False(t, rejected.Approved())
	assert.Contains(t, rejected.FeedbackJSON(), "补充城市")

	// The plan is embedded as an indented JSON object in the audit request.
	sent := provider.request(t, 0)
	content := sent.Messages[len(sent.Messages)-1].Content
	assert.Contains(t, content, "用户原始请求")
	assert.Contains(t, content, `"payload": "查询天气"`)
}

func TestSupervisorDefaultsToApprove(t *testing.T) {
	// Provider failure.
	failing := &scriptedProvider{fail: true}
	supervisor := NewSupervisor(newRuntime(t, failing, NameSupervisor, "监督提示词"))
	decision := supervisor.Supervise(context.Background(), "查天气", "{}")
	assert.True(t, decision.Approved())
	assert.Equal(t, "监督 AI 调用失败，默认放行", decision.Reason)

	// Unparseable ruling.
	garbled := &scriptedProvider{replies: []string{"我觉得没问题"}}
	supervisor = NewSupervisor(newRuntime(t, garbled, NameSupervisor, "监督提示词"))
	decision = supervisor.Supervise(context.Background(), "查天气", "{}")
	assert.True(t, decision.Approved())
	assert.Equal(t, "无法解析监督决策，默认放行", decision.Reason)

	// Unknown verdicts count as approval.
	unknown := &Decision{Verdict: "MAYBE", Raw: map[string]any{}}
	assert.True(t, unknown.Approved())
}

// fakeCatalog is a PluginCatalog over a fixed plugin list with the
// pool's name-matching semantics approximated for tests.
type fakeCatalog struct {
	plugins []mcp.Plugin
}

func (c *fakeCatalog) SummarizePlugins() string {
	if len(c.plugins) == 0 {
		return "（暂无可用插件）"
	}
	out := ""
	for _, p := range c.plugins {
		out += fmt.Sprintf("- %s: %s\n", p.Name, p.Description)
	}
	return out
}

func (c *fakeCatalog) FindPlugins(names []string) ([]mcp.Plugin, []string) {
	var matched []mcp.Plugin
	var unknown []string
	for _, name := range names {
		found := false
		for _, p := range c.plugins {
			if p.Name == name {
				matched = append(matched, p)
				found = true
				break
			}
		}
		if !found {
			unknown = append(unknown, name)
		}
	}
	return matched, unknown
}

func TestToolRouterFindPlugins(t *testing.T) {
	catalog := &fakeCatalog{plugins: []mcp.Plugin{
		{Name: "weather", Description: "天气查询"},
		{Name: "notes", Description: "笔记"},
	}}
	provider := &scriptedProvider{replies: []string{`["weather"]`}}
	router := NewToolRouter(newRuntime(t, provider, NameRouter, "插件：{MCP_PLUGINS}"))

	plugins, err := router.FindPlugins(context.Background(), "查询北京天气", catalog)
	require.NoError(t, err)
	require.Len(t, plugins, 1)
	assert.Equal(t, "weather", plugins[0].Name)

	sent := provider.request(t, 0)
	assert.Contains(t, sent.Messages[0].Content, "- weather: 天气查询")
	assert.Contains(t, sent.Messages[1].Content, "用户任务: 查询北京天气")
}

func TestToolRouterUnknownPlugin(t *testing.T) {
	catalog := &fakeCatalog{plugins: []mcp.Plugin{{Name: "weather"}}}
	provider := &scriptedProvider{replies: []string{`["weather", "imaginary"]`}}
	router := NewToolRouter(newRuntime(t, provider, NameRouter, "插件：{MCP_PLUGINS}"))

	_, err := router.FindPlugins(context.Background(), "任务", catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "imaginary")
}

func TestToolRouterUnparseableReply(t *testing.T) {
	catalog := &fakeCatalog{}
	provider := &scriptedProvider{replies: []string{"我推荐天气插件"}}
	router := NewToolRouter(newRuntime(t, provider, NameRouter, "插件：{MCP_PLUGINS}"))

	_, err := router.FindPlugins(context.Background(), "任务", catalog)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "无法从 AI 响应中解析")
}

func TestParseExecutorDecision(t *testing.T) {
	t.Run("call", func(t *testing.T) {
		decision, err := parseExecutorDecision(`{"action":"call","calls":[{"tool":"get_weather","input":{"city":"北京"}}]}`)
		require.NoError(t, err)
		assert.Equal(t, ExecActionCall, decision.Action)
		require.Len(t, decision.Calls, 1)
		assert.Equal(t, "get_weather", decision.Calls[0].Tool)
		assert.Equal(t, "北京", decision.Calls[0].Input["city"])
	})

	t.Run("finish", func(t *testing.T) {
		decision, err := parseExecutorDecision("```json\n{\"action\":\"finish\",\"summary\":\"完成\",\"extracted_data\":{\"temp\":22}}\n```")
		require.NoError(t, err)
		assert.Equal(t, ExecActionFinish, decision.Action)
		assert.Equal(t, "完成", decision.Summary)
		assert.EqualValues(t, 22, decision.ExtractedData["temp"])
	})

	t.Run("missing action defaults to call", func(t *testing.T) {
		decision, err := parseExecutorDecision(`{"calls":[{"tool":"t","input":{}}]}`)
		require.NoError(t, err)
		assert.Equal(t, ExecActionCall, decision.Action)
	})

	t.Run("call without calls is a protocol error", func(t *testing.T) {
		_, err := parseExecutorDecision(`{"action":"call"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "calls")
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := parseExecutorDecision(`{"action":"retry"}`)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry")
	})

	t.Run("truncated output is completed", func(t *testing.T) {
		decision, err := parseExecutorDecision(`{"action":"finish","summary":"完成","extracted_data":{}`)
		require.NoError(t, err)
		assert.Equal(t, ExecActionFinish, decision.Action)
	})
}

func TestExecutorExecuteAndContinue(t *testing.T) {
	plugins := []mcp.Plugin{{
		Name:        "weather",
		Description: "天气查询",
		Tools: []mcp.Tool{{
			Name:        "get_weather",
			Description: "查询天气",
			InputSchema: map[string]any{
				"properties": map[string]any{
					"city": map[string]any{"type": "string", "description": "城市名"},
				},
				"required": []any{"city"},
			},
		}},
	}}
	provider := &scriptedProvider{replies: []string{
		`{"action":"call","calls":[{"tool":"get_weather","input":{"city":"北京"}}]}`,
		`{"action":"finish","summary":"北京 22 度","extracted_data":{"temp":22}}`,
	}}
	executor := NewExecutor(newRuntime(t, provider, NameExecutor, "插件：{PLUGINS_INFO}\n记忆：{USER_MEMORY}"))

	decision, err := executor.Execute(context.Background(), plugins, "（无记忆）", "查询北京天气")
	require.NoError(t, err)
	assert.Equal(t, ExecActionCall, decision.Action)

	first := provider.request(t, 0)
	assert.Contains(t, first.Messages[0].Content, "### 插件 1: weather")
	assert.Contains(t, first.Messages[0].Content, "city (string) 【必填】: 城市名")
	assert.Contains(t, first.Messages[1].Content, "本轮任务需求: 查询北京天气")

	feedback := []FeedbackItem{{Step: 1, Tool: "get_weather", Result: map[string]any{"temp": 22}}}
	decision, err = executor.Continue(context.Background(), plugins, feedback, "查询北京天气")
	require.NoError(t, err)
	assert.Equal(t, ExecActionFinish, decision.Action)
	assert.Equal(t, "北京 22 度", decision.Summary)

	second := provider.request(t, 1)
	last := second.Messages[len(second.Messages)-1].Content
	assert.Contains(t, last, "前面步骤的执行结果")
	assert.Contains(t, last, "get_weather")
	assert.Contains(t, last, "当前任务描述: 查询北京天气")
}

func TestExecutorRequiresPlugins(t *testing.T) {
	executor := NewExecutor(newRuntime(t, &scriptedProvider{}, NameExecutor, "插件：{PLUGINS_INFO}"))
	_, err := executor.Execute(context.Background(), nil, "", "任务")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "没有推荐的插件")
}

func TestFormatPluginsInfo(t *testing.T) {
	plugins := []mcp.Plugin{
		{
			Name:        "files",
			Description: "文件操作",
			Tools: []mcp.Tool{{
				Name:        "list_dir",
				Description: "列出目录",
				InputSchema: map[string]any{
					"properties": map[string]any{
						"mode": map[string]any{"type": "string", "description": "排序方式", "enum": []any{"name", "mtime"}},
						"tags": map[string]any{"type": "array", "description": "过滤标签", "items": map[string]any{"type": "string"}},
					},
				},
			}},
		},
		{Name: "empty", Description: "空插件"},
	}

	text := FormatPluginsInfo(plugins)
	assert.Contains(t, text, "### 插件 1: files")
	assert.Contains(t, text, "1. **list_dir**")
	assert.Contains(t, text, "mode (string) 【可选】: 排序方式")
	assert.Contains(t, text, "可选值: name, mtime")
	assert.Contains(t, text, "tags (array<string>) 【可选】: 过滤标签")
	assert.Contains(t, text, "### 插件 2: empty")
	assert.Contains(t, text, "（无可用方法）")
}

func TestFormatPluginsInfoNoParams(t *testing.T) {
	text := FormatPluginsInfo([]mcp.Plugin{{
		Name:  "ping",
		Tools: []mcp.Tool{{Name: "ping", Description: "健康检查"}},
	}})
	assert.Contains(t, text, "参数: 无参数")
}

func TestMemoryManagerSelectOutlines(t *testing.T) {
	store := newMemoryStore(t, map[string][]memory.Shard{
		"user_preferences": {{"key": "mem_001", "payload": "喜欢猫"}},
		"desktop_sop":      {{"key": "mem_001", "payload": "整理桌面"}},
	})
	provider := &scriptedProvider{replies: []string{`["user_preferences", "bogus_category"]`}}
	manager := NewMemoryManager(newRuntime(t, provider, NameMemoryManager, "大纲选择提示词"), store)

	selected := manager.SelectOutlines(context.Background(), "我喜欢什么动物", "主脑AI及监督AI")
	assert.Equal(t, []string{"user_preferences"}, selected)

	sent := provider.request(t, 0)
	userMsg := sent.Messages[len(sent.Messages)-1].Content
	assert.Contains(t, userMsg, "当前层级：\n主脑AI及监督AI")
	assert.Contains(t, userMsg, "user_preferences")
	// Shard payloads are never shown to the outline selector.
	assert.NotContains(t, userMsg, "喜欢猫")
}

func TestMemoryManagerEmptyStoreSkipsModel(t *testing.T) {
	store := newMemoryStore(t, nil)
	provider := &scriptedProvider{}
	manager := NewMemoryManager(newRuntime(t, provider, NameMemoryManager, "大纲选择提示词"), store)

	assert.Nil(t, manager.SelectOutlines(context.Background(), "任务", "主脑AI"))
	assert.Equal(t, 0, provider.requestCount())
}

func TestMemoryRouterSelectPayloads(t *testing.T) {
	store := newMemoryStore(t, map[string][]memory.Shard{
		"user_preferences": {
			{"key": "mem_001", "payload": "喜欢猫"},
			{"key": "mem_002", "payload": "讨厌香菜"},
		},
	})
	provider := &scriptedProvider{replies: []string{`["user_preferences.mem_002", "user_preferences.gone", "bad_path"]`}}
	router := NewMemoryRouter(newRuntime(t, provider, NameMemoryRouter,
		"任务：{TASK_DESCRIPTION}\n阶段：{STAGE}\n记忆：{MEMORY_DATA}"), store)

	resolved := router.SelectPayloads(context.Background(), []string{"user_preferences", "missing_category"}, "做饭", "执行AI")
	require.Len(t, resolved, 1)
	assert.Equal(t, "user_preferences.mem_002", resolved[0].Path)
	assert.Equal(t, "讨厌香菜", resolved[0].Payload)

	sent := provider.request(t, 0)
	assert.Contains(t, sent.Messages[0].Content, "阶段：执行AI")
	assert.Contains(t, sent.Messages[0].Content, "mem_001")
}

func TestMemoryRouterNoMemoriesSkipsModel(t *testing.T) {
	store := newMemoryStore(t, nil)
	provider := &scriptedProvider{}
	router := NewMemoryRouter(newRuntime(t, provider, NameMemoryRouter, "提示词"), store)

	assert.Nil(t, router.SelectPayloads(context.Background(), []string{"anything"}, "任务", "主脑AI"))
	assert.Equal(t, 0, provider.requestCount())
}

func TestMemoryShardsDetectChanges(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`[
			{"action":"add","key":"mem_003","category":"user_preferences","payload":"喜欢狗","importance":3,"source":"对话"},
			{"action":"add","key":"mem_004"},
			{"action":"del","key":"mem_001","category":"user_preferences"}
		]`,
	}}
	shards := NewMemoryShards(newRuntime(t, provider, NameMemoryShards, "碎片检测提示词"))

	ops := shards.DetectChanges(context.Background(), "（无现有记忆）", `[{"role":"user","content":"我喜欢狗"}]`)
	// The add missing required fields is dropped, the rest survive.
	require.Len(t, ops, 2)
	assert.Equal(t, "add", ops[0].Action())
	assert.Equal(t, "mem_003", ops[0].Key())
	assert.Equal(t, "del", ops[1].Action())
}

func TestMemoryShardsNoChanges(t *testing.T) {
	provider := &scriptedProvider{replies: []string{"本轮对话没有需要记录的记忆变更。"}}
	shards := NewMemoryShards(newRuntime(t, provider, NameMemoryShards, "碎片检测提示词"))
	assert.Empty(t, shards.DetectChanges(context.Background(), "", "[]"))
}
