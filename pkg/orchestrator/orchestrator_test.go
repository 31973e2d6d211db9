package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmesh/mindmesh/pkg/config"
	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/mcp"
	"github.com/mindmesh/mindmesh/pkg/memory"
	"github.com/mindmesh/mindmesh/pkg/session"
)

// scriptedProvider replays canned completions in call order.
type scriptedProvider struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (s *scriptedProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		n := s.calls
		s.calls++
		s.mu.Unlock()
		reply := "{}"
		if n < len(s.replies) {
			reply = s.replies[n]
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

func (s *scriptedProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakePool satisfies ToolPool with a fixed plugin list and scripted
// tool results.
type fakePool struct {
	mu          sync.Mutex
	plugins     []mcp.Plugin
	results     map[string]*mcp.ToolResult
	invocations []string
}

func (p *fakePool) SummarizePlugins() string {
	if len(p.plugins) == 0 {
		return "（暂无可用插件）"
	}
	var b strings.Builder
	for _, plugin := range p.plugins {
		fmt.Fprintf(&b, "- %s: %s\n", plugin.Name, plugin.Description)
	}
	return b.String()
}

func (p *fakePool) FindPlugins(names []string) ([]mcp.Plugin, []string) {
	var matched []mcp.Plugin
	var unknown []string
	for _, name := range names {
		found := false
		for _, plugin := range p.plugins {
			if plugin.Name == name {
				matched = append(matched, plugin)
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

func (p *fakePool) Invoke(_ context.Context, toolName string, _ map[string]any) *mcp.ToolResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.invocations = append(p.invocations, toolName)
	if result, ok := p.results[toolName]; ok {
		return result
	}
	return &mcp.ToolResult{Success: true, Content: map[string]any{"ok": true}}
}

func (p *fakePool) invocationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.invocations)
}

func testPrompts() *Prompts {
	return &Prompts{
		Planner:       "主脑提示词\n{USER_MEMORY}\n{MCP_TOOLS}",
		Supervisor:    "监督提示词\n{USER_MEMORY}",
		Router:        "路由提示词\n{MCP_PLUGINS}",
		Executor:      "执行提示词\n{PLUGINS_INFO}\n{USER_MEMORY}",
		MemoryManager: "大纲提示词",
		MemoryRouter:  "记忆路由提示词\n{TASK_DESCRIPTION}\n{STAGE}\n{MEMORY_DATA}",
		MemoryShards:  "碎片提示词",
		Compressor:    "压缩提示词",
	}
}

type testEnv struct {
	orch     *Orchestrator
	pool     *fakePool
	provider *scriptedProvider
	sessions *session.Store
	memories *memory.Store
	events   []Event
	mu       sync.Mutex
}

func newTestEnv(t *testing.T, provider *scriptedProvider, pool *fakePool) *testEnv {
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

	sessions := session.NewStore(t.TempDir())
	memories := memory.NewStore(t.TempDir(), "conv-1")
	env := &testEnv{
		pool:     pool,
		provider: provider,
		sessions: sessions,
		memories: memories,
	}
	env.orch = New(Config{
		CID:      "conv-1",
		Provider: client,
		Prompts:  testPrompts(),
		Sessions: sessions,
		Memories: memories,
		Pool:     pool,
	})
	return env
}

func (e *testEnv) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *testEnv) thinkingContents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		if ev.Type == EventChatCallback && ev.CallbackType == CallbackThinking {
			out = append(out, ev.Content)
		}
	}
	return out
}

func (e *testEnv) callbacks(kind string) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Type == EventChatCallback && ev.CallbackType == kind {
			out = append(out, ev)
		}
	}
	return out
}

func TestTurnPlainReply(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"reply","payload":"hello"}]}`, // planner
		`[]`, // memory shards: no changes
	}}
	env := newTestEnv(t, provider, &fakePool{})

	result, err := env.orch.Turn(context.Background(), "hi", env.emit)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hello", result.Response)

	assert.Equal(t, []string{"读取到0条用户记忆索引", "正在思考.."}, env.thinkingContents())
	replies := env.callbacks(CallbackReply)
	require.Len(t, replies, 1)
	assert.Equal(t, "hello", replies[0].Content)

	// No supervision, no routing, no executor: planner + shards only.
	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, 0, env.pool.invocationCount())
}

func TestTurnRejectedThenApprovedPlan(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"task","payload":"delete everything"}]}`, // planner
		`{"decision":"REJECT","reason":"destructive"}`,                // supervisor
		`{"actions":[{"type":"reply","payload":"I won't do that"}]}`,  // planner revision
		`[]`, // memory shards
	}}
	env := newTestEnv(t, provider, &fakePool{})

	result, err := env.orch.Turn(context.Background(), "wipe my disk", env.emit)
	require.NoError(t, err)
	assert.Equal(t, "I won't do that", result.Response)

	// The revised plan has no task, so supervision stopped after one
	// audit and neither router nor executor ran.
	assert.Equal(t, 4, provider.callCount())
	assert.Equal(t, 0, env.pool.invocationCount())

	thinkings := env.thinkingContents()
	assert.Contains(t, thinkings, "正在监督MCP是否合理...")
	assert.Contains(t, thinkings, "正在调整决策信息")
	assert.NotContains(t, thinkings, "正在搜索MCP工具")
}

func TestTurnProceedsAfterThreeRejections(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"task","payload":"schedule a job"}]}`,  // planner
		`{"decision":"REJECT","reason":"too vague"}`,                // supervisor audit 1
		`{"actions":[{"type":"task","payload":"schedule job A"}]}`,  // planner revision 1
		`{"decision":"REJECT","reason":"still vague"}`,              // supervisor audit 2
		`{"actions":[{"type":"task","payload":"schedule job A1"}]}`, // planner revision 2
		`{"decision":"REJECT","reason":"no"}`,                       // supervisor audit 3: limit
		`["cron-tool"]`,                                             // router
		`{"action":"finish","summary":"nothing to do"}`,             // executor
		`{"actions":[{"type":"reply","payload":"已安排"}]}`,            // planner re-entry
		`[]`,                                                        // memory shards
	}}
	pool := &fakePool{plugins: []mcp.Plugin{{Name: "cron-tool", Description: "定时"}}}
	env := newTestEnv(t, provider, pool)

	result, err := env.orch.Turn(context.Background(), "schedule something", env.emit)
	require.NoError(t, err)
	assert.Equal(t, "已安排", result.Response)

	// The supervisor audited exactly three times, the planner was
	// re-asked exactly twice, and the last plan went on to routing.
	audits, adjusts := 0, 0
	for _, content := range env.thinkingContents() {
		switch content {
		case "正在监督MCP是否合理...":
			audits++
		case "正在调整决策信息":
			adjusts++
		}
	}
	assert.Equal(t, 3, audits)
	assert.Equal(t, 2, adjusts)
	assert.Contains(t, env.thinkingContents(), "正在搜索MCP工具")

	assert.Equal(t, 10, provider.callCount())
	assert.Equal(t, 0, pool.invocationCount())
	assert.Empty(t, env.callbacks(CallbackError))
}

func TestTurnSingleToolCall(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"task","payload":"fetch weather for Tokyo"}]}`,                 // planner
		`{"decision":"APPROVE","reason":"ok"}`,                                              // supervisor
		`["weather-tool"]`,                                                                  // router
		`{"action":"call","calls":[{"tool":"weather.get","input":{"city":"Tokyo"}}]}`,       // executor
		`{"action":"finish","summary":"22°C in Tokyo","extracted_data":{"temp":22}}`,        // executor continue
		`{"actions":[{"type":"reply","payload":"It's 22°C in Tokyo."}]}`,                    // planner re-entry
		`[]`,                                                                                // memory shards
	}}
	pool := &fakePool{
		plugins: []mcp.Plugin{{Name: "weather-tool", Description: "天气"}},
		results: map[string]*mcp.ToolResult{
			"weather.get": {Success: true, Content: map[string]any{"temp": 22}},
		},
	}
	env := newTestEnv(t, provider, pool)

	result, err := env.orch.Turn(context.Background(), "What's the weather in Tokyo?", env.emit)
	require.NoError(t, err)
	assert.Equal(t, "It's 22°C in Tokyo.", result.Response)

	require.Equal(t, []string{"weather.get"}, pool.invocations)
	assert.Equal(t, 7, provider.callCount())

	thinkings := env.thinkingContents()
	assert.Contains(t, thinkings, "正在搜索MCP工具")
	assert.Contains(t, thinkings, "正在执行MCP工具..")
	assert.Contains(t, thinkings, "fetch weather for Tokyo")
	assert.Empty(t, env.callbacks(CallbackError))
}

func TestTurnBoundedExecutor(t *testing.T) {
	replies := []string{
		`{"actions":[{"type":"task","payload":"loop forever"}]}`,
		`{"decision":"APPROVE","reason":"ok"}`,
		`["loop-tool"]`,
	}
	// The executor asks for another call at every stage.
	for i := 0; i < 12; i++ {
		replies = append(replies, `{"action":"call","calls":[{"tool":"loop.step","input":{}}]}`)
	}
	provider := &scriptedProvider{replies: replies}
	pool := &fakePool{plugins: []mcp.Plugin{{Name: "loop-tool", Description: "循环"}}}
	env := newTestEnv(t, provider, pool)

	_, err := env.orch.Turn(context.Background(), "go", env.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "达到最大阶段数 (10)")

	// Ten decision stages ran, one batch each, then the loop stopped.
	assert.Equal(t, 10, pool.invocationCount())
	errors := env.callbacks(CallbackError)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0].Content, "达到最大阶段数")
}

func TestTurnToolFailureAbortsAtBatchBoundary(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"task","payload":"two steps"}]}`,
		`{"decision":"APPROVE","reason":"ok"}`,
		`["multi-tool"]`,
		`{"action":"call","calls":[{"tool":"multi.fail","input":{}},{"tool":"multi.ok","input":{}}]}`,
	}}
	pool := &fakePool{
		plugins: []mcp.Plugin{{Name: "multi-tool", Description: "多步"}},
		results: map[string]*mcp.ToolResult{
			"multi.fail": {Success: false, Error: "connection refused"},
			"multi.ok":   {Success: true, Content: "fine"},
		},
	}
	env := newTestEnv(t, provider, pool)

	_, err := env.orch.Turn(context.Background(), "go", env.emit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multi.fail")

	// Both calls of the batch ran before the turn aborted.
	assert.Equal(t, []string{"multi.fail", "multi.ok"}, pool.invocations)
	errors := env.callbacks(CallbackError)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0].Content, "工具 multi.fail 执行失败: connection refused")
}

func TestTurnRoutingFailureAborts(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"task","payload":"do something"}]}`,
		`{"decision":"APPROVE","reason":"ok"}`,
		`["no-such-plugin"]`,
	}}
	env := newTestEnv(t, provider, &fakePool{plugins: []mcp.Plugin{{Name: "real-plugin"}}})

	_, err := env.orch.Turn(context.Background(), "go", env.emit)
	require.Error(t, err)
	errors := env.callbacks(CallbackError)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0].Content, "工具路由搜索失败")
	assert.Contains(t, errors[0].Content, "no-such-plugin")
}

func TestTurnPlannerProtocolError(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"plan":"no actions key"}`,
	}}
	env := newTestEnv(t, provider, &fakePool{})

	_, err := env.orch.Turn(context.Background(), "hi", env.emit)
	require.Error(t, err)
	errors := env.callbacks(CallbackError)
	require.Len(t, errors, 1)
	assert.Contains(t, errors[0].Content, "actions")
}

func TestTurnAppliesMemoryChanges(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"reply","payload":"记住了"}]}`,
		`[{"action":"add","key":"k1","category":"prefs","payload":"dark mode","importance":5,"source":"user"}]`,
	}}
	env := newTestEnv(t, provider, &fakePool{})

	_, err := env.orch.Turn(context.Background(), "I prefer dark mode", env.emit)
	require.NoError(t, err)

	shards := env.memories.LoadCategory("prefs")
	require.Len(t, shards, 1)
	assert.Equal(t, "k1", shards[0].Key())
	assert.Equal(t, "dark mode", shards[0].Payload())
	assert.Equal(t, 1, shards[0].TriggerCount())
}

func TestTurnWritesChatLog(t *testing.T) {
	provider := &scriptedProvider{replies: []string{
		`{"actions":[{"type":"reply","payload":"hello"}]}`,
		`[]`,
	}}
	env := newTestEnv(t, provider, &fakePool{})

	_, err := env.orch.Turn(context.Background(), "hi", env.emit)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(env.sessions.Dir("conv-1"), "chat.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"input":"hi"`)
	assert.Contains(t, string(data), "hello")
}

func TestLoadPromptsValidatesPlaceholders(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"mcp_main_brain.txt":         "主脑\n{USER_MEMORY}\n{MCP_TOOLS}",
		"mcp_supervisor.txt":         "监督\n{USER_MEMORY}",
		"mcp_tool_router.txt":        "路由\n{MCP_PLUGINS}",
		"mcp_tool_executor.txt":      "执行\n{PLUGINS_INFO}\n{USER_MEMORY}",
		"mcp_memory_manager.txt":     "大纲",
		"mcp_memory_router.txt":      "记忆\n{TASK_DESCRIPTION}\n{STAGE}\n{MEMORY_DATA}",
		"mcp_memory_shards.txt":      "碎片",
		"mcp_context_compressor.txt": "压缩",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	prompts, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Contains(t, prompts.Planner, "{MCP_TOOLS}")

	// A template missing a required placeholder fails at load.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mcp_tool_router.txt"), []byte("路由但没有占位符"), 0o644))
	_, err = LoadPrompts(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{MCP_PLUGINS}")
}
