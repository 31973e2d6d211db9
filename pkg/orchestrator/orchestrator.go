// Package orchestrator runs the per-turn state machine: memory
// retrieval, planning, supervision, tool routing, the tool-execution
// sub-loop, planner re-entry and the final reply with memory update.
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/agents"
	"github.com/mindmesh/mindmesh/pkg/llms"
	"github.com/mindmesh/mindmesh/pkg/mcp"
	"github.com/mindmesh/mindmesh/pkg/memory"
	"github.com/mindmesh/mindmesh/pkg/metrics"
	"github.com/mindmesh/mindmesh/pkg/session"
)

const (
	// supervisorMaxRetries bounds the reject/replan loop.
	supervisorMaxRetries = 3

	// maxStages bounds the executor call/feedback sub-loop per task.
	maxStages = 10

	labelPlannerSupervisor = "主脑AI及监督AI"
	labelPlanner           = "主脑AI"
	labelSupervisor        = "监督AI"
	labelExecutor          = "执行AI"
)

// ToolPool is the MCP surface the orchestrator needs.
type ToolPool interface {
	SummarizePlugins() string
	FindPlugins(names []string) (matched []mcp.Plugin, unknown []string)
	Invoke(ctx context.Context, toolName string, arguments map[string]any) *mcp.ToolResult
}

// Config wires one conversation's orchestrator.
type Config struct {
	CID      string
	Provider *llms.Client
	Prompts  *Prompts
	Sessions *session.Store
	Memories *memory.Store
	Pool     ToolPool

	// Compression thresholds for every agent runtime; zero values
	// fall back to the runtime defaults.
	MaxContextTurns  int
	MaxContextTokens int

	Clock agent.Clock
}

// Result is the terminal envelope of one successful turn.
type Result struct {
	Success  bool            `json:"success"`
	Response string          `json:"response"`
	Actions  []agents.Action `json:"actions"`
}

// Orchestrator owns the seven agents of one conversation. Turns are
// serialised: one at a time per conversation.
type Orchestrator struct {
	cid      string
	pool     ToolPool
	sessions *session.Store
	memories *memory.Store

	planner       *agents.Planner
	supervisor    *agents.Supervisor
	router        *agents.ToolRouter
	executor      *agents.Executor
	memoryManager *agents.MemoryManager
	memoryRouter  *agents.MemoryRouter
	memoryShards  *agents.MemoryShards

	mu               sync.Mutex
	emit             Emitter
	lastPlannerCount int
}

// New builds the conversation's agent set. Histories and context
// summaries are loaded from the session store immediately.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cid:      cfg.CID,
		pool:     cfg.Pool,
		sessions: cfg.Sessions,
		memories: cfg.Memories,
	}

	stream := func(agentName, chunk, accumulated string) {
		o.send(StreamEvent(agentName, chunk, accumulated))
	}
	newRuntime := func(name, template string) *agent.Agent {
		opts := []agent.Option{
			agent.WithSessions(cfg.Sessions, cfg.CID),
			agent.WithStreamCallback(stream),
		}
		if cfg.MaxContextTurns > 0 && cfg.MaxContextTokens > 0 {
			opts = append(opts, agent.WithCompression(cfg.MaxContextTurns, cfg.MaxContextTokens, cfg.Prompts.Compressor))
		}
		if cfg.Clock != nil {
			opts = append(opts, agent.WithClock(cfg.Clock))
		}
		return agent.New(name, template, cfg.Provider, opts...)
	}

	o.planner = agents.NewPlanner(newRuntime(agents.NamePlanner, cfg.Prompts.Planner))
	o.supervisor = agents.NewSupervisor(newRuntime(agents.NameSupervisor, cfg.Prompts.Supervisor))
	o.router = agents.NewToolRouter(newRuntime(agents.NameRouter, cfg.Prompts.Router))
	o.executor = agents.NewExecutor(newRuntime(agents.NameExecutor, cfg.Prompts.Executor))
	o.memoryManager = agents.NewMemoryManager(newRuntime(agents.NameMemoryManager, cfg.Prompts.MemoryManager), cfg.Memories)
	o.memoryRouter = agents.NewMemoryRouter(newRuntime(agents.NameMemoryRouter, cfg.Prompts.MemoryRouter), cfg.Memories)
	o.memoryShards = agents.NewMemoryShards(newRuntime(agents.NameMemoryShards, cfg.Prompts.MemoryShards))
	o.lastPlannerCount = o.planner.HistoryCount()
	return o
}

// Planner exposes the planner for history endpoints.
func (o *Orchestrator) Planner() *agents.Planner { return o.planner }

func (o *Orchestrator) send(ev Event) {
	if o.emit != nil {
		o.emit(ev)
	}
}

// Turn runs the full pipeline for one user input, emitting progress
// events along the way. Turns on the same conversation are serialised.
func (o *Orchestrator) Turn(ctx context.Context, input string, emit Emitter) (result *Result, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emit = emit
	defer func() { o.emit = nil }()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.TurnsTotal.WithLabelValues(status).Inc()
	}()

	// Stage 1: memory retrieval for planner and supervisor.
	outlines := o.memoryManager.SelectOutlines(ctx, input, labelPlannerSupervisor)
	o.send(thinking(fmt.Sprintf("读取到%d条用户记忆索引", len(outlines))))

	plannerMemory, supervisorMemory := "", ""
	if len(outlines) > 0 {
		if data := o.memoryRouter.SelectPayloads(ctx, outlines, input, labelPlanner); len(data) > 0 {
			plannerMemory = memory.Markdown(data)
		}
		if data := o.memoryRouter.SelectPayloads(ctx, outlines, input, labelSupervisor); len(data) > 0 {
			supervisorMemory = memory.Markdown(data)
		}
	}
	o.planner.UpdateMemory(plannerMemory, o.pool.SummarizePlugins())
	o.supervisor.UpdateMemory(supervisorMemory)

	// Stage 2: planning.
	o.send(thinking("正在思考.."))
	o.lastPlannerCount = o.planner.HistoryCount()
	spec, raw, err := o.planner.Chat(ctx, input)
	if err != nil {
		if raw != "" {
			o.send(callbackError("ActionSpec JSON 格式错误，顶层必须包含 'actions' 字段"))
		}
		return nil, err
	}

	// Stage 3: supervision, only when the plan contains tool work.
	hasTask := spec.HasTask()
	if hasTask {
		o.supervisor.ClearHistory()
		for retry := 0; retry < supervisorMaxRetries; {
			o.send(thinking("正在监督MCP是否合理..."))
			decision := o.supervisor.Supervise(ctx, input, spec)
			if decision.Approved() {
				break
			}
			metrics.SupervisorRejections.Inc()
			retry++
			if retry >= supervisorMaxRetries {
				slog.Warn("supervisor rejected plan at retry limit, proceeding anyway",
					"cid", o.cid, "reason", decision.Reason)
				break
			}
			o.send(thinking("正在调整决策信息"))
			feedback := fmt.Sprintf("[监督反馈 - 第 %d 次] %s\n\n请根据上述反馈，重新优化你的输出。",
				retry, decision.FeedbackJSON())
			revised, _, err := o.planner.Chat(ctx, feedback)
			if err != nil {
				o.send(callbackError("主脑 AI 重新生成的输出仍然无法解析"))
				return nil, err
			}
			spec = revised
			hasTask = spec.HasTask()
			if !hasTask {
				break
			}
		}
	}
	actions := spec.Actions

	// Stage 4: tool routing.
	var plugins []mcp.Plugin
	if hasTask {
		o.send(thinking("正在搜索MCP工具"))
		plugins, err = o.router.FindPlugins(ctx, compactJSON(spec), o.pool)
		if err != nil {
			o.send(callbackError("工具路由搜索失败: " + err.Error()))
			return nil, err
		}
	}

	// Stage 5: execution.
	o.executor.ClearHistory()
	if len(plugins) > 0 {
		o.send(thinking("为MCP提供用户记忆信息"))
		combined := input + "\n(以上为用户描述)\n" + compactJSON(actions) + "\n(以上为MCP任务需求)"
		execOutlines := o.memoryManager.SelectOutlines(ctx, combined, labelExecutor)
		executorMemory := ""
		if data := o.memoryRouter.SelectPayloads(ctx, execOutlines, combined+"\n", labelExecutor); len(data) > 0 {
			executorMemory = memory.Markdown(data)
		}

		o.send(thinking("正在执行MCP工具.."))
		var taskHistory strings.Builder
		for _, action := range actions {
			if action.Type != agents.ActionTask {
				continue
			}
			payload := action.Payload
			if payload == "" {
				payload = "无任务/参数描述"
			}
			o.send(thinking(payload))
			history, err := o.runTask(ctx, plugins, executorMemory, payload)
			taskHistory.WriteString(history)
			if err != nil {
				return nil, err
			}
		}

		// Stage 6: planner re-entry with the aggregated tool results.
		spec, _, err = o.planner.Chat(ctx, taskHistory.String()+"\n(以上为MCP执行结果)")
		if err != nil {
			o.send(callbackError("主脑 AI 重新生成的输出仍然无法解析"))
			return nil, err
		}
		actions = spec.Actions
	}

	// Stage 7: replies and memory update.
	finalResponse := ""
	for _, act := range actions {
		if act.Type != agents.ActionReply {
			continue
		}
		o.send(reply(act.Payload))
		finalResponse = act.Payload

		// For the second and later replies of a turn the delta is 0 and
		// History(0) returns the full history; shard detection then sees
		// everything, not just this turn. Preserved as-is.
		newCount := o.planner.HistoryCount()
		recent := o.planner.History(newCount - o.lastPlannerCount)
		o.lastPlannerCount = newCount

		ops := o.memoryShards.DetectChanges(ctx, plannerMemory, compactJSON(recent))
		if len(ops) > 0 {
			if stats, err := o.memories.ApplyChanges(ops); err != nil {
				slog.Warn("memory update failed", "cid", o.cid, "error", err)
			} else {
				slog.Info("memory updated", "cid", o.cid,
					"added", stats.Added, "updated", stats.Updated, "deleted", stats.Deleted)
			}
		}
	}

	result = &Result{Success: true, Response: finalResponse, Actions: actions}
	if logErr := o.sessions.AppendChatLog(o.cid, map[string]any{
		"time":     time.Now().Format("2006-01-02T15:04:05"),
		"input":    input,
		"response": finalResponse,
		"actions":  actions,
	}); logErr != nil {
		slog.Warn("chat log append failed", "cid", o.cid, "error", logErr)
	}
	return result, nil
}

// runTask drives the executor sub-loop for a single task action and
// returns the concatenated tool-result history. All calls of a batch
// run even when one fails; the failure aborts at the batch boundary.
func (o *Orchestrator) runTask(ctx context.Context, plugins []mcp.Plugin, memoryMD, payload string) (string, error) {
	var history strings.Builder

	decision, err := o.executor.Execute(ctx, plugins, memoryMD, payload)
	for stage := 1; ; stage++ {
		if err != nil {
			o.send(callbackError("执行AI输出错误格式: " + err.Error()))
			return history.String(), err
		}
		if decision.Action == agents.ExecActionFinish {
			metrics.ExecutorStages.Observe(float64(stage))
			return history.String(), nil
		}

		feedback := make([]agents.FeedbackItem, 0, len(decision.Calls))
		failedTool, failedErr := "", ""
		for i, call := range decision.Calls {
			result := o.pool.Invoke(ctx, call.Tool, call.Input)
			if result.Success {
				metrics.ToolCalls.WithLabelValues("success").Inc()
				history.WriteString(call.Tool + "执行结果:\n" + compactJSON(result.Content) + "\n")
				feedback = append(feedback, agents.FeedbackItem{Step: i + 1, Tool: call.Tool, Result: result.Content})
				continue
			}
			metrics.ToolCalls.WithLabelValues("error").Inc()
			msg := result.Error
			if msg == "" {
				msg = "未知错误"
			}
			history.WriteString(call.Tool + "错误结果:\n" + msg + "\n")
			feedback = append(feedback, agents.FeedbackItem{Step: i + 1, Tool: call.Tool, Error: msg})
			if failedTool == "" {
				failedTool, failedErr = call.Tool, msg
			}
		}
		if failedTool != "" {
			metrics.ExecutorStages.Observe(float64(stage))
			err := fmt.Errorf("工具 %s 执行失败: %s", failedTool, failedErr)
			o.send(callbackError(err.Error()))
			return history.String(), err
		}

		if stage >= maxStages {
			metrics.ExecutorStages.Observe(float64(maxStages))
			err := fmt.Errorf("达到最大阶段数 (%d)", maxStages)
			o.send(callbackError(err.Error()))
			return history.String(), err
		}
		decision, err = o.executor.Continue(ctx, plugins, feedback, payload)
	}
}

// compactJSON marshals without HTML escaping, matching the prompt wire
// format everywhere the pipeline embeds JSON in text.
func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
