package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/jsonx"
	"github.com/mindmesh/mindmesh/pkg/memory"
)

// MemoryManager selects which memory categories are relevant to the
// current input and pipeline stage.
type MemoryManager struct {
	runtime *agent.Agent
	store   *memory.Store
}

func NewMemoryManager(runtime *agent.Agent, store *memory.Store) *MemoryManager {
	return &MemoryManager{runtime: runtime, store: store}
}

func (m *MemoryManager) Runtime() *agent.Agent { return m.runtime }

// SelectOutlines asks the model to pick relevant categories from the
// outline index. Only the category names and shard counts are sent,
// never the payloads. Failures degrade to no memory, not an error.
func (m *MemoryManager) SelectOutlines(ctx context.Context, userDescription, currentLevel string) []string {
	outlines := m.store.ScanOutlines()
	if len(outlines) == 0 {
		return nil
	}

	// Outline structure only: per category a list of nulls matching the
	// shard count.
	skeleton := make(map[string][]any, len(outlines))
	for category, count := range outlines {
		skeleton[category] = make([]any, count)
	}

	input := fmt.Sprintf(
		"用户描述：\n%s\n\n当前层级：\n%s\n\n记忆大纲（仅大纲结构）：\n%s\n\n"+
			"请根据用户描述和当前层级，从记忆大纲中选择最相关的大纲名称，只输出 JSON 格式的大纲名称数组。",
		userDescription, currentLevel, marshalIndent(skeleton))

	m.runtime.ClearHistory()
	completion, err := m.runtime.Chat(ctx, input, jsonOptions(1000))
	if err != nil {
		slog.Warn("memory outline selection failed", "error", err)
		return nil
	}

	var selected []string
	if err := jsonx.ArrayInto(completion.Content, &selected); err != nil {
		slog.Warn("memory outline reply unparseable", "error", err)
		return nil
	}

	var valid []string
	for _, name := range selected {
		if _, ok := outlines[name]; ok {
			valid = append(valid, name)
		} else {
			slog.Warn("selected outline does not exist", "outline", name)
		}
	}
	return valid
}

// MemoryRouter narrows selected categories down to concrete shard
// paths for one pipeline stage and resolves their payloads.
type MemoryRouter struct {
	runtime *agent.Agent
	store   *memory.Store
}

func NewMemoryRouter(runtime *agent.Agent, store *memory.Store) *MemoryRouter {
	return &MemoryRouter{runtime: runtime, store: store}
}

func (r *MemoryRouter) Runtime() *agent.Agent { return r.runtime }

// SelectPayloads loads the selected categories, shows the model the
// full shard structures, and returns the payloads behind the paths it
// picks. Invalid paths are skipped with a warning.
func (r *MemoryRouter) SelectPayloads(ctx context.Context, categories []string, userInput, stage string) []memory.Resolved {
	byCategory := make(map[string]map[string]memory.Shard)
	for _, category := range categories {
		shards := r.store.LoadCategory(category)
		if len(shards) == 0 {
			continue
		}
		keyed := make(map[string]memory.Shard, len(shards))
		for _, shard := range shards {
			if key := shard.Key(); key != "" {
				keyed[key] = shard
			}
		}
		if len(keyed) > 0 {
			byCategory[category] = keyed
		}
	}
	if len(byCategory) == 0 {
		return nil
	}

	r.runtime.ClearHistory()
	r.runtime.UpdateSystemPrompt(map[string]string{
		"{TASK_DESCRIPTION}": userInput,
		"{STAGE}":            stage,
		"{MEMORY_DATA}":      marshalIndent(byCategory),
	})

	input := "请根据当前执行阶段和提供的记忆结构，选择合适的payload路径，只输出 JSON 格式的路径数组。"
	completion, err := r.runtime.Chat(ctx, input, jsonOptions(2000))
	if err != nil {
		slog.Warn("memory payload routing failed", "error", err)
		return nil
	}

	var paths []string
	if err := jsonx.ArrayInto(completion.Content, &paths); err != nil {
		slog.Warn("memory routing reply unparseable", "error", err)
		return nil
	}

	var resolved []memory.Resolved
	for _, path := range paths {
		shard, ok := r.store.ResolvePath(path)
		if !ok {
			slog.Warn("routed memory path is invalid", "path", path)
			continue
		}
		payload := shard.Payload()
		if payload == nil {
			slog.Warn("routed memory shard has no payload", "path", path)
			continue
		}
		resolved = append(resolved, memory.Resolved{Path: path, Payload: payload})
	}
	return resolved
}

// MemoryShards detects add/del change operations by diffing the
// existing memories against the raw dialogue of the finished turn.
type MemoryShards struct {
	runtime *agent.Agent
}

func NewMemoryShards(runtime *agent.Agent) *MemoryShards {
	return &MemoryShards{runtime: runtime}
}

func (m *MemoryShards) Runtime() *agent.Agent { return m.runtime }

// DetectChanges returns the validated change ops for the turn. No
// changes, a provider failure or an unparseable reply all yield an
// empty list.
func (m *MemoryShards) DetectChanges(ctx context.Context, existingMemories, rawDialogueJSON string) []memory.ChangeOp {
	input := fmt.Sprintf(
		"以下是现有的记忆数据，请分析并检测记忆变更，输出 JSON 格式的变更操作数组：\n\n%s\n\n"+
			"以下是完整的AI对话JSON文本，请分析并检测记忆变更，输出 JSON 格式的变更操作数组：\n\n%s\n\n"+
			"只需要输出变更操作的 JSON 数组即可，无需其它说明。",
		existingMemories, rawDialogueJSON)

	m.runtime.ClearHistory()
	completion, err := m.runtime.Chat(ctx, input, jsonOptions(3000))
	if err != nil {
		slog.Warn("memory change detection failed", "error", err)
		return nil
	}

	var ops []memory.ChangeOp
	if err := jsonx.ArrayInto(completion.Content, &ops); err != nil {
		// Often the model correctly answers that nothing changed.
		return nil
	}
	return memory.ValidateOps(ops)
}
