package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/jsonx"
	"github.com/mindmesh/mindmesh/pkg/llms"
)

// Action types emitted by the planner.
const (
	ActionReply = "reply"
	ActionTask  = "task"
)

// Action is one step of the planner's output.
type Action struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// ActionSpec is the planner's full reply. The actions key must be
// present; a reply without it is a protocol error.
type ActionSpec struct {
	Actions []Action `json:"actions"`
}

// HasTask reports whether any action requires tool execution.
func (s *ActionSpec) HasTask() bool {
	for _, a := range s.Actions {
		if a.Type == ActionTask {
			return true
		}
	}
	return false
}

// Tasks returns the task actions in order.
func (s *ActionSpec) Tasks() []Action {
	var tasks []Action
	for _, a := range s.Actions {
		if a.Type == ActionTask {
			tasks = append(tasks, a)
		}
	}
	return tasks
}

// Replies returns the reply actions in order.
func (s *ActionSpec) Replies() []Action {
	var replies []Action
	for _, a := range s.Actions {
		if a.Type == ActionReply {
			replies = append(replies, a)
		}
	}
	return replies
}

// Planner is the intent-understanding role. It turns user input into an
// ActionSpec and is the only role whose history spans the whole
// conversation.
type Planner struct {
	runtime *agent.Agent
}

func NewPlanner(runtime *agent.Agent) *Planner {
	return &Planner{runtime: runtime}
}

// Runtime exposes the underlying agent for history inspection.
func (p *Planner) Runtime() *agent.Agent { return p.runtime }

// UpdateMemory re-renders the planner's prompt with the retrieved
// memory markdown and the current plugin summary.
func (p *Planner) UpdateMemory(userMemory, mcpTools string) {
	p.runtime.UpdateSystemPrompt(map[string]string{
		"{USER_MEMORY}": userMemory,
		"{MCP_TOOLS}":   mcpTools,
	})
}

// Chat sends one turn and parses the reply as an ActionSpec. The raw
// reply text is returned alongside for logging and supervision.
func (p *Planner) Chat(ctx context.Context, content string) (*ActionSpec, string, error) {
	opts := llms.DefaultOptions()
	opts.MaxTokens = 1500
	opts.Temperature = 0.7
	completion, err := p.runtime.Chat(ctx, content, opts)
	if err != nil {
		return nil, "", err
	}
	spec, err := ParseActionSpec(completion.Content)
	if err != nil {
		return nil, completion.Content, err
	}
	return spec, completion.Content, nil
}

// ParseActionSpec leniently extracts the planner's JSON object and
// requires the actions key. Unknown action types are kept but logged.
func ParseActionSpec(reply string) (*ActionSpec, error) {
	var raw map[string]json.RawMessage
	if err := jsonx.ObjectInto(reply, &raw); err != nil {
		return nil, err
	}
	actionsRaw, ok := raw["actions"]
	if !ok {
		return nil, fmt.Errorf("planner output has no actions field")
	}
	var actions []Action
	if err := json.Unmarshal(actionsRaw, &actions); err != nil {
		return nil, fmt.Errorf("planner actions field is malformed: %w", err)
	}
	for _, a := range actions {
		if a.Type != ActionReply && a.Type != ActionTask {
			slog.Warn("ignoring unknown action type", "type", a.Type)
		}
	}
	return &ActionSpec{Actions: actions}, nil
}

// History returns up to limit most recent planner messages.
func (p *Planner) History(limit int) []llms.Message { return p.runtime.History(limit) }

// HistoryCount reports the planner's stored message count.
func (p *Planner) HistoryCount() int { return p.runtime.HistoryCount() }
