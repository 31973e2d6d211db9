package agents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mindmesh/mindmesh/pkg/agent"
	"github.com/mindmesh/mindmesh/pkg/jsonx"
)

// Decision verdicts.
const (
	VerdictApprove = "APPROVE"
	VerdictReject  = "REJECT"
)

// Decision is the supervisor's ruling on a plan. Raw carries the full
// decoded object so rejection feedback round-trips every field the
// model produced.
type Decision struct {
	Verdict string
	Reason  string
	Raw     map[string]any
}

// Approved reports whether the plan may proceed. Anything that is not
// an explicit REJECT counts as approval.
func (d *Decision) Approved() bool {
	return !strings.EqualFold(d.Verdict, VerdictReject)
}

// FeedbackJSON serialises the full decision for re-prompting the planner.
func (d *Decision) FeedbackJSON() string {
	return marshalCompact(d.Raw)
}

func approveDecision(reason string) *Decision {
	return &Decision{
		Verdict: VerdictApprove,
		Reason:  reason,
		Raw:     map[string]any{"decision": VerdictApprove, "reason": reason},
	}
}

// Supervisor audits planner output for safety and correctness before
// any tool execution happens.
type Supervisor struct {
	runtime *agent.Agent
}

func NewSupervisor(runtime *agent.Agent) *Supervisor {
	return &Supervisor{runtime: runtime}
}

func (s *Supervisor) Runtime() *agent.Agent { return s.runtime }

// UpdateMemory re-renders the supervisor's prompt with its memory view.
func (s *Supervisor) UpdateMemory(memoryMD string) {
	s.runtime.UpdateSystemPrompt(map[string]string{"{USER_MEMORY}": memoryMD})
}

// ClearHistory resets the supervision transcript; each turn is audited
// fresh.
func (s *Supervisor) ClearHistory() { s.runtime.ClearHistory() }

// Supervise audits one plan. The plan is embedded JSON-serialised in
// the audit request. Provider failures and unparseable rulings never
// block the turn: both default to approval with a logged reason.
func (s *Supervisor) Supervise(ctx context.Context, userInput string, plan any) *Decision {
	input := fmt.Sprintf(
		"用户原始请求：\n%s\n主脑响应结果：\n%s\n请结合用户原始请求、主脑输出结果，审核主脑 AI 的输出，判断其合理性、安全性和正确性。",
		userInput, marshalIndent(plan))

	completion, err := s.runtime.Chat(ctx, input, jsonOptions(500))
	if err != nil {
		slog.Warn("supervisor call failed, approving by default", "error", err)
		return approveDecision("监督 AI 调用失败，默认放行")
	}

	var raw map[string]any
	if err := jsonx.ObjectInto(completion.Content, &raw); err != nil {
		slog.Warn("supervisor decision unparseable, approving by default", "error", err)
		return approveDecision("无法解析监督决策，默认放行")
	}

	verdict, _ := raw["decision"].(string)
	reason, _ := raw["reason"].(string)
	return &Decision{Verdict: verdict, Reason: reason, Raw: raw}
}
