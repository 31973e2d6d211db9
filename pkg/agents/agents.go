// Package agents implements the typed roles built on the agent runtime:
// the planner, the supervisor, the tool router, the tool executor and
// the three memory roles. Each role owns its prompt scaffolding, its
// completion parameters and the validation of the model's reply.
package agents

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/mindmesh/mindmesh/pkg/llms"
)

// Canonical role names. They double as session file stems, so changing
// one orphans existing conversation histories.
const (
	NamePlanner       = "主脑AI"
	NameSupervisor    = "监督AI"
	NameRouter        = "路由AI"
	NameExecutor      = "执行AI"
	NameMemoryManager = "记忆大纲选择AI"
	NameMemoryRouter  = "记忆路由选择AI"
	NameMemoryShards  = "记忆碎片增删改检测AI"
)

// jsonOptions are the completion parameters shared by the structured
// roles: low temperature, bounded output.
func jsonOptions(maxTokens int) llms.Options {
	opts := llms.DefaultOptions()
	opts.MaxTokens = maxTokens
	opts.Temperature = 0.3
	return opts
}

// marshalIndent renders v as indented JSON without HTML escaping, so
// Chinese text and comparison operators survive verbatim in prompts.
func marshalIndent(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}

func marshalCompact(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return ""
	}
	return strings.TrimRight(buf.String(), "\n")
}
