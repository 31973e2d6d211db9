package memory

import (
	"fmt"
	"sort"
	"strings"
)

// Resolved pairs a dotted shard path with the payload it resolved to.
type Resolved struct {
	Path    string `json:"path"`
	Payload any    `json:"payload"`
}

// Markdown renders a resolved shard list for injection into an agent
// prompt: one "## 记忆 [i]: <path>" heading per shard followed by a
// recursive bullet dump of its payload.
func Markdown(items []Resolved) string {
	if len(items) == 0 {
		return ""
	}
	var lines []string
	for i, item := range items {
		lines = append(lines, fmt.Sprintf("## 记忆 [%d]: %s\n", i+1, item.Path))
		lines = append(lines, formatPayload(item.Payload, 0))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}

// formatPayload renders one payload as markdown bullets: map entries as
// "- **key**: value", list entries as "- [i]:", scalars backtick-quoted.
// Long strings and strings containing backticks become fenced blocks.
func formatPayload(payload any, indent int) string {
	prefix := strings.Repeat("  ", indent)

	switch v := payload.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines := make([]string, 0, len(keys))
		for _, k := range keys {
			lines = append(lines, formatKeyVal(k, v[k], indent))
		}
		return strings.Join(lines, "\n")
	case []any:
		lines := make([]string, 0, len(v))
		for i, item := range v {
			switch item.(type) {
			case map[string]any, []any:
				lines = append(lines, fmt.Sprintf("%s- [%d]:\n%s", prefix, i+1, formatPayload(item, indent+1)))
			default:
				lines = append(lines, fmt.Sprintf("%s- %s", prefix, scalar(item)))
			}
		}
		return strings.Join(lines, "\n")
	case string:
		return prefix + "`" + strings.ReplaceAll(v, "\n", " ") + "`"
	default:
		return prefix + scalar(v)
	}
}

func formatKeyVal(key string, val any, level int) string {
	prefix := strings.Repeat("  ", level)

	switch val.(type) {
	case map[string]any, []any:
		return fmt.Sprintf("%s- **%s**:\n%s", prefix, key, formatPayload(val, level+1))
	}

	if s, ok := val.(string); ok {
		flat := strings.ReplaceAll(s, "\n", " ")
		if len([]rune(flat)) < 60 && !strings.Contains(flat, "`") {
			return fmt.Sprintf("%s- **%s**: `%s`", prefix, key, flat)
		}
		inner := strings.Repeat("  ", level+1)
		return fmt.Sprintf("%s- **%s**: \n%s```\n%s\n%s```\n", prefix, key, inner, flat, inner)
	}
	return fmt.Sprintf("%s- **%s**: %s", prefix, key, scalar(val))
}

func scalar(val any) string {
	switch v := val.(type) {
	case nil:
		return "`null`"
	case bool:
		if v {
			return "`true`"
		}
		return "`false`"
	case float64:
		// JSON numbers decode as float64; render integers without a
		// fractional part.
		if v == float64(int64(v)) {
			return fmt.Sprintf("`%d`", int64(v))
		}
		return fmt.Sprintf("`%v`", v)
	case string:
		return "`" + strings.ReplaceAll(v, "\n", " ") + "`"
	default:
		return fmt.Sprintf("`%v`", v)
	}
}
