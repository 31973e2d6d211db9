// Package memory implements the per-conversation long-term memory store:
// one directory per conversation, one JSON file per category, each file a
// list of shards. Agents read categories through outline scans and dotted
// paths and mutate the store through validated change operations.
package memory

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// TimeFormat is the timestamp layout persisted in shard records.
const TimeFormat = "2006-01-02T15:04:05"

// Shard is one memory record. Agents may attach keys beyond the fixed
// schema, so records are generic maps; nothing an agent writes is lost on
// round-trip.
type Shard map[string]any

func (s Shard) Key() string {
	key, _ := s["key"].(string)
	return key
}

func (s Shard) Payload() any {
	return s["payload"]
}

func (s Shard) TriggerCount() int {
	switch v := s["trigger_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// ChangeOp is one mutation produced by the memory-shards agent:
// {action: add|del, key, category, ...fields}.
type ChangeOp map[string]any

func (op ChangeOp) Action() string {
	action, _ := op["action"].(string)
	return action
}

func (op ChangeOp) Key() string {
	key, _ := op["key"].(string)
	return key
}

func (op ChangeOp) Category() string {
	category, _ := op["category"].(string)
	return category
}

// ValidateOps filters a change list down to well-formed operations.
// add requires key, category, importance and source; del requires key and
// category. Invalid ops are dropped with a warning and never block
// siblings.
func ValidateOps(ops []ChangeOp) []ChangeOp {
	valid := make([]ChangeOp, 0, len(ops))
	for _, op := range ops {
		action := op.Action()
		switch action {
		case "add":
			if missing := missingFields(op, "key", "category", "importance", "source"); len(missing) > 0 {
				slog.Warn("dropping add op with missing fields",
					slog.String("fields", strings.Join(missing, ",")))
				continue
			}
			valid = append(valid, op)
		case "del":
			if missing := missingFields(op, "key", "category"); len(missing) > 0 {
				slog.Warn("dropping del op with missing fields",
					slog.String("fields", strings.Join(missing, ",")))
				continue
			}
			valid = append(valid, op)
		case "":
			slog.Warn("dropping change op without action")
		default:
			slog.Warn("dropping change op with unknown action", slog.String("action", action))
		}
	}
	return valid
}

func missingFields(op ChangeOp, fields ...string) []string {
	var missing []string
	for _, field := range fields {
		if _, ok := op[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// Stats reports how many shards an apply pass touched.
type Stats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
}

// Store manages one conversation's memory subtree under <root>/<cid>/.
type Store struct {
	dir string
	now func() time.Time
}

// NewStore opens the memory subtree for one conversation.
func NewStore(root, cid string) *Store {
	return &Store{
		dir: filepath.Join(root, cid),
		now: time.Now,
	}
}

// WithClock substitutes the wall clock, for deterministic tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Dir returns the conversation's memory directory.
func (s *Store) Dir() string {
	return s.dir
}

// ScanOutlines lists categories and their shard counts without
// materializing payloads beyond the JSON parse.
func (s *Store) ScanOutlines() map[string]int {
	outlines := make(map[string]int)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return outlines
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		category := strings.TrimSuffix(name, ".json")
		outlines[category] = len(s.LoadCategory(category))
	}
	return outlines
}

// LoadCategory loads one category file. Missing, empty, or malformed files
// yield an empty list.
func (s *Store) LoadCategory(category string) []Shard {
	data, err := os.ReadFile(s.categoryFile(category))
	if err != nil {
		return nil
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return nil
	}

	var shards []Shard
	if err := json.Unmarshal([]byte(content), &shards); err != nil {
		slog.Warn("malformed memory category file",
			slog.String("category", category), slog.String("error", err.Error()))
		return nil
	}
	return shards
}

// ResolvePath returns the shard at "<category>.<key>". Any other arity is
// invalid.
func (s *Store) ResolvePath(path string) (Shard, bool) {
	parts := strings.Split(path, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, false
	}
	for _, shard := range s.LoadCategory(parts[0]) {
		if shard.Key() == parts[1] {
			return shard, true
		}
	}
	return nil, false
}

// ApplyChanges validates and applies a change list, grouped per category so
// each file is rewritten once. Add upserts: an existing key keeps its
// created_at and gains a trigger_count increment; a new key starts at
// trigger_count 1 with all three timestamps set to now.
func (s *Store) ApplyChanges(ops []ChangeOp) (Stats, error) {
	var stats Stats
	valid := ValidateOps(ops)
	if len(valid) == 0 {
		return stats, nil
	}

	nowStr := s.now().Format(TimeFormat)

	byCategory := make(map[string][]ChangeOp)
	var order []string
	for _, op := range valid {
		category := op.Category()
		if _, seen := byCategory[category]; !seen {
			order = append(order, category)
		}
		byCategory[category] = append(byCategory[category], op)
	}

	for _, category := range order {
		shards := s.LoadCategory(category)
		index := make(map[string]int, len(shards))
		for i, shard := range shards {
			index[shard.Key()] = i
		}

		for _, op := range byCategory[category] {
			key := op.Key()
			switch op.Action() {
			case "add":
				record := make(Shard, len(op)+4)
				for k, v := range op {
					if k == "action" {
						continue
					}
					record[k] = v
				}
				record["updated_at"] = nowStr
				record["last_triggered"] = nowStr

				if i, exists := index[key]; exists {
					old := shards[i]
					record["trigger_count"] = old.TriggerCount() + 1
					if createdAt, ok := old["created_at"]; ok {
						record["created_at"] = createdAt
					} else {
						record["created_at"] = nowStr
					}
					shards[i] = record
					stats.Updated++
				} else {
					record["trigger_count"] = 1
					record["created_at"] = nowStr
					index[key] = len(shards)
					shards = append(shards, record)
					stats.Added++
				}
			case "del":
				i, exists := index[key]
				if !exists {
					slog.Warn("cannot delete missing memory shard",
						slog.String("key", key), slog.String("category", category))
					continue
				}
				shards = append(shards[:i], shards[i+1:]...)
				delete(index, key)
				for k, v := range index {
					if v > i {
						index[k] = v - 1
					}
				}
				stats.Deleted++
			}
		}

		if err := s.saveCategory(category, shards); err != nil {
			return stats, fmt.Errorf("failed to save category %s: %w", category, err)
		}
	}

	return stats, nil
}

func (s *Store) categoryFile(category string) string {
	return filepath.Join(s.dir, category+".json")
}

func (s *Store) saveCategory(category string, shards []Shard) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return err
	}
	if shards == nil {
		shards = []Shard{}
	}
	data, err := json.MarshalIndent(shards, "", "  ")
	if err != nil {
		return err
	}
	path := s.categoryFile(category)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
