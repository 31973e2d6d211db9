// Package session persists per-conversation agent state on disk:
//
//	<root>/<cid>/<agent>.session       JSON array of {role,content}
//	<root>/<cid>/<agent>_summary.txt   compressed context summary
//	<root>/<cid>/chat.log              one JSON line per completed turn
//
// Readers tolerate missing, empty, and transiently malformed files;
// writers go through write-temp-then-rename.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mindmesh/mindmesh/pkg/llms"
)

// Store manages the conversations directory tree.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Root returns the conversations root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory for one conversation.
func (s *Store) Dir(cid string) string {
	return filepath.Join(s.root, cid)
}

// EnsureConversation creates the conversation directory.
func (s *Store) EnsureConversation(cid string) error {
	return os.MkdirAll(s.Dir(cid), 0755)
}

// sessionFile maps an agent name to its history file. Names are lowercased
// so lookups are stable regardless of how the agent label is cased.
func (s *Store) sessionFile(cid, agent string) string {
	return filepath.Join(s.Dir(cid), strings.ToLower(agent)+".session")
}

func (s *Store) summaryFile(cid, agent string) string {
	return filepath.Join(s.Dir(cid), strings.ToLower(agent)+"_summary.txt")
}

// LoadHistory reads an agent's session. Missing or malformed files yield an
// empty history so a broken file never wedges the conversation.
func (s *Store) LoadHistory(cid, agent string) []llms.Message {
	data, err := os.ReadFile(s.sessionFile(cid, agent))
	if err != nil {
		return nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var messages []llms.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		slog.Warn("malformed session file, starting fresh",
			slog.String("cid", cid), slog.String("agent", agent), slog.String("error", err.Error()))
		return nil
	}
	return messages
}

// SaveHistory writes an agent's session atomically.
func (s *Store) SaveHistory(cid, agent string, messages []llms.Message) error {
	if err := s.EnsureConversation(cid); err != nil {
		return fmt.Errorf("failed to create conversation dir: %w", err)
	}
	if messages == nil {
		messages = []llms.Message{}
	}
	data, err := json.MarshalIndent(messages, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return atomicWrite(s.sessionFile(cid, agent), data)
}

// LoadSummary reads the agent's context summary, if any.
func (s *Store) LoadSummary(cid, agent string) string {
	data, err := os.ReadFile(s.summaryFile(cid, agent))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// SaveSummary persists the agent's context summary.
func (s *Store) SaveSummary(cid, agent, summary string) error {
	if err := s.EnsureConversation(cid); err != nil {
		return fmt.Errorf("failed to create conversation dir: %w", err)
	}
	return atomicWrite(s.summaryFile(cid, agent), []byte(summary))
}

// AppendChatLog appends one JSON line describing a completed turn.
func (s *Store) AppendChatLog(cid string, entry any) error {
	if err := s.EnsureConversation(cid); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(s.Dir(cid), "chat.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Info describes one conversation for listings.
type Info struct {
	ID           string    `json:"id"`
	MessageCount int       `json:"message_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// List enumerates conversations, sorted by the primary agent's session
// mtime, most recent first.
func (s *Store) List(primaryAgent string) ([]Info, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []Info{}, nil
		}
		return nil, fmt.Errorf("failed to read conversations root: %w", err)
	}

	infos := make([]Info, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cid := entry.Name()
		info := Info{ID: cid}
		info.MessageCount = len(s.LoadHistory(cid, primaryAgent))
		if stat, err := os.Stat(s.sessionFile(cid, primaryAgent)); err == nil {
			info.UpdatedAt = stat.ModTime()
		} else if stat, err := os.Stat(s.Dir(cid)); err == nil {
			info.UpdatedAt = stat.ModTime()
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos, nil
}

// Delete removes a conversation directory.
func (s *Store) Delete(cid string) error {
	return os.RemoveAll(s.Dir(cid))
}

func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
