package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mindmesh/mindmesh/pkg/agents"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// handleCreateConversation mints a conversation id and its directory.
func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	cid := uuid.NewString()
	if err := s.sessions.EnsureConversation(cid); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "创建对话失败: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"history_file": cid,
		"message":      "对话创建成功",
	})
}

// handleListConversations enumerates conversations, most recent first.
func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	infos, err := s.sessions.List(agents.NamePlanner)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "获取对话列表失败: " + err.Error(),
		})
		return
	}

	conversations := make([]map[string]any, 0, len(infos))
	for _, info := range infos {
		lastUpdated := any(nil)
		if !info.UpdatedAt.IsZero() {
			lastUpdated = info.UpdatedAt.Format("2006-01-02 15:04:05")
		}
		conversations = append(conversations, map[string]any{
			"history_file":  info.ID,
			"last_updated":  lastUpdated,
			"message_count": info.MessageCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"conversations": conversations,
	})
}

// handleConversationHistory returns the planner's full session.
func (s *Server) handleConversationHistory(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if !s.conversationExists(cid) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": fmt.Sprintf("对话 %s 不存在", cid),
		})
		return
	}

	history := s.orchestratorFor(cid).Planner().History(0)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"history":       history,
		"message_count": len(history),
	})
}

// handleDeleteConversation removes the conversation directory, its
// memory subtree and any cached agent set.
func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	if !s.conversationExists(cid) {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"success": false,
			"message": fmt.Sprintf("对话 %s 不存在", cid),
		})
		return
	}

	if err := s.sessions.Delete(cid); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "删除对话失败: " + err.Error(),
		})
		return
	}
	if err := os.RemoveAll(s.memoryDir(cid)); err != nil {
		slog.Warn("memory subtree removal failed", "cid", cid, "error", err)
	}
	s.evict(cid)

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "对话删除成功",
	})
}

// handleHealth is the liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"status":      "healthy",
		"timestamp":   time.Now().Format(time.RFC3339),
		"mcp_servers": s.pool.ServerCount(),
	})
}

// sseData frames one event as an SSE data line. HTML escaping is off so
// Chinese text and operators pass through verbatim.
func sseData(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	payload := bytes.TrimRight(buf.Bytes(), "\n")
	return append(append([]byte("data: "), payload...), '\n', '\n'), nil
}
