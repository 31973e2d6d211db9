package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/mindmesh/mindmesh/pkg/orchestrator"
)

const (
	// workerJoinTimeout bounds how long the response waits for the
	// pipeline after the terminal reply was streamed.
	workerJoinTimeout = 30 * time.Second
)

// eventQueueSize buffers the per-request event queue. A full queue
// back-pressures the pipeline; events are never dropped. Variable so
// tests can shrink it.
var eventQueueSize = 1024

type chatRequest struct {
	HistoryFile string `json:"history_file"`
	Message     string `json:"message"`
}

type turnOutcome struct {
	result *orchestrator.Result
	err    error
}

// handleChat runs one turn and streams progress over SSE. The response
// status is always 200 once the stream has begun; failures arrive as
// error events.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "请求体必须为 JSON 格式",
		})
		return
	}
	if req.HistoryFile == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"message": "缺少必要参数: history_file 或 message",
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	cid := req.HistoryFile
	if err := s.sessions.EnsureConversation(cid); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": "处理消息失败: " + err.Error(),
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := make(chan orchestrator.Event, eventQueueSize)
	done := make(chan turnOutcome, 1)
	orch := s.orchestratorFor(cid)

	// The worker outlives a client disconnect: it runs to completion
	// while the handler keeps draining the queue. The send blocks when
	// the queue is full, back-pressuring the pipeline instead of
	// dropping events.
	go func() {
		result, err := orch.Turn(context.Background(), req.Message, func(ev orchestrator.Event) {
			events <- ev
		})
		done <- turnOutcome{result: result, err: err}
	}()

	writeEvent := func(ev any) {
		frame, err := sseData(ev)
		if err != nil {
			slog.Warn("event encode failed", "cid", cid, "error", err)
			return
		}
		if _, err := w.Write(frame); err != nil {
			slog.Debug("client write failed", "cid", cid, "error", err)
			return
		}
		flusher.Flush()
	}

	isTerminalReply := func(ev orchestrator.Event) bool {
		return ev.Type == orchestrator.EventChatCallback &&
			ev.CallbackType == orchestrator.CallbackReply
	}

	var outcome turnOutcome
	workerDone := false

stream:
	for {
		select {
		case ev := <-events:
			writeEvent(ev)
			if isTerminalReply(ev) {
				break stream
			}
		case outcome = <-done:
			workerDone = true
			// Flush whatever the worker queued before it exited.
			for {
				select {
				case ev := <-events:
					writeEvent(ev)
					if isTerminalReply(ev) {
						break stream
					}
				default:
					break stream
				}
			}
		}
	}

	if !workerDone {
		// Keep draining so a blocked emitter cannot wedge the worker
		// while we wait for it to finish.
		deadline := time.After(workerJoinTimeout)
	join:
		for {
			select {
			case ev := <-events:
				writeEvent(ev)
			case outcome = <-done:
				workerDone = true
				break join
			case <-deadline:
				break join
			}
		}
	}
	if !workerDone {
		// The worker is still running past the join window. Hand the
		// queue to a background drainer so its sends never block.
		go func() {
			for {
				select {
				case <-events:
				case <-done:
					return
				}
			}
		}()
	}

	switch {
	case !workerDone:
		writeEvent(orchestrator.ErrorEvent("处理超时"))
	case outcome.err != nil:
		writeEvent(orchestrator.ErrorEvent("处理对话失败: " + outcome.err.Error()))
	case outcome.result != nil && outcome.result.Success:
		writeEvent(orchestrator.ResponseEvent(outcome.result))
	default:
		writeEvent(orchestrator.ErrorEvent("处理失败"))
	}
}
