package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nugget/bernard/internal/ledger"
)

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation history not configured")
		return
	}

	q := r.URL.Query()
	opts := ledger.ListOptions{IncludeGhost: q.Get("ghost") == "true"}
	switch q.Get("status") {
	case ledger.StatusOpen:
		opts.IncludeOpen = true
	case ledger.StatusClosed:
		opts.IncludeClosed = true
	}
	opts.Limit = 50
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	convs, err := s.conversations.ListConversations(r.Context(), opts)
	if err != nil {
		s.logger.Error("list conversations failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	if convs == nil {
		convs = []ledger.Conversation{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": convs, "count": len(convs)}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if s.conversations == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation history not configured")
		return
	}

	id := r.PathValue("id")
	conv, err := s.conversations.GetConversation(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("get conversation failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	messages, err := s.conversations.History(r.Context(), id)
	if err != nil {
		s.logger.Error("load history failed", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if messages == nil {
		messages = []ledger.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation": conv, "messages": messages}, s.logger)
}
