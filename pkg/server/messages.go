package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mentatlabs/mentat/pkg/conversation"
)

// handleHistory returns the full log snapshot.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

// handleSystemPrompt sets or replaces the system prompt.
func (s *Server) handleSystemPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	id := s.store.SetSystemPrompt(req.Text)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleUpdateMessage replaces one message's content in place.
func (s *Server) handleUpdateMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Content string `json:"content"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateContent(id, req.Content); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// handleDeleteMessage drops a single message. The system prompt is
// protected; use /reset or /system_prompt instead.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.store.Get(id)
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	if msg.Role == conversation.RoleSystem {
		writeError(w, http.StatusBadRequest, "cannot delete the system message")
		return
	}

	deleted := s.store.Delete([]string{id})
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleDeleteAfter drops everything after the given message.
func (s *Server) handleDeleteAfter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.store.DeleteAfter(id)
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// handleBulkDelete drops plain ids one by one and user ids with their
// whole turn group.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs     []string `json:"ids"`
		UserIDs []string `json:"user_ids"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.IDs) == 0 && len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "nothing to delete")
		return
	}

	deleted := 0
	if len(req.UserIDs) > 0 {
		deleted += s.store.DeleteUser(req.UserIDs)
	}
	if len(req.IDs) > 0 {
		deleted += s.store.Delete(req.IDs)
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
