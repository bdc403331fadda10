package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mentatlabs/mentat/pkg/agent"
	"github.com/mentatlabs/mentat/pkg/conversation"
)

// handleAsk runs one blocking turn. The gate still applies: a busy
// session answers 409 rather than interleaving two loops.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	runCtx, jobID, err := s.gate.Start(r.Context())
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	defer s.gate.End(jobID)

	reply, err := s.agent.Ask(runCtx, req.Prompt)
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

// handleAskStream runs one turn and relays its events as SSE data
// frames, closing with a type:end / type:stopped terminal frame.
func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	prompt := strings.TrimSpace(r.URL.Query().Get("prompt"))
	if prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	runCtx, jobID, err := s.gate.Start(r.Context())
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	defer s.gate.End(jobID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, err := s.agent.AskStream(runCtx, prompt)
	if err != nil {
		sendSSE(w, flusher, map[string]string{"type": "end", "error": err.Error()})
		return
	}

	var last agent.Event
	for ev := range events {
		last = ev
		sendSSE(w, flusher, ev)
	}

	switch last.State {
	case agent.StateStopped:
		sendSSE(w, flusher, map[string]string{"type": "stopped"})
	case agent.StateError:
		sendSSE(w, flusher, map[string]string{"type": "end", "error": last.Error})
	default:
		sendSSE(w, flusher, map[string]string{"type": "end"})
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// handleStop cancels the active job if there is one.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.gate.Stop() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

// handleStatus reports the gate snapshot plus the log size.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		agent.Status
		Messages int `json:"messages"`
	}{
		Status:   s.gate.Status(),
		Messages: s.store.Len(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReplay trims everything after the given user message and
// re-runs the loop from it in the background.
func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.store.Get(req.ID)
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}
	if msg.Role != conversation.RoleUser {
		writeError(w, http.StatusBadRequest, "replay target must be a user message")
		return
	}

	s.startReplay(w, msg.ID)
}

// handleReplayUntil replays from the nearest user message at or
// before the given message.
func (s *Server) handleReplayUntil(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.store.Get(req.ID); err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}

	userID := ""
	for _, m := range s.store.Snapshot() {
		if m.Role == conversation.RoleUser {
			userID = m.ID
		}
		if m.ID == req.ID {
			break
		}
	}
	if userID == "" {
		writeError(w, http.StatusBadRequest, "no user message at or before target")
		return
	}

	s.startReplay(w, userID)
}

// startReplay claims the gate, trims the log after the kept user
// message, and resumes the loop in the background. Events reach UIs
// through the bridge; the response only acknowledges the job.
func (s *Server) startReplay(w http.ResponseWriter, userID string) {
	// Background parent: the job outlives this request. Stop and
	// shutdown cancel it through the gate.
	runCtx, jobID, err := s.gate.Start(context.Background())
	if err != nil {
		writeError(w, statusFromErr(err), err.Error())
		return
	}

	if _, err := s.store.DeleteAfter(userID); err != nil {
		s.gate.End(jobID)
		writeError(w, statusFromErr(err), err.Error())
		return
	}

	go func() {
		events, err := s.agent.ResumeStream(runCtx)
		if err == nil {
			// Drain; the bridge and gate observers carry the events.
			for range events {
			}
		}
		s.gate.End(jobID)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "replaying",
		"job_id": jobID,
	})
}

// handleReset clears the log, keeping the system prompt. Rejected
// while a job is running.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.gate.Busy() {
		writeError(w, http.StatusConflict, agent.ErrBusy.Error())
		return
	}
	deleted := s.store.Clear(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "reset",
		"deleted": deleted,
	})
}
