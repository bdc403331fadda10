package server

import (
	"net/http"
	"strings"

	"github.com/mentatlabs/mentat/pkg/conversation"
)

// handleListTools returns the advertised (namespaced) definitions.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	defs, err := s.router.Tools(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": defs})
}

// handleRunTool dispatches one tool directly, outside any turn. Tool
// failures are part of the payload, not an HTTP error, so UIs can
// show them inline.
func (s *Server) handleRunTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CallID   string                 `json:"call_id"`
		ToolName string                 `json:"tool_name"`
		Params   map[string]interface{} `json:"params"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ToolName) == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}
	if req.CallID == "" {
		req.CallID = "manual_" + conversation.NewID()
	}

	out, err := s.router.Call(r.Context(), req.CallID, req.ToolName, req.Params)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

// handleRegisterTool adds a bridge tool over HTTP, mirroring the
// register_tools socket frame.
func (s *Server) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.bridge.RegisterTool(req.Name, req.Description, req.Parameters); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.bridge.Broadcast(map[string]interface{}{
		"event":     "tools_updated",
		"tool_name": req.Name,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}
