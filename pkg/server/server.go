// Package server exposes one agent session over HTTP: ask endpoints
// gated to a single job, message-log editing, replay, direct tool
// dispatch, and a WebSocket bridge that carries UI tools one way and
// memory/status events the other.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mentatlabs/mentat/pkg/agent"
	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/tool"
	"github.com/mentatlabs/mentat/pkg/tool/wstoolset"
)

// Options wires a Server. Everything but Address and Logger is
// required.
type Options struct {
	Address string

	Store  *conversation.Store
	Agent  *agent.Agent
	Gate   *agent.Gate
	Router *tool.Router
	Bridge *wstoolset.Bridge

	Logger *slog.Logger
}

// Server is the HTTP surface over one agent session.
type Server struct {
	addr   string
	store  *conversation.Store
	agent  *agent.Agent
	gate   *agent.Gate
	router *tool.Router
	bridge *wstoolset.Bridge
	logger *slog.Logger

	handler    http.Handler
	httpServer *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if opts.Router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if opts.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}
	if opts.Address == "" {
		opts.Address = ":8080"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		addr:   opts.Address,
		store:  opts.Store,
		agent:  opts.Agent,
		gate:   opts.Gate,
		router: opts.Router,
		bridge: opts.Bridge,
		logger: opts.Logger,
	}

	// Every log mutation reaches connected UIs, new sockets get the
	// current log immediately, and gate transitions fan out as status.
	s.store.Subscribe(func(ev conversation.Event) {
		s.bridge.BroadcastEvent("memory_update", ev.Log)
	})
	s.bridge.OnConnect(func(c wstoolset.Sender) {
		_ = c.Send(map[string]interface{}{
			"event": "memory_update",
			"data":  s.store.Snapshot(),
		})
	})
	s.gate.OnChange(func(st agent.Status) {
		s.bridge.BroadcastEvent("agent_status", st)
	})

	s.handler = s.setupRouting()
	return s, nil
}

func (s *Server) setupRouting() http.Handler {
	r := chi.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/ask", s.handleAsk)
	r.Get("/ask_stream", s.handleAskStream)
	r.Post("/stop", s.handleStop)
	r.Get("/status", s.handleStatus)
	r.Get("/history", s.handleHistory)
	r.Post("/system_prompt", s.handleSystemPrompt)
	r.Post("/replay", s.handleReplay)
	r.Post("/replay_until", s.handleReplayUntil)
	r.Post("/reset", s.handleReset)

	r.Route("/messages", func(r chi.Router) {
		r.Patch("/{id}", s.handleUpdateMessage)
		r.Delete("/{id}", s.handleDeleteMessage)
		r.Delete("/after/{id}", s.handleDeleteAfter)
		r.Post("/bulk_delete", s.handleBulkDelete)
	})

	r.Route("/tools", func(r chi.Router) {
		r.Get("/", s.handleListTools)
		r.Post("/run", s.handleRunTool)
		r.Post("/register", s.handleRegisterTool)
	})

	r.Get("/ws", s.bridge.ServeHTTP)

	return r
}

// Handler returns the routed handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.handler,
	}

	s.logger.Info("HTTP server starting", "address", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Stop cancels any active job, closes the bridge, and drains the
// listener within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.gate.Stop()
	_ = s.bridge.Close()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// statusFromErr maps loop and store errors onto HTTP statuses.
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, agent.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, conversation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, conversation.ErrValidation),
		errors.Is(err, conversation.ErrEmptyReply):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %v", err)
	}
	return nil
}
