// Package wstoolset bridges browser-registered tools into a
// tool.Toolset over WebSocket. Connected clients declare tools with
// register_tools frames; each Call broadcasts a tool_call frame to
// every live socket and waits for a matching tool_result frame. The
// same socket set carries server push events (memory updates, agent
// status), so the bridge doubles as the UI event fan-out.
package wstoolset

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mentatlabs/mentat/pkg/tool"
)

const (
	maxPayloadBytes = 1 << 20
	sendBufferSize  = 64
	pingInterval    = 15 * time.Second
	pongWait        = 45 * time.Second
	writeWait       = 10 * time.Second
)

// frame is one JSON message on the bridge socket, inbound or outbound.
// Unused fields stay empty; Event discriminates.
type frame struct {
	Event  string                 `json:"event"`
	Tool   string                 `json:"tool,omitempty"`
	Args   map[string]interface{} `json:"args,omitempty"`
	CallID string                 `json:"call_id,omitempty"`
	Result json.RawMessage        `json:"result,omitempty"`
	Tools  []ToolSpec             `json:"tools,omitempty"`
	Detail string                 `json:"detail,omitempty"`
	Data   interface{}            `json:"data,omitempty"`
}

// ToolSpec is a client-declared tool.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type registered struct {
	description string
	parameters  map[string]interface{}
}

// Bridge is a WebSocket-backed toolset. It implements both
// tool.Toolset and http.Handler; mount it on the route UI clients
// dial.
type Bridge struct {
	id       string
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	sessions  map[*session]struct{}
	pending   map[string]chan json.RawMessage
	order     []string
	tools     map[string]registered
	onConnect func(Sender)
	closed    bool
}

// New builds a bridge with the given toolset id.
func New(id string, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		id:     id,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessions: make(map[*session]struct{}),
		pending:  make(map[string]chan json.RawMessage),
		tools:    make(map[string]registered),
	}
}

// ID implements tool.Toolset.
func (b *Bridge) ID() string {
	return b.id
}

// RegisterTool validates and records a client-declared tool. A name
// that is already registered is skipped, keeping the first
// definition.
func (b *Bridge) RegisterTool(name, description string, parameters map[string]interface{}) error {
	b.mu.Lock()
	if _, exists := b.tools[name]; exists {
		b.mu.Unlock()
		b.logger.Debug("Tool already registered, skipping", "toolset", b.id, "tool", name)
		return nil
	}
	b.mu.Unlock()

	if err := tool.ValidateSchema(name, description, parameters); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.tools[name]; exists {
		return nil
	}
	b.order = append(b.order, name)
	b.tools[name] = registered{description: description, parameters: parameters}

	b.logger.Info("Registered UI tool", "toolset", b.id, "tool", name)
	return nil
}

// Tools implements tool.Toolset, listing tools in registration order.
func (b *Bridge) Tools(ctx context.Context) ([]tool.Definition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	defs := make([]tool.Definition, 0, len(b.order))
	for _, name := range b.order {
		reg := b.tools[name]
		defs = append(defs, tool.Definition{
			Name:        name,
			Description: reg.description,
			Parameters:  reg.parameters,
		})
	}
	return defs, nil
}

// Call implements tool.Toolset. The call is broadcast to every
// connected client and blocks until one answers with a tool_result
// frame for the same call id, the context ends, or the bridge
// closes. No timeout of its own; bound the context if needed.
func (b *Bridge) Call(ctx context.Context, callID, name string, args map[string]interface{}) (string, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", tool.NewError(b.id, "call", "bridge is closed", nil)
	}
	if _, exists := b.tools[name]; !exists {
		b.mu.Unlock()
		return "", tool.NewError(b.id, "call",
			fmt.Sprintf("tool %s not found", name), tool.ErrUnknownTool)
	}
	if len(b.sessions) == 0 {
		b.mu.Unlock()
		return "", tool.NewError(b.id, "call",
			fmt.Sprintf("no connected clients to run tool %s", name), nil)
	}

	result := make(chan json.RawMessage, 1)
	b.pending[callID] = result
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, callID)
		b.mu.Unlock()
	}()

	b.Broadcast(frame{
		Event:  "tool_call",
		Tool:   name,
		Args:   args,
		CallID: callID,
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case raw, ok := <-result:
		if !ok {
			return "", tool.NewError(b.id, "call", "bridge closed while waiting for result", nil)
		}
		return renderResult(raw), nil
	}
}

// Broadcast sends one frame to every connected client. Sockets whose
// send buffer is full are dropped.
func (b *Bridge) Broadcast(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("Failed to encode broadcast frame", "toolset", b.id, "error", err)
		return
	}

	b.mu.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if !s.enqueue(data) {
			s.close()
		}
	}
}

// BroadcastEvent wraps data in an {event, data} frame and broadcasts
// it.
func (b *Bridge) BroadcastEvent(event string, data interface{}) {
	b.Broadcast(frame{Event: event, Data: data})
}

// Clients reports the number of connected sockets.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// Close implements tool.Toolset. In-flight calls fail, sockets close.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session, 0, len(b.sessions))
	for s := range b.sessions {
		sessions = append(sessions, s)
	}
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	return nil
}

// ServeHTTP upgrades the request and runs the socket's read/write
// pumps until the client leaves.
func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		http.Error(w, "bridge is closed", http.StatusServiceUnavailable)
		return
	}
	b.mu.Unlock()

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &session{
		bridge: b,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.sessions[s] = struct{}{}
	clients := len(b.sessions)
	onConnect := b.onConnect
	b.mu.Unlock()

	b.logger.Info("WebSocket client connected", "toolset", b.id, "clients", clients)

	if onConnect != nil {
		onConnect(s)
	}

	s.run()
}

// OnConnect registers a hook invoked with each new session, used to
// seed freshly connected clients with current state.
func (b *Bridge) OnConnect(fn func(Sender)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = fn
}

// Sender delivers frames to a single client.
type Sender interface {
	// Send marshals payload and queues it for this client only.
	Send(payload interface{}) error
}

func (b *Bridge) drop(s *session) {
	b.mu.Lock()
	delete(b.sessions, s)
	clients := len(b.sessions)
	b.mu.Unlock()

	b.logger.Info("WebSocket client disconnected", "toolset", b.id, "clients", clients)
}

func (b *Bridge) resolveResult(callID string, result json.RawMessage) {
	b.mu.Lock()
	ch, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Debug("Dropping result for unknown call", "toolset", b.id, "call_id", callID)
		return
	}
	ch <- result
}

// handleFrame dispatches one inbound client frame.
func (b *Bridge) handleFrame(s *session, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		_ = s.Send(frame{Event: "error", Detail: "invalid frame: " + err.Error()})
		return
	}

	switch f.Event {
	case "register_tools":
		for _, spec := range f.Tools {
			if err := b.RegisterTool(spec.Name, spec.Description, spec.Parameters); err != nil {
				_ = s.Send(frame{Event: "error", Detail: err.Error()})
				continue
			}
			b.Broadcast(map[string]interface{}{
				"event":     "tools_updated",
				"tool_name": spec.Name,
			})
		}
	case "tool_result":
		b.resolveResult(f.CallID, f.Result)
	case "tool_call":
		// Client-originated calls are relayed to the other clients.
		b.Broadcast(json.RawMessage(raw))
	default:
		b.logger.Debug("Ignoring unknown frame", "toolset", b.id, "event", f.Event)
	}
}

// renderResult turns the client's result value into tool-message
// text: JSON strings unwrap, everything else stays JSON.
func renderResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

var _ tool.Toolset = (*Bridge)(nil)
var _ http.Handler = (*Bridge)(nil)
