// Package conversation holds the ordered message log an agent session
// reasons over: a system prompt, user prompts, assistant replies, and
// the tool results those replies requested.
package conversation

import (
	"github.com/google/uuid"
)

// Message roles. At most one system message exists per log and it
// occupies position 0.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall names the tool and carries its arguments as JSON text,
// exactly as the model emitted them.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by an assistant message.
// ID binds the request to the tool message that answers it.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// Meta is store-owned bookkeeping. CreatedAt is a monotonic millisecond
// stamp: insertion order and timestamp order always agree.
type Meta struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	ParentID  string `json:"parent_id,omitempty"`
	Cycle     int    `json:"cycle,omitempty"`
}

// Message is one entry in the log.
//
// Content may be empty on an assistant message that only carries tool
// calls. ToolCalls is set only on assistant messages; ToolCallID only
// on tool messages, naming the assistant call it answers.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Meta       Meta       `json:"meta"`
}

// CallWithResult pairs a tool call with the result of executing it,
// for the combined assistant-reply append.
type CallWithResult struct {
	Call   ToolCall
	Result string
}

// NewID returns an 8-character opaque message id. Uniqueness within a
// session is what matters; a collision is a bug, not a handled case.
func NewID() string {
	return uuid.New().String()[:8]
}

// Copy returns a deep copy of the message.
func (m Message) Copy() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// HasToolCalls reports whether the message requests any tool calls.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// CopyAll deep-copies a message list.
func CopyAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Copy()
	}
	return out
}
