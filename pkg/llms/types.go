// Package llms defines the chat-completion surface the agent loop
// drives and provides an OpenAI-compatible HTTP implementation of it.
//
// Providers return either a complete response (Generate) or a channel
// of raw stream chunks (GenerateStreaming). Streamed tool calls arrive
// as indexed fragments; reassembly is the caller's job, so the chunks
// here carry the deltas exactly as the wire delivered them.
package llms

import (
	"context"

	"github.com/mentatlabs/mentat/pkg/conversation"
)

// Stream chunk kinds.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call_delta"
	ChunkDone     = "done"
	ChunkError    = "error"
)

// Finish reasons the loop dispatches on.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// ToolDefinition advertises one callable tool to the model. Parameters
// is a JSON Schema object (type:object with properties/required).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Completion is the result of one non-streaming model request.
type Completion struct {
	Content      string
	ToolCalls    []conversation.ToolCall
	FinishReason string
	Tokens       int
}

// ToolCallDelta is one fragment of a streamed tool call. Index slots
// the fragment into a per-response call table; ID, Type and Name
// arrive once on the opening fragment while Arguments accretes across
// subsequent ones.
type ToolCallDelta struct {
	Index     int
	ID        string
	Type      string
	Name      string
	Arguments string
}

// StreamChunk is one unit of a streaming generation.
//
//   - ChunkText carries Text.
//   - ChunkToolCall carries ToolDeltas, unreassembled.
//   - ChunkDone closes the stream and carries FinishReason plus the
//     total token count when the endpoint reported usage.
//   - ChunkError carries Error; the channel closes after it.
type StreamChunk struct {
	Type         string
	Text         string
	ToolDeltas   []ToolCallDelta
	FinishReason string
	Tokens       int
	Error        error
}

// Provider is a chat-completion backend.
type Provider interface {
	// Generate performs one blocking completion request.
	Generate(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (*Completion, error)

	// GenerateStreaming performs one streaming request. The returned
	// channel is closed after a terminal ChunkDone or ChunkError.
	GenerateStreaming(ctx context.Context, messages []conversation.Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// ModelName reports the configured model identifier.
	ModelName() string

	// Close releases any transport resources.
	Close() error
}
