package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.Len(t, id, 8)
		assert.False(t, seen[id], "id collision: %s", id)
		seen[id] = true
	}
}

func TestMessage_Copy(t *testing.T) {
	orig := Message{
		ID:      "m1",
		Role:    RoleAssistant,
		Content: "calling",
		ToolCalls: []ToolCall{
			{ID: "c1", Type: "function", Function: FunctionCall{Name: "p__now", Arguments: "{}"}},
		},
		Meta: Meta{ID: "m1", CreatedAt: 42},
	}

	cp := orig.Copy()
	cp.ToolCalls[0].Function.Name = "changed"
	cp.Content = "changed"

	assert.Equal(t, "p__now", orig.ToolCalls[0].Function.Name)
	assert.Equal(t, "calling", orig.Content)
}

func TestMessage_JSONShape(t *testing.T) {
	msg := Message{
		ID:      "abc12345",
		Role:    RoleAssistant,
		Content: "",
		ToolCalls: []ToolCall{
			{ID: "c1", Type: "function", Function: FunctionCall{Name: "p__now", Arguments: `{"x":1}`}},
		},
		Meta: Meta{ID: "abc12345", CreatedAt: 1717200000000, ParentID: "", Cycle: 0},
	}

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "abc12345", decoded["id"])
	assert.Equal(t, "assistant", decoded["role"])

	calls, ok := decoded["tool_calls"].([]any)
	require.True(t, ok)
	call := calls[0].(map[string]any)
	fn := call["function"].(map[string]any)
	assert.Equal(t, "p__now", fn["name"])
	assert.Equal(t, `{"x":1}`, fn["arguments"], "arguments stay JSON text, not nested objects")

	meta := decoded["meta"].(map[string]any)
	assert.Equal(t, float64(1717200000000), meta["created_at"])
	_, hasParent := meta["parent_id"]
	assert.False(t, hasParent, "empty parent_id is omitted")

	// A tool message carries tool_call_id and no tool_calls.
	tool := Message{ID: "t1", Role: RoleTool, Content: "result", ToolCallID: "c1", Meta: Meta{ID: "t1", CreatedAt: 1, ParentID: "abc12345"}}
	raw, err = json.Marshal(tool)
	require.NoError(t, err)
	decoded = map[string]any{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "c1", decoded["tool_call_id"])
	_, hasCalls := decoded["tool_calls"]
	assert.False(t, hasCalls)
	assert.Equal(t, "abc12345", decoded["meta"].(map[string]any)["parent_id"])
}
