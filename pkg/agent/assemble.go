package agent

import (
	"encoding/json"
	"strings"

	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/llms"
)

// slot accretes the fragments of one streamed tool call. The wire may
// split id, type, name and arguments across any number of deltas, all
// tagged with the same index.
type slot struct {
	id   strings.Builder
	typ  strings.Builder
	name strings.Builder
	args strings.Builder
}

// callTable reassembles streamed tool-call deltas, keyed by delta
// index, preserving first-seen order.
type callTable struct {
	slots map[int]*slot
	order []int
}

func newCallTable() *callTable {
	return &callTable{slots: make(map[int]*slot)}
}

func (t *callTable) add(d llms.ToolCallDelta) {
	s, ok := t.slots[d.Index]
	if !ok {
		s = &slot{}
		t.slots[d.Index] = s
		t.order = append(t.order, d.Index)
	}
	s.id.WriteString(d.ID)
	s.typ.WriteString(d.Type)
	s.name.WriteString(d.Name)
	s.args.WriteString(d.Arguments)
}

// collect returns the ready calls in emission order along with the
// indexes of slots that never completed. A slot is ready once id,
// type and name are set and its arguments parse as a JSON object.
func (t *callTable) collect() (calls []conversation.ToolCall, incomplete []int) {
	for _, idx := range t.order {
		s := t.slots[idx]
		if s.id.Len() == 0 || s.typ.Len() == 0 || s.name.Len() == 0 {
			incomplete = append(incomplete, idx)
			continue
		}
		if _, ok := parseArguments(s.args.String()); !ok {
			incomplete = append(incomplete, idx)
			continue
		}
		calls = append(calls, conversation.ToolCall{
			ID:   s.id.String(),
			Type: s.typ.String(),
			Function: conversation.FunctionCall{
				Name:      s.name.String(),
				Arguments: s.args.String(),
			},
		})
	}
	return calls, incomplete
}

// parseArguments reports whether raw is a complete JSON object and
// decodes it. The brace check is a cheap pre-filter; the parse is
// authoritative, so braces inside string values are handled.
func parseArguments(raw string) (map[string]interface{}, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, false
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, false
	}
	return args, true
}
