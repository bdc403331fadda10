package memory

import (
	"strings"
	"unicode/utf8"

	"github.com/mentatlabs/mentat/pkg/conversation"
	"github.com/mentatlabs/mentat/pkg/utils"
)

const (
	// DefaultMaxTokens is the refinement budget when none is
	// configured, in estimated tokens (len/4).
	DefaultMaxTokens = 8192

	// DefaultTrimCap is the per-response character cap beyond which a
	// tool result is trimmed into the temporal store.
	DefaultTrimCap = 256
)

// exemptToolPrefix matches routed tool names of the temporal provider.
var exemptToolPrefix = ProviderID + "__"

// PairwiseConfig configures the pairwise refinement strategy.
// Temporal enables the trimming overlay; leave it nil to refine on
// budget alone.
type PairwiseConfig struct {
	MaxTokens int
	TrimCap   int
	Temporal  *TemporalStore
}

// PairwiseStrategy keeps the system prompt, drops both sides of broken
// call pairs, then admits messages newest-first under the token budget
// with assistant+tool groups taken atomically. With a temporal store
// attached, oversized tool results are trimmed to a preview plus a
// recall marker and the full text parked under the message id.
type PairwiseStrategy struct {
	maxTokens int
	trimCap   int
	temporal  *TemporalStore
}

func NewPairwiseStrategy(cfg PairwiseConfig) *PairwiseStrategy {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.TrimCap <= 0 {
		cfg.TrimCap = DefaultTrimCap
	}
	return &PairwiseStrategy{
		maxTokens: cfg.MaxTokens,
		trimCap:   cfg.TrimCap,
		temporal:  cfg.Temporal,
	}
}

func (s *PairwiseStrategy) Name() string {
	return "pairwise"
}

func (s *PairwiseStrategy) Refine(log []conversation.Message) []conversation.Message {
	var system *conversation.Message
	rest := make([]conversation.Message, 0, len(log))
	for _, m := range log {
		if m.Role == conversation.RoleSystem && system == nil {
			cp := m.Copy()
			system = &cp
			continue
		}
		rest = append(rest, m.Copy())
	}

	callToAssistant := make(map[string]int)
	callToTool := make(map[string]int)
	exemptCalls := make(map[string]bool)
	for i, m := range rest {
		switch {
		case m.Role == conversation.RoleAssistant && m.HasToolCalls():
			for _, c := range m.ToolCalls {
				callToAssistant[c.ID] = i
				if strings.HasPrefix(c.Function.Name, exemptToolPrefix) {
					exemptCalls[c.ID] = true
				}
			}
		case m.Role == conversation.RoleTool:
			callToTool[m.ToolCallID] = i
		}
	}

	// Both sides of a broken pair go: an assistant with any unanswered
	// call, then every tool response whose assistant is missing or was
	// itself excluded.
	excluded := make([]bool, len(rest))
	for i, m := range rest {
		if m.Role != conversation.RoleAssistant || !m.HasToolCalls() {
			continue
		}
		for _, c := range m.ToolCalls {
			if _, ok := callToTool[c.ID]; !ok {
				excluded[i] = true
				break
			}
		}
	}
	for i, m := range rest {
		if m.Role != conversation.RoleTool {
			continue
		}
		ai, ok := callToAssistant[m.ToolCallID]
		if !ok || excluded[ai] {
			excluded[i] = true
		}
	}

	// Newest-first admission under the budget. Tool responses ride
	// with their assistant; the group is all-or-nothing.
	budget := s.maxTokens
	view := make(map[int]conversation.Message)
	for i := len(rest) - 1; i >= 0; i-- {
		if excluded[i] {
			continue
		}
		if _, done := view[i]; done {
			continue
		}
		m := rest[i]
		switch {
		case m.Role == conversation.RoleTool:
			continue

		case m.Role == conversation.RoleAssistant && m.HasToolCalls():
			cost := utils.EstimateTokens(m.Content)
			rendered := map[int]conversation.Message{i: m}
			for _, c := range m.ToolCalls {
				ti := callToTool[c.ID]
				tm := s.renderTool(rest[ti], exemptCalls[c.ID])
				rendered[ti] = tm
				cost += utils.EstimateTokens(tm.Content)
			}
			if cost > budget {
				continue
			}
			for idx, rm := range rendered {
				view[idx] = rm
			}
			budget -= cost

		default:
			cost := utils.EstimateTokens(m.Content)
			if cost > budget {
				continue
			}
			view[i] = m
			budget -= cost
		}
	}

	// rest is already in created_at order, so collecting by index is
	// the re-sort, with insertion order breaking timestamp ties.
	out := make([]conversation.Message, 0, len(view)+1)
	if system != nil {
		out = append(out, *system)
	}
	for i := range rest {
		if m, ok := view[i]; ok {
			out = append(out, m)
		}
	}
	return out
}

// renderTool applies the trimming overlay to a copy of a tool
// response. The store's log keeps the full content; only the refined
// view shrinks.
func (s *PairwiseStrategy) renderTool(m conversation.Message, exempt bool) conversation.Message {
	if s.temporal == nil || exempt {
		return m
	}
	if len(m.Content) <= s.trimCap {
		return m
	}
	if strings.Contains(m.Content, markerPrefix) {
		return m
	}
	s.temporal.Put(m.ID, m.Content)
	m.Content = previewOf(m.Content, s.trimCap) + "... " + RecallMarker(m.ID)
	return m
}

// previewOf cuts content at cap bytes, backing off to a rune boundary.
func previewOf(content string, cap int) string {
	if len(content) <= cap {
		return content
	}
	b := cap
	for b > 0 && !utf8.RuneStart(content[b]) {
		b--
	}
	return content[:b]
}

var _ Strategy = (*PairwiseStrategy)(nil)
