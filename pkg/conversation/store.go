package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Mutation kinds reported to observers.
const (
	OpSystemPrompt   = "system_prompt"
	OpAdd            = "add"
	OpAssistantReply = "assistant_reply"
	OpToolResult     = "tool_result"
	OpUpdate         = "update"
	OpInsert         = "insert"
	OpDelete         = "delete"
	OpClear          = "clear"
	OpCycle          = "cycle"
)

// Event is delivered to observers after every successful mutation.
// Log is the full current log, deep-copied per observer.
type Event struct {
	Op  string
	Log []Message
}

// ObserverFunc receives store events synchronously, in mutation order,
// on the mutating goroutine. A panicking observer is logged and
// swallowed.
type ObserverFunc func(Event)

// Store owns the message log. All reads hand out deep copies; the
// internal slice never escapes.
type Store struct {
	mu        sync.RWMutex
	messages  []*Message
	lastStamp int64

	obsMu     sync.RWMutex
	observers []ObserverFunc
}

func NewStore() *Store {
	return &Store{}
}

// Subscribe registers an observer for subsequent mutations.
func (s *Store) Subscribe(fn ObserverFunc) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// nextStamp returns a strictly increasing millisecond stamp so that
// insertion order and timestamp order always agree. Callers hold mu.
func (s *Store) nextStamp() int64 {
	now := time.Now().UnixMilli()
	if now <= s.lastStamp {
		now = s.lastStamp + 1
	}
	s.lastStamp = now
	return now
}

// stampLocked fills in id and created_at when absent. Callers hold mu.
func (s *Store) stampLocked(msg *Message) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	msg.Meta.ID = msg.ID
	if msg.Meta.CreatedAt == 0 {
		msg.Meta.CreatedAt = s.nextStamp()
	} else if msg.Meta.CreatedAt > s.lastStamp {
		s.lastStamp = msg.Meta.CreatedAt
	}
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Copy()
	}
	return out
}

// notify delivers one event per observer. The caller must have
// released mu so observers can re-enter read APIs.
func (s *Store) notify(op string, log []Message) {
	s.obsMu.RLock()
	observers := make([]ObserverFunc, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.RUnlock()

	for _, fn := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Conversation observer panicked", "op", op, "panic", r)
				}
			}()
			fn(Event{Op: op, Log: CopyAll(log)})
		}()
	}
}

// SetSystemPrompt replaces the system message content, inserting the
// message at the head when none exists yet. Returns the system
// message id.
func (s *Store) SetSystemPrompt(text string) string {
	s.mu.Lock()
	var id string
	if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		s.messages[0].Content = text
		id = s.messages[0].ID
	} else {
		msg := &Message{ID: NewID(), Role: RoleSystem, Content: text}
		msg.Meta.ID = msg.ID
		if len(s.messages) > 0 {
			// Head insert: stamp below the first message so timestamp
			// order still matches position order.
			msg.Meta.CreatedAt = s.messages[0].Meta.CreatedAt - 1
		} else {
			msg.Meta.CreatedAt = s.nextStamp()
		}
		s.messages = append([]*Message{msg}, s.messages...)
		id = msg.ID
	}
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpSystemPrompt, log)
	return id
}

// Add appends a message, stamping id and created_at when absent.
// System messages are rejected; they enter only via SetSystemPrompt.
func (s *Store) Add(msg Message) (string, error) {
	switch msg.Role {
	case RoleSystem:
		return "", fmt.Errorf("%w: system messages enter via SetSystemPrompt", ErrValidation)
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, msg.Role)
	}

	m := msg.Copy()
	s.mu.Lock()
	s.stampLocked(&m)
	s.messages = append(s.messages, &m)
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpAdd, log)
	return m.ID, nil
}

// AddUserPrompt appends a user message and returns its id.
func (s *Store) AddUserPrompt(text string) string {
	id, _ := s.Add(Message{Role: RoleUser, Content: text})
	return id
}

// AddToolResult appends a tool message answering an existing assistant
// call. The unknown call id case is NotFound.
func (s *Store) AddToolResult(callID, content string) (string, error) {
	s.mu.Lock()
	parent := s.assistantForCallLocked(callID)
	if parent == nil {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: no assistant call %q", ErrNotFound, callID)
	}
	msg := &Message{Role: RoleTool, Content: content, ToolCallID: callID}
	s.stampLocked(msg)
	msg.Meta.ParentID = parent.ID
	s.messages = append(s.messages, msg)
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpToolResult, log)
	return msg.ID, nil
}

// AddAssistantReply appends the assistant's reply for one model round.
// A content-only reply appends a single assistant message. When calls
// are supplied, one assistant shell bearing every tool call is
// appended, followed by one tool message per call in call order, all
// as a single mutation; each tool message carries parent_id pointing
// at the shell. Fails with ErrEmptyReply when there is neither content
// nor calls, leaving the log unchanged.
func (s *Store) AddAssistantReply(content string, calls []CallWithResult) (string, error) {
	if content == "" && len(calls) == 0 {
		return "", ErrEmptyReply
	}

	s.mu.Lock()
	shell := &Message{Role: RoleAssistant, Content: content}
	for _, cr := range calls {
		call := cr.Call
		if call.ID == "" {
			call.ID = NewID()
		}
		if call.Type == "" {
			call.Type = "function"
		}
		shell.ToolCalls = append(shell.ToolCalls, call)
	}
	s.stampLocked(shell)
	s.messages = append(s.messages, shell)

	for i, cr := range calls {
		tm := &Message{
			Role:       RoleTool,
			Content:    cr.Result,
			ToolCallID: shell.ToolCalls[i].ID,
		}
		s.stampLocked(tm)
		tm.Meta.ParentID = shell.ID
		s.messages = append(s.messages, tm)
	}

	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpAssistantReply, log)
	return shell.ID, nil
}

// Snapshot returns a deep copy of the log.
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Get returns a copy of the message with the given id.
func (s *Store) Get(id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m.Copy(), nil
		}
	}
	return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// UpdateContent replaces the content of an existing message.
func (s *Store) UpdateContent(id, content string) error {
	s.mu.Lock()
	var found bool
	for _, m := range s.messages {
		if m.ID == id {
			m.Content = content
			found = true
			break
		}
	}
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpUpdate, log)
	return nil
}

// InsertAfter places a new message directly after an existing one.
// Later stamps are nudged forward as needed so created_at order keeps
// matching position order.
func (s *Store) InsertAfter(afterID, role, content string) (string, error) {
	switch role {
	case RoleSystem:
		return "", fmt.Errorf("%w: cannot insert a system message", ErrValidation)
	case RoleUser, RoleAssistant, RoleTool:
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.ID == afterID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, afterID)
	}

	msg := &Message{ID: NewID(), Role: role, Content: content}
	msg.Meta.ID = msg.ID
	msg.Meta.CreatedAt = s.messages[idx].Meta.CreatedAt + 1

	s.messages = append(s.messages, nil)
	copy(s.messages[idx+2:], s.messages[idx+1:])
	s.messages[idx+1] = msg

	for i := idx + 2; i < len(s.messages); i++ {
		if s.messages[i].Meta.CreatedAt > s.messages[i-1].Meta.CreatedAt {
			break
		}
		s.messages[i].Meta.CreatedAt = s.messages[i-1].Meta.CreatedAt + 1
	}
	if last := s.messages[len(s.messages)-1].Meta.CreatedAt; last > s.lastStamp {
		s.lastStamp = last
	}

	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpInsert, log)
	return msg.ID, nil
}

// Delete drops the listed messages. System messages are silently
// excluded. Returns the number of messages removed.
func (s *Store) Delete(ids []string) int {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	var kept []*Message
	count := 0
	for _, m := range s.messages {
		if drop[m.ID] && m.Role != RoleSystem {
			count++
			continue
		}
		kept = append(kept, m)
	}
	if count == 0 {
		s.mu.Unlock()
		return 0
	}
	s.messages = kept
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpDelete, log)
	return count
}

// DeleteUser drops each listed user message together with the
// contiguous assistant and tool messages that follow it, up to the
// next user message or the end of the log.
func (s *Store) DeleteUser(userIDs []string) int {
	target := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		target[id] = true
	}

	s.mu.Lock()
	dropIdx := make(map[int]bool)
	for i, m := range s.messages {
		if m.Role != RoleUser || !target[m.ID] {
			continue
		}
		dropIdx[i] = true
		for j := i + 1; j < len(s.messages); j++ {
			r := s.messages[j].Role
			if r != RoleAssistant && r != RoleTool {
				break
			}
			dropIdx[j] = true
		}
	}
	if len(dropIdx) == 0 {
		s.mu.Unlock()
		return 0
	}

	kept := make([]*Message, 0, len(s.messages)-len(dropIdx))
	for i, m := range s.messages {
		if !dropIdx[i] {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	count := len(dropIdx)
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpDelete, log)
	return count
}

// DeleteTool drops the assistant message bearing the given call id and
// every tool response paired to that assistant's calls, so no orphan
// tool response is left behind.
func (s *Store) DeleteTool(callID string) int {
	s.mu.Lock()
	shell := s.assistantForCallLocked(callID)
	if shell == nil {
		s.mu.Unlock()
		return 0
	}
	callIDs := make(map[string]bool, len(shell.ToolCalls))
	for _, c := range shell.ToolCalls {
		callIDs[c.ID] = true
	}

	var kept []*Message
	count := 0
	for _, m := range s.messages {
		if m == shell || (m.Role == RoleTool && callIDs[m.ToolCallID]) {
			count++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpDelete, log)
	return count
}

// DeleteAfter drops everything strictly after the given message,
// keeping any system message. Returns the number of messages removed.
func (s *Store) DeleteAfter(id string) (int, error) {
	s.mu.Lock()
	idx := -1
	for i, m := range s.messages {
		if m.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	kept := make([]*Message, 0, idx+1)
	kept = append(kept, s.messages[:idx+1]...)
	count := 0
	for _, m := range s.messages[idx+1:] {
		if m.Role == RoleSystem {
			kept = append(kept, m)
			continue
		}
		count++
	}
	if count == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	s.messages = kept
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpDelete, log)
	return count, nil
}

// Clear drops all messages, keeping the system message when asked.
func (s *Store) Clear(keepSystem bool) int {
	s.mu.Lock()
	var kept []*Message
	if keepSystem && len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		kept = []*Message{s.messages[0]}
	}
	count := len(s.messages) - len(kept)
	if count == 0 {
		s.mu.Unlock()
		return 0
	}
	s.messages = kept
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpClear, log)
	return count
}

// Cycle increments the age counter on every message.
func (s *Store) Cycle() {
	s.mu.Lock()
	for _, m := range s.messages {
		m.Meta.Cycle++
	}
	log := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(OpCycle, log)
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// SystemPrompt returns the current system prompt, if any.
func (s *Store) SystemPrompt() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) > 0 && s.messages[0].Role == RoleSystem {
		return s.messages[0].Content, true
	}
	return "", false
}

// assistantForCallLocked finds the assistant message bearing the given
// tool-call id. Callers hold mu.
func (s *Store) assistantForCallLocked(callID string) *Message {
	for _, m := range s.messages {
		if m.Role != RoleAssistant {
			continue
		}
		for _, c := range m.ToolCalls {
			if c.ID == callID {
				return m
			}
		}
	}
	return nil
}
