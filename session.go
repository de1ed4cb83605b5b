package mirage

import (
	"fmt"
	"sync"
)

// MessageMeta carries optional per-message metadata.
type MessageMeta struct {
	Model      string `json:"model,omitempty"`
	Usage      *Usage `json:"usage,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	// Summary marks a synthetic assistant message produced by compression.
	Summary bool `json:"summary,omitempty"`
	// Truncated marks an assistant message cut off by max_tokens.
	Truncated bool `json:"truncated,omitempty"`
}

// Message is one node of a session's conversation tree.
type Message struct {
	ID         string      `json:"id"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	CreatedAt  int64       `json:"created_at"`
	ParentID   string      `json:"parent_id,omitempty"`
	Children   []string    `json:"children,omitempty"`
	Meta       MessageMeta `json:"meta,omitempty"`
}

// Session holds a branching conversation history as a message tree with a
// movable leaf pointer. Regenerating a response is switching the leaf to
// the parent and adding a new child; the old branch stays in the tree.
// Safe for concurrent use, though the agent loop serializes mutations per
// session anyway.
type Session struct {
	mu           sync.RWMutex
	id           string
	systemPrompt string
	model        string
	messages     map[string]*Message
	currentLeaf  string
	createdAt    int64
	updatedAt    int64
}

// SessionOption configures a new session.
type SessionOption func(*Session)

// WithSystemPrompt sets the session's system prompt.
func WithSystemPrompt(prompt string) SessionOption {
	return func(s *Session) { s.systemPrompt = prompt }
}

// WithModel sets the model id recorded on the session.
func WithModel(model string) SessionOption {
	return func(s *Session) { s.model = model }
}

// NewSession creates an empty session. An empty id gets a fresh UUIDv7.
func NewSession(id string, opts ...SessionOption) *Session {
	if id == "" {
		id = NewID()
	}
	now := NowUnix()
	s := &Session{
		id:        id,
		messages:  make(map[string]*Message),
		createdAt: now,
		updatedAt: now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Model returns the session's model id.
func (s *Session) Model() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.model
}

// SystemPrompt returns the current system prompt.
func (s *Session) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// Leaf returns the current leaf message id, empty for a fresh session.
func (s *Session) Leaf() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentLeaf
}

// Len returns the number of messages in the tree, all branches included.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Get returns the message with the given id.
func (s *Session) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	return m, ok
}

// AddMessage appends msg as a child of the current leaf and advances the
// leaf to it. Returns the stored node.
func (s *Session) AddMessage(msg ChatMessage) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(msg, MessageMeta{})
}

// AddMessageMeta is AddMessage with explicit metadata.
func (s *Session) AddMessageMeta(msg ChatMessage, meta MessageMeta) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(msg, meta)
}

func (s *Session) addLocked(msg ChatMessage, meta MessageMeta) *Message {
	node := &Message{
		ID:         NewID(),
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCalls:  msg.ToolCalls,
		ToolCallID: msg.ToolCallID,
		CreatedAt:  NowUnix(),
		ParentID:   s.currentLeaf,
		Meta:       meta,
	}
	if parent, ok := s.messages[s.currentLeaf]; ok {
		parent.Children = append(parent.Children, node.ID)
	}
	s.messages[node.ID] = node
	s.currentLeaf = node.ID
	s.updatedAt = NowUnix()
	return node
}

// SwitchBranch moves the leaf pointer to an existing message. O(1).
func (s *Session) SwitchBranch(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[id]; !ok {
		return fmt.Errorf("session %s: no message %s", s.id, id)
	}
	s.currentLeaf = id
	s.updatedAt = NowUnix()
	return nil
}

// BuildContext walks from the current leaf to the root, reverses the path,
// prepends the system prompt, and normalizes role alternation (consecutive
// user or assistant messages are merged). The result is what goes to the
// provider.
func (s *Session) BuildContext() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var path []*Message
	seen := make(map[string]bool)
	for id := s.currentLeaf; id != ""; {
		if seen[id] {
			break
		}
		seen[id] = true
		node, ok := s.messages[id]
		if !ok {
			break
		}
		path = append(path, node)
		id = node.ParentID
	}

	out := make([]ChatMessage, 0, len(path)+1)
	if s.systemPrompt != "" {
		out = append(out, SystemMessage(s.systemPrompt))
	}
	for i := len(path) - 1; i >= 0; i-- {
		node := path[i]
		msg := ChatMessage{
			Role:       node.Role,
			Content:    node.Content,
			ToolCalls:  node.ToolCalls,
			ToolCallID: node.ToolCallID,
		}
		out = appendNormalized(out, msg)
	}
	return out
}

// appendNormalized merges consecutive user or assistant text messages so
// providers that require strict alternation accept the context. Tool
// messages and tool-call carriers are never merged.
func appendNormalized(msgs []ChatMessage, msg ChatMessage) []ChatMessage {
	n := len(msgs)
	if n == 0 {
		return append(msgs, msg)
	}
	prev := &msgs[n-1]
	mergeable := msg.Role == prev.Role &&
		(msg.Role == RoleUser || msg.Role == RoleAssistant) &&
		len(msg.ToolCalls) == 0 && len(prev.ToolCalls) == 0
	if mergeable {
		prev.Content = prev.Content + "\n\n" + msg.Content
		return msgs
	}
	return append(msgs, msg)
}

// ReplaceHistory atomically discards the tree and rebuilds it as a linear
// chain from msgs. A system message in msgs updates the stored prompt and
// is not inserted as a node. Used by compression.
func (s *Session) ReplaceHistory(msgs []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(msgs, nil)
}

// ReplaceHistoryMeta is ReplaceHistory with per-message metadata aligned
// by index (nil entries mean no metadata).
func (s *Session) ReplaceHistoryMeta(msgs []ChatMessage, metas []*MessageMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaceLocked(msgs, metas)
}

func (s *Session) replaceLocked(msgs []ChatMessage, metas []*MessageMeta) {
	s.messages = make(map[string]*Message, len(msgs))
	s.currentLeaf = ""
	for i, msg := range msgs {
		if msg.Role == RoleSystem {
			s.systemPrompt = msg.Content
			continue
		}
		meta := MessageMeta{}
		if metas != nil && i < len(metas) && metas[i] != nil {
			meta = *metas[i]
		}
		s.addLocked(msg, meta)
	}
	s.updatedAt = NowUnix()
}

// --- persistence ---

// SessionDocument is the serialized session shape handed to storage. It is
// plain JSON-tagged data; storage backends persist it as a document.
type SessionDocument struct {
	SessionID    string              `json:"session_id"`
	SystemPrompt string              `json:"system_prompt,omitempty"`
	Model        string              `json:"model,omitempty"`
	Messages     map[string]*Message `json:"messages"`
	CurrentLeaf  string              `json:"current_leaf,omitempty"`
	CreatedAt    int64               `json:"created_at"`
	UpdatedAt    int64               `json:"updated_at"`
}

// Document snapshots the session for persistence. Messages are deep
// copied so later mutations don't leak into the snapshot.
func (s *Session) Document() *SessionDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make(map[string]*Message, len(s.messages))
	for id, m := range s.messages {
		clone := *m
		clone.Children = append([]string(nil), m.Children...)
		clone.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
		if m.Meta.Usage != nil {
			u := *m.Meta.Usage
			clone.Meta.Usage = &u
		}
		msgs[id] = &clone
	}
	return &SessionDocument{
		SessionID:    s.id,
		SystemPrompt: s.systemPrompt,
		Model:        s.model,
		Messages:     msgs,
		CurrentLeaf:  s.currentLeaf,
		CreatedAt:    s.createdAt,
		UpdatedAt:    s.updatedAt,
	}
}

// SessionFromDocument restores a session from its persisted form. The
// document is validated first: the leaf pointer and every parent
// reference must resolve within the document.
func SessionFromDocument(doc *SessionDocument) (*Session, error) {
	if doc == nil {
		return nil, fmt.Errorf("nil session document")
	}
	if doc.CurrentLeaf != "" {
		if _, ok := doc.Messages[doc.CurrentLeaf]; !ok {
			return nil, fmt.Errorf("session %s: leaf %s not in document", doc.SessionID, doc.CurrentLeaf)
		}
	}
	for id, m := range doc.Messages {
		if m.ParentID != "" {
			if _, ok := doc.Messages[m.ParentID]; !ok {
				return nil, fmt.Errorf("session %s: message %s references missing parent %s", doc.SessionID, id, m.ParentID)
			}
		}
	}

	s := &Session{
		id:           doc.SessionID,
		systemPrompt: doc.SystemPrompt,
		model:        doc.Model,
		messages:     make(map[string]*Message, len(doc.Messages)),
		currentLeaf:  doc.CurrentLeaf,
		createdAt:    doc.CreatedAt,
		updatedAt:    doc.UpdatedAt,
	}
	for id, m := range doc.Messages {
		clone := *m
		s.messages[id] = &clone
	}
	return s, nil
}
