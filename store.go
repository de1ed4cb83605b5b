package mirage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SessionStorage persists session documents. Implementations live in
// store/sqlite and store/postgres; MemoryStorage backs tests and
// ephemeral runs.
type SessionStorage interface {
	Load(ctx context.Context, sessionID string) (*SessionDocument, error)
	Save(ctx context.Context, doc *SessionDocument) error
	Exists(ctx context.Context, sessionID string) (bool, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
}

// ApprovalLog records every approval decision for audit.
type ApprovalLog interface {
	AppendApproval(ctx context.Context, rec ApprovalRecord) error
	ListApprovals(ctx context.Context, sessionID string) ([]ApprovalRecord, error)
}

// ErrSessionNotFound is returned by Load for an unknown session id.
var ErrSessionNotFound = fmt.Errorf("session not found")

// MemoryStorage keeps session documents and approval records in process
// memory. Safe for concurrent use.
type MemoryStorage struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionDocument
	approvals []ApprovalRecord
}

var (
	_ SessionStorage = (*MemoryStorage)(nil)
	_ ApprovalLog    = (*MemoryStorage)(nil)
)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{sessions: make(map[string]*SessionDocument)}
}

func (m *MemoryStorage) Load(ctx context.Context, sessionID string) (*SessionDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("load %s: %w", sessionID, ErrSessionNotFound)
	}
	return cloneDocument(doc), nil
}

func (m *MemoryStorage) Save(ctx context.Context, doc *SessionDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[doc.SessionID] = cloneDocument(doc)
	return nil
}

func (m *MemoryStorage) Exists(ctx context.Context, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStorage) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStorage) AppendApproval(ctx context.Context, rec ApprovalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals = append(m.approvals, rec)
	return nil
}

func (m *MemoryStorage) ListApprovals(ctx context.Context, sessionID string) ([]ApprovalRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ApprovalRecord
	for _, rec := range m.approvals {
		if sessionID == "" || rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func cloneDocument(doc *SessionDocument) *SessionDocument {
	clone := *doc
	clone.Messages = make(map[string]*Message, len(doc.Messages))
	for id, msg := range doc.Messages {
		m := *msg
		m.Children = append([]string(nil), msg.Children...)
		m.ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
		if msg.Meta.Usage != nil {
			u := *msg.Meta.Usage
			m.Meta.Usage = &u
		}
		clone.Messages[id] = &m
	}
	return &clone
}
