// Package store persists chat sessions, in memory or in SQLite.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"coderelay/internal/domain"
)

// MemoryChatStore keeps sessions in process memory. Sessions are copied on
// the way in and out so callers never share message slices with the store.
type MemoryChatStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.ChatSession
}

// NewMemoryChatStore creates an empty store.
func NewMemoryChatStore() *MemoryChatStore {
	return &MemoryChatStore{sessions: make(map[string]*domain.ChatSession)}
}

func (m *MemoryChatStore) Save(_ context.Context, cs *domain.ChatSession) error {
	now := time.Now()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}
	m.mu.Lock()
	m.sessions[cs.ID] = clone(cs)
	m.mu.Unlock()
	return nil
}

func (m *MemoryChatStore) Get(_ context.Context, id string) (*domain.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.sessions[id]
	if !ok {
		return nil, domain.NewSubSystemError("chat", "MemoryChatStore.Get", domain.ErrSessionNotFound, id)
	}
	return clone(cs), nil
}

func (m *MemoryChatStore) List(_ context.Context) ([]domain.ChatSessionInfo, error) {
	m.mu.RLock()
	infos := make([]domain.ChatSessionInfo, 0, len(m.sessions))
	for _, cs := range m.sessions {
		infos = append(infos, domain.ChatSessionInfo{
			ID:           cs.ID,
			Title:        cs.Title,
			MessageCount: len(cs.Messages),
			CreatedAt:    cs.CreatedAt,
			UpdatedAt:    cs.UpdatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].UpdatedAt.Equal(infos[j].UpdatedAt) {
			return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
		}
		return infos[i].ID > infos[j].ID
	})
	return infos, nil
}

func (m *MemoryChatStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return domain.NewSubSystemError("chat", "MemoryChatStore.Delete", domain.ErrSessionNotFound, id)
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryChatStore) Clear(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.sessions)
	m.sessions = make(map[string]*domain.ChatSession)
	return n, nil
}

func (m *MemoryChatStore) Close() error { return nil }

func clone(cs *domain.ChatSession) *domain.ChatSession {
	out := *cs
	out.Messages = make([]domain.Message, len(cs.Messages))
	copy(out.Messages, cs.Messages)
	return &out
}

// Open returns the store named by kind: "memory" or "sqlite" (at path).
func Open(kind, path string) (domain.ChatStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryChatStore(), nil
	case "sqlite":
		return NewSQLiteChatStore(path)
	default:
		return nil, fmt.Errorf("unknown chat store %q", kind)
	}
}

var _ domain.ChatStore = (*MemoryChatStore)(nil)
