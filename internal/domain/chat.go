package domain

import (
	"context"
	"time"
)

// ChatSession is a persisted conversation with the assistant.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Workspace string    `json:"workspace,omitempty"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatSessionInfo is the list view of a ChatSession.
type ChatSessionInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatStore persists chat sessions.
type ChatStore interface {
	Save(ctx context.Context, s *ChatSession) error
	Get(ctx context.Context, id string) (*ChatSession, error)
	List(ctx context.Context) ([]ChatSessionInfo, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int, error)
	Close() error
}
