package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"coderelay/internal/domain"
)

// SQLiteChatStore implements domain.ChatStore using SQLite.
type SQLiteChatStore struct {
	db *sql.DB
}

// NewSQLiteChatStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteChatStore(dbPath string) (*SQLiteChatStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open chat db: %w", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate chat db: %w", err)
	}
	return &SQLiteChatStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id            TEXT PRIMARY KEY,
			title         TEXT NOT NULL DEFAULT '',
			workspace     TEXT NOT NULL DEFAULT '',
			messages      TEXT NOT NULL DEFAULT '[]',
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS chat_sessions_updated ON chat_sessions(updated_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteChatStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteChatStore) Save(ctx context.Context, cs *domain.ChatSession) error {
	msgs, err := json.Marshal(cs.Messages)
	if err != nil {
		return fmt.Errorf("marshal chat messages: %w", err)
	}
	now := time.Now().UTC()
	if cs.CreatedAt.IsZero() {
		cs.CreatedAt = now
	}
	if cs.UpdatedAt.IsZero() {
		cs.UpdatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, title, workspace, messages, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			workspace = excluded.workspace,
			messages = excluded.messages,
			message_count = excluded.message_count,
			updated_at = excluded.updated_at`,
		cs.ID, cs.Title, cs.Workspace, string(msgs), len(cs.Messages),
		formatTime(cs.CreatedAt), formatTime(cs.UpdatedAt),
	)
	if err != nil {
		return domain.NewSubSystemError("chat", "SQLiteChatStore.Save", domain.ErrIOFailure, err.Error())
	}
	return nil
}

func (s *SQLiteChatStore) Get(ctx context.Context, id string) (*domain.ChatSession, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, title, workspace, messages, created_at, updated_at FROM chat_sessions WHERE id = ?", id,
	)
	var (
		cs                           domain.ChatSession
		msgs, createdStr, updatedStr string
	)
	if err := row.Scan(&cs.ID, &cs.Title, &cs.Workspace, &msgs, &createdStr, &updatedStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewSubSystemError("chat", "SQLiteChatStore.Get", domain.ErrSessionNotFound, id)
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(msgs), &cs.Messages); err != nil {
		return nil, fmt.Errorf("unmarshal chat messages: %w", err)
	}
	cs.CreatedAt = parseTime(createdStr)
	cs.UpdatedAt = parseTime(updatedStr)
	return &cs, nil
}

func (s *SQLiteChatStore) List(ctx context.Context) ([]domain.ChatSessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, title, message_count, created_at, updated_at FROM chat_sessions ORDER BY updated_at DESC, id DESC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	infos := make([]domain.ChatSessionInfo, 0)
	for rows.Next() {
		var (
			info                   domain.ChatSessionInfo
			createdStr, updatedStr string
		)
		if err := rows.Scan(&info.ID, &info.Title, &info.MessageCount, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		info.CreatedAt = parseTime(createdStr)
		info.UpdatedAt = parseTime(updatedStr)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteChatStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("chat", "SQLiteChatStore.Delete", domain.ErrSessionNotFound, id)
	}
	return nil
}

func (s *SQLiteChatStore) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chat_sessions")
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// formatTime uses a fixed-width layout so text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

var _ domain.ChatStore = (*SQLiteChatStore)(nil)
