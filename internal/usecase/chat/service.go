// Package chat drives a conversation with the planner: it owns chat sessions
// and runs the planner ↔ tool loop for each message, resetting the per-request
// ledger, summary, and progress state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"coderelay/internal/domain"
	"coderelay/internal/usecase/summary"
)

const titleLimit = 50

// SessionClearer forgets the previous request's applied changes.
type SessionClearer interface {
	ClearSession(ctx context.Context)
}

// ServiceDeps holds injected dependencies for the chat service.
type ServiceDeps struct {
	Agent     *Agent
	Store     domain.ChatStore
	Ledger    SessionClearer          // optional
	Summary   *summary.Recorder       // optional
	Progress  domain.ProgressReporter // optional
	Bus       domain.EventBus         // optional
	Logger    *slog.Logger
	Workspace string // default workspace when a request names none
}

// SendRequest is one user message.
type SendRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Workspace string `json:"workspace,omitempty"`
}

// SendResult is the assistant's answer.
type SendResult struct {
	Response     string          `json:"response"`
	SessionID    string          `json:"session_id"`
	SessionTitle string          `json:"session_title"`
	Summary      summary.Summary `json:"summary"`
}

// Service serializes requests: the ledger, progress list and summary are
// per-request state shared by all clients.
type Service struct {
	deps ServiceDeps
	sem  chan struct{}
	now  func() time.Time
}

// NewService creates a chat service.
func NewService(deps ServiceDeps) *Service {
	return &Service{deps: deps, sem: make(chan struct{}, 1), now: time.Now}
}

// Send runs one message through the agent and persists the exchange.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	const op = "chat.Send"

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "message is empty")
	}
	workspace, err := s.resolveWorkspace(req.Workspace)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, err.Error())
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sess, err := s.getOrCreate(ctx, req.SessionID, workspace)
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}

	s.beginRequest(ctx, workspace)
	defer s.endProgress()

	now := s.now()
	sess.Workspace = workspace
	sess.Messages = append(sess.Messages, domain.Message{Role: domain.RoleUser, Content: text, Timestamp: now})
	if sess.Title == "" {
		sess.Title = Title(text)
	}

	ctx = domain.WithWorkspace(ctx, workspace)
	reply, produced, runErr := s.deps.Agent.Run(ctx, sess.Messages)

	var sum summary.Summary
	if s.deps.Summary != nil {
		sum = s.deps.Summary.Snapshot()
	}
	if runErr == nil {
		if extra := sum.Text(); extra != "" {
			reply = strings.TrimRight(reply, "\n") + "\n\n" + extra
		}
		if n := len(produced); n > 0 {
			produced[n-1].Content = reply
		}
		s.finishTask("Preparing response", domain.TaskCompleted, "Done")
	} else {
		s.finishTask("Preparing response", domain.TaskError, runErr.Error())
	}

	sess.Messages = append(sess.Messages, produced...)
	sess.UpdatedAt = s.now()
	if err := s.deps.Store.Save(ctx, sess); err != nil {
		return nil, domain.WrapOp(op, err)
	}
	if runErr != nil {
		s.deps.Logger.Warn("chat request failed", "session", sess.ID, "error", runErr)
		return nil, domain.WrapOp(op, runErr)
	}

	return &SendResult{
		Response:     reply,
		SessionID:    sess.ID,
		SessionTitle: sess.Title,
		Summary:      sum,
	}, nil
}

// List returns all sessions, newest first.
func (s *Service) List(ctx context.Context) ([]domain.ChatSessionInfo, error) {
	infos, err := s.deps.Store.List(ctx)
	if err != nil {
		return nil, domain.WrapOp("chat.List", err)
	}
	return infos, nil
}

// Get returns one session with its messages.
func (s *Service) Get(ctx context.Context, id string) (*domain.ChatSession, error) {
	sess, err := s.deps.Store.Get(ctx, id)
	if err != nil {
		return nil, domain.WrapOp("chat.Get", err)
	}
	return sess, nil
}

// Delete removes one session.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.deps.Store.Delete(ctx, id); err != nil {
		return domain.WrapOp("chat.Delete", err)
	}
	return nil
}

// Clear removes every session and returns how many were removed.
func (s *Service) Clear(ctx context.Context) (int, error) {
	n, err := s.deps.Store.Clear(ctx)
	if err != nil {
		return 0, domain.WrapOp("chat.Clear", err)
	}
	return n, nil
}

// Title derives a session title from the first user message.
func Title(msg string) string {
	msg = strings.Join(strings.Fields(msg), " ")
	if utf8.RuneCountInString(msg) <= titleLimit {
		return msg
	}
	return string([]rune(msg)[:titleLimit]) + "..."
}

func (s *Service) resolveWorkspace(requested string) (string, error) {
	dir := requested
	if dir == "" {
		dir = s.deps.Workspace
	}
	if dir == "" {
		return "", errors.New("no workspace configured")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", fmt.Errorf("workspace %s: %w", dir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("workspace %s is not a directory", dir)
	}
	return dir, nil
}

func (s *Service) getOrCreate(ctx context.Context, id, workspace string) (*domain.ChatSession, error) {
	if id != "" {
		sess, err := s.deps.Store.Get(ctx, id)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, domain.ErrSessionNotFound) {
			return nil, err
		}
	} else {
		id = generateULID(s.now())
	}
	now := s.now()
	return &domain.ChatSession{
		ID:        id,
		Workspace: workspace,
		Messages:  make([]domain.Message, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) beginRequest(ctx context.Context, workspace string) {
	if s.deps.Ledger != nil {
		s.deps.Ledger.ClearSession(ctx)
	}
	if s.deps.Summary != nil {
		s.deps.Summary.Reset()
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(ctx, domain.NewEvent(domain.EventLog, domain.LogPayload{
			Stream: domain.StreamSystem,
			Line:   "Working in: " + workspace,
		}))
	}
	if s.deps.Progress != nil {
		s.deps.Progress.StartSession()
		s.finishTask("Analyzing request", domain.TaskCompleted, "Request analyzed")
	}
}

func (s *Service) finishTask(name string, status domain.TaskStatus, detail string) {
	if s.deps.Progress == nil {
		return
	}
	tok := s.deps.Progress.AddTask(name, "")
	s.deps.Progress.UpdateTask(tok, status, detail)
}

func (s *Service) endProgress() {
	if s.deps.Progress != nil {
		s.deps.Progress.EndSession()
	}
}

func generateULID(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
