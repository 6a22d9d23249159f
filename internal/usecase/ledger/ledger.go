// Package ledger records file mutations that tools have already written to
// disk so they can be listed, reverted or accepted later in the session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"coderelay/internal/domain"
)

const subsystem = "ledger"

// FileStore is the filesystem surface used to undo changes.
type FileStore interface {
	WriteFile(path string, data []byte) error
	Remove(path string) error
}

// OSFileStore writes through to the local filesystem.
type OSFileStore struct{}

// WriteFile replaces the file content, keeping its mode when it exists.
func (OSFileStore) WriteFile(path string, data []byte) error {
	perm := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return os.WriteFile(path, data, perm)
}

// Remove deletes the file.
func (OSFileStore) Remove(path string) error { return os.Remove(path) }

// Ledger is the in-memory record of applied changes for the current session.
type Ledger struct {
	mu      sync.Mutex
	changes map[string]*domain.AppliedChange
	order   []string

	store  FileStore
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Ledger. store defaults to OSFileStore; bus may be nil.
func New(store FileStore, bus domain.EventBus, logger *slog.Logger) *Ledger {
	if store == nil {
		store = OSFileStore{}
	}
	return &Ledger{
		changes: make(map[string]*domain.AppliedChange),
		store:   store,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Record appends a change that has already been persisted and publishes it
// with the full session list. It never fails and never compares contents.
func (l *Ledger) Record(ctx context.Context, path, oldContent, newContent, diff string, isNewFile bool) string {
	l.mu.Lock()
	token := l.newTokenLocked()
	c := &domain.AppliedChange{
		Token:      token,
		Path:       path,
		OldContent: oldContent,
		NewContent: newContent,
		Diff:       diff,
		IsNewFile:  isNewFile,
		Status:     domain.ChangeApplied,
		CreatedAt:  l.now(),
	}
	l.changes[token] = c
	l.order = append(l.order, token)
	summaries := l.summariesLocked()
	l.mu.Unlock()

	l.logger.Info("change recorded", "token", token, "path", path, "new_file", isNewFile)
	l.emit(ctx, domain.EventFileApplied, domain.FileAppliedPayload{
		Token:      token,
		Path:       path,
		Diff:       diff,
		OldContent: oldContent,
		NewContent: newContent,
		IsNewFile:  isNewFile,
		Changes:    summaries,
	})
	return token
}

// Revert restores the pre-change state: a new file is deleted, anything else
// gets its old content back. The status becomes reverted even when the disk
// step fails; that failure is returned as an ErrIOFailure.
func (l *Ledger) Revert(ctx context.Context, token string) error {
	c, err := l.transition("Ledger.Revert", token, domain.ChangeReverted)
	if err != nil {
		return err
	}

	ioErr := l.undo(c)
	if ioErr != nil {
		l.logger.Warn("revert left disk inconsistent", "token", token, "path", c.Path, "error", ioErr)
		l.emitLog(ctx, fmt.Sprintf("Revert of %s failed: %v", c.Path, ioErr))
	} else if c.IsNewFile {
		l.emitLog(ctx, "File deleted (reverted): "+c.Path)
	} else {
		l.emitLog(ctx, "File reverted: "+c.Path)
	}
	l.publishSession(ctx)

	if ioErr != nil {
		return domain.NewSubSystemError(subsystem, "Ledger.Revert", domain.ErrIOFailure,
			fmt.Sprintf("status set to reverted but %s may be inconsistent: %v", c.Path, ioErr))
	}
	return nil
}

// Accept marks a change accepted. The file is already in its new state.
func (l *Ledger) Accept(ctx context.Context, token string) error {
	c, err := l.transition("Ledger.Accept", token, domain.ChangeAccepted)
	if err != nil {
		return err
	}
	l.emitLog(ctx, "Change accepted: "+c.Path)
	l.publishSession(ctx)
	return nil
}

// RevertAll reverts every change not yet reverted, newest first, so a file
// changed several times ends at its oldest recorded content. Each path is
// reported once; partial failure is reported per path, not as an error.
func (l *Ledger) RevertAll(ctx context.Context) domain.BulkResult {
	res := domain.BulkResult{Paths: []string{}}
	done := make(map[string]bool)
	tokens := l.tokensWhere(func(s domain.ChangeStatus) bool { return s != domain.ChangeReverted })
	for i := len(tokens) - 1; i >= 0; i-- {
		c, err := l.transition("Ledger.RevertAll", tokens[i], domain.ChangeReverted)
		if err != nil {
			continue // reverted concurrently
		}
		if err := l.undo(c); err != nil {
			if res.Errors == nil {
				res.Errors = make(map[string]string)
			}
			if prev, ok := res.Errors[c.Path]; ok {
				res.Errors[c.Path] = prev + "; " + err.Error()
			} else {
				res.Errors[c.Path] = err.Error()
			}
			continue
		}
		if !done[c.Path] {
			done[c.Path] = true
			res.Paths = append(res.Paths, c.Path)
		}
	}
	l.emitLog(ctx, fmt.Sprintf("Reverted %d files", len(res.Paths)))
	l.publishSession(ctx)
	return res
}

// AcceptAll accepts every change still in applied status.
func (l *Ledger) AcceptAll(ctx context.Context) domain.BulkResult {
	res := domain.BulkResult{Paths: []string{}}
	for _, token := range l.tokensWhere(func(s domain.ChangeStatus) bool { return s == domain.ChangeApplied }) {
		c, err := l.transition("Ledger.AcceptAll", token, domain.ChangeAccepted)
		if err != nil {
			continue
		}
		res.Paths = append(res.Paths, c.Path)
	}
	l.emitLog(ctx, fmt.Sprintf("Accepted %d changes", len(res.Paths)))
	l.publishSession(ctx)
	return res
}

// ListSession returns the session change list in recording order.
func (l *Ledger) ListSession() []domain.ChangeSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.summariesLocked()
}

// Get returns a copy of one change.
func (l *Ledger) Get(token string) (domain.AppliedChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.changes[token]
	if !ok {
		return domain.AppliedChange{}, domain.NewSubSystemError(subsystem, "Ledger.Get", domain.ErrChangeNotFound, token)
	}
	return *c, nil
}

// ClearSession drops every record and the session list together.
func (l *Ledger) ClearSession(ctx context.Context) {
	l.mu.Lock()
	n := len(l.order)
	l.changes = make(map[string]*domain.AppliedChange)
	l.order = nil
	l.mu.Unlock()

	l.logger.Debug("session changes cleared", "count", n)
	l.publishSession(ctx)
}

// --- internal ---

// transition moves token to status under the lock and returns a snapshot.
// reverted is terminal; everything else may move to reverted or accepted.
func (l *Ledger) transition(op, token string, to domain.ChangeStatus) (domain.AppliedChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.changes[token]
	if !ok {
		return domain.AppliedChange{}, domain.NewSubSystemError(subsystem, op, domain.ErrChangeNotFound, token)
	}
	if c.Status == domain.ChangeReverted {
		return domain.AppliedChange{}, domain.NewSubSystemError(subsystem, op, domain.ErrAlreadyReverted, token)
	}
	c.Status = to
	return *c, nil
}

func (l *Ledger) undo(c domain.AppliedChange) error {
	if c.IsNewFile {
		if err := l.store.Remove(c.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}
	return l.store.WriteFile(c.Path, []byte(c.OldContent))
}

func (l *Ledger) tokensWhere(keep func(domain.ChangeStatus) bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, token := range l.order {
		if keep(l.changes[token].Status) {
			out = append(out, token)
		}
	}
	return out
}

func (l *Ledger) summariesLocked() []domain.ChangeSummary {
	out := make([]domain.ChangeSummary, 0, len(l.order))
	for _, token := range l.order {
		c := l.changes[token]
		out = append(out, domain.ChangeSummary{
			Token:     c.Token,
			Path:      c.Path,
			Filename:  filepath.Base(c.Path),
			IsNewFile: c.IsNewFile,
			Status:    c.Status,
		})
	}
	return out
}

func (l *Ledger) newTokenLocked() string {
	for {
		tok := domain.NewToken()
		if _, taken := l.changes[tok]; !taken {
			return tok
		}
	}
}

func (l *Ledger) publishSession(ctx context.Context) {
	l.emit(ctx, domain.EventSessionChanges, domain.SessionChangesPayload{Changes: l.ListSession()})
}

func (l *Ledger) emitLog(ctx context.Context, line string) {
	l.emit(ctx, domain.EventLog, domain.LogPayload{Stream: domain.StreamSystem, Line: line})
}

func (l *Ledger) emit(ctx context.Context, eventType domain.EventType, payload any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(ctx, domain.NewEvent(eventType, payload))
}
