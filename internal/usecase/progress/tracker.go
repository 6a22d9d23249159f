// Package progress keeps the ordered list of what the agent is doing for the
// current request and broadcasts a full snapshot on every change.
package progress

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"coderelay/internal/domain"
)

// Tracker is the progress list for one request at a time.
type Tracker struct {
	mu    sync.Mutex
	tasks []domain.ProgressTask
	seq   int

	bus    domain.EventBus
	logger *slog.Logger
}

// New creates a Tracker publishing on bus.
func New(bus domain.EventBus, logger *slog.Logger) *Tracker {
	return &Tracker{bus: bus, logger: logger}
}

// StartSession clears the list and the sequence counter.
func (t *Tracker) StartSession() {
	t.mu.Lock()
	t.tasks = nil
	t.seq = 0
	t.mu.Unlock()

	t.publish(domain.ProgressSessionStarted)
}

// AddTask appends an in-progress task and returns its token.
func (t *Tracker) AddTask(name, detail string) string {
	t.mu.Lock()
	t.seq++
	token := "task_" + strconv.Itoa(t.seq)
	t.tasks = append(t.tasks, domain.ProgressTask{
		Token:  token,
		Name:   name,
		Status: domain.TaskInProgress,
		Detail: detail,
	})
	t.mu.Unlock()

	t.publish(domain.ProgressTaskAdded)
	return token
}

// UpdateTask sets a task's status, and its detail when detail is non-empty.
// Unknown tokens are ignored.
func (t *Tracker) UpdateTask(token string, status domain.TaskStatus, detail string) {
	t.mu.Lock()
	found := false
	for i := range t.tasks {
		if t.tasks[i].Token != token {
			continue
		}
		t.tasks[i].Status = status
		if detail != "" {
			t.tasks[i].Detail = detail
		}
		found = true
		break
	}
	t.mu.Unlock()

	if !found {
		t.logger.Debug("progress update for unknown task", "token", token)
		return
	}
	t.publish(domain.ProgressTaskUpdated)
}

// EndSession announces the end of the request. The list stays visible until
// the next StartSession.
func (t *Tracker) EndSession() {
	t.publish(domain.ProgressSessionEnded)
}

// Snapshot returns a copy of the current list.
func (t *Tracker) Snapshot() []domain.ProgressTask {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.ProgressTask, len(t.tasks))
	copy(out, t.tasks)
	return out
}

func (t *Tracker) publish(phase domain.ProgressPhase) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(context.Background(), domain.NewEvent(domain.EventProgress, domain.ProgressPayload{
		Phase: phase,
		Tasks: t.Snapshot(),
	}))
}

var _ domain.ProgressReporter = (*Tracker)(nil)
