package domain

// TaskStatus is the state of a progress task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskError      TaskStatus = "error"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted, TaskError:
		return true
	}
	return false
}

// ProgressTask is one step in the visible progress list.
type ProgressTask struct {
	Token  string     `json:"token"`
	Name   string     `json:"name"`
	Status TaskStatus `json:"status"`
	Detail string     `json:"detail"`
}

// ProgressReporter is what the agent needs from the progress tracker.
type ProgressReporter interface {
	StartSession()
	AddTask(name, detail string) string
	UpdateTask(token string, status TaskStatus, detail string)
	EndSession()
}
