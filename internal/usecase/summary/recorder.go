// Package summary accumulates what happened during one request by observing
// the event bus, so tools never have to report upward themselves.
package summary

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"coderelay/internal/domain"
)

// Command is one command seen during the request.
type Command struct {
	Token    string               `json:"token"`
	Command  string               `json:"command"`
	ExitCode *int                 `json:"exit_code,omitempty"`
	Outcome  domain.ProcessResult `json:"outcome,omitempty"`
}

// FileChange is one file touched during the request.
type FileChange struct {
	Token  string `json:"token"`
	Path   string `json:"path"`
	Action string `json:"action"` // created | modified
}

// Summary is a snapshot of the recorder.
type Summary struct {
	Commands []Command    `json:"commands"`
	Files    []FileChange `json:"files"`
}

// Empty reports whether nothing was recorded.
func (s Summary) Empty() bool { return len(s.Commands) == 0 && len(s.Files) == 0 }

// Text renders the summary as a short markdown list, or "" when empty.
func (s Summary) Text() string {
	if s.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Summary of actions:\n")
	for _, c := range s.Commands {
		switch {
		case c.ExitCode == nil:
			fmt.Fprintf(&b, "- Ran `%s` (still running)\n", c.Command)
		case c.Outcome == domain.ProcessTerminated:
			fmt.Fprintf(&b, "- Ran `%s` (terminated)\n", c.Command)
		default:
			fmt.Fprintf(&b, "- Ran `%s` (exit %d)\n", c.Command, *c.ExitCode)
		}
	}
	for _, f := range s.Files {
		fmt.Fprintf(&b, "- %s %s\n", strings.ToUpper(f.Action[:1])+f.Action[1:], f.Path)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Recorder is a bus observer that never fails delivery.
type Recorder struct {
	mu       sync.Mutex
	commands []Command
	files    []FileChange
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// ObserverID implements domain.Observer.
func (r *Recorder) ObserverID() string { return "session-summary" }

// Deliver implements domain.Observer.
func (r *Recorder) Deliver(_ context.Context, ev domain.Event) error {
	switch ev.Type {
	case domain.EventProcessStart:
		var p domain.ProcessStartPayload
		if ev.Decode(&p) == nil {
			r.mu.Lock()
			r.commands = append(r.commands, Command{Token: p.Token, Command: p.Command})
			r.mu.Unlock()
		}
	case domain.EventProcessEnd:
		var p domain.ProcessEndPayload
		if ev.Decode(&p) == nil {
			r.mu.Lock()
			for i := range r.commands {
				if r.commands[i].Token == p.Token {
					code := p.ExitCode
					r.commands[i].ExitCode = &code
					r.commands[i].Outcome = p.Outcome
				}
			}
			r.mu.Unlock()
		}
	case domain.EventFileApplied:
		var p domain.FileAppliedPayload
		if ev.Decode(&p) == nil {
			action := "modified"
			if p.IsNewFile {
				action = "created"
			}
			r.mu.Lock()
			r.files = append(r.files, FileChange{Token: p.Token, Path: p.Path, Action: action})
			r.mu.Unlock()
		}
	}
	return nil
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.commands = nil
	r.files = nil
	r.mu.Unlock()
}

// Snapshot returns a copy of what has been recorded.
func (r *Recorder) Snapshot() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{
		Commands: make([]Command, len(r.commands)),
		Files:    make([]FileChange, len(r.files)),
	}
	copy(s.Commands, r.commands)
	copy(s.Files, r.files)
	return s
}

var _ domain.Observer = (*Recorder)(nil)
