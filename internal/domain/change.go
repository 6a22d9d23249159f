package domain

import "time"

// ChangeStatus is the lifecycle state of an applied change.
type ChangeStatus string

const (
	ChangeApplied  ChangeStatus = "applied"
	ChangeAccepted ChangeStatus = "accepted"
	ChangeReverted ChangeStatus = "reverted"
)

// AppliedChange is one file mutation already written to disk.
// OldContent and NewContent never change after creation.
type AppliedChange struct {
	Token      string       `json:"token"`
	Path       string       `json:"path"`
	OldContent string       `json:"old_content"`
	NewContent string       `json:"new_content"`
	Diff       string       `json:"diff"`
	IsNewFile  bool         `json:"is_new_file"`
	Status     ChangeStatus `json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ChangeSummary is the sidebar projection of an AppliedChange.
type ChangeSummary struct {
	Token     string       `json:"token"`
	Path      string       `json:"path"`
	Filename  string       `json:"filename"`
	IsNewFile bool         `json:"is_new_file"`
	Status    ChangeStatus `json:"status"`
}

// BulkResult reports a revertAll/acceptAll pass. Partial success is normal.
type BulkResult struct {
	Paths  []string          `json:"paths"`
	Errors map[string]string `json:"errors,omitempty"`
}

// Failed reports whether any entry failed.
func (b BulkResult) Failed() bool { return len(b.Errors) > 0 }
