package ledger

import (
	"github.com/pmezard/go-difflib/difflib"
)

// NewFileDiff is the diff text recorded for a file that did not exist before.
func NewFileDiff(path string) string {
	return "New file created: " + path
}

// UnifiedDiff renders a unified diff between two versions of path with three
// lines of context.
func UnifiedDiff(path, oldContent, newContent string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldContent),
		B:        difflib.SplitLines(newContent),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
