package process

import (
	"sync"
)

// lineRing is a thread-safe, bounded line accumulator that drops the oldest
// lines when capacity is exceeded. Used for capturing process output.
type lineRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	written int // total lines ever appended (including dropped)
}

func newLineRing(maxLines int) *lineRing {
	return &lineRing{
		lines: make([]string, 0, min(maxLines, 256)),
		max:   maxLines,
	}
}

// Append adds a line. Thread-safe.
func (r *lineRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	r.written++
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// Lines returns a copy of the retained lines.
func (r *lineRing) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]string, len(r.lines))
	copy(cp, r.lines)
	return cp
}

// Len returns the number of retained lines.
func (r *lineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

// Dropped returns how many lines were discarded due to overflow.
func (r *lineRing) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written - len(r.lines)
}
