// Package display holds the text lines the decoder would show on its
// character LCD. The lines are published on the status page instead.
package display

import "sync"

// NumLines is the number of display lines.
const NumLines = 2

// Lines is a two-line text display safe for concurrent use.
type Lines struct {
	mu    sync.RWMutex
	lines [NumLines]string
}

// New creates an empty display.
func New() *Lines {
	return &Lines{}
}

// WriteLine replaces line. Writes to lines outside the display are ignored.
func (l *Lines) WriteLine(line int, text string) {
	if line < 0 || line >= NumLines {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines[line] = text
}

// Line returns the text of line.
func (l *Lines) Line(line int) string {
	if line < 0 || line >= NumLines {
		return ""
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lines[line]
}

// Snapshot returns all lines.
func (l *Lines) Snapshot() [NumLines]string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lines
}
