package history

// Log is a bounded text log of history activity, most-recent-first. It
// exists for diagnostics: replay failures dump it so the events leading up
// to the failure are visible.
type Log struct {
	lines []string
}

// Push prepends a line, truncating the log to MaxLogLines.
func (l *Log) Push(line string) {
	l.lines = append(l.lines, "")
	copy(l.lines[1:], l.lines)
	l.lines[0] = line
	if len(l.lines) > MaxLogLines {
		l.lines = l.lines[:MaxLogLines]
	}
}

// Len returns the number of retained lines.
func (l *Log) Len() int {
	return len(l.lines)
}

// Lines returns up to n lines, most recent first. n <= 0 returns all.
func (l *Log) Lines(n int) []string {
	if n <= 0 || n > len(l.lines) {
		n = len(l.lines)
	}
	out := make([]string, n)
	copy(out, l.lines[:n])
	return out
}
