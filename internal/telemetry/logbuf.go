package telemetry

import (
	"strings"
	"sync"
)

const logBufferCap = 100

// LogBuffer keeps the most recent worker log lines for the stats push.
// Consecutive duplicate lines collapse into one entry.
type LogBuffer struct {
	mu    sync.Mutex
	lines []string
	last  string
}

// NewLogBuffer returns an empty buffer holding up to 100 lines.
func NewLogBuffer() *LogBuffer {
	return &LogBuffer{lines: make([]string, 0, logBufferCap)}
}

// Append records a line. Blank lines and exact repeats of the previous
// line are dropped.
func (b *LogBuffer) Append(line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if line == b.last {
		return
	}
	b.last = line
	if len(b.lines) >= logBufferCap {
		copy(b.lines, b.lines[1:])
		b.lines = b.lines[:len(b.lines)-1]
	}
	b.lines = append(b.lines, line)
}

// Write lets the buffer sit behind an io.MultiWriter on the log handler.
func (b *LogBuffer) Write(p []byte) (int, error) {
	for _, line := range strings.Split(string(p), "\n") {
		b.Append(line)
	}
	return len(p), nil
}

// Lines returns a copy of the buffered lines, oldest first.
func (b *LogBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.lines))
	copy(out, b.lines)
	return out
}
