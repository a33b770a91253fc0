package monitor

import (
	"bytes"
	"sync"

	"github.com/marknotgeorge/SpeedAndCadence/internal/events"
)

const maxLogLines = 1000

// LogBuffer is an io.Writer that keeps the most recent log lines for the dashboard.
// Give it to the logger as a mirror of the log file.
type LogBuffer struct {
	mu      sync.RWMutex
	lines   []string
	partial []byte

	lineEvent *events.Stream[string]
}

func NewLogBuffer() *LogBuffer {
	return &LogBuffer{
		lines:     make([]string, 0, maxLogLines),
		lineEvent: events.NewStream[string](false),
	}
}

// Write splits p into lines; an unterminated tail waits for the next Write
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.partial = append(b.partial, p...)
	var added []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		added = append(added, string(b.partial[:i]))
		b.partial = b.partial[i+1:]
	}
	b.lines = append(b.lines, added...)
	if len(b.lines) > maxLogLines {
		b.lines = append(b.lines[:0:0], b.lines[len(b.lines)-maxLogLines:]...)
	}
	b.mu.Unlock()

	for _, line := range added {
		b.lineEvent.Notify(line)
	}
	return len(p), nil
}

// Tail returns the last n lines, oldest first
func (b *LogBuffer) Tail(n int) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 {
		return []string{}
	}
	if n > len(b.lines) {
		n = len(b.lines)
	}
	result := make([]string, n)
	copy(result, b.lines[len(b.lines)-n:])
	return result
}

// ListenLinesChan registers a channel told about every new line. Sends never block.
func (b *LogBuffer) ListenLinesChan(ch chan<- string) func() {
	return b.lineEvent.ListenChan(ch)
}
