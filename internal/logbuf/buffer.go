// ABOUTME: Fixed-capacity ring of recent log lines, safe for concurrent use
// ABOUTME: Written by the logging sink and read back by the get_logs command

package logbuf

import (
	"bytes"
	"strings"
	"sync"
)

// DefaultCapacity is the number of lines an agent keeps.
const DefaultCapacity = 1000

// Buffer keeps the most recent lines written to it. It implements io.Writer;
// each newline-terminated line becomes one entry and a trailing fragment is
// held until its newline arrives. New lines overwrite the oldest when full.
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
	total   uint64
}

// New creates a buffer holding up to capacity lines. A non-positive
// capacity uses DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Write appends p, splitting it into lines. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			b.partial = append(b.partial, data...)
			break
		}
		line := data[:i]
		if len(b.partial) > 0 {
			line = append(b.partial, line...)
			b.partial = nil
		}
		b.addLocked(strings.TrimRight(string(line), "\r"))
		data = data[i+1:]
	}
	return len(p), nil
}

// Add appends a single line.
func (b *Buffer) Add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addLocked(line)
}

func (b *Buffer) addLocked(line string) {
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
	b.total++
}

// Lines returns up to n of the most recent lines, oldest first. n <= 0
// returns everything retained.
func (b *Buffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	stored := b.next
	if b.full {
		stored = len(b.lines)
	}
	if n <= 0 || n > stored {
		n = stored
	}

	out := make([]string, n)
	start := (b.next - n + len(b.lines)) % len(b.lines)
	for i := range n {
		out[i] = b.lines[(start+i)%len(b.lines)]
	}
	return out
}

// Len returns the number of lines retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return len(b.lines)
	}
	return b.next
}

// Total returns the number of lines ever written, including overwritten ones.
func (b *Buffer) Total() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
