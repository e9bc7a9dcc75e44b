package driven

import (
	"strings"
	"sync"
)

// tailBuffer is an io.Writer that keeps only the last size bytes written.
// It holds process output so that a failure can be summarized without
// buffering everything the process ever printed.
type tailBuffer struct {
	mu       sync.Mutex
	data     []byte
	writePos int
	full     bool
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{data: make([]byte, size)}
}

// Write always accepts all of p, overwriting the oldest bytes when full.
func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	size := len(b.data)
	if n >= size {
		copy(b.data, p[n-size:])
		b.writePos = 0
		b.full = true
		return n, nil
	}

	copied := copy(b.data[b.writePos:], p)
	if copied < n {
		copy(b.data, p[copied:])
		b.full = true
	}
	next := b.writePos + n
	if next >= size {
		b.full = true
	}
	b.writePos = next % size
	return n, nil
}

// Bytes returns the retained output in write order.
func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.full {
		out := make([]byte, b.writePos)
		copy(out, b.data[:b.writePos])
		return out
	}
	out := make([]byte, 0, len(b.data))
	out = append(out, b.data[b.writePos:]...)
	return append(out, b.data[:b.writePos]...)
}

// LastLine returns the last non-empty line, trimmed.
func (b *tailBuffer) LastLine() string {
	lines := strings.Split(strings.ReplaceAll(string(b.Bytes()), "\r", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}
