package supervisor

import "sync"

// tailBuffer keeps the last maxLines lines of a process stream.
type tailBuffer struct {
	mu           sync.Mutex
	maxLines     int
	maxLineBytes int
	lines        []string
	next         int
	full         bool
}

func newTailBuffer(maxLines int, maxLineBytes int) *tailBuffer {
	if maxLines < 0 {
		maxLines = 0
	}
	if maxLineBytes <= 0 {
		maxLineBytes = 16 * 1024
	}
	return &tailBuffer{maxLines: maxLines, maxLineBytes: maxLineBytes, lines: make([]string, maxLines)}
}

func (t *tailBuffer) add(line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.maxLines == 0 {
		return
	}
	if len(line) > t.maxLineBytes {
		line = line[:t.maxLineBytes]
	}
	t.lines[t.next] = line
	t.next = (t.next + 1) % t.maxLines
	if t.next == 0 {
		t.full = true
	}
}

// snapshot returns the buffered lines oldest first.
func (t *tailBuffer) snapshot() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.full {
		return append([]string(nil), t.lines[:t.next]...)
	}
	out := make([]string, 0, t.maxLines)
	out = append(out, t.lines[t.next:]...)
	return append(out, t.lines[:t.next]...)
}
