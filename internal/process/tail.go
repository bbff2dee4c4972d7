package process

import "sync"

// maxStderr bounds the diagnostic output kept per process.
const maxStderr = 64 * 1024

const truncatedMarker = "[truncated] "

// tailBuffer keeps the last limit bytes written to it. exec.Cmd copies stderr
// from its own goroutine, so writes are guarded.
type tailBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int
	truncated bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(p) >= t.limit {
		t.truncated = t.truncated || len(t.buf) > 0 || len(p) > t.limit
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
		t.truncated = true
	}
	return len(p), nil
}

// String returns the retained output, marked when older output was dropped.
func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.truncated {
		return truncatedMarker + string(t.buf)
	}
	return string(t.buf)
}
