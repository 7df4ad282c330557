package bridge

import (
	"io"
	"sync"
)

// Mirror serializes writes from both workers onto a single sink so that
// chunks are never interleaved. A nil sink discards everything.
type Mirror struct {
	mu sync.Mutex
	w  io.Writer
}

// NewMirror wraps w. Passing nil disables mirroring.
func NewMirror(w io.Writer) *Mirror {
	return &Mirror{w: w}
}

// Write copies p to the sink.
func (m *Mirror) Write(p []byte) (int, error) {
	if m == nil || m.w == nil {
		return len(p), nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.w.Write(p)
}
