package bridge

import (
	"sync"
	"sync/atomic"
)

// Shutdown is a one-way stop flag shared by both workers. Once triggered it
// stays triggered.
type Shutdown struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewShutdown creates an untriggered Shutdown.
func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Trigger sets the flag. Only the first call has an effect.
func (s *Shutdown) Trigger() {
	s.once.Do(func() {
		s.flag.Store(true)
		close(s.done)
	})
}

// Triggered reports whether Trigger has been called.
func (s *Shutdown) Triggered() bool {
	return s.flag.Load()
}

// Done is closed when the flag is set.
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}
