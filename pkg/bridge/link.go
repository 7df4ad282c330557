package bridge

import (
	"sync"

	"github.com/irctrakz/serialbridge/pkg/core"
)

// LinkState publishes an endpoint's live port to its peer. Only the owning
// worker calls Publish and Invalidate; the peer only calls Load. The lock is
// never held across I/O.
type LinkState struct {
	name string

	mu   sync.Mutex
	port core.Port
}

// NewLinkState creates an invalid LinkState for the named endpoint.
func NewLinkState(name string) *LinkState {
	return &LinkState{name: name}
}

// Name returns the endpoint name.
func (l *LinkState) Name() string { return l.name }

// Publish makes port visible to the peer. Call it only after the port is
// fully configured.
func (l *LinkState) Publish(port core.Port) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
}

// Invalidate hides the current port. Call it before closing the port.
func (l *LinkState) Invalidate() {
	l.Publish(nil)
}

// Load returns the published port, or nil when the endpoint is disconnected.
func (l *LinkState) Load() core.Port {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

// Valid reports whether a port is published.
func (l *LinkState) Valid() bool {
	return l.Load() != nil
}
