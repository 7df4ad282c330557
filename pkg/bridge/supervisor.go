// Package bridge cross-connects two serial devices. Each side runs its own
// Worker that reconnects independently; the sides meet only through the
// LinkState each publishes for the other.
package bridge

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/logging"
)

// Endpoint names used in logs and metrics.
const (
	Port1 = "port1"
	Port2 = "port2"
)

// Config describes the two endpoints of a bridge.
type Config struct {
	Port1   string
	Port2   string
	Baud    int
	Options Options

	// Mirror receives a copy of every forwarded chunk. Nil disables it.
	Mirror io.Writer
}

// Supervisor owns the shared shutdown flag and the two workers.
type Supervisor struct {
	shutdown *Shutdown
	links    [2]*LinkState
	workers  [2]*Worker
}

// NewSupervisor wires two workers with mutual peer links.
func NewSupervisor(cfg Config, opener core.Opener) *Supervisor {
	shutdown := NewShutdown()
	mirror := NewMirror(cfg.Mirror)
	link1 := NewLinkState(Port1)
	link2 := NewLinkState(Port2)

	newWorker := func(name, path string, self, peer *LinkState) *Worker {
		return NewWorker(WorkerConfig{
			Name:     name,
			Path:     path,
			Baud:     cfg.Baud,
			Opener:   opener,
			Self:     self,
			Peer:     peer,
			Shutdown: shutdown,
			Mirror:   mirror,
			Options:  cfg.Options,
		})
	}

	return &Supervisor{
		shutdown: shutdown,
		links:    [2]*LinkState{link1, link2},
		workers: [2]*Worker{
			newWorker(Port1, cfg.Port1, link1, link2),
			newWorker(Port2, cfg.Port2, link2, link1),
		},
	}
}

// Run starts both workers and blocks until both have terminated. Cancelling
// ctx is equivalent to calling Shutdown. Run must be called at most once.
func (s *Supervisor) Run(ctx context.Context) error {
	var group errgroup.Group
	for _, w := range s.workers {
		w := w
		group.Go(func() error {
			w.Run()
			return nil
		})
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-stopped:
		}
	}()

	err := group.Wait()
	close(stopped)
	logging.Infof("Bridge workers stopped")
	return err
}

// Shutdown asks both workers to stop. It returns immediately.
func (s *Supervisor) Shutdown() {
	s.shutdown.Trigger()
}

// Done is closed once Shutdown has been requested.
func (s *Supervisor) Done() <-chan struct{} {
	return s.shutdown.Done()
}

// Workers returns the two workers, port1 first.
func (s *Supervisor) Workers() [2]*Worker {
	return s.workers
}

// Links returns the two LinkStates, port1 first.
func (s *Supervisor) Links() [2]*LinkState {
	return s.links
}

// Metrics returns counters for both endpoints.
func (s *Supervisor) Metrics() core.BridgeMetrics {
	return core.BridgeMetrics{
		Port1: s.workers[0].Metrics(),
		Port2: s.workers[1].Metrics(),
	}
}
