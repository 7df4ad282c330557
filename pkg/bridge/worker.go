package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/logging"
)

// Defaults for Options.
const (
	DefaultBackoff      = 3 * time.Second
	DefaultChunkSize    = 256
	DefaultOpenTimeout  = 5 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// Options tunes worker timing.
type Options struct {
	// Backoff is the wait after a failed acquisition.
	Backoff time.Duration

	// ChunkSize is the read buffer size.
	ChunkSize int

	// OpenTimeout bounds one acquisition attempt.
	OpenTimeout time.Duration

	// PollInterval is the pause after a transient read error.
	PollInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Backoff <= 0 {
		o.Backoff = DefaultBackoff
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = DefaultOpenTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// State is a worker's position in its connect/relay cycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateRelaying
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateRelaying:
		return "relaying"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WorkerConfig wires a Worker to its device, its own LinkState and its peer's.
type WorkerConfig struct {
	Name     string
	Path     string
	Baud     int
	Opener   core.Opener
	Self     *LinkState
	Peer     *LinkState
	Shutdown *Shutdown
	Mirror   *Mirror
	Options  Options
}

// Worker keeps one device connected and forwards everything it reads to
// whatever port the peer currently publishes.
type Worker struct {
	name     string
	path     string
	baud     int
	opener   core.Opener
	self     *LinkState
	peer     *LinkState
	shutdown *Shutdown
	mirror   *Mirror
	opts     Options

	state   atomic.Int32
	metrics core.EndpointMetrics
	log     *logrus.Entry
}

// NewWorker creates a Worker in the Disconnected state.
func NewWorker(cfg WorkerConfig) *Worker {
	return &Worker{
		name:     cfg.Name,
		path:     cfg.Path,
		baud:     cfg.Baud,
		opener:   cfg.Opener,
		self:     cfg.Self,
		peer:     cfg.Peer,
		shutdown: cfg.Shutdown,
		mirror:   cfg.Mirror,
		opts:     cfg.Options.withDefaults(),
		log:      logging.ForEndpoint(cfg.Name, cfg.Path),
	}
}

// Name returns the endpoint name.
func (w *Worker) Name() string { return w.name }

// State returns the current state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Metrics returns a snapshot of the worker's counters.
func (w *Worker) Metrics() core.EndpointMetrics { return w.metrics.Snapshot() }

func (w *Worker) setState(s State) { w.state.Store(int32(s)) }

// Run cycles between acquiring the device and relaying from it until
// shutdown is triggered.
func (w *Worker) Run() {
	defer func() {
		w.self.Invalidate()
		w.setState(StateTerminated)
		w.log.Debug("Worker terminated")
	}()

	for !w.shutdown.Triggered() {
		w.setState(StateDisconnected)

		port, err := w.acquire()
		if err != nil {
			atomic.AddUint64(&w.metrics.AcquireFailures, 1)
			w.log.WithError(err).Warnf("Error opening serial port, retrying in %s", w.opts.Backoff)
			if !w.wait(w.opts.Backoff) {
				return
			}
			continue
		}

		w.relay(port)
	}
}

// acquire opens the device, giving up at the open timeout or on shutdown.
func (w *Worker) acquire() (core.Port, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.OpenTimeout)
	defer cancel()
	go func() {
		select {
		case <-w.shutdown.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return w.opener.Open(ctx, w.path)
}

// relay publishes port and forwards reads until the device goes away or
// shutdown is triggered. The port is always invalidated and closed on return.
func (w *Worker) relay(port core.Port) {
	w.setState(StateConnected)
	log := w.log.WithField("session", uuid.NewString())

	w.self.Publish(port)
	w.setState(StateRelaying)
	atomic.AddUint64(&w.metrics.Connects, 1)
	log.WithField("baud", w.baud).Info("Serial port connected")

	defer func() {
		w.self.Invalidate()
		if err := port.Close(); err != nil {
			log.WithError(err).Warn("Error closing serial port")
		}
		w.setState(StateDisconnected)
	}()

	buf := make([]byte, w.opts.ChunkSize)
	for !w.shutdown.Triggered() {
		n, err := port.Read(buf)
		if n > 0 {
			w.forward(buf[:n], log)
		}

		switch core.Classify(err) {
		case core.ClassNone, core.ClassNoData:
		case core.ClassDisconnect:
			atomic.AddUint64(&w.metrics.Disconnects, 1)
			log.WithError(err).Warn("Serial port disconnected")
			return
		default:
			log.WithError(err).Debug("Transient read error")
			if !w.wait(w.opts.PollInterval) {
				return
			}
		}
	}
}

// forward writes chunk to the peer's published port and then to the mirror.
// With no peer published the chunk is dropped and not mirrored. A failed
// peer write still mirrors the whole chunk.
func (w *Worker) forward(chunk []byte, log *logrus.Entry) {
	n := uint64(len(chunk))
	atomic.AddUint64(&w.metrics.BytesRead, n)

	peer := w.peer.Load()
	if peer == nil {
		atomic.AddUint64(&w.metrics.BytesDropped, n)
		return
	}

	written, err := peer.Write(chunk)
	if written > 0 {
		atomic.AddUint64(&w.metrics.BytesForwarded, uint64(written))
	}
	if err != nil {
		atomic.AddUint64(&w.metrics.PeerWriteErrors, 1)
		atomic.AddUint64(&w.metrics.BytesDropped, n-uint64(written))
		log.WithError(err).WithField("peer", w.peer.Name()).Debug("Write to peer failed")
	}

	if _, err := w.mirror.Write(chunk); err != nil {
		atomic.AddUint64(&w.metrics.MirrorErrors, 1)
	}
}

// wait sleeps for d and reports whether the worker should keep going.
func (w *Worker) wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !w.shutdown.Triggered()
	case <-w.shutdown.Done():
		return false
	}
}
