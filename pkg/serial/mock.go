package serial

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/logging"
)

// MockOpener is an in-memory core.Opener for tests. It enforces the same
// exclusive-open semantics as the real device layer.
type MockOpener struct {
	pollInterval time.Duration

	mu      sync.Mutex
	devices map[string]*MockDevice
}

// NewMockOpener creates a MockOpener whose ports wait up to pollInterval per Read.
func NewMockOpener(pollInterval time.Duration) *MockOpener {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Millisecond
	}
	return &MockOpener{
		pollInterval: pollInterval,
		devices:      make(map[string]*MockDevice),
	}
}

// AddDevice registers a plugged-in device at path.
func (o *MockOpener) AddDevice(path string) *MockDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	dev := &MockDevice{path: path, present: true}
	o.devices[path] = dev
	return dev
}

// Device returns the device registered at path, or nil.
func (o *MockOpener) Device(path string) *MockDevice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devices[path]
}

// Open implements core.Opener.
func (o *MockOpener) Open(ctx context.Context, path string) (core.Port, error) {
	dev := o.Device(path)
	if dev == nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENOENT}
	}

	dev.mu.Lock()
	dev.attempts = append(dev.attempts, time.Now())
	block := dev.openBlock
	dev.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, fmt.Errorf("open %s: %w", path, core.ErrOpenTimeout)
		}
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()
	switch {
	case !dev.present:
		return nil, &os.PathError{Op: "open", Path: path, Err: unix.ENOENT}
	case dev.openErr != nil:
		return nil, &os.PathError{Op: "open", Path: path, Err: dev.openErr}
	case dev.port != nil:
		return nil, &os.PathError{Op: "open", Path: path, Err: unix.EBUSY}
	}

	port := &MockPort{
		dev:          dev,
		pollInterval: o.pollInterval,
		events:       make(chan mockEvent, 1024),
		closed:       make(chan struct{}),
	}
	dev.port = port
	dev.opens++
	logging.Debugf("Mock device %s opened", path)
	return port, nil
}

type mockEvent struct {
	data []byte
	err  error
}

// MockDevice is the hardware side of a mock serial device.
type MockDevice struct {
	path string

	mu        sync.Mutex
	present   bool
	openErr   error
	openBlock chan struct{}
	port      *MockPort
	opens     int
	attempts  []time.Time
	written   []byte
	writeErr  error
}

// Path returns the device path.
func (d *MockDevice) Path() string { return d.path }

// Inject delivers bytes as if they arrived on the wire. It fails when no
// port currently holds the device.
func (d *MockDevice) Inject(data []byte) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return fmt.Errorf("mock device %s not open", d.path)
	}
	return port.push(mockEvent{data: append([]byte(nil), data...)})
}

// FailRead makes the next Read on the open port return err.
func (d *MockDevice) FailRead(err error) error {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port == nil {
		return fmt.Errorf("mock device %s not open", d.path)
	}
	return port.push(mockEvent{err: err})
}

// Unplug removes the device: the open port's next Read fails with EIO and
// opens fail with ENOENT until Plug.
func (d *MockDevice) Unplug() {
	d.mu.Lock()
	d.present = false
	port := d.port
	d.mu.Unlock()
	if port != nil {
		_ = port.push(mockEvent{err: &os.PathError{Op: "read", Path: d.path, Err: unix.EIO}})
	}
}

// Hangup makes the open port report end-of-stream.
func (d *MockDevice) Hangup() {
	d.mu.Lock()
	port := d.port
	d.mu.Unlock()
	if port != nil {
		_ = port.push(mockEvent{err: io.EOF})
	}
}

// Plug makes the device available again.
func (d *MockDevice) Plug() {
	d.mu.Lock()
	d.present = true
	d.mu.Unlock()
}

// SetOpenError makes opens fail with err; nil clears it.
func (d *MockDevice) SetOpenError(err error) {
	d.mu.Lock()
	d.openErr = err
	d.mu.Unlock()
}

// SetWriteError makes writes fail with err; nil clears it.
func (d *MockDevice) SetWriteError(err error) {
	d.mu.Lock()
	d.writeErr = err
	d.mu.Unlock()
}

// BlockOpen makes Open wait until the returned function is called or the
// caller's context ends.
func (d *MockDevice) BlockOpen() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.openBlock = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			d.openBlock = nil
			d.mu.Unlock()
			close(ch)
		})
	}
}

// IsOpen reports whether a port currently holds the device.
func (d *MockDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port != nil
}

// Opens returns the number of successful opens.
func (d *MockDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

// Attempts returns the time of every open attempt.
func (d *MockDevice) Attempts() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

// Written returns a copy of all bytes written to the device.
func (d *MockDevice) Written() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.written...)
}

// MockPort is an open handle on a MockDevice.
type MockPort struct {
	dev          *MockDevice
	pollInterval time.Duration
	events       chan mockEvent
	pending      []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (p *MockPort) push(ev mockEvent) error {
	select {
	case <-p.closed:
		return fmt.Errorf("mock port %s closed", p.dev.path)
	default:
	}
	select {
	case p.events <- ev:
		return nil
	default:
		return fmt.Errorf("mock port %s input full", p.dev.path)
	}
}

// Path returns the device path.
func (p *MockPort) Path() string { return p.dev.path }

// Read returns injected bytes or errors in order, or core.ErrNoData after
// the poll interval.
func (p *MockPort) Read(b []byte) (int, error) {
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		return n, nil
	}

	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()

	select {
	case <-p.closed:
		return 0, &os.PathError{Op: "read", Path: p.dev.path, Err: os.ErrClosed}
	case ev := <-p.events:
		if ev.err != nil {
			return 0, ev.err
		}
		n := copy(b, ev.data)
		p.pending = ev.data[n:]
		return n, nil
	case <-timer.C:
		return 0, core.ErrNoData
	}
}

// Write records b on the device.
func (p *MockPort) Write(b []byte) (int, error) {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	select {
	case <-p.closed:
		return 0, &os.PathError{Op: "write", Path: p.dev.path, Err: os.ErrClosed}
	default:
	}
	if p.dev.writeErr != nil {
		return 0, &os.PathError{Op: "write", Path: p.dev.path, Err: p.dev.writeErr}
	}
	p.dev.written = append(p.dev.written, b...)
	return len(b), nil
}

// Close releases the device.
func (p *MockPort) Close() error {
	p.closeOnce.Do(func() {
		p.dev.mu.Lock()
		close(p.closed)
		if p.dev.port == p {
			p.dev.port = nil
		}
		p.dev.mu.Unlock()
		logging.Debugf("Mock device %s closed", p.dev.path)
	})
	return nil
}
