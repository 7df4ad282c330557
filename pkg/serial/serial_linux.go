//go:build linux

package serial

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/irctrakz/serialbridge/pkg/core"
)

// Opener opens terminal devices with TIOCEXCL exclusivity.
type Opener struct {
	opts Options
}

// NewOpener creates an Opener.
func NewOpener(opts Options) *Opener {
	return &Opener{opts: opts.withDefaults()}
}

// Open acquires the device at path. The open/ioctl sequence runs on its own
// goroutine so a hung driver cannot hold the caller past ctx; a descriptor
// that arrives after ctx is done is closed.
func (o *Opener) Open(ctx context.Context, path string) (core.Port, error) {
	type result struct {
		port *Port
		err  error
	}
	done := make(chan result, 1)
	go func() {
		port, err := o.open(path)
		done <- result{port, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		return r.port, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.port != nil {
				_ = r.port.Close()
			}
		}()
		return nil, fmt.Errorf("open %s: %w", path, core.ErrOpenTimeout)
	}
}

func (o *Opener) open(path string) (*Port, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}

	if !term.IsTerminal(fd) {
		unix.Close(fd)
		return nil, fmt.Errorf("open %s: %w", path, core.ErrNotTerminal)
	}

	if err := unix.IoctlSetInt(fd, unix.TIOCEXCL, 0); err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "ioctl TIOCEXCL", Path: path, Err: err}
	}

	if err := makeRaw(fd, o.opts.Baud); err != nil {
		_ = unix.IoctlSetInt(fd, unix.TIOCNXCL, 0)
		unix.Close(fd)
		return nil, &os.PathError{Op: "configure", Path: path, Err: err}
	}

	return &Port{
		path:         path,
		fd:           fd,
		pollInterval: o.opts.PollInterval,
		writeTimeout: o.opts.WriteTimeout,
	}, nil
}

// makeRaw puts the line discipline in raw mode with VMIN=0/VTIME=0 and
// applies the requested speed.
func makeRaw(fd int, baud int) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}

	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if baud > 0 {
		speed, ok := SpeedFor(baud)
		if !ok {
			return fmt.Errorf("unsupported baud rate %d", baud)
		}
		t.Cflag &^= unix.CBAUD
		t.Cflag |= speed
		t.Ispeed = speed
		t.Ospeed = speed
	}

	return unix.IoctlSetTermios(fd, unix.TCSETS, t)
}

// Port is an exclusively held terminal device.
//
// Read is called only by the owning worker. Write may be called concurrently
// by the peer worker; Close waits for an in-flight Write to finish so the
// descriptor is never reused under it.
type Port struct {
	path         string
	pollInterval time.Duration
	writeTimeout time.Duration

	mu sync.RWMutex
	fd int // -1 once closed
}

// Path returns the device path.
func (p *Port) Path() string { return p.path }

// Read waits up to the poll interval for input. A readable descriptor that
// yields zero bytes is end-of-stream.
func (p *Port) Read(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fd < 0 {
		return 0, &os.PathError{Op: "read", Path: p.path, Err: os.ErrClosed}
	}

	fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
	ready, err := unix.Poll(fds, pollTimeout(p.pollInterval))
	if err != nil {
		if err == unix.EINTR {
			return 0, core.ErrNoData
		}
		return 0, &os.PathError{Op: "poll", Path: p.path, Err: err}
	}
	if ready == 0 {
		return 0, core.ErrNoData
	}
	if fds[0].Revents&unix.POLLNVAL != 0 {
		return 0, &os.PathError{Op: "poll", Path: p.path, Err: os.ErrClosed}
	}

	n, err := unix.Read(p.fd, b)
	if err != nil {
		return 0, &os.PathError{Op: "read", Path: p.path, Err: err}
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write writes all of b, waiting for output space up to the write timeout.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fd < 0 {
		return 0, &os.PathError{Op: "write", Path: p.path, Err: os.ErrClosed}
	}

	deadline := time.Now().Add(p.writeTimeout)
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil, err == unix.EINTR:
			continue
		case err != unix.EAGAIN:
			return written, &os.PathError{Op: "write", Path: p.path, Err: err}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return written, &os.PathError{Op: "write", Path: p.path, Err: os.ErrDeadlineExceeded}
		}
		if remaining > p.pollInterval {
			remaining = p.pollInterval
		}
		fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLOUT}}
		if _, err := unix.Poll(fds, pollTimeout(remaining)); err != nil && err != unix.EINTR {
			return written, &os.PathError{Op: "poll", Path: p.path, Err: err}
		}
	}
	return written, nil
}

// Attrs returns the current terminal attributes.
func (p *Port) Attrs() (*unix.Termios, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.fd < 0 {
		return nil, &os.PathError{Op: "tcgets", Path: p.path, Err: os.ErrClosed}
	}
	return unix.IoctlGetTermios(p.fd, unix.TCGETS)
}

// Close releases exclusive access and closes the descriptor. It is safe to
// call more than once.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1

	var err error
	if e := unix.IoctlSetInt(fd, unix.TIOCNXCL, 0); e != nil {
		err = multierr.Append(err, &os.PathError{Op: "ioctl TIOCNXCL", Path: p.path, Err: e})
	}
	if e := unix.Close(fd); e != nil {
		err = multierr.Append(err, &os.PathError{Op: "close", Path: p.path, Err: e})
	}
	return err
}
