package core

import (
	"errors"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrNoData is returned by Port.Read when no bytes arrived within the
	// poll interval.
	ErrNoData = errors.New("no data available")

	// ErrNotTerminal is returned when a device path does not refer to a terminal.
	ErrNotTerminal = errors.New("not a terminal device")

	// ErrOpenTimeout is returned when acquiring a device did not finish in time.
	ErrOpenTimeout = errors.New("device open timed out")
)

// ErrorClass is the relay's policy for a read failure.
type ErrorClass int

const (
	// ClassNone means there was no error.
	ClassNone ErrorClass = iota
	// ClassNoData means nothing was available yet; retry immediately.
	ClassNoData
	// ClassDisconnect means the device is gone; tear down and reconnect.
	ClassDisconnect
	// ClassTransient means any other failure; retry on the next iteration.
	ClassTransient
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNoData:
		return "no-data"
	case ClassDisconnect:
		return "disconnect"
	case ClassTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// noDataErrors are the read outcomes meaning "nothing to read right now".
var noDataErrors = []error{
	ErrNoData,
	os.ErrDeadlineExceeded,
	unix.EAGAIN,
	unix.EWOULDBLOCK,
	unix.EINTR,
}

// disconnectErrors are the read outcomes meaning the device went away.
var disconnectErrors = []error{
	io.EOF,
	io.ErrUnexpectedEOF,
	os.ErrClosed,
	ErrNotTerminal,
	unix.EIO,
	unix.ENXIO,
	unix.ENODEV,
	unix.ENOTTY,
}

// Classify maps a read error onto its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	for _, target := range noDataErrors {
		if errors.Is(err, target) {
			return ClassNoData
		}
	}
	for _, target := range disconnectErrors {
		if errors.Is(err, target) {
			return ClassDisconnect
		}
	}
	return ClassTransient
}

// IsDisconnect reports whether err means the device is gone.
func IsDisconnect(err error) bool {
	return Classify(err) == ClassDisconnect
}
