package core

import "context"

// Port is an open, configured serial-like character device.
type Port interface {
	// Read reads up to len(p) bytes. It waits at most one poll interval for
	// data; when nothing arrives it returns 0 and an error classified as
	// ClassNoData.
	Read(p []byte) (int, error)

	// Write writes all of p or returns an error.
	Write(p []byte) (int, error)

	// Close releases exclusive access and closes the device.
	Close() error

	// Path returns the device path the port was opened from.
	Path() string
}

// Opener acquires exclusive access to a device and configures it for raw,
// unbuffered reads.
type Opener interface {
	// Open opens the device at path. It must return within the lifetime of
	// ctx even if the underlying open call hangs.
	Open(ctx context.Context, path string) (Port, error)
}
