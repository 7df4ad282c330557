// Package serial opens terminal devices for the bridge: exclusive access,
// raw line discipline, and reads bounded by a readiness wait.
//
// Devices are opened on Linux. Other unix platforms build with an Opener
// that always fails, which keeps the mock and the rest of the module usable.
package serial

import (
	"time"
)

const (
	// DefaultPollInterval bounds how long Read waits for data.
	DefaultPollInterval = 50 * time.Millisecond

	// DefaultWriteTimeout bounds how long Write waits for a full output queue.
	DefaultWriteTimeout = time.Second
)

// Options configures an Opener.
type Options struct {
	// Baud is the line speed to apply. Zero leaves the device speed unchanged.
	Baud int

	// PollInterval bounds a single Read.
	PollInterval time.Duration

	// WriteTimeout bounds a single Write.
	WriteTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	return o
}

// pollTimeout converts d to a poll(2) timeout in milliseconds, at least 1.
func pollTimeout(d time.Duration) int {
	ms := int(d / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}
