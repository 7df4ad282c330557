//go:build unix && !linux

package serial

import (
	"context"
	"errors"
	"os"

	"github.com/irctrakz/serialbridge/pkg/core"
)

var errUnsupported = errors.New("serial devices are only supported on linux")

// Opener is unavailable on this platform.
type Opener struct {
	opts Options
}

// NewOpener creates an Opener whose Open always fails.
func NewOpener(opts Options) *Opener {
	return &Opener{opts: opts.withDefaults()}
}

// Open always fails on this platform.
func (o *Opener) Open(ctx context.Context, path string) (core.Port, error) {
	return nil, &os.PathError{Op: "open", Path: path, Err: errUnsupported}
}

// SpeedFor reports no supported speeds on this platform.
func SpeedFor(baud int) (uint32, bool) {
	return 0, false
}

// OpenPTY is unavailable on this platform.
func OpenPTY() (*os.File, string, error) {
	return nil, "", errUnsupported
}
