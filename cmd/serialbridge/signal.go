package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/irctrakz/serialbridge/pkg/logging"
)

// signalChannel returns a channel that receives SIGINT and SIGTERM, and a
// function that restores the default handling of both.
func signalChannel() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// stopOnSignal calls shutdown on the first signal. release runs afterwards
// so that a second interrupt kills the process. It also returns, releasing,
// once done is closed.
func stopOnSignal(sigc <-chan os.Signal, release, shutdown func(), done <-chan struct{}) {
	defer release()
	select {
	case sig := <-sigc:
		logging.Infof("Signal %v received. Stopping...", sig)
		shutdown()
	case <-done:
	}
}
