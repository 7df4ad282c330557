// Command bridge_soak pushes random data through a bridge between two
// pseudo-terminals and checks that it arrives intact and in order.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/irctrakz/serialbridge/pkg/bridge"
	"github.com/irctrakz/serialbridge/pkg/logging"
	"github.com/irctrakz/serialbridge/pkg/serial"
)

func main() {
	var (
		total   = pflag.Int("bytes", 1<<20, "bytes to push from port 1 to port 2")
		chunk   = pflag.Int("chunk", 64, "bytes per write on the sending side")
		baud    = pflag.Int("baud", 115200, "baud rate applied to both ports")
		timeout = pflag.Duration("timeout", 30*time.Second, "give up after this long")
		verbose = pflag.BoolP("verbose", "v", false, "debug logging")
	)
	pflag.Parse()

	logging.SetLevel(logging.WarnLevel)
	if *verbose {
		logging.SetLevel(logging.DebugLevel)
	}
	if *chunk <= 0 {
		*chunk = 1
	}

	masterA, slaveA, err := serial.OpenPTY()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pty A: %v\n", err)
		os.Exit(1)
	}
	defer masterA.Close()
	masterB, slaveB, err := serial.OpenPTY()
	if err != nil {
		fmt.Fprintf(os.Stderr, "pty B: %v\n", err)
		os.Exit(1)
	}
	defer masterB.Close()

	opener := serial.NewOpener(serial.Options{Baud: *baud, PollInterval: 10 * time.Millisecond})
	sup := bridge.NewSupervisor(bridge.Config{
		Port1:   slaveA,
		Port2:   slaveB,
		Baud:    *baud,
		Options: bridge.Options{Backoff: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond},
	}, opener)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(runDone)
	}()

	// Wait for both sides before sending; anything earlier would be dropped.
	for _, w := range sup.Workers() {
		for w.State() != bridge.StateRelaying {
			select {
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "ERROR: bridge never connected")
				os.Exit(1)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	payload := make([]byte, *total)
	if _, err := rand.Read(payload); err != nil {
		fmt.Fprintf(os.Stderr, "random payload: %v\n", err)
		os.Exit(1)
	}

	var received atomic.Int64
	got := make([]byte, 0, len(payload))
	readDone := make(chan error, 1)
	go func() {
		buf := make([]byte, 4096)
		for len(got) < len(payload) {
			n, err := masterB.Read(buf)
			got = append(got, buf[:n]...)
			received.Store(int64(len(got)))
			if err != nil {
				readDone <- err
				return
			}
		}
		readDone <- nil
	}()

	start := time.Now()
	for off := 0; off < len(payload); off += *chunk {
		end := off + *chunk
		if end > len(payload) {
			end = len(payload)
		}
		if _, err := masterA.Write(payload[off:end]); err != nil {
			fmt.Fprintf(os.Stderr, "write: %v\n", err)
			os.Exit(1)
		}
	}
	sendDur := time.Since(start)

	var readErr error
	timedOut := false
	select {
	case readErr = <-readDone:
	case <-ctx.Done():
		timedOut = true
	}
	elapsed := time.Since(start)

	sup.Shutdown()
	<-runDone

	m := sup.Metrics()
	fmt.Printf("Send duration: %v, total: %v\n", sendDur, elapsed)
	fmt.Printf("Port1: read=%d forwarded=%d dropped=%d\n", m.Port1.BytesRead, m.Port1.BytesForwarded, m.Port1.BytesDropped)
	fmt.Printf("Received %d/%d bytes\n", received.Load(), len(payload))

	if timedOut {
		fmt.Println("ERROR: timed out before all bytes arrived")
		os.Exit(1)
	}
	if readErr != nil && readErr != io.EOF {
		fmt.Printf("ERROR: reading port 2: %v\n", readErr)
		os.Exit(1)
	}
	if !bytes.Equal(got, payload) {
		fmt.Println("ERROR: received data differs from payload")
		os.Exit(1)
	}
	fmt.Println("OK")
}
