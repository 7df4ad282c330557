package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/serial"
)

const (
	devA = "/dev/ttyMOCKA"
	devB = "/dev/ttyMOCKB"

	waitFor = 2 * time.Second
	tick    = 2 * time.Millisecond
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

type testBridge struct {
	sup    *Supervisor
	opener *serial.MockOpener
	a, b   *serial.MockDevice
	mirror *syncBuffer
	done   chan error
}

func testOptions() Options {
	return Options{
		Backoff:      40 * time.Millisecond,
		ChunkSize:    DefaultChunkSize,
		OpenTimeout:  200 * time.Millisecond,
		PollInterval: 2 * time.Millisecond,
	}
}

func newTestBridge(t *testing.T, opts Options, portA, portB string) *testBridge {
	t.Helper()
	opener := serial.NewMockOpener(2 * time.Millisecond)
	tb := &testBridge{
		opener: opener,
		a:      opener.AddDevice(devA),
		b:      opener.AddDevice(devB),
		mirror: &syncBuffer{},
		done:   make(chan error, 1),
	}
	tb.sup = NewSupervisor(Config{
		Port1:   portA,
		Port2:   portB,
		Baud:    115200,
		Options: opts,
		Mirror:  tb.mirror,
	}, opener)
	return tb
}

func (tb *testBridge) start(t *testing.T) {
	t.Helper()
	go func() { tb.done <- tb.sup.Run(context.Background()) }()
	t.Cleanup(func() {
		tb.sup.Shutdown()
		select {
		case <-tb.done:
		case <-time.After(waitFor):
			t.Errorf("bridge did not stop")
		}
	})
}

func (tb *testBridge) stop(t *testing.T) time.Duration {
	t.Helper()
	start := time.Now()
	tb.sup.Shutdown()
	select {
	case err := <-tb.done:
		require.NoError(t, err)
		tb.done <- nil
	case <-time.After(waitFor):
		t.Fatalf("bridge did not stop")
	}
	return time.Since(start)
}

func waitState(t *testing.T, w *Worker, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return w.State() == want }, waitFor, tick,
		"%s never reached %s (at %s)", w.Name(), want, w.State())
}

func (tb *testBridge) waitRelaying(t *testing.T) {
	t.Helper()
	workers := tb.sup.Workers()
	waitState(t, workers[0], StateRelaying)
	waitState(t, workers[1], StateRelaying)
}

func TestForwardChunkToValidPeer(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)

	require.NoError(t, tb.a.Inject([]byte{0x41, 0x42, 0x43}))

	require.Eventually(t, func() bool { return len(tb.b.Written()) == 3 }, waitFor, tick)
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, tb.b.Written())
	assert.Empty(t, tb.a.Written(), "bytes must not echo back to the sender")
	assert.Equal(t, []byte{0x41, 0x42, 0x43}, tb.mirror.Bytes())

	m := tb.sup.Metrics()
	assert.Equal(t, uint64(3), m.Port1.BytesRead)
	assert.Equal(t, uint64(3), m.Port1.BytesForwarded)
	assert.Zero(t, m.Port1.BytesDropped)
}

func TestForwardingPreservesOrderBothWays(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)

	var wantAB, wantBA []byte
	for i := 0; i < 200; i++ {
		chunkAB := bytes.Repeat([]byte{byte(i)}, 1+i%300)
		chunkBA := []byte{byte(255 - i), byte(i)}
		wantAB = append(wantAB, chunkAB...)
		wantBA = append(wantBA, chunkBA...)
		require.NoError(t, tb.a.Inject(chunkAB))
		require.NoError(t, tb.b.Inject(chunkBA))
	}

	require.Eventually(t, func() bool {
		return len(tb.b.Written()) >= len(wantAB) && len(tb.a.Written()) >= len(wantBA)
	}, waitFor, tick)
	assert.Equal(t, wantAB, tb.b.Written())
	assert.Equal(t, wantBA, tb.a.Written())
}

func TestBytesDroppedWhilePeerDisconnected(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.b.Unplug()
	tb.start(t)

	workers := tb.sup.Workers()
	waitState(t, workers[0], StateRelaying)
	require.False(t, tb.sup.Links()[1].Valid())

	require.NoError(t, tb.a.Inject([]byte("lost")))
	require.Eventually(t, func() bool { return workers[0].Metrics().BytesDropped == 4 }, waitFor, tick)
	assert.Equal(t, StateRelaying, workers[0].State(), "sender must not be affected")
	assert.Zero(t, workers[0].Metrics().Disconnects)

	tb.b.Plug()
	waitState(t, workers[1], StateRelaying)

	require.NoError(t, tb.a.Inject([]byte("kept")))
	require.Eventually(t, func() bool { return len(tb.b.Written()) >= 4 }, waitFor, tick)
	assert.Equal(t, []byte("kept"), tb.b.Written())
	assert.Equal(t, []byte("kept"), tb.mirror.Bytes())
}

func TestDeviceRemovalReconnectsAfterBackoff(t *testing.T) {
	opts := testOptions()
	tb := newTestBridge(t, opts, devA, devB)
	tb.start(t)
	tb.waitRelaying(t)
	workers := tb.sup.Workers()

	removedAt := time.Now()
	tb.a.Unplug()
	require.Eventually(t, func() bool { return !tb.sup.Links()[0].Valid() }, waitFor, tick)
	assert.Equal(t, StateRelaying, workers[1].State())

	// B keeps reading while A is gone; its bytes are dropped.
	require.NoError(t, tb.b.Inject([]byte("during")))
	require.Eventually(t, func() bool { return workers[1].Metrics().BytesDropped == 6 }, waitFor, tick)

	// Let a few acquisition attempts fail before the device returns.
	require.Eventually(t, func() bool { return workers[0].Metrics().AcquireFailures >= 2 }, waitFor, tick)
	tb.a.Plug()
	waitState(t, workers[0], StateRelaying)
	assert.Equal(t, 2, tb.a.Opens())

	var retries []time.Time
	for _, at := range tb.a.Attempts() {
		if at.After(removedAt) {
			retries = append(retries, at)
		}
	}
	require.GreaterOrEqual(t, len(retries), 3)
	for i := 1; i < len(retries); i++ {
		assert.GreaterOrEqual(t, retries[i].Sub(retries[i-1]), opts.Backoff)
	}

	m := workers[0].Metrics()
	assert.Equal(t, uint64(1), m.Disconnects)
	assert.Equal(t, uint64(2), m.Connects)

	// B was never interrupted.
	assert.Equal(t, 1, tb.b.Opens())
	assert.Zero(t, workers[1].Metrics().Disconnects)

	require.NoError(t, tb.b.Inject([]byte("after")))
	require.Eventually(t, func() bool { return bytes.Equal(tb.a.Written(), []byte("after")) }, waitFor, tick)
}

func TestHangupReconnects(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)

	tb.a.Hangup()
	require.Eventually(t, func() bool { return tb.a.Opens() == 2 }, waitFor, tick)
	waitState(t, tb.sup.Workers()[0], StateRelaying)
	assert.Equal(t, uint64(1), tb.sup.Workers()[0].Metrics().Disconnects)
}

func TestTransientReadErrorIsRetried(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)

	require.NoError(t, tb.a.FailRead(errors.New("framing error")))
	require.NoError(t, tb.a.FailRead(unix.EBADMSG))
	require.NoError(t, tb.a.Inject([]byte("still here")))

	require.Eventually(t, func() bool { return len(tb.b.Written()) == 10 }, waitFor, tick)
	assert.Equal(t, []byte("still here"), tb.b.Written())
	assert.Equal(t, 1, tb.a.Opens())
	assert.Zero(t, tb.sup.Workers()[0].Metrics().Disconnects)
}

func TestPeerWriteFailureIsLocalToSender(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)
	workers := tb.sup.Workers()

	tb.b.SetWriteError(unix.EIO)
	require.NoError(t, tb.a.Inject([]byte("xyz")))
	require.Eventually(t, func() bool { return workers[0].Metrics().PeerWriteErrors == 1 }, waitFor, tick)

	assert.Equal(t, uint64(3), workers[0].Metrics().BytesDropped)
	assert.Equal(t, StateRelaying, workers[0].State())
	assert.Equal(t, StateRelaying, workers[1].State())
	assert.Equal(t, 1, tb.a.Opens())
	assert.Equal(t, 1, tb.b.Opens())
}

func TestExclusiveAcquisition(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devA)
	tb.start(t)

	workers := tb.sup.Workers()
	require.Eventually(t, func() bool {
		return workers[0].State() == StateRelaying || workers[1].State() == StateRelaying
	}, waitFor, tick)

	winner, loser := workers[0], workers[1]
	if loser.State() == StateRelaying {
		winner, loser = loser, winner
	}

	// The loser keeps retrying with EBUSY while the winner holds the device.
	require.Eventually(t, func() bool { return loser.Metrics().AcquireFailures >= 3 }, waitFor, tick)
	assert.Equal(t, StateRelaying, winner.State())
	assert.NotEqual(t, StateRelaying, loser.State())
	assert.Equal(t, 1, tb.a.Opens())
	assert.Equal(t, uint64(1), winner.Metrics().Connects)
	assert.Zero(t, loser.Metrics().Connects)
}

func TestShutdownWhileRelaying(t *testing.T) {
	opts := testOptions()
	opts.Backoff = time.Second
	tb := newTestBridge(t, opts, devA, devB)
	tb.start(t)
	tb.waitRelaying(t)

	elapsed := tb.stop(t)
	assert.Less(t, elapsed, opts.Backoff)

	for i, w := range tb.sup.Workers() {
		assert.Equal(t, StateTerminated, w.State())
		assert.False(t, tb.sup.Links()[i].Valid())
	}
	assert.False(t, tb.a.IsOpen())
	assert.False(t, tb.b.IsOpen())
}

func TestShutdownWhileBackingOff(t *testing.T) {
	opts := testOptions()
	opts.Backoff = 10 * time.Second
	tb := newTestBridge(t, opts, devA, devB)
	tb.a.Unplug()
	tb.b.Unplug()
	tb.start(t)

	require.Eventually(t, func() bool {
		m := tb.sup.Metrics()
		return m.Port1.AcquireFailures == 1 && m.Port2.AcquireFailures == 1
	}, waitFor, tick)

	elapsed := tb.stop(t)
	assert.Less(t, elapsed, time.Second)
	for _, w := range tb.sup.Workers() {
		assert.Equal(t, StateTerminated, w.State())
	}
}

func TestShutdownDuringHungOpen(t *testing.T) {
	opts := testOptions()
	opts.OpenTimeout = 10 * time.Second
	tb := newTestBridge(t, opts, devA, devB)
	release := tb.a.BlockOpen()
	defer release()
	tb.start(t)

	waitState(t, tb.sup.Workers()[1], StateRelaying)
	require.Eventually(t, func() bool { return len(tb.a.Attempts()) == 1 }, waitFor, tick)

	elapsed := tb.stop(t)
	assert.Less(t, elapsed, time.Second)
	assert.False(t, tb.a.IsOpen())
}

func TestHungOpenIsBoundedByTimeout(t *testing.T) {
	opts := testOptions()
	opts.OpenTimeout = 20 * time.Millisecond
	opts.Backoff = 10 * time.Millisecond
	tb := newTestBridge(t, opts, devA, devB)
	release := tb.a.BlockOpen()
	tb.start(t)

	require.Eventually(t, func() bool { return tb.sup.Workers()[0].Metrics().AcquireFailures >= 2 }, waitFor, tick)
	release()
	waitState(t, tb.sup.Workers()[0], StateRelaying)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tb.sup.Run(ctx) }()
	tb.waitRelaying(t)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after cancel")
	}
	select {
	case <-tb.sup.Done():
	default:
		t.Fatal("shutdown not triggered")
	}
}

func TestMirrorFollowsPublishedPeer(t *testing.T) {
	tb := newTestBridge(t, testOptions(), devA, devB)
	tb.start(t)
	tb.waitRelaying(t)
	workers := tb.sup.Workers()

	// A published peer gets the chunk mirrored even if its write fails.
	tb.b.SetWriteError(unix.EIO)
	require.NoError(t, tb.a.Inject([]byte("xyz")))
	require.Eventually(t, func() bool { return bytes.Equal(tb.mirror.Bytes(), []byte("xyz")) }, waitFor, tick)
	assert.Empty(t, tb.b.Written())

	// With no peer published the chunk is dropped and not mirrored.
	tb.b.Unplug()
	require.Eventually(t, func() bool { return !tb.sup.Links()[1].Valid() }, waitFor, tick)
	require.NoError(t, tb.a.Inject([]byte("gone")))
	require.Eventually(t, func() bool { return workers[0].Metrics().BytesDropped == 7 }, waitFor, tick)
	assert.Equal(t, []byte("xyz"), tb.mirror.Bytes())
	assert.Zero(t, workers[0].Metrics().MirrorErrors)
}

// teardownOpener wraps a MockOpener and records how each port is torn down
// relative to its endpoint's LinkState.
type teardownOpener struct {
	inner *serial.MockOpener
	sup   *Supervisor

	closes              atomic.Int32
	visibleAtClose      atomic.Int32
	writesAfterClose    atomic.Int32
	deliveredAfterClose atomic.Int32
}

func (o *teardownOpener) Open(ctx context.Context, path string) (core.Port, error) {
	port, err := o.inner.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	link := o.sup.Links()[0]
	if path == devB {
		link = o.sup.Links()[1]
	}
	return &teardownPort{Port: port, link: link, opener: o}, nil
}

type teardownPort struct {
	core.Port
	link   *LinkState
	opener *teardownOpener
	closed atomic.Bool
}

func (p *teardownPort) Write(b []byte) (int, error) {
	closed := p.closed.Load()
	n, err := p.Port.Write(b)
	if closed {
		p.opener.writesAfterClose.Add(1)
		if err == nil {
			p.opener.deliveredAfterClose.Add(1)
		}
	}
	return n, err
}

func (p *teardownPort) Close() error {
	if p.link.Load() != nil {
		p.opener.visibleAtClose.Add(1)
	}
	err := p.Port.Close()
	p.closed.Store(true)
	p.opener.closes.Add(1)
	return err
}

// pump injects bytes into dev until the returned function is called.
func pump(dev *serial.MockDevice) (stop func()) {
	quit := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for {
			select {
			case <-quit:
				return
			default:
			}
			_ = dev.Inject([]byte("x"))
			time.Sleep(time.Millisecond)
		}
	}()
	return func() {
		close(quit)
		<-finished
	}
}

func TestTeardownInvalidatesBeforeClose(t *testing.T) {
	cases := []struct {
		name       string
		disconnect func(t *testing.T, tb *testBridge)
		closes     int32
	}{
		{"unplug", func(t *testing.T, tb *testBridge) { tb.a.Unplug() }, 1},
		{"hangup", func(t *testing.T, tb *testBridge) { tb.a.Hangup() }, 1},
		{"shutdown", func(t *testing.T, tb *testBridge) { tb.stop(t) }, 2},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tb := newTestBridge(t, testOptions(), devA, devB)
			opener := &teardownOpener{inner: tb.opener}
			tb.sup = NewSupervisor(Config{
				Port1:   devA,
				Port2:   devB,
				Baud:    115200,
				Options: testOptions(),
				Mirror:  tb.mirror,
			}, opener)
			opener.sup = tb.sup

			tb.start(t)
			tb.waitRelaying(t)

			// Keep B writing into A while A is torn down.
			stop := pump(tb.b)
			require.Eventually(t, func() bool { return len(tb.a.Written()) > 0 }, waitFor, tick)
			tc.disconnect(t, tb)
			require.Eventually(t, func() bool { return opener.closes.Load() >= tc.closes }, waitFor, tick)
			stop()

			assert.Zero(t, opener.visibleAtClose.Load(), "port was still published when closed")
			assert.Zero(t, opener.deliveredAfterClose.Load(), "peer delivered bytes to a closed port")
		})
	}
}
