package core

import "sync/atomic"

// EndpointMetrics contains counters for one side of the bridge.
// Fields are updated with sync/atomic; use Snapshot to read them.
type EndpointMetrics struct {
	// BytesRead is the number of bytes read from the device.
	BytesRead uint64

	// BytesForwarded is the number of bytes written to the peer device.
	BytesForwarded uint64

	// BytesDropped is the number of bytes discarded because the peer was
	// disconnected or the write to it failed.
	BytesDropped uint64

	// PeerWriteErrors is the number of failed writes to the peer device.
	PeerWriteErrors uint64

	// MirrorErrors is the number of failed writes to the mirror sink.
	MirrorErrors uint64

	// Connects is the number of successful acquisitions.
	Connects uint64

	// Disconnects is the number of times the device went away while relaying.
	Disconnects uint64

	// AcquireFailures is the number of failed acquisition attempts.
	AcquireFailures uint64
}

// Snapshot returns a consistent-per-field copy of the counters.
func (m *EndpointMetrics) Snapshot() EndpointMetrics {
	return EndpointMetrics{
		BytesRead:       atomic.LoadUint64(&m.BytesRead),
		BytesForwarded:  atomic.LoadUint64(&m.BytesForwarded),
		BytesDropped:    atomic.LoadUint64(&m.BytesDropped),
		PeerWriteErrors: atomic.LoadUint64(&m.PeerWriteErrors),
		MirrorErrors:    atomic.LoadUint64(&m.MirrorErrors),
		Connects:        atomic.LoadUint64(&m.Connects),
		Disconnects:     atomic.LoadUint64(&m.Disconnects),
		AcquireFailures: atomic.LoadUint64(&m.AcquireFailures),
	}
}

// Map returns the counters keyed by their reporting names.
func (m EndpointMetrics) Map() map[string]uint64 {
	return map[string]uint64{
		"bytes_read":        m.BytesRead,
		"bytes_forwarded":   m.BytesForwarded,
		"bytes_dropped":     m.BytesDropped,
		"peer_write_errors": m.PeerWriteErrors,
		"mirror_errors":     m.MirrorErrors,
		"connects":          m.Connects,
		"disconnects":       m.Disconnects,
		"acquire_failures":  m.AcquireFailures,
	}
}

// BridgeMetrics contains metrics for both endpoints.
type BridgeMetrics struct {
	Port1 EndpointMetrics
	Port2 EndpointMetrics
}
