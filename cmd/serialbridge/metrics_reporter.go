package main

import (
	"encoding/json"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/serialbridge/pkg/bridge"
	"github.com/irctrakz/serialbridge/pkg/logging"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Port1     map[string]uint64 `json:"port1"`
	Port2     map[string]uint64 `json:"port2"`
	State     map[string]string `json:"state"`
	Proc      map[string]uint64 `json:"proc"`
}

// runMetricsReporter logs a snapshot every interval until the bridge shuts down.
func runMetricsReporter(sup *bridge.Supervisor, interval time.Duration, format string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			dumpMetrics(sup, format)
		case <-sup.Done():
			return
		}
	}
}

func takeSnapshot(sup *bridge.Supervisor) metricsSnapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := sup.Metrics()
	workers := sup.Workers()
	return metricsSnapshot{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Port1:     m.Port1.Map(),
		Port2:     m.Port2.Map(),
		State: map[string]string{
			workers[0].Name(): workers[0].State().String(),
			workers[1].Name(): workers[1].State().String(),
		},
		Proc: map[string]uint64{
			"goroutines": uint64(runtime.NumGoroutine()),
			"heap_alloc": ms.HeapAlloc,
			"num_gc":     uint64(ms.NumGC),
		},
	}
}

func dumpMetrics(sup *bridge.Supervisor, format string) {
	snap := takeSnapshot(sup)
	if format == "json" {
		b, err := json.Marshal(snap)
		if err != nil {
			logging.Warnf("Metrics: marshal failed: %v", err)
			return
		}
		logging.Infof("METRICS %s", b)
		return
	}
	logging.Infof("METRICS port1[%s] %s", snap.State["port1"], formatCounters(snap.Port1))
	logging.Infof("METRICS port2[%s] %s", snap.State["port2"], formatCounters(snap.Port2))
}

var counterOrder = []string{
	"bytes_read", "bytes_forwarded", "bytes_dropped",
	"peer_write_errors", "mirror_errors",
	"connects", "disconnects", "acquire_failures",
}

func formatCounters(counters map[string]uint64) string {
	var b strings.Builder
	for i, k := range counterOrder {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(counters[k], 10))
	}
	return b.String()
}
