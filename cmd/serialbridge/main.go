// Command serialbridge cross-connects two serial ports. Bytes read from one
// port are written to the other; each port reconnects on its own when it
// disappears.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/irctrakz/serialbridge/pkg/bridge"
	"github.com/irctrakz/serialbridge/pkg/config"
	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/logging"
	"github.com/irctrakz/serialbridge/pkg/serial"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	flagSet := pflag.NewFlagSet("serialbridge", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var (
		port1           string
		port2           string
		baud            int
		configPath      string
		logLevel        string
		logFile         string
		mirrorFile      string
		noMirror        bool
		metricsInterval time.Duration
		help            bool
	)
	flagSet.StringVar(&port1, "serial-port-1", "", "serial port 1 (e.g., /dev/ttyUSB0)")
	flagSet.StringVar(&port2, "serial-port-2", "", "serial port 2 (e.g., /dev/ttyUSB1)")
	flagSet.IntVar(&baud, "baud", 0, "baud rate (e.g., 115200)")
	flagSet.StringVar(&configPath, "config", "", "YAML or JSON config file")
	flagSet.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flagSet.StringVar(&logFile, "log-file", "", "also write logs to this file (rotated)")
	flagSet.StringVar(&mirrorFile, "mirror-file", "", "copy forwarded bytes to this file instead of stdout")
	flagSet.BoolVar(&noMirror, "no-mirror", false, "do not copy forwarded bytes anywhere")
	flagSet.DurationVar(&metricsInterval, "metrics-interval", 0, "log counters at this interval (0 disables)")
	flagSet.BoolVarP(&help, "help", "h", false, "display this help and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(stdout, flagSet)
			return 0
		}
		fmt.Fprintf(stderr, "serialbridge: %v\n", err)
		printHelp(stderr, flagSet)
		return 1
	}
	if help {
		printHelp(stdout, flagSet)
		return 0
	}

	cfg := config.DefaultConfig()
	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			fmt.Fprintf(stderr, "serialbridge: %v\n", err)
			return 1
		}
	}
	config.LoadFromEnv(cfg)

	if flagSet.Changed("serial-port-1") {
		cfg.Bridge.Port1 = port1
	}
	if flagSet.Changed("serial-port-2") {
		cfg.Bridge.Port2 = port2
	}
	if flagSet.Changed("baud") {
		cfg.Bridge.Baud = baud
	}
	if flagSet.Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if flagSet.Changed("log-file") {
		cfg.Logging.File = logFile
	}
	if flagSet.Changed("mirror-file") {
		cfg.Bridge.MirrorFile = mirrorFile
	}
	if noMirror {
		cfg.Bridge.Mirror = false
	}
	if flagSet.Changed("metrics-interval") {
		cfg.Metrics.Interval = core.Duration(metricsInterval)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "serialbridge: %v\n", err)
		printHelp(stderr, flagSet)
		return 1
	}
	if err := cfg.ApplyLogging(); err != nil {
		fmt.Fprintf(stderr, "serialbridge: %v\n", err)
		return 1
	}

	mirror, closeMirror, err := openMirror(cfg, stdout)
	if err != nil {
		fmt.Fprintf(stderr, "serialbridge: %v\n", err)
		return 1
	}
	defer closeMirror()

	logging.Infof("Serial port 1: %s", cfg.Bridge.Port1)
	logging.Infof("Serial port 2: %s", cfg.Bridge.Port2)
	logging.Infof("Baud: %d", cfg.Bridge.Baud)
	logging.InfoWithFields(logrus.Fields{
		"backoff":       cfg.Bridge.Backoff.String(),
		"poll_interval": cfg.Bridge.PollInterval.String(),
		"chunk_size":    cfg.Bridge.ChunkSize,
		"mirror":        mirrorTarget(cfg),
	}, "Starting serial bridge")

	opener := serial.NewOpener(serial.Options{
		Baud:         cfg.Bridge.Baud,
		PollInterval: cfg.Bridge.PollInterval.Duration(),
	})
	sup := bridge.NewSupervisor(bridge.Config{
		Port1: cfg.Bridge.Port1,
		Port2: cfg.Bridge.Port2,
		Baud:  cfg.Bridge.Baud,
		Options: bridge.Options{
			Backoff:      cfg.Bridge.Backoff.Duration(),
			ChunkSize:    cfg.Bridge.ChunkSize,
			OpenTimeout:  cfg.Bridge.OpenTimeout.Duration(),
			PollInterval: cfg.Bridge.PollInterval.Duration(),
		},
		Mirror: mirror,
	}, opener)

	sigc, releaseSignals := signalChannel()
	go stopOnSignal(sigc, releaseSignals, sup.Shutdown, sup.Done())

	if interval := cfg.Metrics.Interval.Duration(); interval > 0 {
		go runMetricsReporter(sup, interval, cfg.Metrics.Format)
	}

	if err := sup.Run(context.Background()); err != nil {
		logging.Errorf("Bridge stopped with error: %v", err)
	}
	dumpMetrics(sup, cfg.Metrics.Format)
	return 0
}

// openMirror resolves where forwarded bytes are copied.
func openMirror(cfg *config.Config, stdout io.Writer) (io.Writer, func(), error) {
	if !cfg.Bridge.Mirror {
		return nil, func() {}, nil
	}
	if cfg.Bridge.MirrorFile == "" {
		return stdout, func() {}, nil
	}
	f, err := os.OpenFile(cfg.Bridge.MirrorFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open mirror file: %w", err)
	}
	return f, func() { f.Close() }, nil
}

// mirrorTarget names where forwarded bytes are copied, for the banner.
func mirrorTarget(cfg *config.Config) string {
	switch {
	case !cfg.Bridge.Mirror:
		return "off"
	case cfg.Bridge.MirrorFile != "":
		return cfg.Bridge.MirrorFile
	default:
		return "stdout"
	}
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: serialbridge --serial-port-1 <device> --serial-port-2 <device> --baud <n> [options]

Forward bytes between two serial ports in both directions. Each port is
opened exclusively and reopened automatically if it disappears.

Options:
%s`, flagSet.FlagUsages())
}
