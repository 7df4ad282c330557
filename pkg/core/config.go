package core

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig contains configuration for the serial bridge.
type BridgeConfig struct {
	// Port1 is the device path of the first endpoint (e.g., "/dev/ttyUSB0").
	Port1 string `json:"port1" yaml:"port1"`

	// Port2 is the device path of the second endpoint.
	Port2 string `json:"port2" yaml:"port2"`

	// Baud is the line speed applied to both devices.
	Baud int `json:"baud" yaml:"baud"`

	// Backoff is the delay before retrying a failed acquisition.
	Backoff Duration `json:"backoff" yaml:"backoff"`

	// ChunkSize is the maximum number of bytes read per iteration.
	ChunkSize int `json:"chunk_size" yaml:"chunkSize"`

	// PollInterval bounds how long a read waits for data before the worker
	// re-checks for shutdown.
	PollInterval Duration `json:"poll_interval" yaml:"pollInterval"`

	// OpenTimeout bounds a single acquisition attempt.
	OpenTimeout Duration `json:"open_timeout" yaml:"openTimeout"`

	// Mirror copies every forwarded chunk to the mirror sink.
	Mirror bool `json:"mirror" yaml:"mirror"`

	// MirrorFile redirects the mirror sink to a file instead of stdout.
	MirrorFile string `json:"mirror_file" yaml:"mirrorFile"`
}

// Duration is a time.Duration that reads and writes as a string like "3s".
// Plain integers are accepted as nanoseconds.
type Duration time.Duration

// Duration returns the value as a time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("duration must be a string (e.g., \"3s\") or a number of nanoseconds")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		var n int64
		if err := node.Decode(&n); err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}
