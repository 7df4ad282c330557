// Package config provides configuration handling for the serial bridge.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/irctrakz/serialbridge/pkg/core"
	"github.com/irctrakz/serialbridge/pkg/logging"
	"github.com/irctrakz/serialbridge/pkg/serial"
)

// Config represents the complete bridge configuration.
type Config struct {
	// Bridge contains the endpoint and timing configuration.
	Bridge core.BridgeConfig `json:"bridge" yaml:"bridge"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Metrics contains the periodic metrics report configuration.
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// MetricsConfig controls the periodic counter dump.
type MetricsConfig struct {
	// Interval between reports. Zero disables reporting.
	Interval core.Duration `json:"interval" yaml:"interval"`

	// Format is "text" or "json".
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Bridge: core.BridgeConfig{
			Backoff:      core.Duration(3 * time.Second),
			ChunkSize:    256,
			PollInterval: core.Duration(50 * time.Millisecond),
			OpenTimeout:  core.Duration(5 * time.Second),
			Mirror:       true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch {
	case strings.HasSuffix(path, ".json"):
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

// LoadFromEnv overrides configuration from environment variables. Values
// that fail to parse are ignored.
func LoadFromEnv(config *Config) {
	if val := os.Getenv("BRIDGE_PORT1"); val != "" {
		config.Bridge.Port1 = val
	}
	if val := os.Getenv("BRIDGE_PORT2"); val != "" {
		config.Bridge.Port2 = val
	}
	if val := os.Getenv("BRIDGE_BAUD"); val != "" {
		if baud, err := strconv.Atoi(val); err == nil {
			config.Bridge.Baud = baud
		}
	}
	envDuration("BRIDGE_BACKOFF", &config.Bridge.Backoff)
	envDuration("BRIDGE_POLL_INTERVAL", &config.Bridge.PollInterval)
	envDuration("BRIDGE_OPEN_TIMEOUT", &config.Bridge.OpenTimeout)
	if val := os.Getenv("BRIDGE_CHUNK_SIZE"); val != "" {
		if size, err := strconv.Atoi(val); err == nil {
			config.Bridge.ChunkSize = size
		}
	}
	if val := os.Getenv("BRIDGE_MIRROR"); val != "" {
		config.Bridge.Mirror = truthy(val)
	}
	if val := os.Getenv("BRIDGE_MIRROR_FILE"); val != "" {
		config.Bridge.MirrorFile = val
	}

	if val := os.Getenv("LOGGING_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOGGING_FILE"); val != "" {
		config.Logging.File = val
	}
	if val := os.Getenv("LOGGING_MAX_SIZE"); val != "" {
		if maxSize, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxSize = maxSize
		}
	}
	if val := os.Getenv("LOGGING_MAX_BACKUPS"); val != "" {
		if maxBackups, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxBackups = maxBackups
		}
	}
	if val := os.Getenv("LOGGING_MAX_AGE"); val != "" {
		if maxAge, err := strconv.Atoi(val); err == nil {
			config.Logging.MaxAge = maxAge
		}
	}

	envDuration("METRICS_INTERVAL", &config.Metrics.Interval)
	if val := os.Getenv("METRICS_FORMAT"); val != "" {
		config.Metrics.Format = strings.ToLower(strings.TrimSpace(val))
	}
}

func envDuration(key string, dst *core.Duration) {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return
	}
	if d, err := time.ParseDuration(val); err == nil {
		*dst = core.Duration(d)
	}
}

func truthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	b := c.Bridge
	if b.Port1 == "" {
		return fmt.Errorf("serial port 1 is required")
	}
	if b.Port2 == "" {
		return fmt.Errorf("serial port 2 is required")
	}
	if filepath.Clean(b.Port1) == filepath.Clean(b.Port2) {
		return fmt.Errorf("serial ports must differ: %s", b.Port1)
	}
	if b.Baud <= 0 {
		return fmt.Errorf("baud rate is required")
	}
	if _, ok := serial.SpeedFor(b.Baud); !ok {
		return fmt.Errorf("unsupported baud rate: %d", b.Baud)
	}
	if b.Backoff <= 0 {
		return fmt.Errorf("invalid backoff: %s", b.Backoff)
	}
	if b.ChunkSize <= 0 || b.ChunkSize > 65536 {
		return fmt.Errorf("invalid chunk size: %d", b.ChunkSize)
	}
	if b.PollInterval <= 0 {
		return fmt.Errorf("invalid poll interval: %s", b.PollInterval)
	}
	if b.OpenTimeout <= 0 {
		return fmt.Errorf("invalid open timeout: %s", b.OpenTimeout)
	}

	if _, ok := logging.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	if c.Metrics.Interval < 0 {
		return fmt.Errorf("invalid metrics interval: %s", c.Metrics.Interval)
	}
	switch c.Metrics.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid metrics format: %s", c.Metrics.Format)
	}

	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, _ := logging.ParseLevel(c.Logging.Level)
	logging.SetLevel(level)

	if c.Logging.File != "" {
		err := logging.EnableFileLogging(
			filepath.Dir(c.Logging.File),
			filepath.Base(c.Logging.File),
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a JSON or YAML file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch {
	case strings.HasSuffix(path, ".json"):
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
