package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete zsld daemon configuration
type Config struct {
	InstanceID       string        `yaml:"instance_id"`
	ShutdownTimeoutS int           `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	LogFormat        string        `yaml:"log_format"`         // json, text
	Engine           EngineConfig  `yaml:"engine"`
	Capture          CaptureConfig `yaml:"capture"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
}

// EngineConfig tunes the correlation engine. Zero values fall back to the
// library defaults.
type EngineConfig struct {
	BufferDepth      int   `yaml:"buffer_depth"`       // ZSL ring capacity (default: 4)
	FrameListDepth   int   `yaml:"frame_list_depth"`   // metadata ring capacity (default: 8)
	MatchToleranceUS int   `yaml:"match_tolerance_us"` // timestamp window, microseconds, exclusive (default: 1000)
	IdleWaitMS       int   `yaml:"idle_wait_ms"`       // consumer wake timeout (default: 100)
	PreviewRequestID int32 `yaml:"preview_request_id"` // metadata listener registration id (default: 1)
}

// CaptureConfig selects and tunes the buffer source
type CaptureConfig struct {
	Source  string `yaml:"source"`   // sim, rtsp
	RTSPURL string `yaml:"rtsp_url"` // required when source is rtsp
	Width   int32  `yaml:"width"`
	Height  int32  `yaml:"height"`
	FPS     int    `yaml:"fps"`

	// Simulated source tuning
	PoolSize       int `yaml:"pool_size"`        // buffer pool slots (default: 6)
	MetadataSkewUS int `yaml:"metadata_skew_us"` // synthetic metadata timestamp jitter (default: 300)
	AckLatencyMS   int `yaml:"ack_latency_ms"`   // simulated device release-ack delay (default: 20)
}

// MQTTConfig contains telemetry broker settings. An empty broker disables
// telemetry entirely.
type MQTTConfig struct {
	Broker    string          `yaml:"broker"`
	Topics    MQTTTopics      `yaml:"topics"`
	QoS       map[string]byte `yaml:"qos"`
	IntervalS int             `yaml:"interval_s"` // stats publication period (default: 5)
}

// MQTTTopics contains topic templates
type MQTTTopics struct {
	Stats  string `yaml:"stats"`
	Health string `yaml:"health"`
	Shots  string `yaml:"shots"`
}

// Load reads, parses and validates a YAML configuration file. Unknown keys
// are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// MatchTolerance returns the matching window as a duration
func (e EngineConfig) MatchTolerance() time.Duration {
	return time.Duration(e.MatchToleranceUS) * time.Microsecond
}

// IdleWait returns the consumer wake timeout as a duration
func (e EngineConfig) IdleWait() time.Duration {
	return time.Duration(e.IdleWaitMS) * time.Millisecond
}

// Enabled reports whether telemetry is configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// Interval returns the stats publication period
func (m MQTTConfig) Interval() time.Duration {
	return time.Duration(m.IntervalS) * time.Second
}
