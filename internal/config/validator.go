package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Source names accepted in capture.source
const (
	SourceSim  = "sim"
	SourceRTSP = "rtsp"
)

// Validate checks the configuration and applies defaults in place
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5 // default
	}

	switch cfg.LogFormat {
	case "":
		cfg.LogFormat = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", cfg.LogFormat)
	}

	// Engine tuning: zero means "library default", negatives are config bugs
	if cfg.Engine.BufferDepth < 0 {
		return fmt.Errorf("engine.buffer_depth must be >= 0")
	}
	if cfg.Engine.FrameListDepth < 0 {
		return fmt.Errorf("engine.frame_list_depth must be >= 0")
	}
	if cfg.Engine.MatchToleranceUS < 0 {
		return fmt.Errorf("engine.match_tolerance_us must be >= 0")
	}
	if cfg.Engine.IdleWaitMS < 0 {
		return fmt.Errorf("engine.idle_wait_ms must be >= 0")
	}

	if err := validateCapture(&cfg.Capture); err != nil {
		return fmt.Errorf("capture validation failed: %w", err)
	}

	if cfg.MQTT.Enabled() {
		applyMQTTDefaults(cfg)
	}

	return nil
}

func validateCapture(c *CaptureConfig) error {
	switch c.Source {
	case "":
		c.Source = SourceSim
	case SourceSim, SourceRTSP:
	default:
		return fmt.Errorf("unknown source %q (must be '%s' or '%s')", c.Source, SourceSim, SourceRTSP)
	}

	if c.Source == SourceRTSP && c.RTSPURL == "" {
		return fmt.Errorf("rtsp_url is required when source is '%s'", SourceRTSP)
	}

	if c.Width <= 0 {
		c.Width = 1920
	}
	if c.Height <= 0 {
		c.Height = 1080
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}

	if c.PoolSize <= 0 {
		c.PoolSize = 6
	}
	if c.MetadataSkewUS < 0 {
		return fmt.Errorf("metadata_skew_us must be >= 0")
	}
	if c.MetadataSkewUS == 0 {
		c.MetadataSkewUS = 300
	}
	if c.AckLatencyMS < 0 {
		return fmt.Errorf("ack_latency_ms must be >= 0")
	}
	if c.AckLatencyMS == 0 {
		c.AckLatencyMS = 20
	}

	return nil
}

func applyMQTTDefaults(cfg *Config) {
	if cfg.MQTT.Topics.Stats == "" {
		cfg.MQTT.Topics.Stats = fmt.Sprintf("zsl/stats/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("zsl/health/%s", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Shots == "" {
		cfg.MQTT.Topics.Shots = fmt.Sprintf("zsl/shots/%s", cfg.InstanceID)
	}

	if cfg.MQTT.QoS == nil {
		cfg.MQTT.QoS = map[string]byte{
			"stats":  0,
			"health": 0,
			"shots":  1,
		}
	}

	if cfg.MQTT.IntervalS <= 0 {
		cfg.MQTT.IntervalS = 5
	}
}
