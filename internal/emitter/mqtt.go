package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/magicxavi/zslproc"
	"github.com/magicxavi/zslproc/internal/config"
)

// StatsEmitter publishes engine telemetry to an MQTT broker
type StatsEmitter struct {
	cfg    *config.Config
	Client mqtt.Client // Exported for health inspection

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// ShotReport describes one reprocess submission for the shots topic
type ShotReport struct {
	InstanceID        string    `json:"instance_id"`
	RequestID         int32     `json:"request_id"`
	BufferTimestampNS int64     `json:"buffer_timestamp_ns"`
	SubmittedAt       time.Time `json:"submitted_at"`
	TraceID           string    `json:"trace_id"`
}

// statsEnvelope wraps an engine snapshot with its origin
type statsEnvelope struct {
	InstanceID string        `json:"instance_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Engine     zslproc.Stats `json:"engine"`
}

// NewStatsEmitter creates an emitter bound to the daemon configuration
func NewStatsEmitter(cfg *config.Config) *StatsEmitter {
	return &StatsEmitter{
		cfg:       cfg,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection with auto-reconnect
func (e *StatsEmitter) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.MQTT.Broker))
	opts.SetClientID(fmt.Sprintf("%s-%s", e.cfg.InstanceID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		slog.Info("emitter: mqtt connection established",
			"broker", e.cfg.MQTT.Broker,
			"instance", e.cfg.InstanceID,
		)
	}

	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		slog.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.MQTT.Broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	slog.Info("emitter: connecting to mqtt broker", "broker", e.cfg.MQTT.Broker)

	token := e.Client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("emitter: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	return nil
}

// PublishStats publishes one engine snapshot to the stats topic
func (e *StatsEmitter) PublishStats(s zslproc.Stats) error {
	payload, err := json.Marshal(statsEnvelope{
		InstanceID: e.cfg.InstanceID,
		Timestamp:  time.Now().UTC(),
		Engine:     s,
	})
	if err != nil {
		return fmt.Errorf("emitter: failed to marshal stats: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Stats, e.getQoS("stats"), payload)
}

// PublishShot publishes one reprocess submission record to the shots topic
func (e *StatsEmitter) PublishShot(shot ShotReport) error {
	payload, err := json.Marshal(shot)
	if err != nil {
		return fmt.Errorf("emitter: failed to marshal shot report: %w", err)
	}
	return e.publish(e.cfg.MQTT.Topics.Shots, e.getQoS("shots"), payload)
}

// PublishHealth publishes a raw health message
func (e *StatsEmitter) PublishHealth(payload []byte) error {
	return e.publish(e.cfg.MQTT.Topics.Health, e.getQoS("health"), payload)
}

func (e *StatsEmitter) publish(topic string, qos byte, payload []byte) error {
	if !e.isConnected() {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("emitter: publish timeout on %s", topic)
	}
	if err := token.Error(); err != nil {
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		return fmt.Errorf("emitter: publish failed on %s: %w", topic, err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	slog.Debug("emitter: published",
		"topic", topic,
		"qos", qos,
		"size", len(payload),
	)

	return nil
}

// Disconnect closes the MQTT connection
func (e *StatsEmitter) Disconnect() error {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		slog.Info("emitter: mqtt disconnected")
	}

	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()

	return nil
}

// Stats returns emitter statistics
func (e *StatsEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64)
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// isConnected returns connection status
func (e *StatsEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// getQoS returns the QoS level for a given payload kind
func (e *StatsEmitter) getQoS(kind string) byte {
	if qos, ok := e.cfg.MQTT.QoS[kind]; ok {
		return qos
	}
	return 0 // default QoS 0
}
