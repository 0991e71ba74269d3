package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/magicxavi/zslproc"
	"github.com/magicxavi/zslproc/gstsource"
	"github.com/magicxavi/zslproc/internal/config"
	"github.com/magicxavi/zslproc/internal/emitter"
	"github.com/magicxavi/zslproc/simsource"
)

// service wires the capture stack, the correlation engine and the telemetry
// emitter according to the daemon configuration.
//
// The reprocess device is in-memory in both capture modes; a real deployment
// plugs the camera HAL adapter in its place.
type service struct {
	cfg *config.Config

	proc   zslproc.Processor
	device *simsource.Device
	sim    *simsource.Source     // set when capture.source is sim
	gst    *gstsource.Source     // set when capture.source is rtsp
	emit   *emitter.StatsEmitter // nil when telemetry is disabled

	shotInterval time.Duration
	started      time.Time
}

// newService builds all components without starting anything.
func newService(cfg *config.Config, shotInterval time.Duration) (*service, error) {
	s := &service{cfg: cfg, shotInterval: shotInterval}

	var (
		buffers  zslproc.BufferSource
		metadata zslproc.MetadataSource
	)
	switch cfg.Capture.Source {
	case config.SourceSim:
		src := simsource.New(simsource.Config{
			Width:        cfg.Capture.Width,
			Height:       cfg.Capture.Height,
			FPS:          cfg.Capture.FPS,
			PoolSize:     cfg.Capture.PoolSize,
			MetadataSkew: time.Duration(cfg.Capture.MetadataSkewUS) * time.Microsecond,
		})
		s.sim = src
		buffers, metadata = src, src

	case config.SourceRTSP:
		src, err := gstsource.New(gstsource.Config{
			URL:      cfg.Capture.RTSPURL,
			Width:    cfg.Capture.Width,
			Height:   cfg.Capture.Height,
			FPS:      float64(cfg.Capture.FPS),
			PoolSize: cfg.Capture.PoolSize,
		})
		if err != nil {
			return nil, err
		}
		s.gst = src
		buffers, metadata = src, src

	default:
		return nil, fmt.Errorf("zsld: unknown capture source %q", cfg.Capture.Source)
	}

	ackLatency := time.Duration(cfg.Capture.AckLatencyMS) * time.Millisecond
	s.device = simsource.NewDevice(ackLatency, buffers)

	proc, err := zslproc.New(engineConfig(cfg.Engine), zslproc.Deps{
		Buffers:  buffers,
		Metadata: metadata,
		Streams:  s.device,
		Capture:  s.device,
	})
	if err != nil {
		return nil, err
	}
	s.proc = proc

	if cfg.MQTT.Enabled() {
		s.emit = emitter.NewStatsEmitter(cfg)
	}

	return s, nil
}

// engineConfig maps YAML tuning onto the engine config, leaving library
// defaults in place for unset fields.
func engineConfig(ec config.EngineConfig) zslproc.Config {
	cfg := zslproc.DefaultConfig()
	if ec.BufferDepth > 0 {
		cfg.BufferDepth = ec.BufferDepth
	}
	if ec.FrameListDepth > 0 {
		cfg.FrameListDepth = ec.FrameListDepth
	}
	if ec.MatchToleranceUS > 0 {
		cfg.MatchTolerance = ec.MatchTolerance()
	}
	if ec.IdleWaitMS > 0 {
		cfg.IdleWait = ec.IdleWait()
	}
	if ec.PreviewRequestID > 0 {
		cfg.PreviewRequestID = ec.PreviewRequestID
	}
	return cfg
}

// start configures streams and brings the capture path up.
func (s *service) start(ctx context.Context) error {
	s.started = time.Now()

	if s.emit != nil {
		if err := s.emit.Connect(ctx); err != nil {
			return fmt.Errorf("zsld: mqtt connect failed: %w", err)
		}
	}

	if err := s.proc.ConfigureStreams(zslproc.StreamParams{
		Width:  s.cfg.Capture.Width,
		Height: s.cfg.Capture.Height,
	}); err != nil {
		return fmt.Errorf("zsld: stream configuration failed: %w", err)
	}

	if err := s.proc.Start(ctx); err != nil {
		return fmt.Errorf("zsld: engine start failed: %w", err)
	}

	var err error
	switch {
	case s.sim != nil:
		err = s.sim.Start(ctx, s.proc)
	case s.gst != nil:
		err = s.gst.Start(ctx, s.proc)
	}
	if err != nil {
		s.proc.Stop()
		return fmt.Errorf("zsld: capture start failed: %w", err)
	}

	s.publishHealth("online")

	slog.Info("zsld: service running",
		"instance_id", s.cfg.InstanceID,
		"capture_source", s.cfg.Capture.Source,
		"stream_id", s.proc.StreamID(),
		"reprocess_stream_id", s.proc.ReprocessStreamID(),
		"shot_interval", s.shotInterval,
	)
	return nil
}

// run supervises the periodic loops until the context is cancelled.
func (s *service) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.runStatsLogger(ctx) })
	if s.shotInterval > 0 {
		g.Go(func() error { return s.runShotTrigger(ctx) })
	}
	if s.emit != nil {
		g.Go(func() error { return s.runStatsEmitter(ctx) })
	}

	return g.Wait()
}

// runStatsLogger logs engine and source activity periodically.
func (s *service) runStatsLogger(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			es := s.proc.Stats()
			attrs := []any{
				"state", es.State,
				"queued", es.QueuedBuffers,
				"matched", es.MatchedPairs,
				"inserted", es.BuffersInserted,
				"matches", es.MatchesFound,
				"submitted", es.ReprocessSubmitted,
				"failed", es.ReprocessFailed,
			}
			switch {
			case s.sim != nil:
				ss := s.sim.Stats()
				attrs = append(attrs,
					"captured", ss.Captured,
					"dropped", ss.Dropped,
					"fps", fmt.Sprintf("%.1f", ss.FPSReal),
				)
			case s.gst != nil:
				gs := s.gst.Stats()
				attrs = append(attrs,
					"captured", gs.Captured,
					"dropped", gs.Dropped,
					"fps", fmt.Sprintf("%.1f", gs.FPSReal),
				)
			}
			slog.Info("zsld: stats", attrs...)
		}
	}
}

// runShotTrigger periodically pushes the oldest matched pair to reprocess,
// exercising the full hand-off/acknowledge cycle, and reports each shot.
func (s *service) runShotTrigger(ctx context.Context) error {
	ticker := time.NewTicker(s.shotInterval)
	defer ticker.Stop()

	requestID := int32(100)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			requestID++
			if err := s.proc.PushToReprocess(requestID, s.proc.StreamID()); err != nil {
				if errors.Is(err, zslproc.ErrNoMatchAvailable) {
					slog.Debug("zsld: no matched pair yet, skipping shot", "request_id", requestID)
					continue
				}
				slog.Warn("zsld: reprocess submission failed",
					"request_id", requestID,
					"error", err,
				)
				continue
			}

			subs := s.device.Submissions()
			if len(subs) == 0 {
				continue
			}
			last := subs[len(subs)-1]
			trace, _ := last.Request[simsource.TagTraceID].(string)

			slog.Info("zsld: shot captured",
				"request_id", requestID,
				"buffer_ts", last.Slot.Timestamp,
				"trace_id", trace,
			)

			if s.emit != nil {
				if err := s.emit.PublishShot(emitter.ShotReport{
					InstanceID:        s.cfg.InstanceID,
					RequestID:         requestID,
					BufferTimestampNS: last.Slot.Timestamp,
					SubmittedAt:       last.SubmittedAt,
					TraceID:           trace,
				}); err != nil {
					slog.Warn("zsld: shot publication failed", "error", err)
				}
			}
		}
	}
}

// runStatsEmitter publishes engine snapshots to the stats topic.
func (s *service) runStatsEmitter(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MQTT.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.emit.PublishStats(s.proc.Stats()); err != nil {
				slog.Warn("zsld: stats publication failed", "error", err)
			}
		}
	}
}

// publishHealth sends a health status message; best-effort.
func (s *service) publishHealth(status string) {
	if s.emit == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"instance_id": s.cfg.InstanceID,
		"status":      status,
		"timestamp":   time.Now().UTC(),
		"uptime_s":    time.Since(s.started).Seconds(),
	})
	if err != nil {
		return
	}
	if err := s.emit.PublishHealth(payload); err != nil {
		slog.Debug("zsld: health publication failed", "error", err)
	}
}

// shutdown stops components in dependency order: capture first so no new
// buffers arrive, then the engine (returns queued buffers), then the device
// ack drain, telemetry last.
func (s *service) shutdown(ctx context.Context) error {
	switch {
	case s.sim != nil:
		if err := s.sim.Stop(); err != nil {
			slog.Error("zsld: capture stop failed", "error", err)
		}
	case s.gst != nil:
		if err := s.gst.Stop(); err != nil {
			slog.Error("zsld: capture stop failed", "error", err)
		}
	}

	if err := s.proc.Stop(); err != nil {
		slog.Error("zsld: engine stop failed", "error", err)
	}

	// In-flight release acks land within the configured latency.
	done := make(chan struct{})
	go func() {
		s.device.WaitIdle()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("zsld: shutdown timed out waiting for device acks")
	}

	s.publishHealth("offline")
	if s.emit != nil {
		if err := s.emit.Disconnect(); err != nil {
			slog.Error("zsld: mqtt disconnect failed", "error", err)
		}
	}

	slog.Info("zsld: shutdown complete", "uptime", time.Since(s.started))
	return nil
}
