// Package gstsource adapts a live GStreamer video feed to the zslproc
// capture contracts. Decoded frames are copied into a fixed buffer pool and
// queued for engine acquisition; each capture also pushes a metadata frame
// stamped with the same normalized timestamp, so correlation works exactly
// as it does against a camera result path.
//
// The pipeline decodes H.264 over RTSP in software (rtspsrc → rtph264depay
// → avdec_h264) and hands RGB frames to an appsink. There is no automatic
// reconnection: on a fatal pipeline error the source stops producing and
// the supervising daemon decides whether to restart it.
package gstsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/magicxavi/zslproc"
)

// Metadata keys attached to frames derived from stream samples. Same keys
// the simulated source uses, so downstream consumers read one schema.
const (
	TagTraceID  = "trace.id"
	TagFrameSeq = "frame.seq"
)

// Config tunes the stream source.
type Config struct {
	// URL is the rtsp:// location of the feed. Required.
	URL string

	Width  int32   // output scale (default 1920)
	Height int32   // default 1080
	FPS    float64 // videorate cap (default 30)

	// PoolSize bounds the buffers that can be outstanding at once. A
	// sample arriving while the pool is empty is dropped.
	PoolSize int // default 6

	// Latency is the rtspsrc jitter buffer depth.
	Latency time.Duration // default 200ms
}

func (c *Config) setDefaults() {
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
	if c.Latency <= 0 {
		c.Latency = 200 * time.Millisecond
	}
}

// Buffer is one pool slot holding a decoded RGB frame. Implements
// zslproc.BufferHandle.
type Buffer struct {
	id      uint64
	data    []byte
	traceID string
}

// BufferID returns the pool-assigned identity.
func (b *Buffer) BufferID() uint64 { return b.id }

// Data returns the RGB payload of the capture currently held in the buffer.
// Valid only while the buffer is on loan from the pool.
func (b *Buffer) Data() []byte { return b.data }

// TraceID returns the trace id of the capture currently held in the buffer
// (empty while the buffer sits in the free pool).
func (b *Buffer) TraceID() string { return b.traceID }

// Notifier receives buffer-availability signals. zslproc processors satisfy
// it.
type Notifier interface {
	OnBufferAvailable()
}

// Source is a GStreamer-backed buffer producer. It implements
// zslproc.BufferSource and zslproc.MetadataSource.
type Source struct {
	cfg Config

	mu         sync.Mutex
	free       []*Buffer            // pool slots awaiting a sample
	pending    []zslproc.BufferSlot // captured, awaiting engine acquisition
	listener   zslproc.FrameListener
	listenerID int32
	seq        uint64
	baseWall   int64 // wall-clock ns at Start; anchors normalized timestamps
	basePTS    int64 // first sample PTS; -1 until seen

	captured  uint64
	dropped   uint64 // samples lost to an exhausted pool
	acquired  uint64
	released  uint64
	bytesRead uint64
	errors    uint64 // fatal pipeline errors observed on the bus
	isRunning bool
	startTime time.Time

	notify Notifier
	parts  *pipelineParts
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a stream source with its pool pre-allocated. The pipeline is
// built at Start, not here.
func New(cfg Config) (*Source, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gstsource: stream URL is required")
	}
	cfg.setDefaults()

	s := &Source{cfg: cfg, basePTS: -1}
	frameSize := int(cfg.Width) * int(cfg.Height) * 3 // RGB payload
	for i := 0; i < cfg.PoolSize; i++ {
		s.free = append(s.free, &Buffer{
			id:   uint64(i + 1),
			data: make([]byte, 0, frameSize),
		})
	}
	return s, nil
}

// Start builds the pipeline, wires the appsink callback and sets the
// pipeline PLAYING. Frames arrive asynchronously once the RTSP session is
// negotiated.
func (s *Source) Start(ctx context.Context, n Notifier) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("gstsource: already running")
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.baseWall = time.Now().UnixNano()
	s.basePTS = -1
	s.notify = n
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	parts, err := buildPipeline(s.cfg)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}
	s.parts = parts

	parts.appsink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: s.onNewSample,
	})
	parts.src.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		linkDynamicPad(srcPad, parts.depay)
	})

	if err := parts.pipeline.SetState(gst.StatePlaying); err != nil {
		destroyPipeline(parts)
		s.mu.Lock()
		s.isRunning = false
		s.parts = nil
		s.mu.Unlock()
		return fmt.Errorf("gstsource: failed to start pipeline: %w", err)
	}

	slog.Info("gstsource: pipeline starting",
		"url", s.cfg.URL,
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
		"pool_size", s.cfg.PoolSize,
	)

	s.wg.Add(1)
	go s.monitorBus(ctx)

	return nil
}

// Stop tears the pipeline down. Buffers already pending or held by
// consumers stay valid; they return to the pool through ReleaseBuffer as
// usual.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	if err := destroyPipeline(s.parts); err != nil {
		slog.Warn("gstsource: pipeline teardown failed", "error", err)
	}

	s.mu.Lock()
	s.isRunning = false
	s.parts = nil
	captured, dropped := s.captured, s.dropped
	started := s.startTime
	s.mu.Unlock()

	slog.Info("gstsource: stopped",
		"frames_captured", captured,
		"frames_dropped", dropped,
		"duration", time.Since(started),
	)
	return nil
}

// monitorBus polls the pipeline bus. Fatal errors and EOS end monitoring;
// the pipeline stays allocated until Stop.
func (s *Source) monitorBus(ctx context.Context) {
	defer s.wg.Done()

	bus := s.parts.pipeline.GetPipelineBus()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		// Short timeout keeps shutdown responsive.
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("gstsource: end of stream", "url", s.cfg.URL)
			return

		case gst.MessageError:
			gerr := msg.ParseError()
			s.mu.Lock()
			s.errors++
			s.mu.Unlock()
			slog.Error("gstsource: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"url", s.cfg.URL,
			)
			return

		case gst.MessageStateChanged:
			if msg.Source() == s.parts.pipeline.GetName() {
				prev, next := msg.ParseStateChanged()
				slog.Debug("gstsource: pipeline state changed", "from", prev, "to", next)
				if next == gst.StatePlaying {
					slog.Info("gstsource: stream connected", "url", s.cfg.URL)
				}
			}
		}
	}
}

// onNewSample runs on the GStreamer streaming thread for every decoded
// frame: copy the sample into a pool slot (the pipeline reuses its buffer),
// queue it, signal the notifier, then push the matching metadata frame.
func (s *Source) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// A single bad frame should not kill the pipeline.
		slog.Warn("gstsource: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	gstBuf := sample.GetBuffer()
	if gstBuf == nil {
		slog.Warn("gstsource: sample carried no buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := gstBuf.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		gstBuf.Unmap()
		slog.Warn("gstsource: empty buffer received")
		return gst.FlowOK
	}
	pts := gstBuf.PresentationTimestamp()

	s.mu.Lock()
	if len(s.free) == 0 {
		s.dropped++
		s.mu.Unlock()
		gstBuf.Unmap()
		slog.Debug("gstsource: pool exhausted, dropping frame")
		return gst.FlowOK
	}
	buf := s.free[0]
	s.free = s.free[1:]

	buf.data = append(buf.data[:0], data...) // pool slots reuse their arrays
	buf.traceID = uuid.New().String()
	traceID := buf.traceID

	ts := s.timestampLocked(pts)
	s.seq++
	seq := s.seq
	s.captured++
	s.bytesRead += uint64(len(data))

	s.pending = append(s.pending, zslproc.BufferSlot{Handle: buf, Timestamp: ts})

	listener := s.listener
	listenerID := s.listenerID
	notify := s.notify
	s.mu.Unlock()
	gstBuf.Unmap()

	if notify != nil {
		notify.OnBufferAvailable()
	}
	if listener != nil {
		listener.OnFrameAvailable(listenerID, zslproc.MetadataFrame{
			zslproc.TagSensorTimestamp: ts,
			TagTraceID:                 traceID,
			TagFrameSeq:                seq,
		})
	}

	return gst.FlowOK
}

// timestampLocked maps a sample PTS onto the wall-clock base taken at
// Start, keeping slot timestamps monotonic and mutually comparable. Streams
// without PTS fall back to arrival time.
func (s *Source) timestampLocked(pts time.Duration) int64 {
	if pts < 0 {
		return time.Now().UnixNano()
	}
	if s.basePTS < 0 {
		s.basePTS = int64(pts)
	}
	return s.baseWall + (int64(pts) - s.basePTS)
}

// AcquireBuffer pops the oldest pending capture. Implements
// zslproc.BufferSource.
func (s *Source) AcquireBuffer() (zslproc.BufferSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.pending) == 0 {
		return zslproc.BufferSlot{}, zslproc.ErrNoBufferAvailable
	}
	slot := s.pending[0]
	s.pending = s.pending[1:]
	s.acquired++
	return slot, nil
}

// ReleaseBuffer returns a buffer to the free pool. Implements
// zslproc.BufferSource. Foreign handles are logged and ignored.
func (s *Source) ReleaseBuffer(slot zslproc.BufferSlot) {
	buf, ok := slot.Handle.(*Buffer)
	if !ok {
		slog.Warn("gstsource: release of a foreign buffer handle ignored")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	buf.traceID = ""
	s.free = append(s.free, buf)
	s.released++
}

// RegisterFrameListener records the metadata consumer. Implements
// zslproc.MetadataSource.
func (s *Source) RegisterFrameListener(requestID int32, l zslproc.FrameListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	s.listenerID = requestID
	return nil
}

// Stats is a snapshot of source activity.
type Stats struct {
	Captured       uint64  `json:"captured"`
	Dropped        uint64  `json:"dropped"`
	Acquired       uint64  `json:"acquired"`
	Released       uint64  `json:"released"`
	BytesRead      uint64  `json:"bytes_read"`
	PipelineErrors uint64  `json:"pipeline_errors"`
	Pending        int     `json:"pending"`
	FreePool       int     `json:"free_pool"`
	FPSReal        float64 `json:"fps_real"`
	Running        bool    `json:"running"`
}

// Stats returns current source statistics.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fpsReal float64
	if s.isRunning && s.captured > 0 {
		if elapsed := time.Since(s.startTime).Seconds(); elapsed > 0 {
			fpsReal = float64(s.captured) / elapsed
		}
	}

	return Stats{
		Captured:       s.captured,
		Dropped:        s.dropped,
		Acquired:       s.acquired,
		Released:       s.released,
		BytesRead:      s.bytesRead,
		PipelineErrors: s.errors,
		Pending:        len(s.pending),
		FreePool:       len(s.free),
		FPSReal:        fpsReal,
		Running:        s.isRunning,
	}
}
