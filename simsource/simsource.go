// Package simsource provides a simulated capture stack for the zslproc
// engine: a paced synthetic buffer source with a fixed pool, and an
// in-memory capture device that acknowledges reprocess submissions after a
// configurable latency.
//
// The source plays both producer roles: it implements zslproc.BufferSource
// (buffers are acquired and released against its pool) and
// zslproc.MetadataSource (each synthetic capture pushes a matching metadata
// frame, with a small timestamp skew, to the registered listener). It is
// used by the daemon's sim mode, the examples, and the integration tests.
package simsource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/magicxavi/zslproc"
)

// Metadata keys attached to synthetic frames beyond the sensor timestamp.
const (
	TagTraceID  = "trace.id"
	TagFrameSeq = "frame.seq"
)

// Config tunes the simulated source.
type Config struct {
	Width  int32
	Height int32
	FPS    int // capture pace (default 30)

	// PoolSize bounds the buffers that can be outstanding at once. A
	// capture finding the pool empty drops the frame, like a real
	// producer with exhausted DMA slots.
	PoolSize int // default 6

	// MetadataSkew is the timestamp offset applied to synthetic metadata
	// frames, cycled through 0, +skew, -skew. Keep it below the engine's
	// match tolerance or nothing will ever correlate.
	MetadataSkew time.Duration // default 300µs
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
	if c.MetadataSkew == 0 {
		c.MetadataSkew = 300 * time.Microsecond
	}
}

// Buffer is one pool slot. Implements zslproc.BufferHandle.
type Buffer struct {
	id      uint64
	data    []byte
	traceID string
}

// BufferID returns the pool-assigned identity.
func (b *Buffer) BufferID() uint64 { return b.id }

// TraceID returns the trace id of the capture currently held in the buffer
// (empty while the buffer sits in the free pool).
func (b *Buffer) TraceID() string { return b.traceID }

// Notifier receives buffer-availability signals. zslproc processors satisfy
// it.
type Notifier interface {
	OnBufferAvailable()
}

// Source is the simulated buffer producer.
type Source struct {
	cfg Config

	mu         sync.Mutex
	free       []*Buffer            // pool slots awaiting capture
	pending    []zslproc.BufferSlot // captured, awaiting engine acquisition
	listener   zslproc.FrameListener
	listenerID int32
	seq        uint64
	baseTS     int64

	captured  uint64
	dropped   uint64 // captures lost to an exhausted pool
	acquired  uint64
	released  uint64
	isRunning bool
	startTime time.Time

	notify Notifier
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a simulated source with its pool pre-allocated.
func New(cfg Config) *Source {
	cfg.setDefaults()

	s := &Source{cfg: cfg}
	frameSize := int(cfg.Width) * int(cfg.Height) * 3 // fake BGR24 payload
	for i := 0; i < cfg.PoolSize; i++ {
		s.free = append(s.free, &Buffer{
			id:   uint64(i + 1),
			data: make([]byte, frameSize),
		})
	}
	return s
}

// Start begins paced capturing. Each capture takes a pool slot, queues it
// for acquisition, signals the notifier, and pushes a matching metadata
// frame to the registered listener.
func (s *Source) Start(ctx context.Context, n Notifier) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("simsource: already running")
	}
	s.isRunning = true
	s.startTime = time.Now()
	s.baseTS = time.Now().UnixNano()
	s.notify = n
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	slog.Info("simsource: starting",
		"width", s.cfg.Width,
		"height", s.cfg.Height,
		"fps", s.cfg.FPS,
		"pool_size", s.cfg.PoolSize,
	)

	s.wg.Add(1)
	go s.captureLoop(ctx)

	return nil
}

// Stop halts capturing. Buffers already pending or held by consumers stay
// valid; they return to the pool through ReleaseBuffer as usual.
func (s *Source) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.isRunning = false
	captured, dropped := s.captured, s.dropped
	s.mu.Unlock()

	slog.Info("simsource: stopped",
		"frames_captured", captured,
		"frames_dropped", dropped,
		"duration", time.Since(s.startTime),
	)
	return nil
}

// captureLoop paces captures at the configured frame rate.
func (s *Source) captureLoop(ctx context.Context) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(s.cfg.FPS), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.captureOne()
	}
}

// captureOne simulates one sensor capture: pool slot out, pending slot in,
// availability signal, then the matching metadata frame.
func (s *Source) captureOne() {
	frameInterval := int64(time.Second) / int64(s.cfg.FPS)

	s.mu.Lock()
	if len(s.free) == 0 {
		s.dropped++
		s.mu.Unlock()
		slog.Debug("simsource: pool exhausted, dropping capture")
		return
	}
	buf := s.free[0]
	s.free = s.free[1:]

	s.seq++
	seq := s.seq
	ts := s.baseTS + int64(seq)*frameInterval
	buf.traceID = uuid.New().String()
	traceID := buf.traceID

	slot := zslproc.BufferSlot{Handle: buf, Timestamp: ts}
	s.pending = append(s.pending, slot)
	s.captured++

	listener := s.listener
	listenerID := s.listenerID
	notify := s.notify
	s.mu.Unlock()

	if notify != nil {
		notify.OnBufferAvailable()
	}

	if listener != nil {
		listener.OnFrameAvailable(listenerID, zslproc.MetadataFrame{
			zslproc.TagSensorTimestamp: ts + s.skew(seq),
			TagTraceID:                 traceID,
			TagFrameSeq:                seq,
		})
	}
}

// skew cycles the metadata timestamp offset through 0, +skew, -skew so the
// matcher sees exact hits and both jitter directions.
func (s *Source) skew(seq uint64) int64 {
	d := int64(s.cfg.MetadataSkew)
	switch seq % 3 {
	case 1:
		return d
	case 2:
		return -d
	default:
		return 0
	}
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
		slog.Warn("simsource: release of a foreign buffer handle ignored")
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
	Captured uint64  `json:"captured"`
	Dropped  uint64  `json:"dropped"`
	Acquired uint64  `json:"acquired"`
	Released uint64  `json:"released"`
	Pending  int     `json:"pending"`
	FreePool int     `json:"free_pool"`
	FPSReal  float64 `json:"fps_real"`
	Running  bool    `json:"running"`
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
		Captured: s.captured,
		Dropped:  s.dropped,
		Acquired: s.acquired,
		Released: s.released,
		Pending:  len(s.pending),
		FreePool: len(s.free),
		FPSReal:  fpsReal,
		Running:  s.isRunning,
	}
}
