package zsl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Engine is the concrete zero-shutter-lag correlation engine.
//
// Goroutine topology:
//   - 1 fixed: consumeLoop (spawned by Start, stopped by Stop)
//   - 0 transient: notifiers, the release handler and the reprocess
//     selector all run on their callers' goroutines
//
// One exclusive lock (mu) protects both rings, the ingestion state and the
// in-flight hand-off record. It is never held across a call into a
// collaborator: buffer acquisition, buffer release and capture submission
// all happen outside the lock.
//
// Thread-safety: all public methods are safe for concurrent use.
type Engine struct {
	cfg Config

	// Collaborators (injected at construction)
	buffers  BufferSource
	metadata MetadataSource
	streams  StreamManager
	capture  CaptureSubmitter

	// --- Ring state (guarded by mu) ---

	mu          sync.Mutex
	state       State
	queue       *pairQueue
	frames      *frameRing
	inFlight    uint64 // buffer identity awaiting release acknowledgement
	hasInFlight bool

	zslStreamID       int32
	reprocessStreamID int32
	streamWidth       int32
	streamHeight      int32

	// Availability signal. Capacity 1: a non-blocking send coalesces
	// repeated notifications into a single wake.
	notify chan struct{}

	// --- Lifecycle ---

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	lifeMu  sync.Mutex // protects started
	started bool

	// --- Statistics (atomic, readable without mu) ---

	buffersInserted    atomic.Uint64
	buffersEvicted     atomic.Uint64
	buffersDiscarded   atomic.Uint64
	framesAppended     atomic.Uint64
	framesDropped      atomic.Uint64
	acquireErrors      atomic.Uint64
	matchesFound       atomic.Uint64
	handleMismatches   atomic.Uint64
	reprocessSubmitted atomic.Uint64
	reprocessFailed    atomic.Uint64
	idleTicks          atomic.Uint64
}

// stopTimeout bounds Stop's wait on the consumer goroutine. The loop
// observes cancellation within one IdleWait, so this only trips when a
// collaborator call is wedged.
const stopTimeout = 3 * time.Second

// New creates an engine with fail-fast validation.
//
// Zero-valued Config fields fall back to the defaults; negative values are
// rejected. Buffers, Streams and Capture are required; Metadata may be nil
// when the caller wires metadata pushes itself.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.BufferDepth == 0 {
		cfg.BufferDepth = DefaultBufferDepth
	}
	if cfg.FrameListDepth == 0 {
		cfg.FrameListDepth = DefaultFrameListDepth
	}
	if cfg.MatchTolerance == 0 {
		cfg.MatchTolerance = DefaultMatchTolerance
	}
	if cfg.IdleWait == 0 {
		cfg.IdleWait = DefaultIdleWait
	}
	if cfg.PreviewRequestID == 0 {
		cfg.PreviewRequestID = DefaultPreviewRequestID
	}
	if cfg.StreamFormat == 0 {
		cfg.StreamFormat = DefaultStreamFormat
	}

	if cfg.BufferDepth < 1 {
		return nil, fmt.Errorf("zslproc: invalid buffer depth %d (must be >= 1)", cfg.BufferDepth)
	}
	if cfg.FrameListDepth < 1 {
		return nil, fmt.Errorf("zslproc: invalid frame list depth %d (must be >= 1)", cfg.FrameListDepth)
	}
	if cfg.MatchTolerance < 0 {
		return nil, fmt.Errorf("zslproc: invalid match tolerance %v (must be > 0)", cfg.MatchTolerance)
	}
	if cfg.IdleWait < 0 {
		return nil, fmt.Errorf("zslproc: invalid idle wait %v (must be > 0)", cfg.IdleWait)
	}
	if deps.Buffers == nil {
		return nil, fmt.Errorf("zslproc: buffer source is required")
	}
	if deps.Streams == nil {
		return nil, fmt.Errorf("zslproc: stream lifecycle manager is required")
	}
	if deps.Capture == nil {
		return nil, fmt.Errorf("zslproc: capture submitter is required")
	}

	e := &Engine{
		cfg:               cfg,
		buffers:           deps.Buffers,
		metadata:          deps.Metadata,
		streams:           deps.Streams,
		capture:           deps.Capture,
		state:             Running,
		queue:             newPairQueue(cfg.BufferDepth),
		frames:            newFrameRing(cfg.FrameListDepth),
		notify:            make(chan struct{}, 1),
		zslStreamID:       NoStream,
		reprocessStreamID: NoStream,
	}

	slog.Info("zslproc: engine created",
		"buffer_depth", cfg.BufferDepth,
		"frame_list_depth", cfg.FrameListDepth,
		"match_tolerance", cfg.MatchTolerance,
		"idle_wait", cfg.IdleWait,
	)

	return e, nil
}

// Start launches the background consumer task.
//
// The task runs until Stop is called or ctx is cancelled; either is
// observed within one IdleWait interval. Returns immediately.
//
// Thread-safety: safe for concurrent calls (only the first succeeds).
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.started {
		return fmt.Errorf("zslproc: engine already started")
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true

	e.wg.Add(1)
	go e.consumeLoop()

	slog.Info("zslproc: consumer task started", "idle_wait", e.cfg.IdleWait)
	return nil
}

// Stop shuts the consumer task down and returns all live queued buffers to
// the producer (the in-flight reprocess buffer, if any, stays with the
// submission path until its acknowledgement).
//
// Idempotent - stopping a never-started or already-stopped engine is a
// no-op.
func (e *Engine) Stop() error {
	e.lifeMu.Lock()
	if !e.started {
		e.lifeMu.Unlock()
		slog.Debug("zslproc: engine not started, nothing to stop")
		return nil
	}
	e.started = false
	cancel := e.cancel
	e.lifeMu.Unlock()

	cancel()

	// Wait for the consumer task with a timeout guard.
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("zslproc: consumer task stopped cleanly")
	case <-time.After(stopTimeout):
		slog.Warn("zslproc: stop timeout exceeded, consumer task may still be running")
	}

	released := e.releaseQueued()

	slog.Info("zslproc: engine stopped",
		"buffers_released", released,
		"buffers_inserted", e.buffersInserted.Load(),
		"buffers_evicted", e.buffersEvicted.Load(),
		"matches_found", e.matchesFound.Load(),
		"reprocess_submitted", e.reprocessSubmitted.Load(),
	)
	return nil
}

// OnBufferAvailable signals that the producer has at least one new capture
// buffer queued. Non-blocking; repeated signals before the consumer wakes
// coalesce into one.
func (e *Engine) OnBufferAvailable() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// OnFrameAvailable receives one capture-result metadata frame. Implements
// FrameListener.
//
// The frame is appended to the metadata ring (overwriting the oldest slot)
// and a matching pass runs. While a reprocess submission is in flight the
// frame is dropped instead - the ring must not shift under the hand-off.
// The engine takes ownership of the map; callers must not mutate it after
// the push.
func (e *Engine) OnFrameAvailable(requestID int32, frame MetadataFrame) {
	if frame.IsEmpty() {
		slog.Debug("zslproc: ignoring empty metadata frame", "request_id", requestID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != Running {
		e.framesDropped.Add(1)
		slog.Debug("zslproc: ingestion locked, dropping metadata frame", "request_id", requestID)
		return
	}

	e.frames.append(frame)
	e.framesAppended.Add(1)
	e.findMatchesLocked()
}

// OnBufferReleased handles the release acknowledgement for a buffer that
// was handed to the capture submission path. Implements ReleaseTarget.
//
// A matching acknowledgement tombstones the pair's slot - ownership is back
// at the producer, so a later eviction must not release that buffer again.
// A mismatched (or unexpected) acknowledgement is logged and counted but
// the LOCKED→RUNNING transition still happens: staying locked on a protocol
// hiccup would stall ingestion forever.
func (e *Engine) OnBufferReleased(handle BufferHandle) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case handle == nil:
		e.handleMismatches.Add(1)
		slog.Error("zslproc: release acknowledgement without a handle")
	case !e.hasInFlight:
		e.handleMismatches.Add(1)
		slog.Error("zslproc: release acknowledgement with no capture in flight",
			"buffer_id", handle.BufferID(),
		)
	case handle.BufferID() != e.inFlight:
		e.handleMismatches.Add(1)
		slog.Error("zslproc: release acknowledgement for unexpected buffer",
			"expected_buffer", e.inFlight,
			"got_buffer", handle.BufferID(),
		)
	default:
		e.queue.clearByID(e.inFlight)
		slog.Debug("zslproc: reprocess buffer reclaimed by producer",
			"buffer_id", e.inFlight,
		)
	}

	e.hasInFlight = false
	e.state = Running
}

// consumeLoop is the background consumer task.
//
// Algorithm:
//  1. Wait for an availability signal, bounded by IdleWait.
//  2. A timeout is a normal idle tick; loop again.
//  3. On a signal, drain the producer until it reports no buffer.
//  4. Repeat until the lifecycle context is cancelled.
func (e *Engine) consumeLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(e.cfg.IdleWait)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.cfg.IdleWait)

		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
			e.idleTicks.Add(1)
			continue
		case <-e.notify:
		}

		e.drainAvailable()
	}
}

// drainAvailable acquires buffers from the producer until it reports none
// available. Acquisition happens outside the engine lock; only the
// post-acquisition bookkeeping is locked. A non-sentinel acquire error is
// logged and ends the drain for this wake cycle - the next signal or idle
// tick retries naturally.
func (e *Engine) drainAvailable() {
	for {
		slot, err := e.buffers.AcquireBuffer()
		if err != nil {
			if !errors.Is(err, ErrNoBufferAvailable) {
				e.acquireErrors.Add(1)
				slog.Error("zslproc: error receiving capture buffer", "error", err)
			}
			return
		}
		e.ingest(slot)
	}
}

// ingest inserts one drained buffer and runs a matching pass, or discards
// the buffer while ingestion is locked. Evicted and discarded buffers go
// back to the producer outside the lock.
func (e *Engine) ingest(slot BufferSlot) {
	e.mu.Lock()

	if e.state == Locked {
		e.mu.Unlock()
		e.buffersDiscarded.Add(1)
		slog.Debug("zslproc: capture in flight, discarding drained buffer",
			"buffer_ts", slot.Timestamp,
		)
		e.buffers.ReleaseBuffer(slot)
		return
	}

	evicted, didEvict := e.queue.insertHead(slot)
	e.buffersInserted.Add(1)
	e.findMatchesLocked()
	e.mu.Unlock()

	if didEvict {
		e.buffersEvicted.Add(1)
		slog.Debug("zslproc: queue full, releasing oldest buffer",
			"evicted_ts", evicted.Timestamp,
		)
		e.buffers.ReleaseBuffer(evicted)
	}
}

// releaseQueued returns every live queued buffer to the producer and clears
// both rings. The in-flight reprocess buffer is skipped: the submission
// path owns it until its release acknowledgement. Returns the number of
// buffers released.
func (e *Engine) releaseQueued() int {
	e.mu.Lock()
	var toRelease []BufferSlot
	e.queue.each(func(p *Pair) {
		if p.Buffer.IsZero() {
			return
		}
		if e.hasInFlight && p.Buffer.Handle != nil && p.Buffer.Handle.BufferID() == e.inFlight {
			return
		}
		toRelease = append(toRelease, p.Buffer)
	})
	e.queue.reset()
	e.frames.reset()
	e.mu.Unlock()

	for _, slot := range toRelease {
		e.buffers.ReleaseBuffer(slot)
	}
	return len(toRelease)
}
