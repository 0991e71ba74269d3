package simsource_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/magicxavi/zslproc"
	"github.com/magicxavi/zslproc/simsource"
)

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) OnBufferAvailable() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *countingNotifier) signals() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []zslproc.MetadataFrame
}

func (r *frameRecorder) OnFrameAvailable(requestID int32, frame zslproc.MetadataFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) snapshot() []zslproc.MetadataFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]zslproc.MetadataFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestSourcePoolExhaustion runs the source without a consumer: captures must
// stop at the pool size and further ticks count as drops.
func TestSourcePoolExhaustion(t *testing.T) {
	src := simsource.New(simsource.Config{Width: 64, Height: 64, FPS: 200, PoolSize: 3})
	notifier := &countingNotifier{}

	if err := src.Start(context.Background(), notifier); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return src.Stats().Dropped >= 1 }) {
		t.Fatalf("source never exhausted its pool: %+v", src.Stats())
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := src.Stats()
	if stats.Captured != 3 {
		t.Errorf("captured = %d, want 3 (pool size)", stats.Captured)
	}
	if stats.FreePool != 0 || stats.Pending != 3 {
		t.Errorf("pool accounting off: free=%d pending=%d, want 0/3", stats.FreePool, stats.Pending)
	}
	if notifier.signals() != 3 {
		t.Errorf("availability signals = %d, want 3", notifier.signals())
	}

	// --- drain and return ---
	for i := 0; i < 3; i++ {
		if _, err := src.AcquireBuffer(); err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
	}
	if _, err := src.AcquireBuffer(); !errors.Is(err, zslproc.ErrNoBufferAvailable) {
		t.Fatalf("acquire on empty pending = %v, want ErrNoBufferAvailable", err)
	}
	t.Logf("✅ pool bounded captures at %d and dropped %d", stats.Captured, stats.Dropped)
}

// TestSourceMetadataTracksBuffers checks that every capture produces one
// metadata frame whose timestamp sits within the configured skew of the
// buffer timestamp, carrying the buffer's trace id.
func TestSourceMetadataTracksBuffers(t *testing.T) {
	skew := 200 * time.Microsecond
	src := simsource.New(simsource.Config{Width: 64, Height: 64, FPS: 200, PoolSize: 4, MetadataSkew: skew})
	recorder := &frameRecorder{}
	if err := src.RegisterFrameListener(1, recorder); err != nil {
		t.Fatalf("RegisterFrameListener failed: %v", err)
	}

	if err := src.Start(context.Background(), &countingNotifier{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return src.Stats().Captured >= 4 }) {
		t.Fatalf("source captured %d frames, want 4", src.Stats().Captured)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	frames := recorder.snapshot()
	if len(frames) != 4 {
		t.Fatalf("recorded %d metadata frames, want 4", len(frames))
	}

	for i := 0; i < 4; i++ {
		slot, err := src.AcquireBuffer()
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		frame := frames[i]
		ts, ok := frame.Timestamp()
		if !ok {
			t.Fatalf("frame %d has no timestamp: %v", i, frame)
		}
		delta := ts - slot.Timestamp
		if delta < 0 {
			delta = -delta
		}
		if delta > int64(skew) {
			t.Errorf("frame %d skew %dns exceeds configured %v", i, delta, skew)
		}
		buf := slot.Handle.(*simsource.Buffer)
		if frame[simsource.TagTraceID] != buf.TraceID() {
			t.Errorf("frame %d trace id %v != buffer trace id %v", i, frame[simsource.TagTraceID], buf.TraceID())
		}
	}
	t.Logf("✅ all 4 metadata frames track their buffers within %v", skew)
}

// TestDeviceStreamLifecycle exercises the in-memory stream manager.
func TestDeviceStreamLifecycle(t *testing.T) {
	dev := simsource.NewDevice(time.Millisecond, nil)

	id, err := dev.CreateOutputStream(1920, 1080, 0x22)
	if err != nil {
		t.Fatalf("CreateOutputStream failed: %v", err)
	}
	w, h, err := dev.StreamInfo(id)
	if err != nil || w != 1920 || h != 1080 {
		t.Fatalf("StreamInfo = %dx%d, %v; want 1920x1080", w, h, err)
	}

	if _, err := dev.CreateReprocessStream(id + 99); err == nil {
		t.Error("CreateReprocessStream from unknown stream succeeded, want error")
	}
	rID, err := dev.CreateReprocessStream(id)
	if err != nil {
		t.Fatalf("CreateReprocessStream failed: %v", err)
	}

	if err := dev.DeleteReprocessStream(rID); err != nil {
		t.Fatalf("DeleteReprocessStream failed: %v", err)
	}
	if err := dev.DeleteReprocessStream(rID); err == nil {
		t.Error("double DeleteReprocessStream succeeded, want error")
	}
	if err := dev.DeleteStream(id); err != nil {
		t.Fatalf("DeleteStream failed: %v", err)
	}
	if _, _, err := dev.StreamInfo(id); err == nil {
		t.Error("StreamInfo after delete succeeded, want error")
	}
	t.Logf("✅ device stream lifecycle behaves")
}

type ackRecorder struct {
	mu      sync.Mutex
	handles []zslproc.BufferHandle
	at      []time.Time
}

func (a *ackRecorder) OnBufferReleased(h zslproc.BufferHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handles = append(a.handles, h)
	a.at = append(a.at, time.Now())
}

type poolRecorder struct {
	mu    sync.Mutex
	slots []zslproc.BufferSlot
}

func (p *poolRecorder) ReleaseBuffer(s zslproc.BufferSlot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, s)
}

type tick uint64

func (h tick) BufferID() uint64 { return uint64(h) }

// TestDeviceAcknowledgesAfterLatency pins the push→ack protocol: the buffer
// returns to the pool and the target hears about it, no earlier than the
// configured latency.
func TestDeviceAcknowledgesAfterLatency(t *testing.T) {
	pool := &poolRecorder{}
	latency := 20 * time.Millisecond
	dev := simsource.NewDevice(latency, pool)

	id, _ := dev.CreateOutputStream(640, 480, 0x22)
	rID, err := dev.CreateReprocessStream(id)
	if err != nil {
		t.Fatalf("CreateReprocessStream failed: %v", err)
	}

	if err := dev.PushReprocessBuffer(rID+1, zslproc.BufferSlot{Handle: tick(1)}, nil); err == nil {
		t.Error("push on unknown reprocess stream succeeded, want error")
	}

	target := &ackRecorder{}
	begin := time.Now()
	if err := dev.PushReprocessBuffer(rID, zslproc.BufferSlot{Handle: tick(1), Timestamp: 42}, target); err != nil {
		t.Fatalf("PushReprocessBuffer failed: %v", err)
	}
	if err := dev.SubmitCapture(zslproc.MetadataFrame{zslproc.TagRequestID: int32(9)}); err != nil {
		t.Fatalf("SubmitCapture failed: %v", err)
	}

	dev.WaitIdle()

	target.mu.Lock()
	defer target.mu.Unlock()
	if len(target.handles) != 1 || target.handles[0].BufferID() != 1 {
		t.Fatalf("ack handles = %v, want [1]", target.handles)
	}
	if elapsed := target.at[0].Sub(begin); elapsed < latency {
		t.Errorf("ack arrived after %v, want >= %v", elapsed, latency)
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if len(pool.slots) != 1 || pool.slots[0].Timestamp != 42 {
		t.Errorf("pool releases = %+v, want the pushed slot", pool.slots)
	}

	subs := dev.Submissions()
	if len(subs) != 1 || subs[0].StreamID != rID || subs[0].Slot.Timestamp != 42 {
		t.Errorf("submissions = %+v, want one paired push+request", subs)
	}
	t.Logf("✅ ack fired after %v with the pool refilled first", latency)
}

// TestPoolNeverLeaks runs the full simulated stack against a real engine and
// verifies that at quiescence every pool slot is accounted for: free, or
// pending acquisition.
//
// Scenario: capture at 200 fps into a 4-deep engine ring from a 6-slot pool,
// fire two reprocess shots, let the device acknowledge them, stop everything,
// then audit the pool.
func TestPoolNeverLeaks(t *testing.T) {
	src := simsource.New(simsource.Config{Width: 64, Height: 64, FPS: 200, PoolSize: 6})
	dev := simsource.NewDevice(5*time.Millisecond, src)

	proc, err := zslproc.New(zslproc.DefaultConfig(), zslproc.Deps{
		Buffers:  src,
		Metadata: src,
		Streams:  dev,
		Capture:  dev,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := proc.ConfigureStreams(zslproc.StreamParams{Width: 64, Height: 64}); err != nil {
		t.Fatalf("ConfigureStreams failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := proc.Start(ctx); err != nil {
		t.Fatalf("engine Start failed: %v", err)
	}
	if err := src.Start(ctx, proc); err != nil {
		t.Fatalf("source Start failed: %v", err)
	}

	// --- two shots with acknowledged hand-offs ---
	for shot := int32(1); shot <= 2; shot++ {
		if !waitFor(t, 2*time.Second, func() bool { return proc.Stats().MatchedPairs >= 1 }) {
			t.Fatalf("shot %d: no matched pair appeared: %+v", shot, proc.Stats())
		}
		if err := proc.PushToReprocess(shot, proc.StreamID()); err != nil {
			t.Fatalf("shot %d: PushToReprocess failed: %v", shot, err)
		}
		if !waitFor(t, 2*time.Second, func() bool { return proc.Stats().State == "RUNNING" }) {
			t.Fatalf("shot %d: engine stayed LOCKED: %+v", shot, proc.Stats())
		}
	}

	// --- quiesce ---
	if err := src.Stop(); err != nil {
		t.Fatalf("source Stop failed: %v", err)
	}
	if err := proc.Stop(); err != nil {
		t.Fatalf("engine Stop failed: %v", err)
	}
	dev.WaitIdle()

	stats := src.Stats()
	if got := stats.FreePool + stats.Pending; got != 6 {
		t.Fatalf("pool audit: free=%d pending=%d sum=%d, want 6 (no leaks)",
			stats.FreePool, stats.Pending, got)
	}

	subs := dev.Submissions()
	if len(subs) != 2 {
		t.Fatalf("submissions = %d, want 2", len(subs))
	}
	for i, sub := range subs {
		if sub.Request[zslproc.TagRequestType] != zslproc.RequestTypeReprocess {
			t.Errorf("submission %d not tagged as reprocess: %v", i, sub.Request)
		}
	}
	t.Logf("✅ 2 shots completed, %d captures, pool fully recovered", stats.Captured)
}
