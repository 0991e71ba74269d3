package zsl

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

// configure wires the fake device's streams and returns the created ids.
func configure(t *testing.T, e *Engine) (streamID, reprocessID int32) {
	t.Helper()
	if err := e.ConfigureStreams(StreamParams{Width: 4000, Height: 3000}); err != nil {
		t.Fatalf("ConfigureStreams failed: %v", err)
	}
	return e.StreamID(), e.ReprocessStreamID()
}

// TestPushToReprocessSelectsOldestMatched replays the selection scenario:
// with pairs [100 unmatched, 200 matched, 300 unmatched, 400 matched] the
// submission takes the 200 pair, not the newer 400 one.
func TestPushToReprocessSelectsOldestMatched(t *testing.T) {
	e, _, dev := newTestEngine(t)
	_, reprocessID := configure(t, e)

	for i, ts := range []int64{100 * nsPerMilli, 200 * nsPerMilli, 300 * nsPerMilli, 400 * nsPerMilli} {
		e.ingest(slot(uint64(i+1), ts))
	}
	e.OnFrameAvailable(1, MetadataFrame{TagSensorTimestamp: 200 * nsPerMilli, "awb.mode": "auto"})
	e.OnFrameAvailable(1, MetadataFrame{TagSensorTimestamp: 400 * nsPerMilli})

	if err := e.PushToReprocess(11, 77); err != nil {
		t.Fatalf("PushToReprocess failed: %v", err)
	}

	// --- Test 1: buffer hand-off ---
	push := dev.lastPush(t)
	if got := push.slot.Handle.BufferID(); got != 2 {
		t.Errorf("pushed buffer %d, want 2 (oldest matched)", got)
	}
	if push.streamID != reprocessID {
		t.Errorf("pushed on stream %d, want reprocess stream %d", push.streamID, reprocessID)
	}
	if push.target == nil {
		t.Error("push carried no release target")
	}

	// --- Test 2: capture request contents ---
	req := dev.lastCapture(t)
	if req[TagRequestType] != RequestTypeReprocess {
		t.Errorf("request type = %v, want %q", req[TagRequestType], RequestTypeReprocess)
	}
	if req[TagRequestID] != int32(11) {
		t.Errorf("request id = %v, want 11", req[TagRequestID])
	}
	if !reflect.DeepEqual(req[TagInputStreams], []int32{reprocessID}) {
		t.Errorf("input streams = %v, want [%d]", req[TagInputStreams], reprocessID)
	}
	if !reflect.DeepEqual(req[TagOutputStreams], []int32{77}) {
		t.Errorf("output streams = %v, want [77]", req[TagOutputStreams])
	}
	if ts, _ := req.Timestamp(); ts != 200*nsPerMilli {
		t.Errorf("request carries timestamp %d, want the matched frame's %d", ts, 200*nsPerMilli)
	}
	if req["awb.mode"] != "auto" {
		t.Error("request lost the matched frame's settings")
	}

	// --- Test 3: engine is locked for the hand-off ---
	if got := e.Stats().State; got != "LOCKED" {
		t.Errorf("state = %s, want LOCKED", got)
	}
	if got := e.reprocessSubmitted.Load(); got != 1 {
		t.Errorf("reprocessSubmitted = %d, want 1", got)
	}
	t.Logf("✅ oldest matched pair submitted with a fully tagged request")
}

// TestPushToReprocessNoMatch covers the two no-candidate cases: an empty
// queue and a queue of only unmatched buffers.
func TestPushToReprocessNoMatch(t *testing.T) {
	// --- Test 1: empty queue ---
	e, _, dev := newTestEngine(t)
	configure(t, e)

	err := e.PushToReprocess(5, 77)
	if !errors.Is(err, ErrNoMatchAvailable) {
		t.Fatalf("error = %v, want ErrNoMatchAvailable", err)
	}
	if got := e.Stats().State; got != "RUNNING" {
		t.Errorf("state = %s, want RUNNING", got)
	}
	if dev.pushCount() != 0 {
		t.Error("a buffer was pushed despite the empty queue")
	}

	// --- Test 2: buffers present but none matched ---
	e.ingest(slot(1, 100*nsPerMilli))
	e.ingest(slot(2, 200*nsPerMilli))

	err = e.PushToReprocess(6, 77)
	if !errors.Is(err, ErrNoMatchAvailable) {
		t.Fatalf("error = %v, want ErrNoMatchAvailable", err)
	}
	if got := e.Stats().State; got != "RUNNING" {
		t.Errorf("state = %s, want RUNNING", got)
	}
	t.Logf("✅ no-candidate submissions fail cleanly and stay unlocked")
}

// TestPushToReprocessPushFailure verifies the rollback path when the device
// rejects the buffer hand-off: the error comes back unchanged, ingestion
// unlocks, and a later retry succeeds.
func TestPushToReprocessPushFailure(t *testing.T) {
	e, _, dev := newTestEngine(t)
	configure(t, e)

	base := int64(time.Second)
	e.ingest(slot(1, base))
	e.OnFrameAvailable(1, MetadataFrame{TagSensorTimestamp: base})

	deviceErr := errors.New("device busy")
	dev.mu.Lock()
	dev.pushErr = deviceErr
	dev.mu.Unlock()

	if err := e.PushToReprocess(11, 77); !errors.Is(err, deviceErr) {
		t.Fatalf("error = %v, want the device's own error", err)
	}
	if got := e.Stats().State; got != "RUNNING" {
		t.Errorf("state after failed push = %s, want RUNNING", got)
	}
	if got := e.reprocessFailed.Load(); got != 1 {
		t.Errorf("reprocessFailed = %d, want 1", got)
	}
	if len(dev.captures) != 0 {
		t.Error("a capture request was submitted despite the failed push")
	}

	// The pair is still live and matched; a retry goes through.
	dev.mu.Lock()
	dev.pushErr = nil
	dev.mu.Unlock()
	if err := e.PushToReprocess(12, 77); err != nil {
		t.Fatalf("retry after rollback failed: %v", err)
	}
	t.Logf("✅ failed push rolled back and the retry succeeded")
}

// TestPushToReprocessCaptureFailure verifies the rollback when the capture
// request itself is rejected after the buffer was already pushed.
func TestPushToReprocessCaptureFailure(t *testing.T) {
	e, _, dev := newTestEngine(t)
	configure(t, e)

	base := int64(time.Second)
	e.ingest(slot(1, base))
	e.OnFrameAvailable(1, MetadataFrame{TagSensorTimestamp: base})

	deviceErr := errors.New("request rejected")
	dev.mu.Lock()
	dev.captureErr = deviceErr
	dev.mu.Unlock()

	if err := e.PushToReprocess(11, 77); !errors.Is(err, deviceErr) {
		t.Fatalf("error = %v, want the device's own error", err)
	}
	if dev.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1 (buffer goes out before the request)", dev.pushCount())
	}
	if got := e.Stats().State; got != "RUNNING" {
		t.Errorf("state after failed capture = %s, want RUNNING", got)
	}
	if got := e.reprocessFailed.Load(); got != 1 {
		t.Errorf("reprocessFailed = %d, want 1", got)
	}
	t.Logf("✅ failed capture submission rolled back to RUNNING")
}

// TestConfigureStreamsCreates covers first-time stream setup.
func TestConfigureStreamsCreates(t *testing.T) {
	e, _, dev := newTestEngine(t)

	if e.StreamID() != NoStream || e.ReprocessStreamID() != NoStream {
		t.Fatal("fresh engine reports configured streams")
	}

	streamID, reprocessID := configure(t, e)
	if streamID == NoStream || reprocessID == NoStream {
		t.Fatalf("stream ids not recorded: output=%d reprocess=%d", streamID, reprocessID)
	}
	dev.mu.Lock()
	from, ok := dev.reprocessOf[reprocessID]
	listener := dev.listeners[DefaultPreviewRequestID]
	dev.mu.Unlock()
	if !ok || from != streamID {
		t.Errorf("reprocess stream derives from %d, want %d", from, streamID)
	}
	if listener == nil {
		t.Error("engine did not register as preview frame listener")
	}
	t.Logf("✅ output stream %d and reprocess stream %d configured", streamID, reprocessID)
}

// TestConfigureStreamsReshape covers reconfiguration.
//
// Contract: unchanged dimensions leave the streams alone; changed dimensions
// delete the reprocess stream first, then the output stream, then recreate
// both.
func TestConfigureStreamsReshape(t *testing.T) {
	e, _, dev := newTestEngine(t)
	streamID, reprocessID := configure(t, e)

	// --- Test 1: same dimensions, no churn ---
	if err := e.ConfigureStreams(StreamParams{Width: 4000, Height: 3000}); err != nil {
		t.Fatalf("reconfigure with same dimensions failed: %v", err)
	}
	if len(dev.deleted)+len(dev.deletedReprocess) != 0 {
		t.Errorf("streams were deleted on a no-op reconfigure: %v %v", dev.deleted, dev.deletedReprocess)
	}
	if e.StreamID() != streamID {
		t.Errorf("stream id changed on no-op reconfigure: %d → %d", streamID, e.StreamID())
	}

	// --- Test 2: new dimensions, delete and recreate ---
	if err := e.ConfigureStreams(StreamParams{Width: 1920, Height: 1080}); err != nil {
		t.Fatalf("reconfigure with new dimensions failed: %v", err)
	}
	if !reflect.DeepEqual(dev.deletedReprocess, []int32{reprocessID}) {
		t.Errorf("deleted reprocess streams = %v, want [%d]", dev.deletedReprocess, reprocessID)
	}
	if !reflect.DeepEqual(dev.deleted, []int32{streamID}) {
		t.Errorf("deleted output streams = %v, want [%d]", dev.deleted, streamID)
	}
	if e.StreamID() == streamID || e.StreamID() == NoStream {
		t.Errorf("output stream id not recreated: %d", e.StreamID())
	}
	if e.ReprocessStreamID() == reprocessID || e.ReprocessStreamID() == NoStream {
		t.Errorf("reprocess stream id not recreated: %d", e.ReprocessStreamID())
	}
	t.Logf("✅ reshape deleted %d then %d and recreated both", reprocessID, streamID)
}

// TestConfigureStreamsCreateError checks that a manager failure aborts setup
// with the manager's own error and leaves the engine unconfigured.
func TestConfigureStreamsCreateError(t *testing.T) {
	e, _, dev := newTestEngine(t)

	deviceErr := errors.New("out of stream slots")
	dev.mu.Lock()
	dev.createErr = deviceErr
	dev.mu.Unlock()

	if err := e.ConfigureStreams(StreamParams{Width: 4000, Height: 3000}); !errors.Is(err, deviceErr) {
		t.Fatalf("error = %v, want the manager's own error", err)
	}
	if e.StreamID() != NoStream {
		t.Errorf("stream id recorded despite create failure: %d", e.StreamID())
	}

	// Recovery: clearing the fault lets configuration complete.
	dev.mu.Lock()
	dev.createErr = nil
	dev.mu.Unlock()
	if _, reprocessID := configure(t, e); reprocessID == NoStream {
		t.Error("engine did not recover after create failure")
	}
	t.Logf("✅ create failure aborted cleanly and recovery worked")
}

// TestTeardownStreams covers stream teardown and its idempotence.
func TestTeardownStreams(t *testing.T) {
	e, _, dev := newTestEngine(t)
	streamID, reprocessID := configure(t, e)

	if err := e.TeardownStreams(); err != nil {
		t.Fatalf("TeardownStreams failed: %v", err)
	}
	if !reflect.DeepEqual(dev.deletedReprocess, []int32{reprocessID}) {
		t.Errorf("deleted reprocess streams = %v, want [%d]", dev.deletedReprocess, reprocessID)
	}
	if !reflect.DeepEqual(dev.deleted, []int32{streamID}) {
		t.Errorf("deleted output streams = %v, want [%d]", dev.deleted, streamID)
	}
	if e.StreamID() != NoStream || e.ReprocessStreamID() != NoStream {
		t.Error("stream ids not cleared after teardown")
	}

	// Second teardown is a no-op.
	if err := e.TeardownStreams(); err != nil {
		t.Errorf("repeated TeardownStreams returned error: %v", err)
	}
	if len(dev.deleted) != 1 {
		t.Errorf("repeated teardown deleted again: %v", dev.deleted)
	}
	t.Logf("✅ teardown deleted both streams once")
}

// TestDumpSnapshot sanity-checks the diagnostic dump and its nil-writer
// tolerance.
func TestDumpSnapshot(t *testing.T) {
	e, _, _ := newTestEngine(t)
	configure(t, e)
	e.ingest(slot(1, 100*nsPerMilli))
	e.OnFrameAvailable(1, MetadataFrame{TagSensorTimestamp: 100 * nsPerMilli})

	var sb strings.Builder
	if err := e.Dump(&sb); err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	out := sb.String()
	for _, want := range []string{"RUNNING", "1 buffered", "1 matched"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}

	if err := e.Dump(nil); err != nil {
		t.Errorf("Dump(nil) returned error: %v", err)
	}
	t.Logf("✅ dump renders the snapshot and tolerates a nil writer")
}
