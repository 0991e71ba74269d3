package zsl

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeSource is a scripted BufferSource: tests queue slots, the engine
// drains them, releases land in a journal.
type fakeSource struct {
	mu         sync.Mutex
	pending    []BufferSlot
	released   []BufferSlot
	acquireErr error // returned once, then cleared
}

func (s *fakeSource) queue(id uint64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, slot(id, ts))
}

func (s *fakeSource) AcquireBuffer() (BufferSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		err := s.acquireErr
		s.acquireErr = nil
		return BufferSlot{}, err
	}
	if len(s.pending) == 0 {
		return BufferSlot{}, ErrNoBufferAvailable
	}
	next := s.pending[0]
	s.pending = s.pending[1:]
	return next, nil
}

func (s *fakeSource) ReleaseBuffer(b BufferSlot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, b)
}

func (s *fakeSource) releasedIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.released))
	for _, b := range s.released {
		ids = append(ids, b.Handle.BufferID())
	}
	return ids
}

// fakeDevice implements StreamManager, CaptureSubmitter and MetadataSource
// in one in-memory collaborator.
type pushRecord struct {
	streamID int32
	slot     BufferSlot
	target   ReleaseTarget
}

type fakeDevice struct {
	mu sync.Mutex

	nextStreamID int32
	streams      map[int32][2]int32 // output stream id → {width, height}
	reprocessOf  map[int32]int32    // reprocess stream id → source stream id

	deleted          []int32
	deletedReprocess []int32

	infoErr   error
	createErr error
	deleteErr error

	pushErr    error
	captureErr error

	pushes   []pushRecord
	captures []MetadataFrame

	listeners map[int32]FrameListener
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		nextStreamID: 1,
		streams:      make(map[int32][2]int32),
		reprocessOf:  make(map[int32]int32),
		listeners:    make(map[int32]FrameListener),
	}
}

func (d *fakeDevice) CreateOutputStream(width, height, format int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return 0, d.createErr
	}
	id := d.nextStreamID
	d.nextStreamID++
	d.streams[id] = [2]int32{width, height}
	return id, nil
}

func (d *fakeDevice) CreateReprocessStream(fromID int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return 0, d.createErr
	}
	id := d.nextStreamID
	d.nextStreamID++
	d.reprocessOf[id] = fromID
	return id, nil
}

func (d *fakeDevice) DeleteStream(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	delete(d.streams, id)
	d.deleted = append(d.deleted, id)
	return nil
}

func (d *fakeDevice) DeleteReprocessStream(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deleteErr != nil {
		return d.deleteErr
	}
	delete(d.reprocessOf, id)
	d.deletedReprocess = append(d.deletedReprocess, id)
	return nil
}

func (d *fakeDevice) StreamInfo(id int32) (int32, int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.infoErr != nil {
		return 0, 0, d.infoErr
	}
	dims, ok := d.streams[id]
	if !ok {
		return 0, 0, fmt.Errorf("unknown stream %d", id)
	}
	return dims[0], dims[1], nil
}

func (d *fakeDevice) PushReprocessBuffer(reprocessStreamID int32, b BufferSlot, target ReleaseTarget) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pushErr != nil {
		return d.pushErr
	}
	d.pushes = append(d.pushes, pushRecord{streamID: reprocessStreamID, slot: b, target: target})
	return nil
}

func (d *fakeDevice) SubmitCapture(request MetadataFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureErr != nil {
		return d.captureErr
	}
	d.captures = append(d.captures, request)
	return nil
}

func (d *fakeDevice) RegisterFrameListener(requestID int32, l FrameListener) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[requestID] = l
	return nil
}

func (d *fakeDevice) pushCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pushes)
}

func (d *fakeDevice) lastPush(t *testing.T) pushRecord {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pushes) == 0 {
		t.Fatal("no reprocess buffer was pushed")
	}
	return d.pushes[len(d.pushes)-1]
}

func (d *fakeDevice) lastCapture(t *testing.T) MetadataFrame {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.captures) == 0 {
		t.Fatal("no capture request was submitted")
	}
	return d.captures[len(d.captures)-1]
}

// newTestEngine builds an engine over fresh fakes with the default tuning.
func newTestEngine(t *testing.T) (*Engine, *fakeSource, *fakeDevice) {
	t.Helper()
	src := &fakeSource{}
	dev := newFakeDevice()
	e, err := New(Config{}, Deps{Buffers: src, Metadata: dev, Streams: dev, Capture: dev})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return e, src, dev
}

// pairSnapshot copies the live pairs, tail first.
func pairSnapshot(e *Engine) []Pair {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Pair
	e.queue.each(func(p *Pair) {
		out = append(out, Pair{Buffer: p.Buffer, Frame: p.Frame.Clone()})
	})
	return out
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, d time.Duration, cond func() bool) bool {
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
