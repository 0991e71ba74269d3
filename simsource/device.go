package simsource

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/magicxavi/zslproc"
)

// Device is an in-memory capture device: it manages stream ids, accepts
// reprocess submissions, and acknowledges each pushed buffer after a fixed
// latency, returning it to the source pool first. Implements
// zslproc.StreamManager and zslproc.CaptureSubmitter.
type Device struct {
	ackLatency time.Duration
	pool       interface{ ReleaseBuffer(zslproc.BufferSlot) }

	mu           sync.Mutex
	nextStreamID int32
	streams      map[int32]streamShape
	reprocessOf  map[int32]int32
	submissions  []Submission
	lastPush     Submission // push recorded here until its capture request lands

	acks sync.WaitGroup
}

type streamShape struct {
	width, height, format int32
}

// Submission records one completed reprocess hand-off.
type Submission struct {
	StreamID    int32
	Slot        zslproc.BufferSlot
	Request     zslproc.MetadataFrame
	SubmittedAt time.Time
}

// NewDevice creates a device. pool receives reprocessed buffers back before
// each acknowledgement; it may be nil when no pool is in play.
func NewDevice(ackLatency time.Duration, pool interface{ ReleaseBuffer(zslproc.BufferSlot) }) *Device {
	return &Device{
		ackLatency:   ackLatency,
		pool:         pool,
		nextStreamID: 1,
		streams:      make(map[int32]streamShape),
		reprocessOf:  make(map[int32]int32),
	}
}

// CreateOutputStream allocates a stream id for the given shape.
func (d *Device) CreateOutputStream(width, height, format int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextStreamID
	d.nextStreamID++
	d.streams[id] = streamShape{width: width, height: height, format: format}

	slog.Debug("simsource: output stream created",
		"stream_id", id,
		"width", width,
		"height", height,
	)
	return id, nil
}

// CreateReprocessStream derives a reprocess stream from an output stream.
func (d *Device) CreateReprocessStream(fromID int32) (int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[fromID]; !ok {
		return 0, fmt.Errorf("simsource: unknown stream %d", fromID)
	}
	id := d.nextStreamID
	d.nextStreamID++
	d.reprocessOf[id] = fromID

	slog.Debug("simsource: reprocess stream created",
		"stream_id", id,
		"from_stream", fromID,
	)
	return id, nil
}

// DeleteStream removes an output stream.
func (d *Device) DeleteStream(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.streams[id]; !ok {
		return fmt.Errorf("simsource: unknown stream %d", id)
	}
	delete(d.streams, id)
	return nil
}

// DeleteReprocessStream removes a reprocess stream.
func (d *Device) DeleteReprocessStream(id int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.reprocessOf[id]; !ok {
		return fmt.Errorf("simsource: unknown reprocess stream %d", id)
	}
	delete(d.reprocessOf, id)
	return nil
}

// StreamInfo reports the shape of an output stream.
func (d *Device) StreamInfo(id int32) (int32, int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	shape, ok := d.streams[id]
	if !ok {
		return 0, 0, fmt.Errorf("simsource: unknown stream %d", id)
	}
	return shape.width, shape.height, nil
}

// PushReprocessBuffer accepts a buffer for reprocessing. After the
// configured latency the buffer goes back to the pool and the target gets
// its release acknowledgement, mimicking a real device completing the
// reprocess pass.
func (d *Device) PushReprocessBuffer(reprocessStreamID int32, slot zslproc.BufferSlot, target zslproc.ReleaseTarget) error {
	d.mu.Lock()
	if _, ok := d.reprocessOf[reprocessStreamID]; !ok {
		d.mu.Unlock()
		return fmt.Errorf("simsource: unknown reprocess stream %d", reprocessStreamID)
	}
	d.lastPush = Submission{StreamID: reprocessStreamID, Slot: slot}
	d.mu.Unlock()

	d.acks.Add(1)
	time.AfterFunc(d.ackLatency, func() {
		defer d.acks.Done()
		if d.pool != nil {
			d.pool.ReleaseBuffer(slot)
		}
		if target != nil {
			target.OnBufferReleased(slot.Handle)
		}
		slog.Debug("simsource: reprocess buffer acknowledged",
			"buffer_ts", slot.Timestamp,
			"latency", d.ackLatency,
		)
	})
	return nil
}

// SubmitCapture records the reprocess capture request, paired with the
// preceding buffer push.
func (d *Device) SubmitCapture(request zslproc.MetadataFrame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sub := d.lastPush
	sub.Request = request.Clone()
	sub.SubmittedAt = time.Now()
	d.submissions = append(d.submissions, sub)

	slog.Debug("simsource: reprocess capture submitted",
		"request_id", request[zslproc.TagRequestID],
	)
	return nil
}

// Submissions returns a copy of the recorded reprocess submissions.
func (d *Device) Submissions() []Submission {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Submission, len(d.submissions))
	copy(out, d.submissions)
	return out
}

// WaitIdle blocks until every outstanding acknowledgement has fired.
func (d *Device) WaitIdle() {
	d.acks.Wait()
}
