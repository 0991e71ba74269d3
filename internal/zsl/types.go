// Package zsl implements the zero-shutter-lag correlation engine.
//
// This package is INTERNAL - clients MUST use the public API in the parent
// package. Reason: allows internal refactoring without breaking changes.
package zsl

import (
	"time"
)

// NoStream marks an unconfigured stream id.
const NoStream int32 = -1

// Well-known MetadataFrame keys. Capture results carry free-form fields in
// addition to these; only the tags below are interpreted by the engine.
const (
	// TagSensorTimestamp is the capture timestamp of the frame, stored as
	// int64 monotonic nanoseconds. Required on every non-empty frame.
	TagSensorTimestamp = "sensor.timestamp"

	// TagRequestType marks a request's processing mode. The reprocess
	// selector sets it to RequestTypeReprocess on outgoing submissions.
	TagRequestType = "request.type"

	// TagRequestID carries the caller-chosen capture request id (int32).
	TagRequestID = "request.id"

	// TagInputStreams / TagOutputStreams carry the stream routing of a
	// submission ([]int32).
	TagInputStreams  = "request.input_streams"
	TagOutputStreams = "request.output_streams"
)

// RequestTypeReprocess is the TagRequestType value for reprocess submissions.
const RequestTypeReprocess = "reprocess"

// BufferHandle identifies one image buffer owned by the capture source.
// The engine never inspects buffer contents; it only carries the handle
// between the source and the capture submission path, and uses BufferID
// to validate release acknowledgements.
type BufferHandle interface {
	// BufferID reports the producer-assigned identity of this buffer.
	// It must be stable for the lifetime of the buffer.
	BufferID() uint64
}

// BufferSlot is one hardware capture buffer on loan from the source.
//
// Ownership: exclusively held by the ring while queued; returned to the
// producer on eviction or on a confirmed reprocess completion.
type BufferSlot struct {
	Handle    BufferHandle // opaque payload, handed back to the source untouched
	Timestamp int64        // capture time, monotonic nanoseconds; 0 = unset
}

// IsZero reports whether the slot is the empty sentinel (no buffer held).
func (b BufferSlot) IsZero() bool {
	return b.Handle == nil && b.Timestamp == 0
}

// MetadataFrame is a key→value map of capture-result fields.
//
// A nil or empty map is the distinct "empty" sentinel. Non-empty frames must
// carry TagSensorTimestamp; frames without it are never matched (the matcher
// warns and skips them).
type MetadataFrame map[string]any

// IsEmpty reports whether the frame is the empty sentinel.
func (m MetadataFrame) IsEmpty() bool {
	return len(m) == 0
}

// Timestamp returns the frame's sensor timestamp in nanoseconds.
// ok is false when the frame is empty or the tag is missing or mistyped.
func (m MetadataFrame) Timestamp() (ts int64, ok bool) {
	if m.IsEmpty() {
		return 0, false
	}
	ts, ok = m[TagSensorTimestamp].(int64)
	return ts, ok
}

// Clone returns a shallow copy of the frame. Cloning an empty frame
// returns the empty sentinel.
func (m MetadataFrame) Clone() MetadataFrame {
	if m.IsEmpty() {
		return nil
	}
	out := make(MetadataFrame, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Pair is one ring slot: a captured buffer and at most one correlated
// metadata frame. Once Frame is non-empty its timestamp lies within the
// match tolerance of Buffer.Timestamp.
type Pair struct {
	Buffer BufferSlot
	Frame  MetadataFrame
}

// State gates ring ingestion.
type State int32

const (
	// Running accepts drained buffers and metadata frames.
	Running State = iota
	// Locked discards both while a reprocess submission is in flight.
	Locked
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Locked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// BufferSource is the producer side of the capture path.
//
// AcquireBuffer returns ErrNoBufferAvailable when the producer has nothing
// queued; that is the normal end of a drain cycle, not a failure.
// ReleaseBuffer returns a slot's buffer to the producer; it is best-effort
// and must tolerate being called from the engine's background goroutine.
// The producer signals new captures by calling the engine's
// OnBufferAvailable.
type BufferSource interface {
	AcquireBuffer() (BufferSlot, error)
	ReleaseBuffer(slot BufferSlot)
}

// FrameListener receives capture-result metadata pushes. The engine
// implements it; requestID is the registered tag of the producing request.
type FrameListener interface {
	OnFrameAvailable(requestID int32, frame MetadataFrame)
}

// MetadataSource registers listeners for capture-result metadata tagged by
// request id. The engine registers itself during stream configuration.
type MetadataSource interface {
	RegisterFrameListener(requestID int32, l FrameListener) error
}

// StreamManager owns hardware stream lifecycle. Used only at
// (re)configuration time, never on the hot path.
type StreamManager interface {
	CreateOutputStream(width, height, format int32) (int32, error)
	CreateReprocessStream(fromID int32) (int32, error)
	DeleteStream(id int32) error
	DeleteReprocessStream(id int32) error
	StreamInfo(id int32) (width, height int32, err error)
}

// ReleaseTarget receives release acknowledgements for buffers handed to the
// capture submission path. The engine passes itself as the target.
type ReleaseTarget interface {
	OnBufferReleased(handle BufferHandle)
}

// CaptureSubmitter is the hand-off side of the capture path. Both calls may
// block or fail; the engine propagates their outcome unmodified and never
// retries.
type CaptureSubmitter interface {
	PushReprocessBuffer(reprocessStreamID int32, slot BufferSlot, target ReleaseTarget) error
	SubmitCapture(request MetadataFrame) error
}

// Deps are the injected collaborators. Buffers, Streams and Capture are
// required; Metadata may be nil, in which case listener registration is the
// caller's concern.
type Deps struct {
	Buffers  BufferSource
	Metadata MetadataSource
	Streams  StreamManager
	Capture  CaptureSubmitter
}

// Config holds the engine tuning knobs.
type Config struct {
	// BufferDepth is the number of buffers the ring retains (N).
	BufferDepth int

	// FrameListDepth is the metadata ring capacity (M). Sized to cover
	// typical buffer-to-metadata arrival jitter; must be at least
	// BufferDepth.
	FrameListDepth int

	// MatchTolerance is the exclusive bound on the buffer/frame timestamp
	// delta for a correlation match.
	MatchTolerance time.Duration

	// IdleWait bounds the consumer task's wait for an availability signal.
	// A stop request is observed within one IdleWait interval.
	IdleWait time.Duration

	// PreviewRequestID is the request id the engine registers its frame
	// listener under at stream configuration time.
	PreviewRequestID int32

	// StreamFormat is the pixel format of the capture output stream.
	StreamFormat int32
}

// Defaults mirroring the reference pipeline tuning.
const (
	DefaultBufferDepth    = 4
	DefaultFrameListDepth = 2 * DefaultBufferDepth
	DefaultMatchTolerance = time.Millisecond
	DefaultIdleWait       = 100 * time.Millisecond

	// DefaultStreamFormat is the opaque ZSL pixel format understood by the
	// stream lifecycle manager.
	DefaultStreamFormat int32 = 0x22

	// DefaultPreviewRequestID tags the preview result stream the engine
	// listens on.
	DefaultPreviewRequestID int32 = 1
)

// DefaultConfig returns the reference tuning: 4 buffers, 8 metadata slots,
// 1 ms exclusive match tolerance, 100 ms idle wait.
func DefaultConfig() Config {
	return Config{
		BufferDepth:      DefaultBufferDepth,
		FrameListDepth:   DefaultFrameListDepth,
		MatchTolerance:   DefaultMatchTolerance,
		IdleWait:         DefaultIdleWait,
		PreviewRequestID: DefaultPreviewRequestID,
		StreamFormat:     DefaultStreamFormat,
	}
}

// StreamParams describe the desired capture output stream.
type StreamParams struct {
	Width  int32
	Height int32
	Format int32 // 0 = engine's configured StreamFormat
}
