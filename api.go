package zslproc

import "github.com/magicxavi/zslproc/internal/zsl"

// Public API - re-export internal types as the stable contract.

// Config holds the engine tuning knobs (ring depths, match tolerance, idle
// wait, preview request id, stream format).
type Config = zsl.Config

// Deps are the injected collaborators.
type Deps = zsl.Deps

// StreamParams describe the desired capture output stream.
type StreamParams = zsl.StreamParams

// Stats is a point-in-time snapshot of engine activity.
type Stats = zsl.Stats

// BufferHandle identifies one image buffer owned by the capture source.
type BufferHandle = zsl.BufferHandle

// BufferSlot is one hardware capture buffer on loan from the source.
type BufferSlot = zsl.BufferSlot

// MetadataFrame is a key→value map of capture-result fields.
type MetadataFrame = zsl.MetadataFrame

// State gates ring ingestion.
type State = zsl.State

// BufferSource is the producer side of the capture path.
type BufferSource = zsl.BufferSource

// MetadataSource registers listeners for capture-result metadata.
type MetadataSource = zsl.MetadataSource

// FrameListener receives capture-result metadata pushes.
type FrameListener = zsl.FrameListener

// StreamManager owns hardware stream lifecycle.
type StreamManager = zsl.StreamManager

// CaptureSubmitter is the hand-off side of the capture path.
type CaptureSubmitter = zsl.CaptureSubmitter

// ReleaseTarget receives release acknowledgements for submitted buffers.
type ReleaseTarget = zsl.ReleaseTarget

// Ingestion states.
const (
	Running = zsl.Running
	Locked  = zsl.Locked
)

// NoStream marks an unconfigured stream id.
const NoStream = zsl.NoStream

// Well-known MetadataFrame keys.
const (
	TagSensorTimestamp = zsl.TagSensorTimestamp
	TagRequestType     = zsl.TagRequestType
	TagRequestID       = zsl.TagRequestID
	TagInputStreams    = zsl.TagInputStreams
	TagOutputStreams   = zsl.TagOutputStreams
)

// RequestTypeReprocess is the TagRequestType value on reprocess submissions.
const RequestTypeReprocess = zsl.RequestTypeReprocess

// Reference tuning defaults.
const (
	DefaultBufferDepth      = zsl.DefaultBufferDepth
	DefaultFrameListDepth   = zsl.DefaultFrameListDepth
	DefaultMatchTolerance   = zsl.DefaultMatchTolerance
	DefaultIdleWait         = zsl.DefaultIdleWait
	DefaultStreamFormat     = zsl.DefaultStreamFormat
	DefaultPreviewRequestID = zsl.DefaultPreviewRequestID
)

// Public API errors - re-export internal errors as the stable contract.
var (
	// ErrNoBufferAvailable marks a drained producer; the normal end of a
	// drain cycle.
	ErrNoBufferAvailable = zsl.ErrNoBufferAvailable

	// ErrNoMatchAvailable means reprocess was requested with no correlated
	// pair in the queue.
	ErrNoMatchAvailable = zsl.ErrNoMatchAvailable
)
