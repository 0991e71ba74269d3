// Package zslproc implements a zero-shutter-lag buffer/frame correlation and
// staging engine for continuous-capture imaging pipelines.
//
// Core idea: keep the last N captured buffers and their per-frame metadata
// correlated by timestamp, so a "shutter" action can retroactively pick an
// already-captured moment instead of waiting for a fresh exposure.
//
// Design:
//   - Bounded rings: N newest buffers (FIFO eviction), M newest frames (overwrite)
//   - Matching pass after every arrival (exact or |Δts| < tolerance)
//   - Reprocess hand-off locks ingestion until the release acknowledgement
//   - One background consumer task, coalesced availability signals
//
// See doc.go for the full overview and the hand-off protocol.
package zslproc

import (
	"context"
	"io"

	"github.com/magicxavi/zslproc/internal/zsl"
)

// Processor is the engine's public contract.
//
// Start/Stop manage the background consumer task. OnBufferAvailable,
// OnFrameAvailable and OnBufferReleased are the asynchronous entry points
// wired to the capture producer, the metadata source and the submission
// path. PushToReprocess is the synchronous shutter trigger.
type Processor interface {
	// Start launches the background consumer task. Returns immediately.
	Start(ctx context.Context) error

	// Stop shuts the consumer task down and returns queued buffers to the
	// producer. Idempotent.
	Stop() error

	// ConfigureStreams creates or reshapes the capture output stream and
	// its derived reprocess stream. Off the hot path.
	ConfigureStreams(params StreamParams) error

	// TeardownStreams deletes both streams. No-op when unconfigured.
	TeardownStreams() error

	// StreamID and ReprocessStreamID report the configured stream ids
	// (NoStream = -1 when unconfigured).
	StreamID() int32
	ReprocessStreamID() int32

	// OnBufferAvailable signals new producer buffers. Non-blocking;
	// repeated signals coalesce.
	OnBufferAvailable()

	// OnFrameAvailable pushes one capture-result metadata frame.
	OnFrameAvailable(requestID int32, frame MetadataFrame)

	// OnBufferReleased acknowledges that the submission path returned a
	// reprocess buffer to the producer.
	OnBufferReleased(handle BufferHandle)

	// PushToReprocess hands the oldest matched pair to capture submission
	// under the given request id, targeting the caller's output stream.
	PushToReprocess(requestID, outputStreamID int32) error

	// Stats returns a point-in-time snapshot of engine counters.
	Stats() Stats

	// Dump writes a brief diagnostic snapshot. Nil writer is a no-op.
	Dump(w io.Writer) error
}

// New creates a Processor with fail-fast validation. Zero-valued Config
// fields fall back to DefaultConfig values; Buffers, Streams and Capture
// are required, Metadata may be nil.
func New(cfg Config, deps Deps) (Processor, error) {
	engine, err := zsl.New(cfg, deps)
	if err != nil {
		return nil, err
	}
	return engine, nil
}

// DefaultConfig returns the reference tuning: 4 buffers, 8 metadata slots,
// 1 ms exclusive match tolerance, 100 ms idle wait.
func DefaultConfig() Config {
	return zsl.DefaultConfig()
}
