package zsl

import (
	"fmt"
	"io"
	"log/slog"
)

// PushToReprocess selects the oldest matched pair and hands it to the
// capture submission path.
//
// The queue is scanned from tail forward for the first pair with a
// non-empty frame; ErrNoMatchAvailable is returned when the queue is empty
// or nothing is matched. On success the reprocess request is built from the
// matched frame (reprocess type, the engine's reprocess input stream, the
// caller's output stream, the request id), the pair's buffer and the
// request are submitted, and ingestion stays LOCKED until the buffer's
// release acknowledgement arrives.
//
// Ingestion is locked before the hand-off so the selected pair cannot be
// evicted while the submission path holds its buffer; a submission failure
// rolls the gate back to RUNNING and is returned to the caller unchanged.
// Callers serialize reprocess requests; the engine does not queue them.
func (e *Engine) PushToReprocess(requestID, outputStreamID int32) error {
	e.mu.Lock()

	if e.queue.empty() {
		e.mu.Unlock()
		slog.Warn("zslproc: nothing to reprocess, queue empty", "request_id", requestID)
		return ErrNoMatchAvailable
	}

	pair := e.queue.firstMatched()
	if pair == nil {
		e.mu.Unlock()
		slog.Warn("zslproc: no matched pair in queue to reprocess", "request_id", requestID)
		return ErrNoMatchAvailable
	}

	request := pair.Frame.Clone()
	request[TagRequestType] = RequestTypeReprocess
	request[TagInputStreams] = []int32{e.reprocessStreamID}
	request[TagOutputStreams] = []int32{outputStreamID}
	request[TagRequestID] = requestID

	slot := pair.Buffer
	reprocessStreamID := e.reprocessStreamID

	e.state = Locked
	e.inFlight = slot.Handle.BufferID()
	e.hasInFlight = true
	e.mu.Unlock()

	slog.Info("zslproc: submitting reprocess request",
		"request_id", requestID,
		"buffer_ts", slot.Timestamp,
		"input_stream", reprocessStreamID,
		"output_stream", outputStreamID,
	)

	if err := e.capture.PushReprocessBuffer(reprocessStreamID, slot, e); err != nil {
		e.rollbackHandoff()
		e.reprocessFailed.Add(1)
		slog.Error("zslproc: unable to push buffer for reprocessing",
			"error", err,
			"request_id", requestID,
		)
		return err
	}

	if err := e.capture.SubmitCapture(request); err != nil {
		e.rollbackHandoff()
		e.reprocessFailed.Add(1)
		slog.Error("zslproc: unable to submit reprocess capture request",
			"error", err,
			"request_id", requestID,
		)
		return err
	}

	e.reprocessSubmitted.Add(1)
	return nil
}

// rollbackHandoff reopens ingestion after a failed submission.
func (e *Engine) rollbackHandoff() {
	e.mu.Lock()
	e.state = Running
	e.hasInFlight = false
	e.mu.Unlock()
}

// ConfigureStreams creates or reshapes the capture output stream and its
// derived reprocess stream. Off the hot path.
//
// Behavior:
//  1. When a stream exists, query its dimensions; on a change, delete the
//     reprocess stream then the output stream and recreate both.
//  2. When no stream exists, create the output stream and derive the
//     reprocess stream from it.
//  3. Register the engine as the metadata source's frame listener under the
//     configured preview request id.
//
// Every manager error aborts the call and is returned unchanged.
func (e *Engine) ConfigureStreams(params StreamParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	format := params.Format
	if format == 0 {
		format = e.cfg.StreamFormat
	}

	if e.zslStreamID != NoStream {
		width, height, err := e.streams.StreamInfo(e.zslStreamID)
		if err != nil {
			slog.Error("zslproc: error querying capture output stream info",
				"stream_id", e.zslStreamID,
				"error", err,
			)
			return err
		}
		if width != params.Width || height != params.Height {
			if err := e.streams.DeleteReprocessStream(e.reprocessStreamID); err != nil {
				slog.Error("zslproc: unable to delete old reprocess stream",
					"stream_id", e.reprocessStreamID,
					"error", err,
				)
				return err
			}
			e.reprocessStreamID = NoStream
			if err := e.streams.DeleteStream(e.zslStreamID); err != nil {
				slog.Error("zslproc: unable to delete old output stream",
					"stream_id", e.zslStreamID,
					"error", err,
				)
				return err
			}
			e.zslStreamID = NoStream
		}
	}

	if e.zslStreamID == NoStream {
		id, err := e.streams.CreateOutputStream(params.Width, params.Height, format)
		if err != nil {
			slog.Error("zslproc: unable to create capture output stream",
				"width", params.Width,
				"height", params.Height,
				"error", err,
			)
			return err
		}
		e.zslStreamID = id

		reprocessID, err := e.streams.CreateReprocessStream(id)
		if err != nil {
			slog.Error("zslproc: unable to create reprocess stream",
				"from_stream", id,
				"error", err,
			)
			return err
		}
		e.reprocessStreamID = reprocessID
		e.streamWidth = params.Width
		e.streamHeight = params.Height
	}

	if e.metadata != nil {
		if err := e.metadata.RegisterFrameListener(e.cfg.PreviewRequestID, e); err != nil {
			slog.Error("zslproc: unable to register frame listener",
				"request_id", e.cfg.PreviewRequestID,
				"error", err,
			)
			return err
		}
	}

	slog.Info("zslproc: streams configured",
		"stream_id", e.zslStreamID,
		"reprocess_stream_id", e.reprocessStreamID,
		"width", params.Width,
		"height", params.Height,
		"format", format,
	)
	return nil
}

// TeardownStreams deletes the reprocess stream then the output stream and
// clears the recorded ids. A no-op when nothing is configured.
func (e *Engine) TeardownStreams() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.zslStreamID == NoStream {
		return nil
	}

	if e.reprocessStreamID != NoStream {
		if err := e.streams.DeleteReprocessStream(e.reprocessStreamID); err != nil {
			slog.Error("zslproc: cannot delete reprocess stream",
				"stream_id", e.reprocessStreamID,
				"error", err,
			)
			return err
		}
		e.reprocessStreamID = NoStream
	}

	if err := e.streams.DeleteStream(e.zslStreamID); err != nil {
		slog.Error("zslproc: cannot delete capture output stream",
			"stream_id", e.zslStreamID,
			"error", err,
		)
		return err
	}
	e.zslStreamID = NoStream

	slog.Info("zslproc: streams torn down")
	return nil
}

// StreamID reports the capture output stream id (NoStream when
// unconfigured).
func (e *Engine) StreamID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.zslStreamID
}

// ReprocessStreamID reports the derived reprocess stream id (NoStream when
// unconfigured).
func (e *Engine) ReprocessStreamID() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reprocessStreamID
}

// Dump writes a brief diagnostic snapshot. A nil writer is a no-op.
func (e *Engine) Dump(w io.Writer) error {
	if w == nil {
		return nil
	}

	s := e.Stats()
	_, err := fmt.Fprintf(w,
		"ZSL engine state: %s\n"+
			"  streams: output=%d reprocess=%d\n"+
			"  queue: %d buffered, %d matched\n"+
			"  buffers: %d inserted, %d evicted, %d discarded\n"+
			"  frames: %d appended, %d dropped\n"+
			"  matches: %d, mismatched acks: %d\n"+
			"  reprocess: %d submitted, %d failed\n",
		s.State,
		s.StreamID, s.ReprocessStreamID,
		s.QueuedBuffers, s.MatchedPairs,
		s.BuffersInserted, s.BuffersEvicted, s.BuffersDiscarded,
		s.FramesAppended, s.FramesDropped,
		s.MatchesFound, s.HandleMismatches,
		s.ReprocessSubmitted, s.ReprocessFailed,
	)
	return err
}
