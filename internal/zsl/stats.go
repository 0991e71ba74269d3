package zsl

// Stats is a point-in-time snapshot of engine activity. JSON tags serve the
// daemon's telemetry emitter.
type Stats struct {
	// State of the ingestion gate at snapshot time.
	State string `json:"state"`

	// Ring occupancy.
	QueuedBuffers int `json:"queued_buffers"` // live pairs (tombstones included)
	MatchedPairs  int `json:"matched_pairs"`  // pairs holding correlated metadata

	// Configured streams (NoStream = -1 when unconfigured).
	StreamID          int32 `json:"stream_id"`
	ReprocessStreamID int32 `json:"reprocess_stream_id"`

	// Ingestion counters.
	BuffersInserted  uint64 `json:"buffers_inserted"`
	BuffersEvicted   uint64 `json:"buffers_evicted"`
	BuffersDiscarded uint64 `json:"buffers_discarded"` // drained while LOCKED
	FramesAppended   uint64 `json:"frames_appended"`
	FramesDropped    uint64 `json:"frames_dropped"` // metadata arriving while LOCKED
	AcquireErrors    uint64 `json:"acquire_errors"`

	// Correlation and hand-off counters.
	MatchesFound       uint64 `json:"matches_found"`
	HandleMismatches   uint64 `json:"handle_mismatches"`
	ReprocessSubmitted uint64 `json:"reprocess_submitted"`
	ReprocessFailed    uint64 `json:"reprocess_failed"`

	// Consumer task idle wake-ups.
	IdleTicks uint64 `json:"idle_ticks"`
}

// Stats returns current engine statistics.
//
// Counters are atomics; the engine lock is taken only for the state and
// occupancy snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	state := e.state.String()
	queued := e.queue.length()
	matched := 0
	e.queue.each(func(p *Pair) {
		if !p.Frame.IsEmpty() {
			matched++
		}
	})
	streamID := e.zslStreamID
	reprocessID := e.reprocessStreamID
	e.mu.Unlock()

	return Stats{
		State:              state,
		QueuedBuffers:      queued,
		MatchedPairs:       matched,
		StreamID:           streamID,
		ReprocessStreamID:  reprocessID,
		BuffersInserted:    e.buffersInserted.Load(),
		BuffersEvicted:     e.buffersEvicted.Load(),
		BuffersDiscarded:   e.buffersDiscarded.Load(),
		FramesAppended:     e.framesAppended.Load(),
		FramesDropped:      e.framesDropped.Load(),
		AcquireErrors:      e.acquireErrors.Load(),
		MatchesFound:       e.matchesFound.Load(),
		HandleMismatches:   e.handleMismatches.Load(),
		ReprocessSubmitted: e.reprocessSubmitted.Load(),
		ReprocessFailed:    e.reprocessFailed.Load(),
		IdleTicks:          e.idleTicks.Load(),
	}
}
