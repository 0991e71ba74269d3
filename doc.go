// Package zslproc implements zero-shutter-lag buffer/frame correlation
// with bounded rings and a lock-free-to-the-caller hand-off protocol for
// continuous-capture imaging pipelines.
//
// # Philosophy
//
// "The best shot already happened. Keep it reachable."
//
// A zero-shutter-lag pipeline buffers the most recent captures continuously
// so a shutter press can retroactively select an already-captured moment
// instead of paying the latency of a fresh exposure. The engine's job is
// bookkeeping under concurrency: two asynchronous streams (raw buffers,
// per-frame metadata) must stay correlated, bounded, and leak-free while
// a third party can claim a matched pair at any time.
//
// # Architecture
//
// The engine sits between a capture producer and a submission path:
//
//	buffer source → [pair ring N=4] ← metadata frames
//	    (signals)        ↓ matcher (|Δts| < 1ms)
//	              reprocess selector → capture submission
//	                     LOCKED until release ack
//
// Two bounded rings, one lock. The pair ring keeps the N newest buffers
// (strict FIFO eviction, evicted buffers go back to the producer); the
// frame ring keeps the M newest metadata frames (overwrite on wrap). A
// matching pass after every arrival pairs buffers with frames whose
// timestamps agree within a tolerance window.
//
// A background consumer task drains the producer on availability signals;
// repeated signals coalesce into one wake. Draining never holds the engine
// lock across a producer call.
//
// # Basic Usage
//
// Construction injects the four collaborator interfaces:
//
//	proc, err := zslproc.New(zslproc.DefaultConfig(), zslproc.Deps{
//	    Buffers:  source,  // AcquireBuffer / ReleaseBuffer
//	    Metadata: results, // RegisterFrameListener (may be nil)
//	    Streams:  device,  // stream lifecycle
//	    Capture:  device,  // PushReprocessBuffer / SubmitCapture
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := proc.ConfigureStreams(zslproc.StreamParams{Width: 4000, Height: 3000}); err != nil {
//	    log.Fatal(err)
//	}
//	if err := proc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer proc.Stop()
//
// The producer signals proc.OnBufferAvailable() per capture; the metadata
// path pushes proc.OnFrameAvailable(id, frame). A shutter press becomes:
//
//	err := proc.PushToReprocess(requestID, proc.StreamID())
//
// # Hand-off Protocol
//
// PushToReprocess selects the oldest matched pair, submits its buffer and
// a reprocess request built from its frame, and locks ingestion. While
// LOCKED, drained buffers are discarded back to the producer and metadata
// frames are dropped — the ring must not shift under the in-flight buffer.
// The submission path acknowledges through OnBufferReleased(handle): a
// matching handle tombstones the pair's slot (the buffer is the producer's
// again, a later eviction must not release it twice); a mismatched handle
// is counted and logged but still unlocks — staying locked on a protocol
// hiccup would stall ingestion forever.
//
// # Monitoring
//
// Stats() returns a counter snapshot without blocking the hot path:
//
//	s := proc.Stats()
//	if s.FramesDropped > 0 {
//	    log.Warn("metadata arriving during hand-offs", "dropped", s.FramesDropped)
//	}
//	if s.HandleMismatches > 0 {
//	    log.Warn("release protocol mismatches", "count", s.HandleMismatches)
//	}
//
// Evictions and discards are EXPECTED under continuous capture: the ring
// keeps the newest N by design. They indicate bounded retention working,
// not a fault. Dump(w) writes a human-readable snapshot for diagnostics.
//
// # Thread Safety
//
// All Processor methods are safe for concurrent use:
//
//   - OnBufferAvailable(): non-blocking, callable from any goroutine
//   - OnFrameAvailable(): locks briefly for append + matching pass
//   - OnBufferReleased(): locks briefly for the ack transition
//   - PushToReprocess(): callers serialize shots; the engine does not queue them
//   - Stats(): counter snapshot, safe anytime
//
// Start is guarded (second call errors); Stop is idempotent and a stopped
// engine may be restarted.
package zslproc
