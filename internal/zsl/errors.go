package zsl

import "errors"

// Sentinel errors, re-exported by the parent package as a stable contract.
var (
	// ErrNoBufferAvailable is returned by BufferSource.AcquireBuffer when
	// the producer has nothing queued. It marks the normal end of a drain
	// cycle, not a failure.
	ErrNoBufferAvailable = errors.New("zslproc: no buffer available")

	// ErrNoMatchAvailable is returned by PushToReprocess when the queue is
	// empty or holds no buffer with correlated metadata.
	ErrNoMatchAvailable = errors.New("zslproc: no matched pair available")
)
