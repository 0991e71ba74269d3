package zsl

import "log/slog"

// findMatchesLocked correlates unmatched pairs with stored metadata frames.
// Caller must hold e.mu.
//
// For every pair with an empty frame and a nonzero buffer timestamp, the
// metadata ring is scanned in storage order: exact timestamp equality wins
// immediately, otherwise an absolute delta strictly below the tolerance is
// accepted. The first acceptable frame in scan order is copied into the
// pair — first match, not nearest match. Already-matched pairs are skipped,
// which makes repeated passes idempotent.
func (e *Engine) findMatchesLocked() {
	tolerance := int64(e.cfg.MatchTolerance)

	e.queue.each(func(p *Pair) {
		if !p.Frame.IsEmpty() || p.Buffer.Timestamp == 0 {
			return
		}

		// Have buffer, no matching frame. Look for one.
		e.frames.each(func(frame MetadataFrame) bool {
			if frame.IsEmpty() {
				return true
			}

			frameTimestamp, ok := frame.Timestamp()
			if !ok {
				slog.Warn("zslproc: metadata frame has no sensor timestamp, skipping")
				return true
			}

			match := frameTimestamp == p.Buffer.Timestamp
			if !match {
				delta := p.Buffer.Timestamp - frameTimestamp
				if delta < 0 {
					delta = -delta
				}
				match = delta < tolerance
			}
			if !match {
				return true
			}

			p.Frame = frame.Clone()
			e.matchesFound.Add(1)
			slog.Debug("zslproc: correlated buffer with metadata frame",
				"buffer_ts", p.Buffer.Timestamp,
				"frame_ts", frameTimestamp,
			)
			return false
		})
	})
}
