package zsl

// pairQueue is the bounded buffer ring: a fixed arena of capacity+1 slots
// with head/tail indices advancing modulo the arena size. The spare slot
// keeps the classic full test ((head+1) mod arena == tail) while retaining
// exactly `capacity` live entries.
//
// The queue never calls external interfaces; eviction hands the displaced
// buffer back to the caller, which owns the release.
type pairQueue struct {
	slots []Pair
	head  int // next insertion index
	tail  int // oldest live entry
}

func newPairQueue(capacity int) *pairQueue {
	return &pairQueue{slots: make([]Pair, capacity+1)}
}

func (q *pairQueue) empty() bool {
	return q.head == q.tail
}

func (q *pairQueue) full() bool {
	return (q.head+1)%len(q.slots) == q.tail
}

// length reports the number of live entries (including tombstones).
func (q *pairQueue) length() int {
	return (q.head - q.tail + len(q.slots)) % len(q.slots)
}

// insertHead writes Pair{buffer, empty frame} at head and advances. When the
// queue is full it first evicts the tail entry, strictly FIFO. The evicted
// buffer is returned for release; didEvict is false when nothing was
// displaced or the displaced slot was a tombstone (its buffer already went
// back to the producer).
func (q *pairQueue) insertHead(buffer BufferSlot) (evicted BufferSlot, didEvict bool) {
	if q.full() {
		evicted = q.slots[q.tail].Buffer
		q.slots[q.tail] = Pair{}
		q.tail = (q.tail + 1) % len(q.slots)
		didEvict = !evicted.IsZero()
	}
	q.slots[q.head] = Pair{Buffer: buffer}
	q.head = (q.head + 1) % len(q.slots)
	return evicted, didEvict
}

// each visits every live pair from tail to head. fn may mutate the pair in
// place; the indices are not touched.
func (q *pairQueue) each(fn func(p *Pair)) {
	for i := q.tail; i != q.head; i = (i + 1) % len(q.slots) {
		fn(&q.slots[i])
	}
}

// firstMatched returns the oldest live pair holding a non-empty frame, or
// nil when no pair is matched. Scan order is tail forward, deliberately not
// nearest-to-now.
func (q *pairQueue) firstMatched() *Pair {
	for i := q.tail; i != q.head; i = (i + 1) % len(q.slots) {
		if !q.slots[i].Frame.IsEmpty() {
			return &q.slots[i]
		}
	}
	return nil
}

// clearByID tombstones the live pair whose buffer carries the given
// identity: the slot keeps its position but holds neither buffer nor frame,
// so scans skip it and a later eviction releases nothing.
func (q *pairQueue) clearByID(id uint64) bool {
	for i := q.tail; i != q.head; i = (i + 1) % len(q.slots) {
		b := q.slots[i].Buffer
		if b.Handle != nil && b.Handle.BufferID() == id {
			q.slots[i] = Pair{}
			return true
		}
	}
	return false
}

// reset clears all slots and indices.
func (q *pairQueue) reset() {
	for i := range q.slots {
		q.slots[i] = Pair{}
	}
	q.head, q.tail = 0, 0
}

// frameRing is the bounded metadata store: a single head index that always
// overwrites and advances. No tail is tracked — metadata is ephemeral and
// the newest M frames are all that matching ever needs.
type frameRing struct {
	slots []MetadataFrame
	head  int
}

func newFrameRing(capacity int) *frameRing {
	return &frameRing{slots: make([]MetadataFrame, capacity)}
}

// append stores the frame at head, overwriting whatever was there, and
// advances. The ring takes ownership of the map.
func (r *frameRing) append(frame MetadataFrame) {
	r.slots[r.head] = frame
	r.head = (r.head + 1) % len(r.slots)
}

// each visits the slots in storage order (index order, not chronological).
// fn returns false to stop the scan.
func (r *frameRing) each(fn func(frame MetadataFrame) bool) {
	for _, f := range r.slots {
		if !fn(f) {
			return
		}
	}
}

// reset drops all stored frames.
func (r *frameRing) reset() {
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.head = 0
}
