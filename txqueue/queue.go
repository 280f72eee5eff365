// Package txqueue implements the bounded, priority-ordered queue of
// pending outbound CAN frames described by the I/O core: one TxQueue per
// interface, sorted by CAN arbitration priority, gated on admission by a
// QoS class and a per-frame deadline, and backed by a shared fixed-block
// allocator.
package txqueue

import (
	"github.com/sirupsen/logrus"

	"github.com/samsamfire/canio/allocator"
	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
)

// QoS is the admission-control class of a queued entry. Persistent
// entries can never be evicted by a Volatile entry under memory
// pressure; a Volatile entry can be evicted by any Persistent entry, or
// by a Volatile entry of strictly higher arbitration priority.
type QoS uint8

const (
	Volatile QoS = iota
	Persistent
)

func (q QoS) String() string {
	if q == Persistent {
		return "persistent"
	}
	return "volatile"
}

// TxEntry is the payload of one queued transmission: a frame, the
// deadline by which it must be handed to the driver, and its QoS class.
type TxEntry struct {
	Frame    frame.CanFrame
	Deadline clock.Monotonic
	QoS      QoS
}

// qosHigherThan implements the QoS-aware comparator used only for
// eviction: Persistent always outranks Volatile; ties within a class are
// broken by pure CAN arbitration priority. This is deliberately distinct
// from the queue's own ordering, which ignores QoS entirely.
func qosHigherThan(a, b TxEntry) bool {
	if a.QoS != b.QoS {
		return a.QoS > b.QoS
	}
	return a.Frame.PriorityHigherThan(b.Frame)
}

// Entry is an opaque reference to a live queue entry, obtained from Peek
// and consumed by Remove. It carries a snapshot of the entry's fields;
// entries are never mutated in place once queued, so the snapshot can't
// go stale before Remove invalidates it.
type Entry struct {
	TxEntry
	handle allocator.Handle
}

// Pool is the shared fixed-block allocator backing every TxQueue owned
// by one IoManager.
type Pool = allocator.Pool[TxEntry]

// NewPool creates a shared allocator with room for capacity live
// entries across all queues that will draw from it.
func NewPool(capacity int) *Pool {
	return allocator.NewPool[TxEntry](capacity)
}

// TxQueue is an ordered sequence of TxEntry kept sorted by pure CAN
// arbitration priority. It borrows a shared Pool and a clock.Source; it
// does not own either.
type TxQueue struct {
	pool    *Pool
	clk     clock.Source
	order   []allocator.Handle
	rejects uint32
	log     *logrus.Entry
}

// New creates an empty TxQueue drawing from the given shared pool.
func New(pool *Pool, clk clock.Source, log *logrus.Entry) *TxQueue {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TxQueue{pool: pool, clk: clk, log: log}
}

// IsEmpty reports whether the queue currently holds no live entries.
func (q *TxQueue) IsEmpty() bool { return len(q.order) == 0 }

// RejectedFrames returns the monotonically-increasing count of frames
// that failed to enter the queue, or were found expired at Peek time.
// Frames that are later successfully sent do not count.
func (q *TxQueue) RejectedFrames() uint32 { return q.rejects }

func (q *TxQueue) entryAt(i int) TxEntry {
	e, ok := q.pool.Get(q.order[i])
	if !ok {
		// Invariant I3: every handle in order must be live. A miss here
		// means the queue's own bookkeeping is corrupt.
		panic("txqueue: dangling handle in queue order")
	}
	return *e
}

// Push attempts to admit a new frame. Insertion point is the first
// position at which the new frame outranks the existing entry there
// (priority-sorted insertion, stable for ties: earlier pushes stay in
// front). Admission can fail for two reasons, both counted in
// RejectedFrames: the deadline has already passed, or the pool is full
// and no lower-priority entry is eligible for eviction.
//
// Push reports whether the frame was admitted.
func (q *TxQueue) Push(f frame.CanFrame, deadline clock.Monotonic, qos QoS) bool {
	if q.clk.Now().After(deadline) {
		q.log.WithField("id", f.ID).Debug("[TXQUEUE] rejecting born-expired frame")
		q.rejects++
		return false
	}

	newEntry := TxEntry{Frame: f, Deadline: deadline, QoS: qos}

	h, ok := q.pool.Acquire()
	if !ok {
		victim, found := q.evictionCandidate(newEntry)
		if !found {
			q.log.WithField("id", f.ID).Debug("[TXQUEUE] rejecting, pool exhausted and no eviction candidate")
			q.rejects++
			return false
		}
		q.removeAt(victim)
		q.rejects++
		h, ok = q.pool.Acquire()
		if !ok {
			// Allocator failure during eviction retry is a rejection,
			// never fatal (spec.md §7).
			q.log.WithField("id", f.ID).Warn("[TXQUEUE] rejecting, allocator still exhausted after eviction")
			q.rejects++
			return false
		}
	}

	slot, _ := q.pool.Get(h)
	*slot = newEntry

	pos := q.insertionIndex(f)
	q.order = append(q.order, 0)
	copy(q.order[pos+1:], q.order[pos:])
	q.order[pos] = h
	return true
}

// insertionIndex returns the first index i such that f outranks the
// entry currently at i, which is where f must be inserted to keep the
// queue sorted by pure arbitration priority (QoS-blind).
func (q *TxQueue) insertionIndex(f frame.CanFrame) int {
	for i := range q.order {
		if f.PriorityHigherThan(q.entryAt(i).Frame) {
			return i
		}
	}
	return len(q.order)
}

// evictionCandidate finds the lowest-priority entry under the QoS-aware
// comparator, and reports it only if the incoming entry outranks it
// under that same comparator. Persistent entries are therefore immune
// to eviction by any Volatile frame, no matter its arbitration priority.
func (q *TxQueue) evictionCandidate(incoming TxEntry) (index int, found bool) {
	if len(q.order) == 0 {
		return 0, false
	}
	lowest := 0
	for i := 1; i < len(q.order); i++ {
		if qosHigherThan(q.entryAt(lowest), q.entryAt(i)) {
			lowest = i
		}
	}
	if qosHigherThan(incoming, q.entryAt(lowest)) {
		return lowest, true
	}
	return 0, false
}

func (q *TxQueue) removeAt(i int) {
	h := q.order[i]
	if err := q.pool.Release(h); err != nil {
		panic("txqueue: release of live handle failed: " + err.Error())
	}
	q.order = append(q.order[:i], q.order[i+1:]...)
}

// Peek returns the highest-priority live entry, or ok=false if the queue
// is empty. As a side effect it sweeps and destroys every expired entry
// found at the front before returning, incrementing RejectedFrames once
// per entry removed that way.
func (q *TxQueue) Peek() (entry Entry, ok bool) {
	now := q.clk.Now()
	for len(q.order) > 0 {
		head := q.entryAt(0)
		if now.After(head.Deadline) {
			h := q.order[0]
			q.removeAt(0)
			q.rejects++
			q.log.WithField("id", head.Frame.ID).Debug("[TXQUEUE] dropping expired entry at peek")
			_ = h
			continue
		}
		return Entry{TxEntry: head, handle: q.order[0]}, true
	}
	return Entry{}, false
}

// Remove unlinks and destroys the given entry, which must have been
// obtained from Peek. After Remove the Entry value must not be reused.
func (q *TxQueue) Remove(e Entry) {
	for i, h := range q.order {
		if h == e.handle {
			q.removeAt(i)
			return
		}
	}
	// Removing an entry the caller did not obtain from Peek is a
	// programmer error (spec.md §7 "invariant violation"): fatal.
	panic("txqueue: remove of entry not present in queue")
}

// TopPriorityHigherOrEqual reports whether the queue is non-empty and
// its front entry's frame is not lower-priority than f, under pure CAN
// arbitration ordering (QoS is not considered). IoManager uses this to
// decide whether an incoming frame may jump ahead of whatever is queued.
func (q *TxQueue) TopPriorityHigherOrEqual(f frame.CanFrame) bool {
	if len(q.order) == 0 {
		return false
	}
	top := q.entryAt(0).Frame
	return !f.PriorityHigherThan(top)
}

// Close unlinks and destroys every entry, returning all of its blocks to
// the shared pool. It must be called when the queue is torn down.
func (q *TxQueue) Close() {
	for len(q.order) > 0 {
		q.removeAt(len(q.order) - 1)
	}
}
