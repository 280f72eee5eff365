// Package iomanager implements IoManager: the component that owns one
// TxQueue per CAN interface, drives the underlying driver, and decides
// which frame goes out of which interface at which time.
package iomanager

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/samsamfire/canio/candriver"
	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
	"github.com/samsamfire/canio/txqueue"
)

// MaxIfaces is the largest number of redundant CAN interfaces IoManager
// can arbitrate across, per spec.md invariant I5.
const MaxIfaces = 3

// IoManager owns N <= MaxIfaces TxQueues and multiplexes sends/receives
// across the interfaces a Driver exposes. It is single-threaded: the
// only suspension points are the Driver's blocking Select calls, and
// callers must serialize their own access (spec.md §5).
type IoManager struct {
	driver     candriver.Driver
	clk        clock.Source
	pool       *txqueue.Pool
	numIfaces  int
	queues     [MaxIfaces]*txqueue.TxQueue
	lastErrors [MaxIfaces]uint64
	log        *logrus.Entry
}

// New constructs an IoManager over driver, with one shared allocator of
// poolCapacity blocks split across driver.NumIfaces() TxQueues. It
// panics if the driver reports more than MaxIfaces interfaces or fewer
// than one — this is the "construction asserts N <= MaxIfaces"
// invariant violation from spec.md §4.3, a programmer error, not a
// runtime condition.
func New(driver candriver.Driver, clk clock.Source, poolCapacity int, log *logrus.Entry) *IoManager {
	n := driver.NumIfaces()
	if n < 1 || n > MaxIfaces {
		panic(fmt.Sprintf("iomanager: driver reports %d interfaces, want 1..%d", n, MaxIfaces))
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &IoManager{
		driver:    driver,
		clk:       clk,
		pool:      txqueue.NewPool(poolCapacity),
		numIfaces: n,
		log:       log,
	}
	for i := 0; i < n; i++ {
		m.queues[i] = txqueue.New(m.pool, clk, log.WithField("iface", i))
	}
	return m
}

// NumIfaces returns the number of interfaces this manager arbitrates
// across, always in [1, MaxIfaces].
func (m *IoManager) NumIfaces() int { return m.numIfaces }

func (m *IoManager) checkIface(i int) {
	if i < 0 || i >= m.numIfaces {
		panic(fmt.Sprintf("iomanager: interface index %d out of range [0,%d)", i, m.numIfaces))
	}
}

// NumErrors returns the underlying driver's cumulative error counter for
// iface, exposed verbatim. It also logs a warning whenever the counter
// increased since the previous poll — diagnostic only, it never changes
// the returned value or any control decision.
func (m *IoManager) NumErrors(iface int) uint64 {
	m.checkIface(iface)
	count := m.driver.NumErrors(iface)
	if count > m.lastErrors[iface] {
		m.log.WithFields(logrus.Fields{"iface": iface, "errors": count}).Warn("[IOMGR] driver error counter increased")
	}
	m.lastErrors[iface] = count
	return count
}

// QueueDepth reports 1 if iface's queue holds at least one entry and 0
// if it is empty; it does not count entries beyond the first. Expired
// entries not yet swept by a Peek still count.
// It is a diagnostic supplement to spec.md, not part of the original
// send/receive contract.
func (m *IoManager) QueueDepth(iface int) int {
	m.checkIface(iface)
	depth := 0
	// TxQueue doesn't expose a length directly, and peeking would sweep
	// expired entries, so only IsEmpty is consulted here.
	if !m.queues[iface].IsEmpty() {
		depth = 1
	}
	return depth
}

// RejectedFrames returns the given interface's TxQueue rejection
// counter (admission-rejected, evicted, or expired-at-peek).
func (m *IoManager) RejectedFrames(iface int) uint32 {
	m.checkIface(iface)
	return m.queues[iface].RejectedFrames()
}

func minMonotonic(a, b clock.Monotonic) clock.Monotonic {
	if a.Before(b) {
		return a
	}
	return b
}

// sendToDriver calls driver.Send and classifies the result for its
// caller: accepted is the driver's own answer; fatal is the error to
// propagate, if any. A driver error matching candriver.ErrBusy is
// logged and folded into the same "not accepted, try again later" path
// as a nil error, per Driver.Send's documented contract.
func (m *IoManager) sendToDriver(iface int, f frame.CanFrame, deadline clock.Monotonic) (accepted bool, fatal error) {
	accepted, err := m.driver.Send(iface, f, deadline)
	if err == nil {
		return accepted, nil
	}
	if errors.Is(err, candriver.ErrBusy) {
		m.log.WithError(err).WithField("iface", iface).Debug("[IOMGR] driver busy")
		return false, nil
	}
	return accepted, err
}

// Send attempts to transmit frame on every interface selected by
// ifaceMask, subject to txDeadline (when the frame itself expires) and
// blockingDeadline (how long the caller is willing to wait). It returns
// the number of interfaces the frame was handed directly to the driver
// on. Interfaces still unresolved when the deadline passes have the
// frame enqueued instead; an interface whose driver reports busy on the
// direct hand-off gets neither. A non-nil error reports a driver failure encountered along
// the way, replacing spec.md's "negative return code" convention with an
// idiomatic Go error.
func (m *IoManager) Send(
	f frame.CanFrame,
	txDeadline clock.Monotonic,
	blockingDeadline clock.Monotonic,
	ifaceMask candriver.IfaceMask,
	qos txqueue.QoS,
) (sent int, err error) {
	if m.clk.Now().After(txDeadline) {
		return 0, nil
	}

	allMask := candriver.IfaceMask((1 << uint(m.numIfaces)) - 1)
	selected := ifaceMask & allMask
	var resolved candriver.IfaceMask
	deadline := minMonotonic(txDeadline, blockingDeadline)

	for resolved != selected {
		pending := selected &^ resolved

		_, readyWrite, err := m.driver.Select(0, pending, deadline)
		if err != nil {
			return sent, err
		}
		readyNow := readyWrite & pending

		if readyNow == 0 {
			// Timed out waiting for readiness: whatever is still
			// unresolved gets enqueued rather than sent directly.
			for i := 0; i < m.numIfaces; i++ {
				if pending.Has(i) {
					m.queues[i].Push(f, txDeadline, qos)
				}
			}
			resolved = selected
			break
		}

		for i := 0; i < m.numIfaces; i++ {
			if !readyNow.Has(i) {
				continue
			}
			q := m.queues[i]
			if q.IsEmpty() || !q.TopPriorityHigherOrEqual(f) {
				// Incoming frame outranks (or there is nothing queued
				// behind) this interface's queue: hand it directly so a
				// low-priority queued frame never head-of-line-blocks a
				// higher-priority one just offered.
				accepted, sendErr := m.sendToDriver(i, f, txDeadline)
				if sendErr != nil {
					return sent, sendErr
				}
				if accepted {
					sent++
				}
				resolved = resolved.With(i)
				continue
			}
			// The queued frame outranks (or ties) the incoming one:
			// let the bus have it first, and retry this interface on
			// the next iteration.
			if _, drainErr := m.drainQueued(i); drainErr != nil {
				return sent, drainErr
			}
		}

		if resolved != selected && !m.clk.Now().Before(deadline) {
			// Deadline reached while some interfaces were still draining:
			// enqueue the frame on them, as on a Select timeout.
			for i := 0; i < m.numIfaces; i++ {
				if selected.Has(i) && !resolved.Has(i) {
					m.queues[i].Push(f, txDeadline, qos)
				}
			}
			resolved = selected
		}
	}

	return sent, nil
}

// drainQueued is the queue-to-driver helper from spec.md §4.4: peek the
// top entry (sweeping expired ones), and attempt to hand it to the
// driver. On acceptance the entry is removed and sent=true; on
// driver-busy the entry is left in place; on driver error the entry is
// removed (it is lost) and the error is returned.
func (m *IoManager) drainQueued(iface int) (sent bool, err error) {
	q := m.queues[iface]
	top, ok := q.Peek()
	if !ok {
		return false, nil
	}
	accepted, err := m.sendToDriver(iface, top.Frame, top.Deadline)
	if err != nil {
		q.Remove(top)
		return false, err
	}
	if accepted {
		q.Remove(top)
		return true, nil
	}
	return false, nil
}

// Flush makes a non-blocking best-effort attempt to drain already-queued
// entries for every interface named in ifaceMask, without accepting a
// new frame. It is meant to be called cyclically from a node's main
// loop between Send calls to keep queue depth down, the way the
// teacher's CANModule.Process is called cyclically to service its own
// tx buffer. It never changes admission or eviction semantics.
func (m *IoManager) Flush(ifaceMask candriver.IfaceMask) error {
	for i := 0; i < m.numIfaces; i++ {
		if !ifaceMask.Has(i) {
			continue
		}
		for {
			sent, err := m.drainQueued(i)
			if err != nil {
				m.log.WithError(err).WithField("iface", i).Warn("[IOMGR] flush: drain error")
				return err
			}
			if !sent {
				break
			}
		}
	}
	return nil
}

// Receive polls the driver across all interfaces with timeout
// blockingDeadline. ok=false with a nil error means timeout; a non-nil
// error reports a driver failure. If multiple interfaces have a frame
// ready simultaneously the driver's Select ordering decides; IoManager
// does not re-order.
func (m *IoManager) Receive(blockingDeadline clock.Monotonic) (rx frame.CanRxFrame, ok bool, err error) {
	allMask := candriver.IfaceMask((1 << uint(m.numIfaces)) - 1)
	readyRead, _, err := m.driver.Select(allMask, 0, blockingDeadline)
	if err != nil {
		return frame.CanRxFrame{}, false, err
	}
	if readyRead == 0 {
		return frame.CanRxFrame{}, false, nil
	}
	for i := 0; i < m.numIfaces; i++ {
		if !readyRead.Has(i) {
			continue
		}
		got, gotOk, recvErr := m.driver.Receive(i)
		if recvErr != nil {
			return frame.CanRxFrame{}, false, recvErr
		}
		if gotOk {
			got.IfaceIndex = uint8(i)
			return got, true, nil
		}
	}
	return frame.CanRxFrame{}, false, nil
}

// Close tears down every TxQueue, returning all allocator blocks.
func (m *IoManager) Close() {
	for i := 0; i < m.numIfaces; i++ {
		m.queues[i].Close()
	}
}
