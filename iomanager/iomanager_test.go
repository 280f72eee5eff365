package iomanager

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samsamfire/canio/candriver"
	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
	"github.com/samsamfire/canio/txqueue"
)

// fakeClock is a manually-advanced clock.Source, shared with fakeDriver
// so that a simulated blocking Select can fast-forward time to its
// deadline exactly like a real blocking driver call would consume it.
type fakeClock struct {
	now clock.Monotonic
}

func (c *fakeClock) Now() clock.Monotonic { return c.now }
func (c *fakeClock) UTC() clock.UTC       { return 0 }

type sendResult struct {
	accepted bool
	err      error
}

// fakeDriver is an in-memory candriver.Driver double, grounded on the
// teacher's CreateNetworkTest helper pattern of a fully scripted
// collaborator instead of real hardware.
type fakeDriver struct {
	clk          *fakeClock
	n            int
	writeReady   map[int]bool
	readReady    map[int]*frame.CanRxFrame
	sent         map[int][]frame.CanFrame
	sendBehavior map[int][]sendResult
	selectErr    error
	errCounts    [MaxIfaces]uint64
}

func newFakeDriver(clk *fakeClock, n int) *fakeDriver {
	return &fakeDriver{
		clk:          clk,
		n:            n,
		writeReady:   map[int]bool{},
		readReady:    map[int]*frame.CanRxFrame{},
		sent:         map[int][]frame.CanFrame{},
		sendBehavior: map[int][]sendResult{},
	}
}

func (d *fakeDriver) NumIfaces() int { return d.n }

func (d *fakeDriver) Select(readMask, writeMask candriver.IfaceMask, deadline clock.Monotonic) (candriver.IfaceMask, candriver.IfaceMask, error) {
	if d.selectErr != nil {
		return 0, 0, d.selectErr
	}
	var rr, rw candriver.IfaceMask
	for i := 0; i < d.n; i++ {
		if readMask.Has(i) && d.readReady[i] != nil {
			rr = rr.With(i)
		}
		if writeMask.Has(i) && d.writeReady[i] {
			rw = rw.With(i)
		}
	}
	if rr == 0 && rw == 0 {
		// Simulate blocking until the deadline with no readiness.
		d.clk.now = deadline
		return 0, 0, nil
	}
	return rr, rw, nil
}

func (d *fakeDriver) Send(iface int, f frame.CanFrame, _ clock.Monotonic) (bool, error) {
	d.sent[iface] = append(d.sent[iface], f)
	queue := d.sendBehavior[iface]
	if len(queue) > 0 {
		r := queue[0]
		d.sendBehavior[iface] = queue[1:]
		return r.accepted, r.err
	}
	return true, nil
}

func (d *fakeDriver) Receive(iface int) (frame.CanRxFrame, bool, error) {
	rx := d.readReady[iface]
	if rx == nil {
		return frame.CanRxFrame{}, false, nil
	}
	d.readReady[iface] = nil
	return *rx, true, nil
}

func (d *fakeDriver) NumErrors(iface int) uint64 { return d.errCounts[iface] }

func newTestManager(t *testing.T, numIfaces, poolCapacity int) (*IoManager, *fakeDriver, *fakeClock) {
	t.Helper()
	clk := &fakeClock{}
	driver := newFakeDriver(clk, numIfaces)
	mgr := New(driver, clk, poolCapacity, nil)
	return mgr, driver, clk
}

func frm(id uint32) frame.CanFrame { return frame.NewFrame(id, nil) }

func TestNew_PanicsOnTooManyInterfaces(t *testing.T) {
	clk := &fakeClock{}
	driver := newFakeDriver(clk, MaxIfaces+1)
	assert.Panics(t, func() { New(driver, clk, 8, nil) })
}

func TestSend_PastDeadline_RejectsWithoutEnqueue(t *testing.T) {
	mgr, _, clk := newTestManager(t, 1, 8)
	past := clk.now.Add(-time.Millisecond)

	sent, err := mgr.Send(frm(0x100), past, clk.now.Add(time.Second), 0b1, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 0, mgr.QueueDepth(0))
}

// Scenario 1: priority preemption of a queued frame.
func TestSend_HigherPriorityPreemptsQueuedFrame(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)

	// Seed iface 0's queue with F_lo by sending while not write-ready.
	fLo := frm(0x200)
	sent, err := mgr.Send(fLo, clk.now.Add(time.Second), clk.now, 0b1, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, mgr.QueueDepth(0))

	// Now iface 0 is write-ready and a higher-priority frame arrives.
	driver.writeReady[0] = true
	fHi := frm(0x100)
	sent, err = mgr.Send(fHi, clk.now.Add(time.Second), clk.now.Add(time.Second), 0b1, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 1, sent, "F_hi must be handed directly to the driver")

	assert.Equal(t, 1, mgr.QueueDepth(0), "F_lo must remain queued")
	assert.Equal(t, []frame.CanFrame{fHi}, driver.sent[0])
}

// Scenario 2: incoming frame is lower priority than what's queued, so
// the queued frame drains first and the new frame, with the driver still
// ready, is then handed to the driver directly.
func TestSend_DrainsQueuedFrameWhenNewIsLower(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)

	fHi := frm(0x100)
	sent, err := mgr.Send(fHi, clk.now.Add(time.Second), clk.now, 0b1, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 0, sent)

	driver.writeReady[0] = true
	fNew := frm(0x300)
	sent, err = mgr.Send(fNew, clk.now.Add(time.Second), clk.now.Add(time.Second), 0b1, txqueue.Volatile)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(driver.sent[0]), 1)
	assert.Equal(t, fHi, driver.sent[0][0], "F_hi must drain to the driver before F_new is considered")
	assert.Equal(t, 1, sent, "F_new is direct-sent since the driver stays ready")
	assert.Equal(t, 0, mgr.QueueDepth(0), "front is not F_hi: the queue must not still hold it")
}

// Scenario 6: multi-interface send with partial enqueue.
func TestSend_MultiInterfacePartialEnqueue(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 3, 8)
	driver.writeReady[0] = true // ifaces 1,2 stay busy until blockingDeadline

	f := frm(0x100)
	sent, err := mgr.Send(f, clk.now.Add(time.Second), clk.now.Add(time.Second), 0b111, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	assert.Equal(t, 1, mgr.QueueDepth(1))
	assert.Equal(t, 1, mgr.QueueDepth(2))
	assert.Equal(t, 0, mgr.QueueDepth(0))
}

func TestSend_PropagatesDriverError(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)
	driver.writeReady[0] = true
	boom := errors.New("boom")
	driver.sendBehavior[0] = []sendResult{{accepted: false, err: boom}}

	sent, err := mgr.Send(frm(0x100), clk.now.Add(time.Second), clk.now.Add(time.Second), 0b1, txqueue.Volatile)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, sent)
}

// A driver error wrapping candriver.ErrBusy must be treated exactly like
// the nil-error busy signal: it must not propagate as a fatal error, per
// Driver.Send's documented contract.
func TestSend_ErrBusyIsTreatedAsRetryableNotFatal(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)
	driver.writeReady[0] = true
	driver.sendBehavior[0] = []sendResult{{accepted: false, err: fmt.Errorf("wrapped: %w", candriver.ErrBusy)}}

	sent, err := mgr.Send(frm(0x100), clk.now.Add(time.Second), clk.now.Add(time.Second), 0b1, txqueue.Volatile)
	require.NoError(t, err)
	assert.Equal(t, 0, sent, "a busy response never counts as a direct send")
}

// drainQueued's busy handling (distinct from the direct-send path above)
// must leave the entry in place, retryable, rather than dropping it.
func TestFlush_ErrBusyLeavesEntryQueued(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)

	f := frm(0x100)
	sent, err := mgr.Send(f, clk.now.Add(time.Second), clk.now, 0b1, txqueue.Volatile)
	require.NoError(t, err)
	require.Equal(t, 0, sent)
	require.Equal(t, 1, mgr.QueueDepth(0))

	driver.writeReady[0] = true
	driver.sendBehavior[0] = []sendResult{{accepted: false, err: fmt.Errorf("wrapped: %w", candriver.ErrBusy)}}
	require.NoError(t, mgr.Flush(0b1))
	assert.Equal(t, 1, mgr.QueueDepth(0), "busy drain must leave the entry queued for the next attempt")
}

func TestReceive_ReturnsTaggedFrame(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 2, 8)
	want := frame.CanRxFrame{CanFrame: frm(0x42)}
	driver.readReady[1] = &want

	rx, ok, err := mgr.Receive(clk.now.Add(time.Second))
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, rx.IfaceIndex)
	assert.EqualValues(t, 0x42, rx.ID)
}

func TestReceive_TimesOutCleanly(t *testing.T) {
	mgr, _, clk := newTestManager(t, 1, 8)
	_, ok, err := mgr.Receive(clk.now.Add(10 * time.Millisecond))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFlush_DrainsQueuedEntriesWithoutNewFrame(t *testing.T) {
	mgr, driver, clk := newTestManager(t, 1, 8)

	f := frm(0x100)
	sent, err := mgr.Send(f, clk.now.Add(time.Second), clk.now, 0b1, txqueue.Volatile)
	require.NoError(t, err)
	require.Equal(t, 0, sent)
	require.Equal(t, 1, mgr.QueueDepth(0))

	driver.writeReady[0] = true
	require.NoError(t, mgr.Flush(0b1))
	assert.Equal(t, 0, mgr.QueueDepth(0))
	assert.Equal(t, []frame.CanFrame{f}, driver.sent[0])
}

func TestNumErrors_ProxiesDriverCounter(t *testing.T) {
	mgr, driver, _ := newTestManager(t, 1, 8)
	driver.errCounts[0] = 3
	assert.EqualValues(t, 3, mgr.NumErrors(0))
	driver.errCounts[0] = 5
	assert.EqualValues(t, 5, mgr.NumErrors(0))
}

func TestCheckIface_PanicsOutOfRange(t *testing.T) {
	mgr, _, _ := newTestManager(t, 1, 8)
	assert.Panics(t, func() { mgr.NumErrors(1) })
	assert.Panics(t, func() { mgr.QueueDepth(-1) })
}
