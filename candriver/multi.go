package candriver

import (
	"fmt"
	"time"

	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
)

// SingleDriver is the subset of Driver a real hardware adapter
// typically implements for exactly one physical interface (index 0 in
// its own numbering). candriver/socketcan.Driver satisfies it.
type SingleDriver interface {
	Select(readMask, writeMask IfaceMask, blockingDeadline clock.Monotonic) (readyRead, readyWrite IfaceMask, err error)
	Send(ifaceIndex int, f frame.CanFrame, txDeadline clock.Monotonic) (accepted bool, err error)
	Receive(ifaceIndex int) (rx frame.CanRxFrame, ok bool, err error)
	NumErrors(ifaceIndex int) uint64
}

// multi composes up to MaxIfaces single-interface drivers into one
// Driver, letting IoManager arbitrate across physically distinct
// adapters (e.g. two independent SocketCAN interfaces) the same way it
// would across a driver that natively exposes several interfaces.
type multi struct {
	drivers []SingleDriver
	clk     clock.Source
}

// Combine wires 1..3 single-interface drivers together under one
// Driver, interface i of the result mapping to drivers[i]'s own
// interface 0.
func Combine(drivers []SingleDriver, clk clock.Source) (Driver, error) {
	if len(drivers) < 1 || len(drivers) > 3 {
		return nil, fmt.Errorf("candriver: want 1..3 drivers, got %d", len(drivers))
	}
	return &multi{drivers: drivers, clk: clk}, nil
}

func (m *multi) NumIfaces() int { return len(m.drivers) }

// Select polls each underlying driver's own Select with a short,
// non-blocking deadline and retries until something is ready or the
// caller's deadline passes. Each underlying driver only ever sees
// requests for its own interface 0.
func (m *multi) Select(readMask, writeMask IfaceMask, blockingDeadline clock.Monotonic) (readyRead, readyWrite IfaceMask, err error) {
	now := func() time.Time { return time.Now() }
	deadline := now().Add(time.Duration(blockingDeadline.Sub(m.clk.Now())))
	for {
		for i, d := range m.drivers {
			rMask, wMask := IfaceMask(0), IfaceMask(0)
			if readMask.Has(i) {
				rMask = rMask.With(0)
			}
			if writeMask.Has(i) {
				wMask = wMask.With(0)
			}
			if rMask == 0 && wMask == 0 {
				continue
			}
			rr, rw, derr := d.Select(rMask, wMask, m.clk.Now())
			if derr != nil {
				return 0, 0, fmt.Errorf("candriver: iface %d: %w", i, derr)
			}
			if rr.Has(0) {
				readyRead = readyRead.With(i)
			}
			if rw.Has(0) {
				readyWrite = readyWrite.With(i)
			}
		}
		if readyRead != 0 || readyWrite != 0 || !now().Before(deadline) {
			return readyRead, readyWrite, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *multi) Send(ifaceIndex int, f frame.CanFrame, txDeadline clock.Monotonic) (bool, error) {
	return m.drivers[ifaceIndex].Send(0, f, txDeadline)
}

func (m *multi) Receive(ifaceIndex int) (frame.CanRxFrame, bool, error) {
	rx, ok, err := m.drivers[ifaceIndex].Receive(0)
	if ok {
		rx.IfaceIndex = uint8(ifaceIndex)
	}
	return rx, ok, err
}

func (m *multi) NumErrors(ifaceIndex int) uint64 {
	return m.drivers[ifaceIndex].NumErrors(0)
}
