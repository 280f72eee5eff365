// Package candriver defines the low-level CAN driver boundary consumed
// by IoManager. The driver itself — frame send/receive and readiness
// signalling — is out of scope for this core (spec.md §1); this package
// only fixes the contract and the sentinel errors an implementation is
// expected to use.
package candriver

import (
	"errors"

	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
)

// Sentinel errors a Driver implementation may wrap into its Select/Send
// results. ErrBusy is the one sentinel IoManager treats specially: a Send
// error matching errors.Is(err, ErrBusy) is logged and handled exactly
// like the nil-error busy signal (a queued entry stays in its queue; a
// frame IoManager.Send offered directly counts as not sent on that
// interface and is not queued), so a driver that can say *why* it was
// busy doesn't have to collapse that into silence. ErrIfaceDown carries no special handling — like any
// other error it is a driver failure and aborts the call.
var (
	ErrBusy      = errors.New("candriver: interface busy")
	ErrIfaceDown = errors.New("candriver: interface down")
)

// IfaceMask is a bitmask over interface indices, bit i selecting
// interface i. At most 3 bits (IoManager.MaxIfaces) are ever meaningful.
type IfaceMask uint8

// Has reports whether the mask selects interface i.
func (m IfaceMask) Has(i int) bool { return m&(1<<uint(i)) != 0 }

// With returns the mask with interface i added.
func (m IfaceMask) With(i int) IfaceMask { return m | (1 << uint(i)) }

// Without returns the mask with interface i removed.
func (m IfaceMask) Without(i int) IfaceMask { return m &^ (1 << uint(i)) }

// Driver is the low-level CAN driver boundary: frame send/receive and
// readiness signalling across 1..3 redundant interfaces. Implementations
// must not reenter any IoManager call from within a blocking Select
// (spec.md §5 "Reentrancy").
type Driver interface {
	// NumIfaces returns the number of interfaces this driver exposes,
	// in 1..=3.
	NumIfaces() int

	// Select blocks until at least one of the interfaces named in
	// readMask is ready to receive, or one named in writeMask is ready
	// to send, or blockingDeadline passes. It returns the interfaces
	// that became ready. A zero ready count with a nil error means
	// timeout; a non-nil error is a driver failure.
	Select(readMask, writeMask IfaceMask, blockingDeadline clock.Monotonic) (readyRead, readyWrite IfaceMask, err error)

	// Send attempts to hand one frame to the named interface before
	// txDeadline. accepted=true means the driver took ownership of the
	// frame; accepted=false with a nil error means the driver was busy
	// and the caller should retry. accepted=false with an error matching
	// errors.Is(err, ErrBusy) is the same busy signal with a reason
	// attached for logging; IoManager handles it exactly as it would a
	// nil error. Any other non-nil error is a driver failure and the
	// frame is considered lost.
	Send(ifaceIndex int, f frame.CanFrame, txDeadline clock.Monotonic) (accepted bool, err error)

	// Receive attempts a non-blocking read from the named interface.
	// ok=false with a nil error means no frame was available.
	Receive(ifaceIndex int) (rx frame.CanRxFrame, ok bool, err error)

	// NumErrors returns the cumulative driver-side error counter for
	// the named interface, exposed verbatim by IoManager.
	NumErrors(ifaceIndex int) uint64
}
