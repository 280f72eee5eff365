// Package frame defines the CAN frame value types shared by the transmit
// queue and the I/O manager, and the arbitration-priority ordering CAN bus
// hardware itself uses to resolve simultaneous bus access.
package frame

import (
	"fmt"

	"github.com/samsamfire/canio/clock"
)

// Bit layout constants, carried over from the teacher's raw SocketCAN-style
// frame identifier encoding (standard 11-bit id with RTR/EFF/ERR flags
// packed into the high bits of a 32-bit identifier).
const (
	CanRtrFlag uint32 = 0x40000000
	CanErrFlag uint32 = 0x20000000
	CanEffFlag uint32 = 0x80000000
	CanSffMask uint32 = 0x000007FF
	CanEffMask uint32 = 0x1FFFFFFF
)

// MaxDataLength is the maximum payload size of a classic CAN frame.
const MaxDataLength = 8

// CanFrame is a single outbound or inbound CAN bus frame. It is a plain
// value: copyable, comparable by field, with no identity of its own.
type CanFrame struct {
	// ID is the arbitration identifier. Only the low 11 bits are
	// significant unless Extended is set, in which case the low 29 bits
	// are significant.
	ID uint32
	// Data holds 0..DLC payload bytes. Bytes at index >= DLC are ignored.
	Data [MaxDataLength]byte
	// DLC is the data length code, 0..8.
	DLC uint8
	// Extended marks a 29-bit identifier frame as opposed to an 11-bit
	// standard frame.
	Extended bool
	// RemoteTransmissionRequest marks a remote frame (no data payload,
	// requests the addressed node to respond with data).
	RemoteTransmissionRequest bool
	// ErrorFrame marks an error frame, as reported by some drivers.
	ErrorFrame bool
}

// NewFrame builds a standard data frame with the given id and payload. DLC
// is derived from the payload length and payloads longer than
// MaxDataLength are truncated.
func NewFrame(id uint32, data []byte) CanFrame {
	f := CanFrame{ID: id}
	n := len(data)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	copy(f.Data[:], data[:n])
	f.DLC = uint8(n)
	return f
}

// Payload returns the frame's data truncated to its DLC.
func (f CanFrame) Payload() []byte {
	dlc := f.DLC
	if dlc > MaxDataLength {
		dlc = MaxDataLength
	}
	return f.Data[:dlc]
}

func (f CanFrame) idMask() uint32 {
	if f.Extended {
		return CanEffMask
	}
	return CanSffMask
}

// baseID returns the 11-bit identifier real CAN hardware actually
// arbitrates on first: for a standard frame that's the whole id, for an
// extended frame it's the top 11 bits of the 29-bit id (the bits driven
// onto the bus before the IDE bit, and before the remaining 18 id bits
// even get a chance to matter). Comparing two frames' raw ids directly
// when one is standard and the other extended compares numbers at two
// different scales and gives the wrong answer; comparing their base ids
// is what the bus itself does.
func (f CanFrame) baseID() uint32 {
	if f.Extended {
		return (f.ID & CanEffMask) >> 18
	}
	return f.ID & CanSffMask
}

// PriorityHigherThan implements CAN bus arbitration precedence: a strict
// weak ordering, irreflexive, asymmetric and transitive. The numerically
// smaller base identifier wins the bus outright, before format is ever
// considered; only at an equal base id do standard frames dominate
// extended frames, and only at an equal full id do data frames dominate
// remote frames.
//
// This must stay a pure function of the two frames: it is the tie-breaker
// for every scheduling decision made above it.
func (f CanFrame) PriorityHigherThan(other CanFrame) bool {
	base := f.baseID()
	otherBase := other.baseID()
	if base != otherBase {
		return base < otherBase
	}
	if f.Extended != other.Extended {
		// Standard (11-bit) wins over extended (29-bit) at equal base id.
		return !f.Extended
	}
	if f.Extended {
		// Same base id, both extended: the remaining 18 id bits break
		// the tie, still lower-wins.
		clean := f.ID & CanEffMask
		otherClean := other.ID & CanEffMask
		if clean != otherClean {
			return clean < otherClean
		}
	}
	if f.RemoteTransmissionRequest != other.RemoteTransmissionRequest {
		// Data frame wins over remote frame.
		return !f.RemoteTransmissionRequest
	}
	return false
}

func (f CanFrame) String() string {
	kind := "std"
	if f.Extended {
		kind = "ext"
	}
	if f.RemoteTransmissionRequest {
		kind += "/rtr"
	}
	return fmt.Sprintf("CanFrame{id=%#x %s dlc=%d data=%x}", f.ID&f.idMask(), kind, f.DLC, f.Payload())
}

// CanRxFrame is an inbound frame tagged with reception metadata: the
// monotonic and wall-clock timestamps taken at reception, and the index of
// the interface it arrived on.
type CanRxFrame struct {
	CanFrame
	// TsMono is the monotonic timestamp at reception.
	TsMono clock.Monotonic
	// TsUtc is the wall-clock timestamp at reception; zero if unavailable.
	TsUtc clock.UTC
	// IfaceIndex is the originating interface, in [0, N).
	IfaceIndex uint8
}
