// Package socketcan adapts github.com/brutella/can, the teacher's real
// Linux CAN driver dependency, into a single-interface candriver.Driver.
// Combine several of these with candriver.Combine to arbitrate across
// more than one physical interface.
package socketcan

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sockcan "github.com/brutella/can"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/samsamfire/canio/candriver"
	"github.com/samsamfire/canio/clock"
	"github.com/samsamfire/canio/frame"
)

const rxBufferDepth = 256

// Driver is a single-interface candriver.Driver backed by a real
// SocketCAN interface (e.g. "can0"), grounded on the teacher's
// pkg/can/socketcan.SocketcanBus.
type Driver struct {
	bus    *sockcan.Bus
	clk    clock.Source
	log    *logrus.Entry
	rx     chan frame.CanRxFrame
	errors uint64
	down   int32
	mu     sync.Mutex
	closed bool
}

// handler implements brutella/can's frame-reception callback interface.
type handler struct{ d *Driver }

func (h handler) Handle(f sockcan.Frame) {
	d := h.d
	rxFrame := frame.CanFrame{
		ID:                        f.ID &^ (frame.CanEffFlag | frame.CanRtrFlag | frame.CanErrFlag),
		DLC:                       f.Length,
		Data:                      f.Data,
		Extended:                  f.ID&uint32(unix.CAN_EFF_FLAG) != 0,
		RemoteTransmissionRequest: f.ID&uint32(unix.CAN_RTR_FLAG) != 0,
		ErrorFrame:                f.ID&uint32(unix.CAN_ERR_FLAG) != 0,
	}
	rx := frame.CanRxFrame{CanFrame: rxFrame, TsMono: d.clk.Now(), TsUtc: d.clk.UTC()}
	select {
	case d.rx <- rx:
	default:
		atomic.AddUint64(&d.errors, 1)
		d.log.Warn("[CANIO-SOCKETCAN] rx buffer full, dropping frame")
	}
}

// Open brings up a SocketCAN interface (e.g. "can0", "vcan0") as a
// single-interface Driver.
func Open(ifname string, clk clock.Source, log *logrus.Entry) (*Driver, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(ifname)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Driver{bus: bus, clk: clk, log: log, rx: make(chan frame.CanRxFrame, rxBufferDepth)}
	bus.Subscribe(handler{d})
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			d.log.WithError(err).Warn("[CANIO-SOCKETCAN] bus disconnected")
		}
		atomic.StoreInt32(&d.down, 1)
	}()
	return d, nil
}

func (d *Driver) NumIfaces() int { return 1 }

// Select treats the single interface as always write-ready (the
// underlying library buffers writes internally) and polls the rx
// channel until blockingDeadline, matching the teacher's socketcan
// adapter's fire-and-forget Send alongside an async Subscribe callback.
func (d *Driver) Select(readMask, writeMask candriver.IfaceMask, blockingDeadline clock.Monotonic) (readyRead, readyWrite candriver.IfaceMask, err error) {
	if atomic.LoadInt32(&d.down) != 0 {
		return 0, 0, fmt.Errorf("socketcan: %w", candriver.ErrIfaceDown)
	}
	if writeMask.Has(0) {
		readyWrite = readyWrite.With(0)
	}
	if !readMask.Has(0) {
		return 0, readyWrite, nil
	}
	deadline := time.Now().Add(time.Duration(blockingDeadline.Sub(d.clk.Now())))
	for {
		select {
		case rx := <-d.rx:
			d.rx <- rx
			return readyRead.With(0), readyWrite, nil
		default:
		}
		if !time.Now().Before(deadline) {
			return 0, readyWrite, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *Driver) Send(ifaceIndex int, f frame.CanFrame, _ clock.Monotonic) (bool, error) {
	if atomic.LoadInt32(&d.down) != 0 {
		return false, fmt.Errorf("socketcan: %w", candriver.ErrIfaceDown)
	}
	id := f.ID
	if f.Extended {
		id |= uint32(unix.CAN_EFF_FLAG)
	}
	if f.RemoteTransmissionRequest {
		id |= uint32(unix.CAN_RTR_FLAG)
	}
	if f.ErrorFrame {
		id |= uint32(unix.CAN_ERR_FLAG)
	}
	err := d.bus.Publish(sockcan.Frame{ID: id, Length: f.DLC, Data: f.Data})
	if err != nil {
		atomic.AddUint64(&d.errors, 1)
		return false, err
	}
	return true, nil
}

func (d *Driver) Receive(ifaceIndex int) (frame.CanRxFrame, bool, error) {
	select {
	case rx := <-d.rx:
		rx.IfaceIndex = 0
		return rx, true, nil
	default:
	}
	if atomic.LoadInt32(&d.down) != 0 {
		return frame.CanRxFrame{}, false, fmt.Errorf("socketcan: %w", candriver.ErrIfaceDown)
	}
	return frame.CanRxFrame{}, false, nil
}

func (d *Driver) NumErrors(ifaceIndex int) uint64 { return atomic.LoadUint64(&d.errors) }

// Close disconnects the interface.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.bus.Disconnect()
}
