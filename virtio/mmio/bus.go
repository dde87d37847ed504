package mmio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/rv-fpga/bridge/gateway"
	"github.com/rv-fpga/bridge/irq"
	"github.com/rv-fpga/bridge/virtio"
	"github.com/rv-fpga/bridge/virtio/virtq"
)

var le = binary.LittleEndian

var (
	errPermission = unix.EPERM
	errInvalid    = unix.EINVAL
)

// status masks, expressed as the cumulative OR of the bits set once each
// stage of the negotiation handshake is reached.
const (
	negotiatingFeatures = StatusAcknowledge | StatusDriver
	configuringQueues   = negotiatingFeatures | StatusFeaturesOK
	operatingNormally   = configuringQueues | StatusDriverOK
)

// Device is one VirtIO Device Core instance: the MMIO register file,
// feature negotiation state machine, and the set of virtqueues belonging to
// one emulated peripheral. It implements the read/write half of an Address
// Range; the router supplies the base address.
type Device struct {
	info    DeviceInfo
	handler virtio.DeviceHandler
	mem     gateway.Memory
	line    *irq.Line
	wake    func()

	mu     sync.Mutex
	status uint32

	// featuresSel indexes which 32-bit half of device_features a read of
	// regFeaturesWindow returns, and which half of driver_features a write
	// to regFeaturesWindow ORs into. The register table (spec §4.3) exposes
	// a single write path for this index, so unlike the two-register real
	// VirtIO MMIO layout, one selector serves both directions here.
	featuresSel uint32

	driverFeatures     uint64
	negotiatedFeatures uint64
	queueSel           uint32
	interruptStatus    uint32
	readyCalled        bool

	queues []*virtq.Queue

	pendingNotify atomic.Uint32
}

// NewDevice constructs a Device Core around handler. mem is the guest memory
// gateway shared by every queue; line is the interrupt line the router
// assigned this device; wake is called whenever a queue-notify register
// write sets a new bit in the pending-notify bitmap, and is how the
// notification worker is told there is work to do.
func NewDevice(info DeviceInfo, handler virtio.DeviceHandler, mem gateway.Memory, line *irq.Line, wake func()) *Device {
	layout := handler.QueueLayout()

	d := &Device{
		info:    info,
		handler: handler,
		mem:     mem,
		line:    line,
		wake:    wake,
		queues:  make([]*virtq.Queue, len(layout)),
	}

	for i, l := range layout {
		i := i
		q := virtq.New(virtq.Config{
			Mem: mem,
			Notify: func() error {
				d.mu.Lock()
				d.interruptStatus |= IntStatusUsedBuffer
				d.mu.Unlock()

				d.line.Raise()
				return nil
			},
		})

		q.SetManualRecv(l.ManualRecv)
		d.queues[i] = q
	}

	return d
}

// Info returns the device's static identity and IRQ assignment.
func (d *Device) Info() DeviceInfo {
	return d.info
}

// NegotiatedFeatures returns the feature set locked in at the last
// successful FEATURES_OK transition, or 0 if none has occurred since
// construction or the last reset.
func (d *Device) NegotiatedFeatures() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.negotiatedFeatures
}

// PendingNotifyExchange atomically exchanges the pending-notify bitmap with
// 0 and returns the previous value. The notification worker calls this
// before draining, per the exchange-before-drain ordering §4.6 requires.
func (d *Device) PendingNotifyExchange() uint32 {
	return d.pendingNotify.Swap(0)
}

// Drain runs the drain loop for queueNum, dispatching to the handler's Recv.
func (d *Device) Drain(queueNum int) error {
	if queueNum < 0 || queueNum >= len(d.queues) {
		return nil
	}

	q := d.queues[queueNum]

	return q.Drain(func(descIdx uint16, readSize, writeSize int) int {
		return d.handler.Recv(queueNum, descIdx, readSize, writeSize)
	}, func(err error) {
		slog.Warn("virtio: descriptor chain protocol error", "device", d.info.Type, "queue", queueNum, "err", err)
	})
}

// RaiseConfigChange implements virtio.Engine.
func (d *Device) RaiseConfigChange() {
	d.mu.Lock()
	d.interruptStatus |= IntStatusConfigChange
	d.mu.Unlock()

	d.line.Raise()
}

// Redrain implements virtio.Engine.
func (d *Device) Redrain(queueNum int) error {
	return d.Drain(queueNum)
}

// HandleMMIO services one guest access at byte offset off within the
// device's 4 KiB region.
func (d *Device) HandleMMIO(off int, data []byte, isWrite bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if isWrite {
		return d.writeMMIO(off, data)
	}

	return d.readMMIO(off, data)
}

func (d *Device) readMMIO(off int, p []byte) error {
	switch {
	case off == regMagicValue:
		le.PutUint32(p, virtio.MagicValue)

	case off == regVersion:
		le.PutUint32(p, virtio.Version)

	case off == regDeviceID:
		le.PutUint32(p, uint32(d.handler.GetType()))

	case off == regVendorID:
		le.PutUint32(p, 0)

	case off == regFeaturesWindow:
		if d.featuresSel > 1 {
			le.PutUint32(p, 0)
		} else {
			le.PutUint32(p, uint32(d.deviceFeatures()>>(32*d.featuresSel)))
		}

	case off == regFeaturesSel:
		le.PutUint32(p, d.featuresSel)

	case off == regQueueSel:
		le.PutUint32(p, d.queueSel)

	case off == regQueueNumMax:
		le.PutUint32(p, virtq.MaxSize)

	case off == regQueueNum:
		le.PutUint32(p, uint32(d.selectedQueue().Size()))

	case off == regQueueReady:
		le.PutUint32(p, boolToU32(d.selectedQueue().Ready()))

	case off == regInterruptStatus:
		le.PutUint32(p, d.interruptStatus)

	case off == regStatus:
		le.PutUint32(p, d.status)

	case off == regQueueDescLow:
		le.PutUint32(p, uint32(d.selectedQueue().DescAddr()))
	case off == regQueueDescHigh:
		le.PutUint32(p, uint32(d.selectedQueue().DescAddr()>>32))
	case off == regQueueDriverLow:
		le.PutUint32(p, uint32(d.selectedQueue().AvailAddr()))
	case off == regQueueDriverHigh:
		le.PutUint32(p, uint32(d.selectedQueue().AvailAddr()>>32))
	case off == regQueueDeviceLow:
		le.PutUint32(p, uint32(d.selectedQueue().UsedAddr()))
	case off == regQueueDeviceHigh:
		le.PutUint32(p, uint32(d.selectedQueue().UsedAddr()>>32))

	case off == regConfigGeneration:
		// Always 0: this transport never renegotiates config space mid-run.
		le.PutUint32(p, 0)

	case off >= regDeviceConfigBase:
		coff := off - regDeviceConfigBase
		size := d.handler.ConfigSpaceSize()

		if coff < 0 || coff+len(p) > size {
			for i := range p {
				p[i] = 0
			}

			return nil
		}

		return d.handler.ReadConfig(p, coff)

	default:
		for i := range p {
			p[i] = 0
		}
	}

	return nil
}

func (d *Device) writeMMIO(off int, p []byte) error {
	if len(p) != 4 && off < regDeviceConfigBase {
		// non-32-bit accesses to the register file are ignored.
		return nil
	}

	switch {
	case off == regFeaturesSel:
		return d.writeFeaturesSel(le.Uint32(p))

	case off == regFeaturesWindow:
		return d.writeDriverFeaturesWindow(le.Uint32(p))

	case off == regQueueSel:
		return d.writeQueueSel(le.Uint32(p))

	case off == regQueueNum:
		return d.writeQueueNum(le.Uint32(p))

	case off == regQueueReady:
		return d.writeQueueReady(le.Uint32(p))

	case off == regQueueNotify:
		return d.writeQueueNotify(le.Uint32(p))

	case off == regInterruptStatus:
		return d.writeInterruptAck(le.Uint32(p))

	case off == regStatus:
		return d.writeStatus(le.Uint32(p))

	case off == regQueueDescLow:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetDescAddrLow(uint32(v)) }, le.Uint32(p))
	case off == regQueueDescHigh:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetDescAddrHigh(uint32(v)) }, le.Uint32(p))
	case off == regQueueDriverLow:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetAvailAddrLow(uint32(v)) }, le.Uint32(p))
	case off == regQueueDriverHigh:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetAvailAddrHigh(uint32(v)) }, le.Uint32(p))
	case off == regQueueDeviceLow:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetUsedAddrLow(uint32(v)) }, le.Uint32(p))
	case off == regQueueDeviceHigh:
		return d.writeQueueAddr(func(v uint64) { d.selectedQueue().SetUsedAddrHigh(uint32(v)) }, le.Uint32(p))

	case off >= regDeviceConfigBase:
		coff := off - regDeviceConfigBase
		size := d.handler.ConfigSpaceSize()

		if coff < 0 || coff+len(p) > size {
			return nil
		}

		return d.handler.WriteConfig(p, coff)

	default:
		return nil
	}
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}

func (d *Device) deviceFeatures() uint64 {
	return virtio.RequiredFeatures | d.handler.GetFeatures()
}

func (d *Device) writeStatus(v uint32) error {
	if v == 0 {
		d.reset()
		return nil
	}

	wasFeaturesOK := d.status&StatusFeaturesOK != 0
	wantsFeaturesOK := v&StatusFeaturesOK != 0

	if !wasFeaturesOK && wantsFeaturesOK {
		negotiated := d.driverFeatures & d.deviceFeatures()

		if negotiated == d.driverFeatures && negotiated&virtio.FVersion1 != 0 {
			d.negotiatedFeatures = negotiated
			d.status = v
		} else {
			d.status = v &^ StatusFeaturesOK
		}
	} else {
		d.status = v
	}

	if d.status&operatingNormally == operatingNormally && !d.readyCalled {
		d.readyCalled = true

		queues := make([]virtio.Queue, len(d.queues))
		for i, q := range d.queues {
			queues[i] = q
		}

		if err := d.handler.Ready(d.negotiatedFeatures, queues, d); err != nil {
			return err
		}
	}

	return nil
}

func (d *Device) reset() {
	d.line.Lower()

	d.status = 0
	d.featuresSel = 0
	d.driverFeatures = 0
	d.negotiatedFeatures = 0
	d.queueSel = 0
	d.interruptStatus = 0
	d.readyCalled = false
	d.pendingNotify.Store(0)

	for _, q := range d.queues {
		q.Reset()
	}
}

func (d *Device) writeFeaturesSel(v uint32) error {
	d.featuresSel = v
	return nil
}

func (d *Device) writeDriverFeaturesWindow(v uint32) error {
	if d.status&negotiatingFeatures != negotiatingFeatures || d.status&StatusFeaturesOK != 0 {
		return errPermission
	}

	if d.featuresSel > 1 {
		return nil
	}

	d.driverFeatures |= uint64(v) << (32 * d.featuresSel)
	return nil
}

func (d *Device) writeQueueSel(v uint32) error {
	if v >= uint32(len(d.queues)) {
		return nil
	}

	d.queueSel = v
	return nil
}

func (d *Device) writeQueueNum(v uint32) error {
	if v == 0 || v > virtq.MaxSize || v&(v-1) != 0 {
		return nil
	}

	_ = d.selectedQueue().SetSize(uint16(v))
	return nil
}

func (d *Device) writeQueueAddr(set func(uint64), v uint32) error {
	if d.selectedQueue().Ready() {
		return errPermission
	}

	set(uint64(v))
	return nil
}

func (d *Device) writeQueueReady(v uint32) error {
	if err := d.selectedQueue().SetReady(v&1 == 1); err != nil {
		return errInvalid
	}

	return nil
}

func (d *Device) writeQueueNotify(v uint32) error {
	if v >= uint32(len(d.queues)) {
		return nil
	}

	for {
		old := d.pendingNotify.Load()
		next := old | (1 << v)

		if d.pendingNotify.CompareAndSwap(old, next) {
			if old&(1<<v) == 0 && d.wake != nil {
				d.wake()
			}

			break
		}
	}

	return nil
}

func (d *Device) writeInterruptAck(v uint32) error {
	d.interruptStatus &^= v

	if d.interruptStatus == 0 {
		d.line.Lower()
	}

	return nil
}

func (d *Device) selectedQueue() *virtq.Queue {
	if int(d.queueSel) >= len(d.queues) {
		panic(fmt.Sprintf("virtio: queue_sel %d out of range for %d queues", d.queueSel, len(d.queues)))
	}

	return d.queues[d.queueSel]
}
