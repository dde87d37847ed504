// Package virtio defines the device-facing contract shared by every VirtIO
// 1.0 MMIO device class: identity, feature bits, and the descriptor-receive
// callback the MMIO register file's dispatch engine invokes.
package virtio

import "fmt"

// DeviceConfig constructs a DeviceHandler. Each device class implements one.
type DeviceConfig interface {
	NewHandler() (DeviceHandler, error)
}

// DeviceHandler is the per-class hook the register file drives. Handlers own
// no queue state themselves — Recv is invoked with descriptor sizes already
// computed by the engine, and reads/writes go back through the Queue values
// passed to Ready.
type DeviceHandler interface {
	// GetType identifies the device class.
	GetType() DeviceID

	// GetFeatures returns feature bits offered in addition to FVersion1.
	GetFeatures() uint64

	// ConfigSpaceSize is the device-specific config space size in bytes.
	ConfigSpaceSize() int

	// QueueLayout reports how many queues this device has and which of them
	// are manual_recv (the caller drives them directly, not the drain loop).
	QueueLayout() []QueueLayout

	// Ready is called once feature negotiation completes and DRIVER_OK is
	// set. queues holds one Queue per declared queue, in order; engine lets
	// the handler raise the config-change interrupt on its own schedule.
	Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error

	// Recv is invoked by a queue's drain loop with a descriptor chain ready
	// for processing. Returning a negative value asks the engine to stop
	// draining (backpressure); the device must resume the drain later once
	// unblocked.
	Recv(queueNum int, descIdx uint16, readSize, writeSize int) int

	// ReadConfig reads the device-specific configuration space at off into p.
	ReadConfig(p []byte, off int) error

	// WriteConfig writes p into the device-specific configuration space at
	// off. Devices without a config-write hook return nil unconditionally.
	WriteConfig(p []byte, off int) error
}

// Engine is the VirtIO Device Core surface exposed to a handler's Ready call.
type Engine interface {
	// RaiseConfigChange sets bit 1 of interrupt_status and raises the
	// device's interrupt line.
	RaiseConfigChange()

	// Redrain re-invokes the drain loop for queueNum. Devices that returned
	// a negative value from Recv to request backpressure call this once
	// their backend operation completes, resuming consumption where it left
	// off.
	Redrain(queueNum int) error
}

// QueueLayout describes one of a device's declared virtqueues.
type QueueLayout struct {
	ManualRecv bool
}

// Queue is the subset of virtq.Queue's API a device needs; it is satisfied
// by *virtq.Queue. Declaring it here (rather than importing virtq) keeps
// this package free of a dependency on the vring engine's internals.
type Queue interface {
	ReadFrom(descIdx uint16, off int, buf []byte) error
	WriteTo(descIdx uint16, off int, buf []byte) error
	Publish(descIdx uint16, writtenLen int) error
	Sizes(descIdx uint16) (readSize, writeSize int, err error)

	// PullNext is for manual-recv queues: it advances the drain cursor by
	// one and reports the next descriptor the driver has posted, if any.
	PullNext() (descIdx uint16, readSize, writeSize int, ok bool, err error)
}

// DeviceID identifies the class of a virtio device.
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
	NinePDeviceID   = DeviceID(9)
	InputDeviceID   = DeviceID(18)
)

const (
	MagicValue = 0x74726976 // "virt"
	Version    = 0x2
)

// Feature bits, per the VirtIO 1.0 specification. Only FVersion1 is
// required or negotiated by this transport; the rest are named for
// completeness and for devices that advertise them in GetFeatures (e.g.
// FSegMax, FMac, FConsoleSize below).
const (
	FIndirectDesc    = 1 << 28 // not honoured; see virtq
	FEventIdx        = 1 << 29 // not honoured
	FVersion1        = 1 << 32
	FAccessPlatform  = 1 << 33
	FRingPacked      = 1 << 34 // not supported
	FInOrder         = 1 << 35
	FOrderPlatform   = 1 << 36
	FSRIOV           = 1 << 37
	FNotificationData = 1 << 38
	FNotifConfigData  = 1 << 39
	FRingReset        = 1 << 40
)

// Device-class specific feature bits used by GetFeatures implementations.
const (
	FSegMax       = 1 << 2  // VIRTIO_BLK_F_SEG_MAX
	FMac          = 1 << 5  // VIRTIO_NET_F_MAC
	FConsoleSize  = 1 << 0  // VIRTIO_CONSOLE_F_SIZE
	FNinePMountTag = 1 << 0 // VIRTIO_9P_MOUNT_TAG
)

// RequiredFeatures are the feature bits every device must negotiate.
// Packed rings, indirect descriptors, and event-idx suppression are all
// unsupported by this transport, so only VERSION_1 is required.
const RequiredFeatures = FVersion1

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetworkDeviceID:
		return "network"
	case BlockDeviceID:
		return "block"
	case ConsoleDeviceID:
		return "console"
	case EntropyDeviceID:
		return "entropy"
	case NinePDeviceID:
		return "9p"
	case InputDeviceID:
		return "input"
	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
