package virtio

import (
	"log/slog"
	"net"
	"sync"
)

// NetBackend delivers guest-transmitted packets to whatever is on the other
// side of the wire (a tap device, a userspace network stack, ...).
type NetBackend interface {
	HandleTx(packet []byte) error
}

// Net is a virtio network device. Queue 0 (rx) is manual-recv: incoming
// packets are handed to PushRx, which fills the next buffer the driver has
// posted. Queue 1 (tx) drains automatically.
type Net struct {
	MAC     net.HardwareAddr
	Backend NetBackend

	mu     sync.Mutex
	linkUp bool

	rx     Queue
	tx     Queue
	engine Engine
}

const (
	netRxQ = 0
	netTxQ = 1
)

// netHeaderSize is sizeof(struct virtio_net_hdr): flags, gso_type, hdr_len,
// gso_size, csum_start, csum_offset, num_buffers. The header is always this
// size regardless of MRG_RXBUF negotiation, which this device never offers.
const netHeaderSize = 12

const netConfigSize = 8 // 6-byte MAC + 2 status bytes

const netStatusLinkUp = 1 << 0

func (n *Net) GetType() DeviceID {
	return NetworkDeviceID
}

func (n *Net) GetFeatures() uint64 {
	return FMac
}

func (n *Net) ConfigSpaceSize() int {
	return netConfigSize
}

func (n *Net) QueueLayout() []QueueLayout {
	return []QueueLayout{
		{ManualRecv: true}, // rx
		{},                 // tx
	}
}

func (n *Net) Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error {
	n.rx = queues[netRxQ]
	n.tx = queues[netTxQ]
	n.engine = engine

	n.mu.Lock()
	n.linkUp = true
	n.mu.Unlock()

	return nil
}

// Recv handles queue 1 (tx): the chain holds a netHeaderSize-byte header
// followed by the ethernet frame. The header is discarded; only the payload
// is handed to the backend.
func (n *Net) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	if queueNum != netTxQ {
		return 0
	}

	defer func() {
		if err := n.tx.Publish(descIdx, 0); err != nil {
			slog.Error("virtio-net: publish failed", "err", err)
		}
	}()

	if readSize < netHeaderSize {
		slog.Warn("virtio-net: tx chain shorter than header", "size", readSize)
		return 0
	}

	payload := make([]byte, readSize-netHeaderSize)
	if err := n.tx.ReadFrom(descIdx, netHeaderSize, payload); err != nil {
		slog.Error("virtio-net: read chain failed", "err", err)
		return 0
	}

	if n.Backend != nil {
		if err := n.Backend.HandleTx(payload); err != nil {
			slog.Error("virtio-net: backend tx failed", "err", err)
		}
	}

	return 0
}

// PushRx delivers a host-received packet to the guest by pulling the next
// buffer the driver has posted to the rx queue, prefixing it with a
// zero-filled virtio-net header, and publishing it. It returns false without
// error if the driver has not posted a buffer.
func (n *Net) PushRx(packet []byte) (bool, error) {
	descIdx, _, writeSize, ok, err := n.rx.PullNext()
	if err != nil || !ok {
		return false, err
	}

	if netHeaderSize+len(packet) > writeSize {
		return false, nil
	}

	hdr := make([]byte, netHeaderSize)
	if err := n.rx.WriteTo(descIdx, 0, hdr); err != nil {
		return false, err
	}

	if err := n.rx.WriteTo(descIdx, netHeaderSize, packet); err != nil {
		return false, err
	}

	written := netHeaderSize + len(packet)
	if err := n.rx.Publish(descIdx, written); err != nil {
		return false, err
	}

	return true, nil
}

// SetCarrier flips the link-up status bit and raises the config-change
// interrupt.
func (n *Net) SetCarrier(up bool) {
	n.mu.Lock()
	n.linkUp = up
	n.mu.Unlock()

	if n.engine != nil {
		n.engine.RaiseConfigChange()
	}
}

func (n *Net) ReadConfig(p []byte, off int) error {
	n.mu.Lock()
	up := n.linkUp
	n.mu.Unlock()

	raw := make([]byte, netConfigSize)
	copy(raw[0:6], n.MAC)

	if up {
		raw[6] |= netStatusLinkUp
	}

	copy(p, raw[off:])
	return nil
}

func (n *Net) WriteConfig(p []byte, off int) error {
	return nil
}
