package virtio

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
)

// Console is a virtio console device backed by an io.Reader/io.Writer pair.
// Queue 0 (rx) is manual-recv: the driver posts empty writable buffers to
// it, but nothing is filled until PushIn delivers host-side input. Queue 1
// (tx) drains automatically; every chain on it is a block of guest output.
type Console struct {
	// In, if set, is polled by PushIn's caller for guest-bound input (e.g. a
	// pty). Console itself never reads from In; a caller drives PushIn.
	In io.Reader

	// Out receives bytes the guest writes to the console.
	Out io.Writer

	mu            sync.Mutex
	width, height uint16

	rx     Queue
	tx     Queue
	engine Engine
}

const (
	consoleRxQ = 0
	consoleTxQ = 1
)

const consoleConfigSize = 4

func (c *Console) GetType() DeviceID {
	return ConsoleDeviceID
}

func (c *Console) GetFeatures() uint64 {
	return FConsoleSize
}

func (c *Console) ConfigSpaceSize() int {
	return consoleConfigSize
}

func (c *Console) QueueLayout() []QueueLayout {
	return []QueueLayout{
		{ManualRecv: true}, // rx
		{},                 // tx
	}
}

func (c *Console) Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error {
	c.rx = queues[consoleRxQ]
	c.tx = queues[consoleTxQ]
	c.engine = engine
	return nil
}

// Recv handles queue 1 (tx) only; queue 0 is manual-recv and never reaches
// here.
func (c *Console) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	if queueNum != consoleTxQ {
		return 0
	}

	if c.Out == nil || readSize == 0 {
		if err := c.tx.Publish(descIdx, 0); err != nil {
			slog.Error("virtio-console: publish failed", "err", err)
		}
		return 0
	}

	buf := make([]byte, readSize)
	if err := c.tx.ReadFrom(descIdx, 0, buf); err != nil {
		slog.Error("virtio-console: read chain failed", "err", err)
		return 0
	}

	if _, err := c.Out.Write(buf); err != nil {
		slog.Error("virtio-console: write to host failed", "err", err)
	}

	if err := c.tx.Publish(descIdx, 0); err != nil {
		slog.Error("virtio-console: publish failed", "err", err)
	}

	return 0
}

// PushIn delivers host-originated input to the guest by pulling the next
// buffer the driver has posted to the rx queue and filling it. It returns
// false without error if the driver has not posted a buffer yet, in which
// case the caller should hold onto data and retry once it can (e.g. after
// the driver refills the queue and notifies).
func (c *Console) PushIn(data []byte) (bool, error) {
	descIdx, _, writeSize, ok, err := c.rx.PullNext()
	if err != nil || !ok {
		return false, err
	}

	n := len(data)
	if n > writeSize {
		n = writeSize
	}

	if err := c.rx.WriteTo(descIdx, 0, data[:n]); err != nil {
		return false, err
	}

	if err := c.rx.Publish(descIdx, n); err != nil {
		return false, err
	}

	return true, nil
}

// Resize updates the config-space width/height and raises the config-change
// interrupt, matching a host-side terminal resize event.
func (c *Console) Resize(width, height uint16) {
	c.mu.Lock()
	c.width, c.height = width, height
	c.mu.Unlock()

	if c.engine != nil {
		c.engine.RaiseConfigChange()
	}
}

func (c *Console) ReadConfig(p []byte, off int) error {
	c.mu.Lock()
	w, h := c.width, c.height
	c.mu.Unlock()

	raw := make([]byte, consoleConfigSize)
	binary.LittleEndian.PutUint16(raw[0:2], w)
	binary.LittleEndian.PutUint16(raw[2:4], h)

	copy(p, raw[off:])
	return nil
}

func (c *Console) WriteConfig(p []byte, off int) error {
	return nil
}
