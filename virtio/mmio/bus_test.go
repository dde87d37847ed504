package mmio_test

import (
	"encoding/binary"
	"testing"

	"github.com/rv-fpga/bridge/gateway"
	"github.com/rv-fpga/bridge/irq"
	"github.com/rv-fpga/bridge/virtio"
	"github.com/rv-fpga/bridge/virtio/mmio"
)

type fakeBlock struct {
	features uint64
	ready    []virtio.Queue
	negotiated uint64
}

func (f *fakeBlock) GetType() virtio.DeviceID    { return virtio.BlockDeviceID }
func (f *fakeBlock) GetFeatures() uint64         { return f.features }
func (f *fakeBlock) ConfigSpaceSize() int        { return 16 }
func (f *fakeBlock) QueueLayout() []virtio.QueueLayout {
	return []virtio.QueueLayout{{}}
}

func (f *fakeBlock) Ready(negotiated uint64, queues []virtio.Queue, engine virtio.Engine) error {
	f.negotiated = negotiated
	f.ready = queues
	return nil
}

func (f *fakeBlock) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int { return 0 }
func (f *fakeBlock) ReadConfig(p []byte, off int) error                            { return nil }
func (f *fakeBlock) WriteConfig(p []byte, off int) error                           { return nil }

func newTestDevice(t *testing.T, h virtio.DeviceHandler) *mmio.Device {
	t.Helper()

	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x10000)}
	line := irq.NewLine(3, irq.NewSet(nil))

	return mmio.NewDevice(mmio.DeviceInfo{Type: h.GetType(), IRQ: 3}, h, mem, line, nil)
}

func read32(t *testing.T, d *mmio.Device, off int) uint32 {
	t.Helper()

	buf := make([]byte, 4)
	if err := d.HandleMMIO(off, buf, false); err != nil {
		t.Fatal(err)
	}

	return binary.LittleEndian.Uint32(buf)
}

func write32(t *testing.T, d *mmio.Device, off int, v uint32) {
	t.Helper()

	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	if err := d.HandleMMIO(off, buf, true); err != nil {
		t.Fatal(err)
	}
}

func TestMagicAndVersion(t *testing.T) {
	d := newTestDevice(t, &fakeBlock{})

	if v := read32(t, d, 0x000); v != virtio.MagicValue {
		t.Errorf("magic = %#x, want %#x", v, uint32(virtio.MagicValue))
	}

	if v := read32(t, d, 0x004); v != virtio.Version {
		t.Errorf("version = %d, want %d", v, uint32(virtio.Version))
	}
}

func negotiate(t *testing.T, d *mmio.Device, driverFeatures uint64) {
	t.Helper()

	write32(t, d, 0x070, mmio.StatusAcknowledge)
	write32(t, d, 0x070, mmio.StatusAcknowledge|mmio.StatusDriver)

	write32(t, d, 0x014, 1)
	write32(t, d, 0x010, uint32(driverFeatures>>32))

	write32(t, d, 0x014, 0)
	write32(t, d, 0x010, uint32(driverFeatures))

	write32(t, d, 0x070, mmio.StatusAcknowledge|mmio.StatusDriver|mmio.StatusFeaturesOK)
}

func TestFeatureNegotiationAccept(t *testing.T) {
	h := &fakeBlock{features: virtio.FSegMax}
	d := newTestDevice(t, h)

	negotiate(t, d, virtio.FVersion1|virtio.FSegMax)

	if v := read32(t, d, 0x070); v != 11 {
		t.Errorf("status = %d, want 11", v)
	}

	want := uint64(virtio.FVersion1 | virtio.FSegMax)
	if d.NegotiatedFeatures() != want {
		t.Errorf("negotiated = %#x, want %#x", d.NegotiatedFeatures(), want)
	}
}

func TestFeatureNegotiationReject(t *testing.T) {
	h := &fakeBlock{features: virtio.FSegMax}
	d := newTestDevice(t, h)

	// requests bit 0x1 (unoffered) in addition to VERSION_1.
	negotiate(t, d, virtio.FVersion1|0x1)

	if v := read32(t, d, 0x070); v != 3 {
		t.Errorf("status = %d, want 3 (FEATURES_OK stripped)", v)
	}

	if d.NegotiatedFeatures() != 0 {
		t.Errorf("negotiated = %#x, want 0", d.NegotiatedFeatures())
	}
}

func TestStatusResetRestoresFreshState(t *testing.T) {
	h := &fakeBlock{features: virtio.FSegMax}
	d := newTestDevice(t, h)

	negotiate(t, d, virtio.FVersion1|virtio.FSegMax)
	write32(t, d, 0x070, 0)

	if v := read32(t, d, 0x070); v != 0 {
		t.Errorf("status after reset = %d, want 0", v)
	}

	if d.NegotiatedFeatures() != 0 {
		t.Errorf("negotiated after reset = %#x, want 0", d.NegotiatedFeatures())
	}
}
