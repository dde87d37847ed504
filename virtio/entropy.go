package virtio

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// entropyBlockSize is the largest single getrandom call this device makes
// while filling a chain, matching virtio-rng's conventional block size.
const entropyBlockSize = 256

// Entropy is a virtio entropy (RNG) device. It has a single automatic
// queue: every chain's writable portion is filled from the kernel CSPRNG.
type Entropy struct {
	queue Queue
}

func (e *Entropy) GetType() DeviceID {
	return EntropyDeviceID
}

func (e *Entropy) GetFeatures() uint64 {
	return 0
}

func (e *Entropy) ConfigSpaceSize() int {
	return 0
}

func (e *Entropy) QueueLayout() []QueueLayout {
	return []QueueLayout{{}}
}

func (e *Entropy) Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error {
	e.queue = queues[0]
	return nil
}

// Recv fills the entire writable portion of the chain, drawing from the
// kernel CSPRNG in entropyBlockSize chunks, and completes with
// written_len == writeSize.
func (e *Entropy) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	off := 0

	for off < writeSize {
		n := writeSize - off
		if n > entropyBlockSize {
			n = entropyBlockSize
		}

		buf := make([]byte, n)
		if _, err := unix.Getrandom(buf, 0); err != nil {
			slog.Error("virtio-rng: getrandom failed", "err", err)
			return 0
		}

		if err := e.queue.WriteTo(descIdx, off, buf); err != nil {
			slog.Error("virtio-rng: write chain failed", "err", err)
			return 0
		}

		off += n
	}

	if err := e.queue.Publish(descIdx, writeSize); err != nil {
		slog.Error("virtio-rng: publish failed", "err", err)
	}

	return 0
}

func (e *Entropy) ReadConfig(p []byte, off int) error {
	return nil
}

func (e *Entropy) WriteConfig(p []byte, off int) error {
	return nil
}
