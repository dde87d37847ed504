package virtio_test

import (
	"testing"

	"github.com/rv-fpga/bridge/virtio"
)

func TestEntropyFillsEntireWritablePortion(t *testing.T) {
	e := &virtio.Entropy{}

	q := &fakeQueue{}

	if err := e.Ready(virtio.FVersion1, []virtio.Queue{q}, &fakeEngine{}); err != nil {
		t.Fatal(err)
	}

	const size = 600 // spans more than one 256-byte block

	e.Recv(0, 0, 0, size)

	if len(q.written[0]) != size {
		t.Fatalf("written = %d bytes, want %d", len(q.written[0]), size)
	}

	if len(q.pubs) != 1 || q.pubs[0].len != size {
		t.Errorf("pubs = %+v, want one publish of length %d", q.pubs, size)
	}
}

func TestEntropyZeroWriteSizePublishesEmpty(t *testing.T) {
	e := &virtio.Entropy{}
	q := &fakeQueue{}

	if err := e.Ready(virtio.FVersion1, []virtio.Queue{q}, &fakeEngine{}); err != nil {
		t.Fatal(err)
	}

	e.Recv(0, 0, 0, 0)

	if len(q.pubs) != 1 || q.pubs[0].len != 0 {
		t.Errorf("pubs = %+v, want one publish of length 0", q.pubs)
	}
}
