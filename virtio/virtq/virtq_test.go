package virtq_test

import (
	"encoding/binary"
	"testing"

	"github.com/rv-fpga/bridge/gateway"
	"github.com/rv-fpga/bridge/virtio/virtq"
)

const (
	descBase  = 0x1000
	availBase = 0x2000
	usedBase  = 0x3000
)

func newReadyQueue(t *testing.T, mem *gateway.SliceMemory, notify func() error) *virtq.Queue {
	t.Helper()

	q := virtq.New(virtq.Config{Mem: mem, Notify: notify})
	if err := q.SetSize(4); err != nil {
		t.Fatal(err)
	}

	q.SetDescAddrLow(descBase)
	q.SetAvailAddrLow(availBase)
	q.SetUsedAddrLow(usedBase)

	if err := q.SetReady(true); err != nil {
		t.Fatal(err)
	}

	return q
}

func putDesc(mem *gateway.SliceMemory, slot uint16, d virtq.Desc) {
	off := descBase + uint64(slot)*16
	b := mem.Bytes[off : off+16]
	binary.LittleEndian.PutUint64(b[0:8], d.Addr)
	binary.LittleEndian.PutUint32(b[8:12], d.Len)
	binary.LittleEndian.PutUint16(b[12:14], d.Flags)
	binary.LittleEndian.PutUint16(b[14:16], d.Next)
}

func pushAvail(mem *gateway.SliceMemory, ringSlot int, descIdx uint16, newIdx uint16) {
	binary.LittleEndian.PutUint16(mem.Bytes[availBase+4+2*uint64(ringSlot):], descIdx)
	binary.LittleEndian.PutUint16(mem.Bytes[availBase+2:], newIdx)
}

func TestSetReadyRejectsUnconfigured(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x4000)}
	q := virtq.New(virtq.Config{Mem: mem})

	if err := q.SetReady(true); err == nil {
		t.Fatal("expected an error setting ready with no ring addresses")
	}
}

func TestSetSizeRejectsNonPowerOfTwo(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x4000)}
	q := virtq.New(virtq.Config{Mem: mem})

	if err := q.SetSize(3); err == nil {
		t.Fatal("expected an error for a non power-of-two size")
	}

	if err := q.SetSize(32); err == nil {
		t.Fatal("expected an error for a size exceeding MaxSize")
	}
}

func TestDrainReadWriteChain(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}

	var notified int
	q := newReadyQueue(t, mem, func() error { notified++; return nil })

	const payloadAddr = 0x4000
	const replyAddr = 0x5000
	payload := []byte("hello device")
	copy(mem.Bytes[payloadAddr:], payload)

	putDesc(mem, 0, virtq.Desc{Addr: payloadAddr, Len: uint32(len(payload)), Flags: virtq.DescFNext, Next: 1})
	putDesc(mem, 1, virtq.Desc{Addr: replyAddr, Len: 32, Flags: virtq.DescFWrite})

	pushAvail(mem, 0, 0, 1)

	var gotRead, gotWrite int
	err := q.Drain(func(descIdx uint16, readSize, writeSize int) int {
		gotRead, gotWrite = readSize, writeSize

		buf := make([]byte, readSize)
		if err := q.ReadFrom(descIdx, 0, buf); err != nil {
			t.Fatal(err)
		}

		if string(buf) != string(payload) {
			t.Errorf("read %q, want %q", buf, payload)
		}

		reply := []byte("ack")
		if err := q.WriteTo(descIdx, 0, reply); err != nil {
			t.Fatal(err)
		}

		if err := q.Publish(descIdx, len(reply)); err != nil {
			t.Fatal(err)
		}

		return len(reply)
	}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if gotRead != len(payload) {
		t.Errorf("readSize = %d, want %d", gotRead, len(payload))
	}

	if gotWrite != 32 {
		t.Errorf("writeSize = %d, want 32", gotWrite)
	}

	if notified != 1 {
		t.Errorf("notified = %d, want 1", notified)
	}

	usedIdx, err := gateway.ReadUint16(mem, usedBase+2)
	if err != nil {
		t.Fatal(err)
	}

	if usedIdx != 1 {
		t.Errorf("used.idx = %d, want 1", usedIdx)
	}

	if q.LastSeenAvail() != 1 {
		t.Errorf("LastSeenAvail() = %d, want 1", q.LastSeenAvail())
	}
}

func TestDrainRejectsIndirect(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}
	q := newReadyQueue(t, mem, nil)

	putDesc(mem, 0, virtq.Desc{Addr: 0x4000, Len: 16, Flags: virtq.DescFIndirect})
	pushAvail(mem, 0, 0, 1)

	var gotErr error
	err := q.Drain(func(uint16, int, int) int {
		t.Fatal("recv should not be called for a rejected chain")
		return 0
	}, func(err error) { gotErr = err })
	if err != nil {
		t.Fatal(err)
	}

	if gotErr == nil {
		t.Fatal("expected a protocol error")
	}

	if q.LastSeenAvail() != 1 {
		t.Errorf("LastSeenAvail() = %d, want 1 (chain skipped, not stalled)", q.LastSeenAvail())
	}
}

func TestDrainRejectsReadableAfterWritable(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}
	q := newReadyQueue(t, mem, nil)

	putDesc(mem, 0, virtq.Desc{Addr: 0x4000, Len: 16, Flags: virtq.DescFNext | virtq.DescFWrite, Next: 1})
	putDesc(mem, 1, virtq.Desc{Addr: 0x4100, Len: 16})
	pushAvail(mem, 0, 0, 1)

	var gotErr error
	if err := q.Drain(func(uint16, int, int) int { return 0 }, func(err error) { gotErr = err }); err != nil {
		t.Fatal(err)
	}

	if gotErr == nil {
		t.Fatal("expected ErrBadChain")
	}
}

func TestDrainBackpressureDoesNotAdvance(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}
	q := newReadyQueue(t, mem, nil)

	putDesc(mem, 0, virtq.Desc{Addr: 0x4000, Len: 16, Flags: virtq.DescFWrite})
	pushAvail(mem, 0, 0, 1)

	if err := q.Drain(func(uint16, int, int) int { return -1 }, nil); err != nil {
		t.Fatal(err)
	}

	if q.LastSeenAvail() != 0 {
		t.Errorf("LastSeenAvail() = %d, want 0 (backpressure must not advance)", q.LastSeenAvail())
	}

	// A second drain call, with the device now ready to accept it, should
	// pick the same descriptor back up.
	var seen uint16 = 99
	if err := q.Drain(func(descIdx uint16, _, _ int) int {
		seen = descIdx
		return 0
	}, nil); err != nil {
		t.Fatal(err)
	}

	if seen != 0 {
		t.Errorf("seen descIdx = %d, want 0", seen)
	}

	if q.LastSeenAvail() != 1 {
		t.Errorf("LastSeenAvail() = %d, want 1", q.LastSeenAvail())
	}
}

func TestDrainNoopWhenManualRecv(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}
	q := newReadyQueue(t, mem, nil)
	q.SetManualRecv(true)

	putDesc(mem, 0, virtq.Desc{Addr: 0x4000, Len: 16, Flags: virtq.DescFWrite})
	pushAvail(mem, 0, 0, 1)

	if err := q.Drain(func(uint16, int, int) int {
		t.Fatal("recv should not be called on a manual-recv queue")
		return 0
	}, nil); err != nil {
		t.Fatal(err)
	}
}

func TestChainTooLongIsRejected(t *testing.T) {
	mem := &gateway.SliceMemory{Bytes: make([]byte, 0x8000)}
	q := newReadyQueue(t, mem, nil)

	// size is 4; build a 4-descriptor cycle so the walk reaches a fifth hop
	// and must bail out.
	for i := uint16(0); i < 4; i++ {
		putDesc(mem, i, virtq.Desc{Addr: 0x4000, Len: 4, Flags: virtq.DescFNext, Next: (i + 1) % 4})
	}

	pushAvail(mem, 0, 0, 1)

	var gotErr error
	if err := q.Drain(func(uint16, int, int) int { return 0 }, func(err error) { gotErr = err }); err != nil {
		t.Fatal(err)
	}

	if gotErr != virtq.ErrChainTooLong {
		t.Errorf("err = %v, want ErrChainTooLong", gotErr)
	}
}
