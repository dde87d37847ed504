// Package virtq implements the split virtqueue layout described by the
// Virtual I/O Device (VIRTIO) Version 1.0 spec: descriptor table, available
// ring, used ring. Indirect descriptors and packed virtqueues are not
// supported.
package virtq

import (
	"encoding/binary"
	"errors"

	"github.com/rv-fpga/bridge/gateway"
)

// MaxSize is the largest queue size (in descriptors) this engine allows,
// matching the "queue num max" register value of 16.
const MaxSize = 16

// Descriptor flags (spec §3).
const (
	DescFNext     = 1 << 0 // buffer continues in the next descriptor
	DescFWrite    = 1 << 1 // buffer is device write-only (otherwise read-only)
	DescFIndirect = 1 << 2 // buffer contains a descriptor table (not honoured)
)

const descSize = 16 // bytes, on the wire

// Desc is a single split-ring descriptor as it appears in guest memory.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func decodeDesc(b []byte) Desc {
	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:8]),
		Len:   binary.LittleEndian.Uint32(b[8:12]),
		Flags: binary.LittleEndian.Uint16(b[12:14]),
		Next:  binary.LittleEndian.Uint16(b[14:16]),
	}
}

var (
	// ErrNotReady is returned by operations that require a configured, ready queue.
	ErrNotReady = errors.New("virtq: queue is not ready")

	// ErrBadChain is returned when a descriptor chain violates the
	// readable-then-writable ordering rule (spec §4.3).
	ErrBadChain = errors.New("virtq: readable descriptor follows a writable one")

	// ErrIndirect is returned when a descriptor requests the unsupported
	// INDIRECT flag.
	ErrIndirect = errors.New("virtq: indirect descriptors are not supported")

	// ErrChainTooLong guards against a corrupt or hostile next-chain cycling forever.
	ErrChainTooLong = errors.New("virtq: descriptor chain exceeds queue size")
)

// Queue is one split virtqueue's device-side state and dispatch engine.
// Queue is not internally synchronized: callers must serialize register-file
// mutations (SetSize/SetReady/address writes) against each other, and must
// not call Drain concurrently for the same Queue — exactly the guarantee the
// router's single register-write path and the notification worker's
// per-device serialization already provide (spec §5).
type Queue struct {
	mem    gateway.Memory
	notify func() error

	ready      bool
	size       uint16
	manualRecv bool

	descAddrLo, descAddrHi   uint32
	availAddrLo, availAddrHi uint32
	usedAddrLo, usedAddrHi   uint32

	lastSeenAvail  uint16
	cachedAvailIdx uint16
	usedProduced   uint16
}

// Config configures a new Queue.
type Config struct {
	// Mem is the guest memory gateway used to walk descriptor chains and the
	// avail/used rings.
	Mem gateway.Memory

	// Notify, if non-nil, is called after every completion is published to
	// the used ring. It is how the queue is wired to the owning device's
	// interrupt-status word and interrupt line.
	Notify func() error
}

// New returns a freshly constructed, not-ready queue with the default size
// (MaxSize), matching a freshly constructed VirtIO device (spec §3).
func New(cfg Config) *Queue {
	q := &Queue{mem: cfg.Mem, notify: cfg.Notify}
	q.Reset()
	return q
}

// Reset returns the queue to its freshly constructed state, as happens on
// device construction and on a guest write of 0 to the device status
// register: not ready, size MaxSize, ring addresses and cursors zeroed. The
// manual-recv setting belongs to the device's queue layout and is kept.
func (q *Queue) Reset() {
	q.ready = false
	q.size = MaxSize
	q.descAddrLo, q.descAddrHi = 0, 0
	q.availAddrLo, q.availAddrHi = 0, 0
	q.usedAddrLo, q.usedAddrHi = 0, 0
	q.lastSeenAvail = 0
	q.cachedAvailIdx = 0
	q.usedProduced = 0
}

// SetManualRecv marks the queue as manual-receive: Drain will not
// automatically invoke the device's callback for it (the "manual recv
// queue" of the glossary).
func (q *Queue) SetManualRecv(v bool) {
	q.manualRecv = v
}

func (q *Queue) ManualRecv() bool {
	return q.manualRecv
}

// Ready reports the queue's ready flag.
func (q *Queue) Ready() bool {
	return q.ready
}

// SetReady sets the ready flag. Setting it to true when the descriptor,
// available, or used ring addresses are unset, or the size is 0, is
// rejected — the invariant that a ready queue always has valid ring
// pointers and a fixed size (spec §3) is enforced here.
func (q *Queue) SetReady(v bool) error {
	if v {
		if q.size == 0 || q.descAddr() == 0 || q.availAddr() == 0 || q.usedAddr() == 0 {
			return errors.New("virtq: queue is not fully configured")
		}
	}

	q.ready = v
	return nil
}

// Size returns the queue's configured size in descriptors.
func (q *Queue) Size() uint16 {
	return q.size
}

// SetSize sets the queue size. It is rejected (and the prior value is kept)
// unless v is a nonzero power of two no greater than MaxSize.
func (q *Queue) SetSize(v uint16) error {
	if v == 0 || v > MaxSize || v&(v-1) != 0 {
		return errors.New("virtq: queue size must be a power of two <= MaxSize")
	}

	q.size = v
	return nil
}

// The three ring addresses are assembled from independently-written 32-bit
// halves — the same technique the guest itself uses to write them, so a
// concurrent reader never observes a torn 64-bit address (spec §5).

func (q *Queue) descAddr() uint64  { return uint64(q.descAddrHi)<<32 | uint64(q.descAddrLo) }
func (q *Queue) availAddr() uint64 { return uint64(q.availAddrHi)<<32 | uint64(q.availAddrLo) }
func (q *Queue) usedAddr() uint64  { return uint64(q.usedAddrHi)<<32 | uint64(q.usedAddrLo) }

func (q *Queue) SetDescAddrLow(v uint32) uint64  { q.descAddrLo = v; return q.descAddr() }
func (q *Queue) SetDescAddrHigh(v uint32) uint64 { q.descAddrHi = v; return q.descAddr() }

func (q *Queue) SetAvailAddrLow(v uint32) uint64  { q.availAddrLo = v; return q.availAddr() }
func (q *Queue) SetAvailAddrHigh(v uint32) uint64 { q.availAddrHi = v; return q.availAddr() }

func (q *Queue) SetUsedAddrLow(v uint32) uint64  { q.usedAddrLo = v; return q.usedAddr() }
func (q *Queue) SetUsedAddrHigh(v uint32) uint64 { q.usedAddrHi = v; return q.usedAddr() }

func (q *Queue) DescAddr() uint64  { return q.descAddr() }
func (q *Queue) AvailAddr() uint64 { return q.availAddr() }
func (q *Queue) UsedAddr() uint64  { return q.usedAddr() }

// LastSeenAvail and CachedAvailIdx expose the drain cursors for tests and
// invariant checks (spec §3, §8 invariant 1).
func (q *Queue) LastSeenAvail() uint16  { return q.lastSeenAvail }
func (q *Queue) CachedAvailIdx() uint16 { return q.cachedAvailIdx }

// chain walks the descriptor chain headed by descIdx and returns the
// resolved descriptors plus the precomputed (readSize, writeSize) split.
func (q *Queue) chain(descIdx uint16) (descs []Desc, readSize, writeSize int, err error) {
	if !q.ready {
		return nil, 0, 0, ErrNotReady
	}

	idx := descIdx
	for i := 0; i <= int(q.size); i++ {
		if i == int(q.size) {
			return nil, 0, 0, ErrChainTooLong
		}

		b, err := q.mem.At(q.descAddr()+uint64(idx)*descSize, descSize)
		if err != nil {
			return nil, 0, 0, err
		}

		d := decodeDesc(b)
		if d.Flags&DescFIndirect != 0 {
			return nil, 0, 0, ErrIndirect
		}

		descs = append(descs, d)

		if d.Flags&DescFNext == 0 {
			break
		}

		idx = d.Next
	}

	seenWritable := false
	for _, d := range descs {
		writable := d.Flags&DescFWrite != 0
		if writable {
			seenWritable = true
			writeSize += int(d.Len)
		} else {
			if seenWritable {
				return nil, 0, 0, ErrBadChain
			}

			readSize += int(d.Len)
		}
	}

	return descs, readSize, writeSize, nil
}

// Sizes returns the (readSize, writeSize) split for the chain headed by
// descIdx without performing any data transfer.
func (q *Queue) Sizes(descIdx uint16) (readSize, writeSize int, err error) {
	_, readSize, writeSize, err = q.chain(descIdx)
	return
}

// ReadFrom copies len(buf) bytes from the readable portion of the chain
// headed by descIdx, starting at logical offset off, into buf.
func (q *Queue) ReadFrom(descIdx uint16, off int, buf []byte) error {
	descs, readSize, _, err := q.chain(descIdx)
	if err != nil {
		return err
	}

	if off < 0 || off+len(buf) > readSize {
		return errors.New("virtq: read out of range")
	}

	return transfer(q.mem, descs, off, buf, false)
}

// WriteTo copies len(buf) bytes into the writable portion of the chain
// headed by descIdx, starting at logical offset off.
func (q *Queue) WriteTo(descIdx uint16, off int, buf []byte) error {
	descs, readSize, writeSize, err := q.chain(descIdx)
	if err != nil {
		return err
	}

	if off < 0 || off+len(buf) > writeSize {
		return errors.New("virtq: write out of range")
	}

	// writable descriptors start where the readable ones end.
	return transfer(q.mem, descs, readSize+off, buf, true)
}

// transfer walks descs and copies to/from buf at the chain-relative byte
// offset off, treating the whole chain as one contiguous logical buffer.
func transfer(mem gateway.Memory, descs []Desc, off int, buf []byte, write bool) error {
	pos := 0
	remaining := buf

	for _, d := range descs {
		dlen := int(d.Len)

		if pos+dlen <= off {
			pos += dlen
			continue
		}

		start := 0
		if off > pos {
			start = off - pos
		}

		n := dlen - start
		if n > len(remaining) {
			n = len(remaining)
		}

		if n > 0 {
			var err error
			if write {
				err = gateway.Write(mem, d.Addr+uint64(start), remaining, n)
			} else {
				err = gateway.Read(mem, d.Addr+uint64(start), remaining, n)
			}

			if err != nil {
				return err
			}

			remaining = remaining[n:]
		}

		pos += dlen

		if len(remaining) == 0 {
			return nil
		}
	}

	if len(remaining) != 0 {
		return errors.New("virtq: short transfer")
	}

	return nil
}

// Publish records a completion for descIdx with the given written length in
// the used ring, then increments used.idx and notifies the device. The used
// ring element is written in full before the index that publishes it, which
// is the release-before-publish ordering spec §5 requires.
func (q *Queue) Publish(descIdx uint16, writtenLen int) error {
	if !q.ready {
		return ErrNotReady
	}

	slot := q.usedProduced & (q.size - 1)
	elemAddr := q.usedAddr() + 4 + uint64(slot)*8

	b, err := q.mem.At(elemAddr, 8)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(b[0:4], uint32(descIdx))
	binary.LittleEndian.PutUint32(b[4:8], uint32(writtenLen))

	q.usedProduced++

	if err := gateway.WriteUint16(q.mem, q.usedAddr()+2, q.usedProduced); err != nil {
		return err
	}

	if q.notify != nil {
		return q.notify()
	}

	return nil
}

// PullNext advances the drain cursor by one and returns the next available
// descriptor chain, for manual-recv queues: the driver still posts buffers
// to the avail ring, but nothing drains them until the device itself has
// data ready to deliver (an incoming packet, a keystroke, ...), so the
// worker's Drain loop skips these queues entirely (spec §4.3, §4.4). ok is
// false when the driver has not posted anything new.
func (q *Queue) PullNext() (descIdx uint16, readSize, writeSize int, ok bool, err error) {
	if !q.ready {
		return 0, 0, 0, false, ErrNotReady
	}

	idx, err := gateway.ReadUint16(q.mem, q.availAddr()+2)
	if err != nil {
		return 0, 0, 0, false, err
	}

	q.cachedAvailIdx = idx
	if q.lastSeenAvail == q.cachedAvailIdx {
		return 0, 0, 0, false, nil
	}

	slot := q.lastSeenAvail & (q.size - 1)

	descIdx, err = gateway.ReadUint16(q.mem, q.availAddr()+4+2*uint64(slot))
	if err != nil {
		return 0, 0, 0, false, err
	}

	_, readSize, writeSize, err = q.chain(descIdx)
	if err != nil {
		q.lastSeenAvail++
		return 0, 0, 0, false, err
	}

	q.lastSeenAvail++
	return descIdx, readSize, writeSize, true, nil
}

// Drain implements the notification worker's per-queue drain loop (spec
// §4.3). It reads the current available-ring index, then repeatedly pulls
// the next unseen descriptor and invokes recv(descIdx, readSize, writeSize).
// If recv returns negative, draining stops (backpressure) without advancing;
// a later Drain call (the device's own redrain, or the worker's next
// notification) picks the same chain up again. A protocol error in one chain is reported via
// onProtocolError (if non-nil) and that chain is skipped without being
// published. Drain is a no-op if the queue is not ready or is manual-recv.
func (q *Queue) Drain(recv func(descIdx uint16, readSize, writeSize int) int, onProtocolError func(error)) error {
	if !q.ready || q.manualRecv {
		return nil
	}

	idx, err := gateway.ReadUint16(q.mem, q.availAddr()+2)
	if err != nil {
		return err
	}

	q.cachedAvailIdx = idx

	for q.lastSeenAvail != q.cachedAvailIdx {
		slot := q.lastSeenAvail & (q.size - 1)

		descIdx, err := gateway.ReadUint16(q.mem, q.availAddr()+4+2*uint64(slot))
		if err != nil {
			return err
		}

		_, readSize, writeSize, err := q.chain(descIdx)
		if err != nil {
			if onProtocolError != nil {
				onProtocolError(err)
			}

			q.lastSeenAvail++
			continue
		}

		if ret := recv(descIdx, readSize, writeSize); ret < 0 {
			return nil
		}

		q.lastSeenAvail++
	}

	return nil
}
