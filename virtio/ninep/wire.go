// Package ninep implements a 9P2000.L message device on top of a single
// virtqueue: it parses one request per descriptor chain, dispatches it to a
// backend filesystem, and marshals a little-endian reply.
package ninep

import "encoding/binary"

// Request opcodes (spec §4.4). A reply carries opcode+1; the fixed error
// opcode is opError, which becomes opError+1 == 7 on the wire — the real
// 9P2000.L Rlerror value.
const (
	opStatfs   = 8
	opLopen    = 12
	opLcreate  = 14
	opSymlink  = 16
	opMknod    = 18
	opReadlink = 22
	opGetattr  = 24
	opSetattr  = 26
	opReaddir  = 40
	opFsync    = 50
	opLock     = 52
	opGetlock  = 54
	opLink     = 70
	opMkdir    = 72
	opRenameat = 74
	opUnlinkat = 76
	opVersion  = 100
	opAttach   = 104
	opFlush    = 108
	opWalk     = 110
	opRead     = 116
	opWrite    = 118
	opClunk    = 120

	opError = 6
)

const headerSize = 4 + 1 + 2 // size:u32, op:u8, tag:u16

type header struct {
	size uint32
	op   uint8
	tag  uint16
}

func decodeHeader(b []byte) header {
	return header{
		size: binary.LittleEndian.Uint32(b[0:4]),
		op:   b[4],
		tag:  binary.LittleEndian.Uint16(b[5:7]),
	}
}

// reader unpacks little-endian 9P wire values from a byte slice, advancing
// an internal cursor. It never grows the underlying slice; a short read
// sets an error that every subsequent call turns into a no-op, so callers
// can perform every field read before checking err once at the end.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) need(n int) []byte {
	if r.err != nil {
		return nil
	}

	if r.off+n > len(r.b) {
		r.err = errShortMessage
		return nil
	}

	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *reader) u8() uint8 {
	p := r.need(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (r *reader) u16() uint16 {
	p := r.need(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (r *reader) u32() uint32 {
	p := r.need(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (r *reader) u64() uint64 {
	p := r.need(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (r *reader) str() string {
	n := r.u16()
	p := r.need(int(n))
	if p == nil {
		return ""
	}
	return string(p)
}

func (r *reader) strList() []string {
	n := r.u16()
	out := make([]string, n)
	for i := range out {
		out[i] = r.str()
	}
	return out
}

func (r *reader) err_() error {
	return r.err
}

// writer packs little-endian 9P wire values into a growing byte buffer.
type writer struct {
	b []byte
}

func (w *writer) u8(v uint8)   { w.b = append(w.b, v) }
func (w *writer) u16(v uint16) { w.b = binary.LittleEndian.AppendUint16(w.b, v) }
func (w *writer) u32(v uint32) { w.b = binary.LittleEndian.AppendUint32(w.b, v) }
func (w *writer) u64(v uint64) { w.b = binary.LittleEndian.AppendUint64(w.b, v) }

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.b = append(w.b, s...)
}

func (w *writer) qid(q Qid) {
	w.u8(q.Type)
	w.u32(q.Version)
	w.u64(q.Path)
}

func (w *writer) bytes() []byte {
	return w.b
}
