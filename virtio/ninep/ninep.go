package ninep

import (
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rv-fpga/bridge/virtio"
)

var errShortMessage = errors.New("ninep: short message")

// errProto/errNotSupp are the fixed errno values reported for a malformed
// message, an FID that fails to resolve, or an unrecognized opcode,
// independent of whatever errno the backend itself reports.
const (
	errProto   = 14 // EFAULT
	errNotSupp = 95 // ENOTSUP
)

// Qid is the 9P2000.L path identifier: {type, version, path}.
type Qid struct {
	Type    uint8
	Version uint32
	Path    uint64
}

// StatFS mirrors the fields of struct statfs the statfs reply carries.
type StatFS struct {
	Type    uint32
	BSize   uint32
	Blocks  uint64
	BFree   uint64
	BAvail  uint64
	Files   uint64
	FFree   uint64
	NameLen uint32
}

// Attr mirrors the fields getattr reports, per virtio.c's marshalled
// "dQwwwddddddddddddddd" reply (mask, qid, mode/uid/gid, nlink, rdev, size,
// blksize, blocks, atime, mtime, ctime as sec/nsec pairs).
type Attr struct {
	Mode      uint32
	UID, GID  uint32
	NLink     uint64
	RDev      uint64
	Size      uint64
	BlockSize uint64
	Blocks    uint64
	AtimeSec  uint64
	AtimeNsec uint64
	MtimeSec  uint64
	MtimeNsec uint64
	CtimeSec  uint64
	CtimeNsec uint64
}

// SetAttr carries the writable subset of Attr plus the valid mask
// identifying which fields the caller actually wants applied.
type SetAttr struct {
	Valid     uint32
	Mode      uint32
	UID, GID  uint32
	Size      uint64
	AtimeSec  uint64
	AtimeNsec uint64
	MtimeSec  uint64
	MtimeNsec uint64
}

// Lock mirrors struct FSLock: an fcntl-style byte-range lock request.
type Lock struct {
	Type     uint8
	Flags    uint32
	Start    uint64
	Length   uint64
	ProcID   uint32
	ClientID string
}

// FSFile is an opaque backend file handle. Only the backend that produced
// one may interpret it; the device just threads it through the FID table.
type FSFile any

// FSDevice is the backend filesystem a Device dispatches 9P2000.L requests
// against. Every method reports failure through its error: the device takes
// the error's Errno (a positive POSIX errno), or EIO if the error does not
// implement Errno, and sends it negated in an Rlerror reply.
type FSDevice interface {
	Attach(uid uint32, uname, aname string) (FSFile, Qid, error)
	Walk(f FSFile, names []string) (FSFile, []Qid, error)
	Lopen(f FSFile, flags uint32) (Qid, uint32, error)
	Lcreate(f FSFile, name string, flags, mode, gid uint32) (Qid, uint32, error)
	Symlink(f FSFile, name, target string, gid uint32) (Qid, error)
	Mknod(f FSFile, name string, mode, major, minor, gid uint32) (Qid, error)
	Readlink(f FSFile) (string, error)
	Getattr(f FSFile) (Qid, Attr, error)
	Setattr(f FSFile, attr SetAttr) error
	Readdir(f FSFile, offset uint64, count uint32) ([]byte, error)
	Fsync(f FSFile) error
	Lock(f FSFile, lock Lock) (uint8, error)
	Getlock(f FSFile, lock Lock) (Lock, error)
	Link(dir, f FSFile, name string) error
	Mkdir(f FSFile, name string, mode, gid uint32) (Qid, error)
	Renameat(oldDir FSFile, oldName string, newDir FSFile, newName string) error
	Unlinkat(f FSFile, name string) error
	Read(f FSFile, offset uint64, count uint32) ([]byte, error)
	Write(f FSFile, offset uint64, data []byte) (uint32, error)
	StatFS(f FSFile) (StatFS, error)
}

// Errno is implemented by backend errors that want to report a specific
// POSIX errno instead of the generic EIO fallback.
type Errno interface {
	Errno() int32
}

func errnoOf(err error) int32 {
	var e Errno
	if errors.As(err, &e) {
		return e.Errno()
	}
	return 5 // EIO
}

const (
	ninePMinConfigSize = 2
)

// Device is a virtio-9p device backed by an FSDevice. It owns the FID table
// and serializes backend calls one at a time, mirroring req_in_progress in
// the reference implementation: a second request arriving while one is
// outstanding asks the drain loop for backpressure instead of racing the
// backend.
type Device struct {
	MountTag string
	FS       FSDevice

	queue  virtio.Queue
	engine virtio.Engine

	group   singleflight.Group
	mu      sync.Mutex
	pending bool
	fids    map[uint32]FSFile
}

func (d *Device) GetType() virtio.DeviceID {
	return virtio.NinePDeviceID
}

func (d *Device) GetFeatures() uint64 {
	return virtio.FNinePMountTag
}

func (d *Device) ConfigSpaceSize() int {
	return ninePMinConfigSize + len(d.MountTag)
}

func (d *Device) QueueLayout() []virtio.QueueLayout {
	return []virtio.QueueLayout{{}}
}

func (d *Device) Ready(negotiatedFeatures uint64, queues []virtio.Queue, engine virtio.Engine) error {
	d.queue = queues[0]
	d.engine = engine
	d.fids = make(map[uint32]FSFile)
	return nil
}

func (d *Device) ReadConfig(p []byte, off int) error {
	buf := make([]byte, d.ConfigSpaceSize())
	buf[0] = byte(len(d.MountTag))
	buf[1] = byte(len(d.MountTag) >> 8)
	copy(buf[2:], d.MountTag)

	copy(p, buf[off:])
	return nil
}

func (d *Device) WriteConfig(p []byte, off int) error {
	return nil
}

func (d *Device) fidFind(fid uint32) (FSFile, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.fids[fid]
	return f, ok
}

func (d *Device) fidSet(fid uint32, f FSFile) {
	d.mu.Lock()
	d.fids[fid] = f
	d.mu.Unlock()
}

func (d *Device) fidDelete(fid uint32) {
	d.mu.Lock()
	delete(d.fids, fid)
	d.mu.Unlock()
}

// Recv reads the message header from the readable portion of the chain and
// dispatches to a backend operation on a single worker goroutine, so that
// at most one 9P request is ever in flight (req_in_progress).
func (d *Device) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	d.mu.Lock()
	if d.pending {
		d.mu.Unlock()
		return -1
	}
	d.pending = true
	d.mu.Unlock()

	body := make([]byte, readSize)
	if err := d.queue.ReadFrom(descIdx, 0, body); err != nil {
		d.finish()
		slog.Error("virtio-9p: read request failed", "err", err)
		return -1
	}

	go d.doRequest(descIdx, body)

	return 0
}

func (d *Device) finish() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
}

func (d *Device) doRequest(descIdx uint16, body []byte) {
	_, err, _ := d.group.Do("io", func() (any, error) {
		d.dispatch(descIdx, body)
		return nil, nil
	})
	if err != nil {
		slog.Error("virtio-9p: dispatch failed", "err", err)
	}

	// Clear pending before redraining, so the resumed drain can hand the
	// next request to Recv.
	d.finish()

	if d.engine != nil {
		if err := d.engine.Redrain(0); err != nil {
			slog.Error("virtio-9p: redrain failed", "err", err)
		}
	}
}

// dispatch parses the message header and routes to the operation named by
// op, replying (or sending an Rlerror) before returning. Every branch
// terminates in exactly one sendReply/sendError call.
func (d *Device) dispatch(descIdx uint16, body []byte) {
	if len(body) < headerSize {
		d.sendError(descIdx, 0, errProto)
		return
	}

	hdr := decodeHeader(body)
	r := newReader(body[headerSize:])
	tag := hdr.tag

	switch hdr.op {
	case opVersion:
		msize := r.u32()
		_ = r.str()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		if msize == 0 {
			msize = 1 << 20
		}

		w := &writer{}
		w.u32(msize)
		w.str("9P2000.L")
		d.sendReply(descIdx, opVersion, tag, w.bytes())

	case opAttach:
		fid := r.u32()
		_ = r.u32() // afid, unused
		uname := r.str()
		aname := r.str()
		uid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, qid, err := d.FS.Attach(uid, uname, aname)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.fidSet(fid, f)

		w := &writer{}
		w.qid(qid)
		d.sendReply(descIdx, opAttach, tag, w.bytes())

	case opWalk:
		fid := r.u32()
		newfid := r.u32()
		names := r.strList()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		nf, qids, err := d.FS.Walk(f, names)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.fidSet(newfid, nf)

		w := &writer{}
		w.u16(uint16(len(qids)))
		for _, q := range qids {
			w.qid(q)
		}
		d.sendReply(descIdx, opWalk, tag, w.bytes())

	case opLopen:
		fid := r.u32()
		flags := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, iounit, err := d.FS.Lopen(f, flags)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.qid(qid)
		w.u32(iounit)
		d.sendReply(descIdx, opLopen, tag, w.bytes())

	case opLcreate:
		fid := r.u32()
		name := r.str()
		flags := r.u32()
		mode := r.u32()
		gid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, iounit, err := d.FS.Lcreate(f, name, flags, mode, gid)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.qid(qid)
		w.u32(iounit)
		d.sendReply(descIdx, opLcreate, tag, w.bytes())

	case opSymlink:
		fid := r.u32()
		name := r.str()
		target := r.str()
		gid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, err := d.FS.Symlink(f, name, target, gid)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.qid(qid)
		d.sendReply(descIdx, opSymlink, tag, w.bytes())

	case opMknod:
		fid := r.u32()
		name := r.str()
		mode := r.u32()
		major := r.u32()
		minor := r.u32()
		gid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, err := d.FS.Mknod(f, name, mode, major, minor, gid)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.qid(qid)
		d.sendReply(descIdx, opMknod, tag, w.bytes())

	case opReadlink:
		fid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		target, err := d.FS.Readlink(f)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.str(target)
		d.sendReply(descIdx, opReadlink, tag, w.bytes())

	case opGetattr:
		fid := r.u32()
		mask := r.u64()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, attr, err := d.FS.Getattr(f)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u64(mask)
		w.qid(qid)
		w.u32(attr.Mode)
		w.u32(attr.UID)
		w.u32(attr.GID)
		w.u64(attr.NLink)
		w.u64(attr.RDev)
		w.u64(attr.Size)
		w.u64(attr.BlockSize)
		w.u64(attr.Blocks)
		w.u64(attr.AtimeSec)
		w.u64(attr.AtimeNsec)
		w.u64(attr.MtimeSec)
		w.u64(attr.MtimeNsec)
		w.u64(attr.CtimeSec)
		w.u64(attr.CtimeNsec)
		w.u64(0) // btime_sec
		w.u64(0) // btime_nsec
		w.u64(0) // gen
		w.u64(0) // data_version
		d.sendReply(descIdx, opGetattr, tag, w.bytes())

	case opSetattr:
		fid := r.u32()
		mask := r.u32()
		mode := r.u32()
		uid := r.u32()
		gid := r.u32()
		size := r.u64()
		atimeSec := r.u64()
		atimeNsec := r.u64()
		mtimeSec := r.u64()
		mtimeNsec := r.u64()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		err := d.FS.Setattr(f, SetAttr{
			Valid: mask, Mode: mode, UID: uid, GID: gid, Size: size,
			AtimeSec: atimeSec, AtimeNsec: atimeNsec,
			MtimeSec: mtimeSec, MtimeNsec: mtimeNsec,
		})
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.sendReply(descIdx, opSetattr, tag, nil)

	case opReaddir:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		data, err := d.FS.Readdir(f, offset, count)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u32(uint32(len(data)))
		w.b = append(w.b, data...)
		d.sendReply(descIdx, opReaddir, tag, w.bytes())

	case opFsync:
		fid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if ok {
			if err := d.FS.Fsync(f); err != nil {
				d.sendError(descIdx, tag, errnoOf(err))
				return
			}
		}

		d.sendReply(descIdx, opFsync, tag, nil)

	case opLock:
		fid := r.u32()
		lk := Lock{
			Type: r.u8(),
		}
		lk.Flags = r.u32()
		lk.Start = r.u64()
		lk.Length = r.u64()
		lk.ProcID = r.u32()
		lk.ClientID = r.str()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		status, err := d.FS.Lock(f, lk)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u8(status)
		d.sendReply(descIdx, opLock, tag, w.bytes())

	case opGetlock:
		fid := r.u32()
		lk := Lock{Type: r.u8()}
		lk.Start = r.u64()
		lk.Length = r.u64()
		lk.ProcID = r.u32()
		lk.ClientID = r.str()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		out, err := d.FS.Getlock(f, lk)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u8(out.Type)
		w.u64(out.Start)
		w.u64(out.Length)
		w.u32(out.ProcID)
		w.str(out.ClientID)
		d.sendReply(descIdx, opGetlock, tag, w.bytes())

	case opLink:
		dfid := r.u32()
		fid := r.u32()
		name := r.str()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		df, dok := d.fidFind(dfid)
		f, fok := d.fidFind(fid)
		if !dok || !fok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		if err := d.FS.Link(df, f, name); err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.sendReply(descIdx, opLink, tag, nil)

	case opMkdir:
		fid := r.u32()
		name := r.str()
		mode := r.u32()
		gid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		qid, err := d.FS.Mkdir(f, name, mode, gid)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.qid(qid)
		d.sendReply(descIdx, opMkdir, tag, w.bytes())

	case opRenameat:
		fid := r.u32()
		name := r.str()
		newFid := r.u32()
		newName := r.str()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, fok := d.fidFind(fid)
		nf, nok := d.fidFind(newFid)
		if !fok || !nok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		if err := d.FS.Renameat(f, name, nf, newName); err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.sendReply(descIdx, opRenameat, tag, nil)

	case opUnlinkat:
		fid := r.u32()
		name := r.str()
		_ = r.u32() // flags, unused
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		if err := d.FS.Unlinkat(f, name); err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		d.sendReply(descIdx, opUnlinkat, tag, nil)

	case opFlush:
		_ = r.u16() // oldtag, ignored
		d.sendReply(descIdx, opFlush, tag, nil)

	case opRead:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		data, err := d.FS.Read(f, offset, count)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u32(uint32(len(data)))
		w.b = append(w.b, data...)
		d.sendReply(descIdx, opRead, tag, w.bytes())

	case opWrite:
		fid := r.u32()
		offset := r.u64()
		count := r.u32()
		data := r.need(int(count))
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		n, err := d.FS.Write(f, offset, data)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u32(n)
		d.sendReply(descIdx, opWrite, tag, w.bytes())

	case opStatfs:
		fid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		f, ok := d.fidFind(fid)
		if !ok {
			d.sendError(descIdx, tag, errProto)
			return
		}

		st, err := d.FS.StatFS(f)
		if err != nil {
			d.sendError(descIdx, tag, errnoOf(err))
			return
		}

		w := &writer{}
		w.u32(st.Type)
		w.u32(st.BSize)
		w.u64(st.Blocks)
		w.u64(st.BFree)
		w.u64(st.BAvail)
		w.u64(st.Files)
		w.u64(st.FFree)
		w.u32(0) // fsid, unused
		w.u32(st.NameLen)
		d.sendReply(descIdx, opStatfs, tag, w.bytes())

	case opClunk:
		fid := r.u32()
		if r.err_() != nil {
			d.sendError(descIdx, tag, errProto)
			return
		}

		d.fidDelete(fid)
		d.sendReply(descIdx, opClunk, tag, nil)

	default:
		slog.Warn("virtio-9p: unsupported operation", "op", hdr.op)
		d.sendError(descIdx, tag, errNotSupp)
	}
}

// sendReply marshals {size, op+1, tag, payload} into the chain's writable
// portion and publishes it, per virtio_9p_send_reply.
func (d *Device) sendReply(descIdx uint16, op uint8, tag uint16, payload []byte) {
	buf := &writer{}
	buf.u32(uint32(headerSize + len(payload)))
	buf.u8(op + 1)
	buf.u16(tag)
	buf.b = append(buf.b, payload...)

	if err := d.queue.WriteTo(descIdx, 0, buf.bytes()); err != nil {
		slog.Error("virtio-9p: write reply failed", "err", err)
		return
	}

	if err := d.queue.Publish(descIdx, len(buf.bytes())); err != nil {
		slog.Error("virtio-9p: publish reply failed", "err", err)
	}
}

// sendError replies with the fixed opError opcode (opError+1 == 7, the real
// 9P2000.L Rlerror value) carrying -errno as a little-endian u32.
func (d *Device) sendError(descIdx uint16, tag uint16, errno int32) {
	w := &writer{}
	w.u32(uint32(-errno))
	d.sendReply(descIdx, opError, tag, w.bytes())
}
