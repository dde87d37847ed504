package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Block is a virtio block device with pluggable storage.
type Block struct {
	// ReadOnly forces the device to be read-only.
	ReadOnly bool

	// Storage is the backing storage for the device. Storage may also
	// implement io.WriterAt to enable writes.
	Storage BlockStorage

	writerAt io.WriterAt
	queue    Queue
	engine   Engine

	// group serializes backend I/O so that at most one request is ever
	// in flight; a second Recv while one is outstanding returns backpressure
	// instead of racing the backend. See Recv / doRequest.
	group   singleflight.Group
	mu      sync.Mutex
	pending bool
}

// BlockStorage is the basic interface to a block device's backing storage.
// It is read-only; to enable writes, storage types should also implement
// io.WriterAt.
type BlockStorage interface {
	io.ReaderAt

	// Size returns the storage size in bytes.
	Size() (int64, error)
}

// MemStorage is read-write block storage backed by a byte slice.
type MemStorage struct {
	Bytes []byte
}

// FileStorage is read-write block storage backed by a file.
type FileStorage struct {
	File *os.File
}

// HTTPStorage is read-only block storage backed by an HTTP URL. The server
// must support HEAD requests and GET requests with a Range header.
type HTTPStorage struct {
	URL string
}

// blkConfig mirrors the leading fields of struct virtio_blk_config.
type blkConfig struct {
	Capacity uint64 // 512-byte sectors
	SizeMax  uint32
	SegMax   uint32
}

const blkConfigSize = 16

const blkFRO = 1 << 5 // device is read-only

const (
	blkTIn        = 0
	blkTOut       = 1
	blkTFlush     = 4
	blkTGetID     = 8
	blkTFlushOut  = 15 // treated identically to blkTFlush
)

const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

const blkGetIDLen = 20

var blkIDString = "tinyemu-virtio-blk"

func (dev *Block) GetType() DeviceID {
	return BlockDeviceID
}

func (dev *Block) GetFeatures() uint64 {
	features := uint64(FSegMax)

	if _, ok := dev.Storage.(io.WriterAt); dev.ReadOnly || !ok {
		features |= blkFRO
	}

	return features
}

func (dev *Block) ConfigSpaceSize() int {
	return blkConfigSize
}

func (dev *Block) QueueLayout() []QueueLayout {
	return []QueueLayout{{}}
}

func (dev *Block) Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error {
	if !dev.ReadOnly {
		dev.writerAt, _ = dev.Storage.(io.WriterAt)
	}

	dev.queue = queues[0]
	dev.engine = engine

	return nil
}

// Recv reads a 16-byte {type, _, sector} header from the readable portion
// and dispatches. At most one backend request is ever outstanding; a second
// arrival while one is pending asks the drain loop for backpressure.
func (dev *Block) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	dev.mu.Lock()
	if dev.pending {
		dev.mu.Unlock()
		return -1
	}

	dev.pending = true
	dev.mu.Unlock()

	hdr := make([]byte, 16)
	if err := dev.queue.ReadFrom(descIdx, 0, hdr); err != nil {
		dev.finish()
		slog.Error("virtio-blk: read header failed", "err", err)
		return -1
	}

	var (
		optype = binary.LittleEndian.Uint32(hdr[0:4])
		sector = binary.LittleEndian.Uint64(hdr[8:16])
	)

	dataLen := writeSize - 1
	if optype == blkTOut {
		dataLen = readSize - 16
	}

	go dev.doRequest(descIdx, optype, sector, dataLen, writeSize)

	return 0
}

func (dev *Block) doRequest(descIdx uint16, optype uint32, sector uint64, dataLen, writeSize int) {
	defer dev.finish()

	status := byte(blkSOK)
	written := writeSize

	_, err, _ := dev.group.Do("io", func() (interface{}, error) {
		switch optype {
		case blkTIn:
			buf := make([]byte, dataLen)

			if _, err := dev.Storage.ReadAt(buf, int64(sector)*512); err != nil {
				return nil, err
			}

			return buf, dev.queue.WriteTo(descIdx, 0, buf)

		case blkTOut:
			if dev.writerAt == nil {
				status = blkSUnsupp
				return nil, nil
			}

			buf := make([]byte, dataLen)
			if err := dev.queue.ReadFrom(descIdx, 16, buf); err != nil {
				return nil, err
			}

			_, err := dev.writerAt.WriteAt(buf, int64(sector)*512)
			return nil, err

		case blkTFlush, blkTFlushOut:
			return nil, nil

		case blkTGetID:
			buf := make([]byte, blkGetIDLen)
			copy(buf, blkIDString)

			written = blkGetIDLen + 1

			return nil, dev.queue.WriteTo(descIdx, 0, buf)

		default:
			status = blkSUnsupp
			written = 1
			return nil, nil
		}
	})

	if err != nil {
		status = blkSIOErr
		slog.Error("virtio-blk: request failed", "optype", optype, "err", err)
	}

	if werr := dev.queue.WriteTo(descIdx, written-1, []byte{status}); werr != nil {
		slog.Error("virtio-blk: write status failed", "err", werr)
		return
	}

	if err := dev.queue.Publish(descIdx, written); err != nil {
		slog.Error("virtio-blk: publish failed", "err", err)
		return
	}

	if dev.engine != nil {
		if err := dev.engine.Redrain(0); err != nil {
			slog.Error("virtio-blk: redrain failed", "err", err)
		}
	}
}

func (dev *Block) finish() {
	dev.mu.Lock()
	dev.pending = false
	dev.mu.Unlock()
}

func (dev *Block) ReadConfig(p []byte, off int) error {
	sz, err := dev.Storage.Size()
	if err != nil {
		return err
	}

	cfg := blkConfig{
		Capacity: uint64(sz / 512),
		SizeMax:  0,
		SegMax:   64,
	}

	raw := make([]byte, blkConfigSize)
	binary.LittleEndian.PutUint64(raw[0:8], cfg.Capacity)
	binary.LittleEndian.PutUint32(raw[8:12], cfg.SizeMax)
	binary.LittleEndian.PutUint32(raw[12:16], cfg.SegMax)

	copy(p, raw[off:])
	return nil
}

func (dev *Block) WriteConfig(p []byte, off int) error {
	return nil
}

// ReadAt copies from the backing slice at off into p.
func (ms *MemStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return copy(p, ms.Bytes[off:]), nil
}

// Size returns the size of the backing slice in bytes.
func (ms *MemStorage) Size() (int64, error) {
	return int64(len(ms.Bytes)), nil
}

// WriteAt copies p into the backing slice at off.
func (ms *MemStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return copy(ms.Bytes[off:], p), nil
}

// ReadAt reads from the backing file.
func (fs *FileStorage) ReadAt(p []byte, off int64) (n int, err error) {
	return fs.File.ReadAt(p, off)
}

// Size stats the backing file and returns its size in bytes.
func (fs *FileStorage) Size() (int64, error) {
	info, err := fs.File.Stat()
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

// WriteAt writes to the backing file.
func (fs *FileStorage) WriteAt(p []byte, off int64) (n int, err error) {
	return fs.File.WriteAt(p, off)
}

// ReadAt gets the backing URL with a Range header generated from off and len(p).
func (hs *HTTPStorage) ReadAt(p []byte, off int64) (n int, err error) {
	req, err := http.NewRequest(http.MethodGet, hs.URL, nil)
	if err != nil {
		return 0, err
	}

	req.Header.Set("range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}

	defer res.Body.Close()

	if res.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("block device http request failed: GET %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusPartialContent)
	}

	n, err = res.Body.Read(p)
	if err == io.EOF && n == len(p) {
		err = nil
	}

	return n, err
}

// Size sends a HEAD request to the backing URL and parses the Content-Length response header.
func (hs *HTTPStorage) Size() (int64, error) {
	res, err := http.Head(hs.URL)
	if err != nil {
		return 0, err
	}

	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("block device http request failed: HEAD %s: status %d != %d",
			hs.URL, res.StatusCode, http.StatusOK)
	}

	cl := res.Header.Get("content-length")
	return strconv.ParseInt(cl, 10, 64)
}
