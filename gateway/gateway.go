// Package gateway abstracts the DMA window shared with the guest as a
// byte-granular read/write surface. It is the only path by which the rest of
// this module touches guest-visible memory.
package gateway

import (
	"encoding/binary"
	"fmt"
)

// Memory is the guest DMA window. Implementations may fuse byte-granular
// accesses into wider ones internally but must preserve little-endian
// semantics and must not assume any particular alignment from callers.
//
// Opening the underlying character device and mapping it is outside this
// module's scope; a Memory is constructed already backed by live guest
// memory (for example, a byte slice mmaped over the DMA-window device).
type Memory interface {
	// At returns a slice aliasing len bytes of guest memory starting at addr.
	// It returns a non-nil error if [addr, addr+len) is not mapped.
	At(addr uint64, len int) ([]byte, error)
}

// SliceMemory is a Memory backed by an in-process byte slice, standing in for
// the mmaped DMA window in tests and simulators.
type SliceMemory struct {
	Bytes []byte
}

// ErrUnmapped is the error SliceMemory.At returns when the requested range
// falls outside the backing memory. The guest is assumed cooperative;
// callers other than tests should treat this as fatal.
type ErrUnmapped struct {
	Addr uint64
	Len  int
	Size int
}

func (e *ErrUnmapped) Error() string {
	return fmt.Sprintf("gateway: [%#x, %#x) not mapped (memory size %#x)", e.Addr, e.Addr+uint64(e.Len), e.Size)
}

func (m *SliceMemory) At(addr uint64, n int) ([]byte, error) {
	end := addr + uint64(n)
	if n < 0 || end < addr || end > uint64(len(m.Bytes)) {
		return nil, &ErrUnmapped{Addr: addr, Len: n, Size: len(m.Bytes)}
	}

	return m.Bytes[addr:end], nil
}

// Read copies n bytes from the guest at addr into buf. buf must be at least n
// bytes long.
func Read(m Memory, addr uint64, buf []byte, n int) error {
	b, err := m.At(addr, n)
	if err != nil {
		return err
	}

	copy(buf[:n], b)
	return nil
}

// Write copies n bytes from buf into the guest at addr. buf must be at least
// n bytes long.
func Write(m Memory, addr uint64, buf []byte, n int) error {
	b, err := m.At(addr, n)
	if err != nil {
		return err
	}

	copy(b, buf[:n])
	return nil
}

// ReadUint16 reads a little-endian uint16 from the guest at addr.
func ReadUint16(m Memory, addr uint64) (uint16, error) {
	b, err := m.At(addr, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

// ReadUint32 reads a little-endian uint32 from the guest at addr.
func ReadUint32(m Memory, addr uint64) (uint32, error) {
	b, err := m.At(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// ReadUint64 reads a little-endian uint64 from the guest at addr.
func ReadUint64(m Memory, addr uint64) (uint64, error) {
	b, err := m.At(addr, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

// WriteUint16 writes a little-endian uint16 to the guest at addr.
func WriteUint16(m Memory, addr uint64, v uint16) error {
	b, err := m.At(addr, 2)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint16(b, v)
	return nil
}
