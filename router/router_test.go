package router_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/rv-fpga/bridge/router"
)

// fakeIntercept replays a fixed sequence of requests, one per Await call,
// then returns io.EOF-equivalent to stop Run.
type fakeIntercept struct {
	reqs      []router.Request
	responses []uint64
	i         int
}

func (f *fakeIntercept) Await() (router.Request, error) {
	if f.i >= len(f.reqs) {
		return router.Request{}, errStop
	}

	r := f.reqs[f.i]
	f.i++
	return r, nil
}

func (f *fakeIntercept) Respond(req router.Request, readData uint64) error {
	f.responses = append(f.responses, readData)
	return nil
}

type stopErr struct{}

func (stopErr) Error() string { return "stop" }

var errStop = stopErr{}

// fakeRange is a RangeHandler recording every access, standing in for
// *mmio.Device.
type fakeRange struct {
	lastOffset  int
	lastData    []byte
	lastIsWrite bool
	readValue   uint32
}

func (f *fakeRange) HandleMMIO(off int, data []byte, isWrite bool) error {
	f.lastOffset = off
	f.lastIsWrite = isWrite

	if isWrite {
		f.lastData = append([]byte(nil), data...)
		return nil
	}

	binary.LittleEndian.PutUint32(data, f.readValue)
	return nil
}

func runOnce(t *testing.T, r *router.Router, req router.Request) uint64 {
	t.Helper()

	fi := &fakeIntercept{reqs: []router.Request{req}}
	r.InterceptSource = fi

	if err := r.Run(); err != errStop {
		t.Fatalf("Run() = %v, want errStop", err)
	}

	if len(fi.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(fi.responses))
	}

	return fi.responses[0]
}

func TestRegisteredRangeLowLaneWrite(t *testing.T) {
	fr := &fakeRange{}
	r := &router.Router{
		Ranges: []router.AddressRange{{Base: 0x1000, Size: 0x1000, Handler: fr}},
	}

	runOnce(t, r, router.Request{IsWrite: true, Address: 0x1030, WriteData: 0x0000000012345678})

	if fr.lastOffset != 0x030 || !fr.lastIsWrite {
		t.Fatalf("offset = %#x isWrite = %v", fr.lastOffset, fr.lastIsWrite)
	}

	if got := binary.LittleEndian.Uint32(fr.lastData); got != 0x12345678 {
		t.Errorf("write value = %#x, want 0x12345678", got)
	}
}

func TestRegisteredRangeUpperLaneWrite(t *testing.T) {
	fr := &fakeRange{}
	r := &router.Router{
		Ranges: []router.AddressRange{{Base: 0x1000, Size: 0x1000, Handler: fr}},
	}

	// bit 2 (0x4) set selects the upper 32-bit lane of the 64-bit write word.
	runOnce(t, r, router.Request{IsWrite: true, Address: 0x1034, WriteData: 0xAABBCCDD00000000})

	if got := binary.LittleEndian.Uint32(fr.lastData); got != 0xAABBCCDD {
		t.Errorf("write value = %#x, want 0xAABBCCDD", got)
	}
}

func TestRegisteredRangeUpperLaneRead(t *testing.T) {
	fr := &fakeRange{readValue: 0xDEADBEEF}
	r := &router.Router{
		Ranges: []router.AddressRange{{Base: 0x1000, Size: 0x1000, Handler: fr}},
	}

	got := runOnce(t, r, router.Request{Address: 0x1004})

	if got != 0xDEADBEEF<<32 {
		t.Errorf("response = %#x, want %#x", got, uint64(0xDEADBEEF)<<32)
	}
}

func TestS5HTIFPutchar(t *testing.T) {
	var out bytes.Buffer
	r := &router.Router{
		TohostAddr: 0x10001000,
		Stdout:     &out,
	}

	runOnce(t, r, router.Request{
		IsWrite:   true,
		Address:   0x10001000,
		WriteData: (1 << 56) | (1 << 48) | 0x41,
	})

	if out.String() != "A" {
		t.Errorf("stdout = %q, want %q", out.String(), "A")
	}
}

func TestS6SifiveFail(t *testing.T) {
	var stopCode int
	var stopReason string

	r := &router.Router{
		SifiveTestAddr: 0x50000000,
		OnStop: func(code int, reason string) {
			stopCode = code
			stopReason = reason
		},
	}

	runOnce(t, r, router.Request{
		IsWrite:   true,
		Address:   0x50000000,
		WriteData: (7 << 16) | 0x3333,
	})

	if stopCode != 7 || stopReason != "FAIL" {
		t.Errorf("stop = (%d, %q), want (7, FAIL)", stopCode, stopReason)
	}
}

func TestSifiveResetUsesSentinelCode(t *testing.T) {
	var stopCode int

	r := &router.Router{
		SifiveTestAddr: 0x50000000,
		OnStop:         func(code int, reason string) { stopCode = code },
	}

	runOnce(t, r, router.Request{IsWrite: true, Address: 0x50000000, WriteData: 0x7777})

	if stopCode != router.ExitCodeReset {
		t.Errorf("stop code = %d, want %d", stopCode, router.ExitCodeReset)
	}
}

func TestHTIFFromhostReturnsQueuedByte(t *testing.T) {
	r := &router.Router{
		FromhostAddr: 0x10001008,
		HTIFEnabled:  true,
		Stdin:        &fakeStdin{bytes: []byte{0x42}},
	}

	got := runOnce(t, r, router.Request{Address: 0x10001008})

	if got != (1<<56)|0x42 {
		t.Errorf("response = %#x, want %#x", got, uint64(1<<56)|0x42)
	}
}

func TestHTIFFromhostEmptyReturnsZero(t *testing.T) {
	r := &router.Router{
		FromhostAddr: 0x10001008,
		HTIFEnabled:  true,
		Stdin:        &fakeStdin{},
	}

	got := runOnce(t, r, router.Request{Address: 0x10001008})

	if got != 0 {
		t.Errorf("response = %#x, want 0", got)
	}
}

func TestRomRead(t *testing.T) {
	r := &router.Router{
		Rom: router.Rom{Base: 0x2000, Data: []uint64{0x1111, 0x2222, 0x3333}},
	}

	got := runOnce(t, r, router.Request{Address: 0x2010})

	if got != 0x3333 {
		t.Errorf("rom word = %#x, want 0x3333", got)
	}
}

func TestStrayIOReadsZero(t *testing.T) {
	r := &router.Router{}

	got := runOnce(t, r, router.Request{Address: 0x99999999})

	if got != 0 {
		t.Errorf("stray read = %#x, want 0", got)
	}
}

func TestQuietListAddressStillReadsZero(t *testing.T) {
	r := &router.Router{}

	got := runOnce(t, r, router.Request{Address: 0x10001000})

	if got != 0 {
		t.Errorf("quiet-list read = %#x, want 0", got)
	}
}

type fakeStdin struct {
	bytes []byte
	i     int
}

func (s *fakeStdin) Dequeue() (byte, bool) {
	if s.i >= len(s.bytes) {
		return 0, false
	}

	b := s.bytes[s.i]
	s.i++
	return b, true
}
