package virtio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// Input config-space select values (spec §4.4, mirroring struct
// virtio_input_config's select/subsel fields).
const (
	inputCfgUnset    = 0x00
	inputCfgIDName   = 0x01
	inputCfgIDSerial = 0x02
	inputCfgIDDevIDs = 0x03
	inputCfgPropBits = 0x10
	inputCfgEVBits   = 0x11
	inputCfgABSInfo  = 0x12
)

const inputConfigSize = 256

const (
	inputEventQ  = 0
	inputStatusQ = 1
)

// InputKind distinguishes the keyboard, mouse, and tablet variants, which
// share every operation except the config-write hook's response to
// ID_NAME/EV_BITS/ABS_INFO subcommands.
type InputKind int

const (
	InputKeyboard InputKind = iota
	InputMouse
	InputTablet
)

// Input is a virtio input device. Queue 0 (events) is manual-recv: PushEvent
// finds the next buffer the driver has posted and fills it. Queue 1
// (status) drains automatically but carries nothing this device acts on
// (LED/force-feedback reports); it is acknowledged and discarded.
type Input struct {
	Kind InputKind
	Name string

	mu     sync.Mutex
	configSelect, configSubsel uint8

	events Queue
	status Queue
	engine Engine
}

func (in *Input) GetType() DeviceID {
	return InputDeviceID
}

func (in *Input) GetFeatures() uint64 {
	return 0
}

func (in *Input) ConfigSpaceSize() int {
	return inputConfigSize
}

func (in *Input) QueueLayout() []QueueLayout {
	return []QueueLayout{
		{ManualRecv: true}, // events
		{},                 // status
	}
}

func (in *Input) Ready(negotiatedFeatures uint64, queues []Queue, engine Engine) error {
	in.events = queues[inputEventQ]
	in.status = queues[inputStatusQ]
	in.engine = engine
	return nil
}

// Recv handles queue 1 (status): every chain is acknowledged with a
// zero-length completion. Queue 0 is manual-recv and never reaches here.
func (in *Input) Recv(queueNum int, descIdx uint16, readSize, writeSize int) int {
	if queueNum != inputStatusQ {
		return 0
	}

	if err := in.status.Publish(descIdx, 0); err != nil {
		slog.Error("virtio-input: publish failed", "err", err)
	}

	return 0
}

// PushEvent delivers an input event by pulling the next buffer the driver
// has posted to the event queue and writing an 8-byte {type, code, value}
// record into it. It returns false without error if no buffer is posted.
func (in *Input) PushEvent(evType, code uint16, value int32) (bool, error) {
	descIdx, _, writeSize, ok, err := in.events.PullNext()
	if err != nil || !ok {
		return false, err
	}

	if writeSize < 8 {
		slog.Warn("virtio-input: posted buffer too small for event", "size", writeSize)
		return false, in.events.Publish(descIdx, 0)
	}

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint16(buf[0:2], evType)
	binary.LittleEndian.PutUint16(buf[2:4], code)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(value))

	if err := in.events.WriteTo(descIdx, 0, buf); err != nil {
		return false, err
	}

	if err := in.events.Publish(descIdx, 8); err != nil {
		return false, err
	}

	return true, nil
}

func (in *Input) ReadConfig(p []byte, off int) error {
	in.mu.Lock()
	sel, subsel := in.configSelect, in.configSubsel
	in.mu.Unlock()

	buf := make([]byte, inputConfigSize)
	buf[0] = sel
	buf[1] = subsel

	data := in.configData(sel, subsel)
	if len(data) > 128 {
		data = data[:128]
	}

	buf[2] = uint8(len(data))
	copy(buf[8:], data)

	copy(p, buf[off:])
	return nil
}

func (in *Input) WriteConfig(p []byte, off int) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	for i, b := range p {
		switch off + i {
		case 0:
			in.configSelect = b
		case 1:
			in.configSubsel = b
		}
	}

	return nil
}

// configData renders the data union for the select/subsel pair currently
// latched into the config space, per struct virtio_input_config.
func (in *Input) configData(sel, subsel uint8) []byte {
	switch sel {
	case inputCfgIDName:
		return []byte(in.Name)

	case inputCfgIDSerial:
		return []byte("virtio-input-0")

	case inputCfgIDDevIDs:
		data := make([]byte, 8)
		binary.LittleEndian.PutUint16(data[0:2], 0x06)   // BUS_VIRTUAL
		binary.LittleEndian.PutUint16(data[2:4], 0x1af4) // vendor
		binary.LittleEndian.PutUint16(data[4:6], uint16(in.Kind)+1)
		binary.LittleEndian.PutUint16(data[6:8], 0x0001)
		return data

	case inputCfgEVBits:
		return in.eventBits(subsel)

	case inputCfgABSInfo:
		return in.absInfo(subsel)

	default:
		return nil
	}
}

// Event types and codes referenced by eventBits, matching linux/input-event-codes.h.
const (
	evSyn = 0x00
	evKey = 0x01
	evRel = 0x02
	evAbs = 0x03

	synReport = 0
	absX      = 0x00
	absY      = 0x01

	tabletAxisMax = 32767
)

func (in *Input) eventBits(subsel uint8) []byte {
	switch subsel {
	case evSyn:
		return []byte{1 << synReport}

	case evKey:
		if in.Kind == InputKeyboard {
			return bitmap(1, 2, 255) // representative range; real key set is large
		}
		return bitmap(0x110, 0x111, 0x112) // BTN_LEFT, BTN_RIGHT, BTN_MIDDLE

	case evAbs:
		if in.Kind == InputTablet {
			return bitmap(absX, absY)
		}
		return nil

	case evRel:
		if in.Kind == InputMouse {
			return bitmap(0x00, 0x01) // REL_X, REL_Y
		}
		return nil

	default:
		return nil
	}
}

func (in *Input) absInfo(subsel uint8) []byte {
	if in.Kind != InputTablet {
		return nil
	}

	switch subsel {
	case absX, absY:
		data := make([]byte, 20)
		binary.LittleEndian.PutUint32(data[4:8], tabletAxisMax)
		return data

	default:
		return nil
	}
}

func bitmap(codes ...int) []byte {
	max := 0
	for _, c := range codes {
		if c > max {
			max = c
		}
	}

	b := make([]byte, max/8+1)
	for _, c := range codes {
		b[c/8] |= 1 << uint(c%8)
	}

	return b
}
