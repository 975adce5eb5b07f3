// Package model holds the configuration and value types shared across the
// acquisition pipeline: connection/device/parameter specs, register images,
// and the samples and events derived from them.
package model

import (
	"fmt"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
)

// RegisterType identifies one of the four Modbus tables.
type RegisterType string

const (
	Holding       RegisterType = "holding"
	Input         RegisterType = "input"
	Coil          RegisterType = "coil"
	DiscreteInput RegisterType = "discrete_input"
)

// ByteOrder controls how two 16-bit registers are reassembled into a 32-bit
// native value.
type ByteOrder string

const (
	ABCD ByteOrder = "ABCD"
	DCBA ByteOrder = "DCBA"
	BADC ByteOrder = "BADC"
	CDAB ByteOrder = "CDAB"
)

// DataType is the declared shape of a parameter's raw register value.
type DataType string

const (
	TypeBit    DataType = "bit"
	TypeInt16  DataType = "int16"
	TypeUint16 DataType = "uint16"
	TypeInt32  DataType = "int32"
	TypeUint32 DataType = "uint32"
	TypeFloat32 DataType = "float32"
	TypeString DataType = "string"
)

// PollMode controls how a device's poller schedules reads.
type PollMode string

const (
	Periodic  PollMode = "periodic"
	Continuous PollMode = "continuous"
	OnDemand  PollMode = "on_demand"
)

// TransportKind tags which variant a ConnectionSpec's transport is.
type TransportKind string

const (
	TransportTCP TransportKind = "tcp"
	TransportRTU TransportKind = "rtu"
)

// TCPSpec configures a Modbus/TCP transport.
type TCPSpec struct {
	Host string
	Port int
}

// RTUSpec configures a Modbus/RTU transport over a serial line.
type RTUSpec struct {
	SerialPort string
	Baud       int
	DataBits   int
	Parity     string // "none", "odd", "even"
	StopBits   int
}

// ConnectionSpec is the immutable, load-time description of one upstream
// device connection. See spec §3.
type ConnectionSpec struct {
	ConnID            string
	Kind              TransportKind
	TCP               TCPSpec
	RTU               RTUSpec
	SlaveID           byte
	RegisterType      RegisterType
	ByteOrder         ByteOrder
	SlavePort         int // 0 = auto-allocate; <0 = slave disabled
	PollInterval      time.Duration
	MinPollInterval   time.Duration
	Timeout           time.Duration
	PauseAfterConnect time.Duration
	CloseAfterGather  bool

	Devices []DeviceSpec
}

// ReadBlock is a contiguous register range polled in a single PDU.
type ReadBlock struct {
	Start uint16
	Count uint16
}

// Contains reports whether addr falls within [Start, Start+Count).
func (b ReadBlock) Contains(addr uint16) bool {
	return addr >= b.Start && uint32(addr) < uint32(b.Start)+uint32(b.Count)
}

// Overlaps reports whether two blocks share any address.
func (b ReadBlock) Overlaps(o ReadBlock) bool {
	bEnd := uint32(b.Start) + uint32(b.Count)
	oEnd := uint32(o.Start) + uint32(o.Count)
	return uint32(b.Start) < oEnd && uint32(o.Start) < bEnd
}

// DeviceSpec is one logical device behind a connection. See spec §3.
type DeviceSpec struct {
	DeviceID   string
	PollMode   PollMode
	ReadBlocks []ReadBlock
	Parameters []ParameterSpec
}

// Validate checks the device-level invariants (ii) and (iv) of spec §3:
// every enabled parameter's addresses are covered by some ReadBlock, and
// no two of the device's ReadBlocks overlap.
func (d DeviceSpec) Validate() error {
	for i := 0; i < len(d.ReadBlocks); i++ {
		for j := i + 1; j < len(d.ReadBlocks); j++ {
			if d.ReadBlocks[i].Overlaps(d.ReadBlocks[j]) {
				return errs.New(errs.InvalidSpec, fmt.Sprintf(
					"device %s: read_blocks[%d] (start=%d count=%d) overlaps read_blocks[%d] (start=%d count=%d)",
					d.DeviceID, i, d.ReadBlocks[i].Start, d.ReadBlocks[i].Count,
					j, d.ReadBlocks[j].Start, d.ReadBlocks[j].Count))
			}
		}
	}

	for _, p := range d.Parameters {
		for _, addr := range p.RegisterAddresses() {
			if !d.coveredByReadBlock(addr) {
				return errs.New(errs.InvalidSpec, fmt.Sprintf(
					"device %s: parameter %s references address %d not covered by any read_block",
					d.DeviceID, p.Code, addr))
			}
		}
	}
	return nil
}

func (d DeviceSpec) coveredByReadBlock(addr uint16) bool {
	for _, b := range d.ReadBlocks {
		if b.Contains(addr) {
			return true
		}
	}
	return false
}

// BitSpec names one bit of a bit-mapped uint16 parameter.
type BitSpec struct {
	Code string
	Name string
}

// ParameterSpec describes one decoded value inside a device's register
// image. See spec §3.
type ParameterSpec struct {
	Code      string
	DataType  DataType
	Addresses []uint16
	Scale     float64
	Offset    float64
	Precision int
	BitMap    map[string]BitSpec // bit index "0".."15" -> spec
	EnumMap   map[string]string  // stringified raw value -> label
	OnChange  bool
	Unit      string
}

// RegisterCount returns how many consecutive registers this parameter
// requires starting at Addresses[0], per invariant (i).
func (p ParameterSpec) RegisterCount() int {
	switch p.DataType {
	case TypeInt32, TypeUint32, TypeFloat32:
		return 2
	default:
		return 1
	}
}

// RegisterAddresses returns every address this parameter reads from,
// starting at Addresses[0] and spanning RegisterCount() registers.
func (p ParameterSpec) RegisterAddresses() []uint16 {
	if len(p.Addresses) == 0 {
		return nil
	}
	n := p.RegisterCount()
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = p.Addresses[0] + uint16(i)
	}
	return out
}

// Validate checks the load-time invariants of spec §3 that are local to a
// single parameter. Device-level invariants (ii) and (iv) are checked by
// DeviceSpec.Validate once every parameter and read_block in a device is
// known.
func (p ParameterSpec) Validate() error {
	if len(p.Addresses) == 0 {
		return errs.New(errs.InvalidSpec, fmt.Sprintf("%s: no addresses", p.Code))
	}
	n := p.RegisterCount()
	if n == 2 && len(p.Addresses) < 1 {
		return errs.New(errs.InvalidSpec, fmt.Sprintf("%s: 32-bit type requires addresses[0]", p.Code))
	}
	if p.BitMap != nil && p.DataType != TypeUint16 {
		return errs.New(errs.InvalidSpec, fmt.Sprintf("%s: bit_map requires data_type=uint16, got %s", p.Code, p.DataType))
	}
	return nil
}

// Config is the top-level, load-time configuration document (spec §6).
type Config struct {
	Connections       []ConnectionSpec
	AutoCreateDevices []DeviceSpec
}

// RegisterImage is a sparse address->word map for one (device,
// register_type) pair, rebuilt wholesale on each successful poll.
type RegisterImage struct {
	Words map[uint16]uint16
}

// NewRegisterImage returns an empty image.
func NewRegisterImage() RegisterImage {
	return RegisterImage{Words: make(map[uint16]uint16)}
}

// Merge writes a block's decoded words into the image at Start.. .
func (img RegisterImage) Merge(block ReadBlock, words []uint16) {
	for i, w := range words {
		img.Words[block.Start+uint16(i)] = w
	}
}

// Slice returns the registers [start, start+count) and whether all of them
// were present in the image.
func (img RegisterImage) Slice(start uint16, count int) ([]uint16, bool) {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		w, ok := img.Words[start+uint16(i)]
		if !ok {
			return nil, false
		}
		out[i] = w
	}
	return out, true
}

// ParameterSample is one decoded value for one parameter at one tick.
type ParameterSample struct {
	ConnID   string
	DeviceID string
	Code     string
	Raw      interface{}
	Parsed   interface{}
	Unit     string
	Ts       time.Time
	Spec     ParameterSpec
}

// ParamChanged is emitted by the change tracker when a sample's
// compare-value differs from the last observed one.
type ParamChanged struct {
	ConnID   string
	DeviceID string
	Code     string
	Old      interface{}
	New      interface{}
	Ts       time.Time
	Sample   ParameterSample
}

// Fingerprint returns the (conn,device,code) debounce key (spec glossary).
func (e ParamChanged) Fingerprint() string {
	return e.ConnID + "/" + e.DeviceID + "/" + e.Code
}

// AcquiredBlock is one successfully-read, contiguous block from a tick,
// kept alongside the flattened RegisterImage so a downstream consumer that
// needs per-block atomicity (the virtual slave's mirror update, spec
// §4.8) doesn't have to reconstruct block boundaries from a sparse map.
type AcquiredBlock struct {
	Start uint16
	Words []uint16
}

// DataAcquired carries one tick's raw register image for a device to the
// parser, plus the per-block breakdown that produced it.
type DataAcquired struct {
	ConnID   string
	DeviceID string
	Image    RegisterImage
	Blocks   []AcquiredBlock
	Ts       time.Time
}

// DataParsed carries one tick's parsed samples to the sink writer.
type DataParsed struct {
	ConnID   string
	DeviceID string
	Samples  []ParameterSample
	Ts       time.Time
}
