// Package codec reconstructs typed parameter values from raw Modbus
// registers under a configurable byte-order policy (spec §4.1).
package codec

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"

	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
)

// reorder32 returns the 4 bytes [A,B,C,D] (A=hi(reg0), B=lo(reg0),
// C=hi(reg1), D=lo(reg1)) permuted into the byte sequence a little-endian
// native decoder expects, per the table in spec §4.1.
func reorder32(a, b, c, d byte, order model.ByteOrder) [4]byte {
	switch order {
	case model.ABCD:
		return [4]byte{d, c, b, a}
	case model.DCBA:
		return [4]byte{a, b, c, d}
	case model.BADC:
		return [4]byte{b, a, d, c}
	case model.CDAB:
		return [4]byte{c, d, a, b}
	default:
		return [4]byte{a, b, c, d}
	}
}

func registerBytes(regs []uint16) (a, b, c, d byte) {
	a = byte(regs[0] >> 8)
	b = byte(regs[0])
	c = byte(regs[1] >> 8)
	d = byte(regs[1])
	return
}

// decode32 reassembles two registers into a little-endian uint32 under the
// given byte order.
func decode32(regs []uint16, order model.ByteOrder) uint32 {
	a, b, c, d := registerBytes(regs)
	le := reorder32(a, b, c, d, order)
	return binary.LittleEndian.Uint32(le[:])
}

// DecodeValue decodes registers into a raw numeric/string value according
// to dataType and byteOrder, then applies scale/offset. A scale of 0 (an
// unset ParameterSpec.Scale) is treated as the default scale 1. Scaling on
// int/uint output types truncates toward zero; float32 rounding to
// precision decimal places is the caller's (parser's) responsibility.
func DecodeValue(registers []uint16, dataType model.DataType, order model.ByteOrder, scale, offset float64) (interface{}, error) {
	if scale == 0 {
		scale = 1
	}
	need := registerCountFor(dataType)
	if len(registers) < need {
		return nil, errs.Wrap(errs.Truncated, "decode_value: need more registers than supplied", nil)
	}

	switch dataType {
	case model.TypeBit:
		return (registers[0] & 0x0001) != 0, nil

	case model.TypeInt16:
		raw := int16(registers[0])
		return truncateToward(float64(raw)*scale+offset), nil

	case model.TypeUint16:
		raw := registers[0]
		return truncateToward(float64(raw)*scale+offset), nil

	case model.TypeInt32:
		raw := int32(decode32(registers, order))
		return truncateToward(float64(raw)*scale+offset), nil

	case model.TypeUint32:
		raw := decode32(registers, order)
		return truncateToward(float64(raw)*scale+offset), nil

	case model.TypeFloat32:
		bits := decode32(registers, order)
		raw := math.Float32frombits(bits)
		return float64(raw)*scale + offset, nil

	case model.TypeString:
		var sb strings.Builder
		for _, r := range registers {
			sb.WriteByte(byte(r >> 8))
			sb.WriteByte(byte(r))
		}
		return strings.TrimRight(sb.String(), "\x00"), nil

	default:
		return nil, errs.New(errs.InvalidSpec, "decode_value: unknown data_type "+string(dataType))
	}
}

func registerCountFor(dt model.DataType) int {
	switch dt {
	case model.TypeInt32, model.TypeUint32, model.TypeFloat32:
		return 2
	default:
		return 1
	}
}

func truncateToward(v float64) int64 {
	return int64(v)
}

// DecodeBitMap expands a raw uint16 into a map of bit-code -> bool per
// spec §4.1/§4.6.
func DecodeBitMap(raw uint16, bitMap map[string]model.BitSpec) map[string]bool {
	out := make(map[string]bool, len(bitMap))
	for idxStr, spec := range bitMap {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx > 15 {
			continue
		}
		out[spec.Code] = (raw>>uint(idx))&0x1 != 0
	}
	return out
}
