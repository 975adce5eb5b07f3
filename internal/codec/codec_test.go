package codec

import (
	"math"
	"testing"

	"github.com/modflux/acquisitiond/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeValue_Float32ByteOrders(t *testing.T) {
	regs := []uint16{0x1234, 0x5678}

	v, err := DecodeValue(regs, model.TypeFloat32, model.ABCD, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.Float32frombits(0x12345678)), v.(float64), 1e-30)

	v, err = DecodeValue(regs, model.TypeFloat32, model.DCBA, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.Float32frombits(0x78563412)), v.(float64), 1e-30)

	v, err = DecodeValue(regs, model.TypeFloat32, model.BADC, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.Float32frombits(0x56781234)), v.(float64), 1e-30)

	v, err = DecodeValue(regs, model.TypeFloat32, model.CDAB, 1, 0)
	require.NoError(t, err)
	assert.InDelta(t, float64(math.Float32frombits(0x34127856)), v.(float64), 1e-30)
}

func TestDecodeValue_RoundTripUint32(t *testing.T) {
	for _, order := range []model.ByteOrder{model.ABCD, model.DCBA, model.BADC, model.CDAB} {
		want := uint32(0xDEADBEEF)
		regs := encodeUint32(want, order)
		v, err := DecodeValue(regs, model.TypeUint32, order, 1, 0)
		require.NoError(t, err)
		assert.EqualValues(t, want, v.(int64))
	}
}

// encodeUint32 is the test-only inverse of decode32, used to build fixtures.
func encodeUint32(val uint32, order model.ByteOrder) []uint16 {
	// val is the little-endian-assembled uint32; recover the 4 reordered
	// bytes, then invert the table's permutation back to (A,B,C,D).
	var le [4]byte
	le[0] = byte(val)
	le[1] = byte(val >> 8)
	le[2] = byte(val >> 16)
	le[3] = byte(val >> 24)

	var a, b, c, d byte
	switch order {
	case model.ABCD:
		// le = [d,c,b,a]
		d, c, b, a = le[0], le[1], le[2], le[3]
	case model.DCBA:
		a, b, c, d = le[0], le[1], le[2], le[3]
	case model.BADC:
		b, a, d, c = le[0], le[1], le[2], le[3]
	case model.CDAB:
		c, d, a, b = le[0], le[1], le[2], le[3]
	}

	reg0 := uint16(a)<<8 | uint16(b)
	reg1 := uint16(c)<<8 | uint16(d)
	return []uint16{reg0, reg1}
}

func TestDecodeValue_Bit(t *testing.T) {
	v, err := DecodeValue([]uint16{0x0001}, model.TypeBit, model.ABCD, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = DecodeValue([]uint16{0x0000}, model.TypeBit, model.ABCD, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestDecodeValue_String(t *testing.T) {
	// "AB" + "C\0"
	regs := []uint16{0x4142, 0x4300}
	v, err := DecodeValue(regs, model.TypeString, model.ABCD, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, "ABC", v)
}

func TestDecodeValue_Truncated(t *testing.T) {
	_, err := DecodeValue([]uint16{0x1234}, model.TypeFloat32, model.ABCD, 1, 0)
	require.Error(t, err)
}

func TestDecodeBitMap(t *testing.T) {
	bm := map[string]model.BitSpec{
		"0": {Code: "alarm_low"},
		"2": {Code: "alarm_high"},
	}
	got := DecodeBitMap(0x0005, bm)
	assert.Equal(t, map[string]bool{"alarm_low": true, "alarm_high": true}, got)

	got = DecodeBitMap(0x0004, bm)
	assert.Equal(t, map[string]bool{"alarm_low": false, "alarm_high": true}, got)
}
