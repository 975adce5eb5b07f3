package parser

import (
	"testing"
	"time"

	"github.com/modflux/acquisitiond/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func imgWith(words map[uint16]uint16) model.RegisterImage {
	img := model.NewRegisterImage()
	for a, w := range words {
		img.Words[a] = w
	}
	return img
}

func TestParse_MissingRegisters(t *testing.T) {
	dev := model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{Code: "p1", DataType: model.TypeUint16, Addresses: []uint16{5}},
		},
	}
	img := imgWith(map[uint16]uint16{10: 1}) // address 5 absent
	results := Parse("c1", dev, model.ABCD, model.Holding, img, time.Now())
	require.Len(t, results, 1)
	require.Error(t, results[0].Err)
}

func TestParse_BitMap(t *testing.T) {
	dev := model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{
				Code: "status", DataType: model.TypeUint16, Addresses: []uint16{0},
				BitMap: map[string]model.BitSpec{
					"0": {Code: "alarm_low"},
					"2": {Code: "alarm_high"},
				},
			},
		},
	}
	img := imgWith(map[uint16]uint16{0: 0x0005})
	results := Parse("c1", dev, model.ABCD, model.Holding, img, time.Now())
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, int64(5), results[0].Sample.Raw)
	assert.Equal(t, map[string]bool{"alarm_low": true, "alarm_high": true}, results[0].Sample.Parsed)
}

func TestParse_EnumMap(t *testing.T) {
	dev := model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{
				Code: "mode", DataType: model.TypeUint16, Addresses: []uint16{0},
				EnumMap: map[string]string{"1": "auto", "2": "manual"},
			},
		},
	}
	img := imgWith(map[uint16]uint16{0: 2})
	results := Parse("c1", dev, model.ABCD, model.Holding, img, time.Now())
	require.NoError(t, results[0].Err)
	assert.Equal(t, "manual", results[0].Sample.Parsed)
}

func TestParse_Float32Precision(t *testing.T) {
	dev := model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{Code: "temp", DataType: model.TypeFloat32, Addresses: []uint16{0}, Scale: 1, Precision: 2},
		},
	}
	// ABCD byte order reassembles as le=[D,C,B,A]; build registers so that
	// permutation yields the IEEE-754 bits for 1.5 exactly.
	bits := uint32(0x3FC00000)
	d := byte(bits)
	c := byte(bits >> 8)
	b := byte(bits >> 16)
	a := byte(bits >> 24)
	reg0 := uint16(a)<<8 | uint16(b)
	reg1 := uint16(c)<<8 | uint16(d)

	img := imgWith(map[uint16]uint16{0: reg0, 1: reg1})
	results := Parse("c1", dev, model.ABCD, model.Holding, img, time.Now())
	require.NoError(t, results[0].Err)
	assert.InDelta(t, 1.5, results[0].Sample.Parsed.(float64), 1e-9)
}

func TestParse_CoilIgnoresDeclaredType(t *testing.T) {
	dev := model.DeviceSpec{
		DeviceID: "d1",
		Parameters: []model.ParameterSpec{
			{Code: "running", DataType: model.TypeUint16, Addresses: []uint16{3}},
		},
	}
	img := imgWith(map[uint16]uint16{3: 1})
	results := Parse("c1", dev, model.ABCD, model.Coil, img, time.Now())
	require.NoError(t, results[0].Err)
	assert.Equal(t, true, results[0].Sample.Parsed)
}
