// Package parser turns a tick's RegisterImage into typed ParameterSamples,
// per spec §4.6: per-parameter address presence checks, codec decode, then
// bit-map/enum/scale-offset/precision handling.
package parser

import (
	"math"
	"strconv"
	"time"

	"github.com/modflux/acquisitiond/internal/codec"
	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
)

// Result is one parameter's parse outcome for one tick: either a Sample or
// a non-fatal Err (MissingRegisters), never both.
type Result struct {
	Sample model.ParameterSample
	Err    error
}

// Parse builds one Result per enabled parameter of dev from img, per spec
// §4.6 steps 2-5. Parameters whose addresses are missing from img are
// skipped (MissingRegisters), which is not fatal for the tick.
func Parse(connID string, dev model.DeviceSpec, byteOrder model.ByteOrder, regType model.RegisterType, img model.RegisterImage, ts time.Time) []Result {
	results := make([]Result, 0, len(dev.Parameters))
	for _, p := range dev.Parameters {
		results = append(results, parseOne(connID, dev.DeviceID, byteOrder, regType, img, p, ts))
	}
	return results
}

func parseOne(connID, deviceID string, byteOrder model.ByteOrder, regType model.RegisterType, img model.RegisterImage, p model.ParameterSpec, ts time.Time) Result {
	// spec §4.6: for coil/discrete register types every address yields a
	// one-bit value; the parameter's declared data_type is ignored.
	effectiveType := p.DataType
	n := p.RegisterCount()
	if regType == model.Coil || regType == model.DiscreteInput {
		effectiveType = model.TypeBit
		n = 1
	}

	regs, ok := img.Slice(p.Addresses[0], n)
	if !ok {
		return Result{Err: errs.New(errs.MissingRegisters, p.Code+": registers not present for this tick")}
	}

	raw, err := codec.DecodeValue(regs, effectiveType, byteOrder, p.Scale, p.Offset)
	if err != nil {
		return Result{Err: err}
	}

	parsed := computeParsed(raw, effectiveType, regType, p)

	return Result{Sample: model.ParameterSample{
		ConnID:   connID,
		DeviceID: deviceID,
		Code:     p.Code,
		Raw:      raw,
		Parsed:   parsed,
		Unit:     p.Unit,
		Ts:       ts,
		Spec:     p,
	}}
}

func computeParsed(raw interface{}, effectiveType model.DataType, regType model.RegisterType, p model.ParameterSpec) interface{} {
	// Bit-mapped uint16: expand into per-bit booleans. Only meaningful
	// for register-type holding/input where the raw register carries the
	// bits; coil/discrete already decoded to a single bool above.
	if p.BitMap != nil && p.DataType == model.TypeUint16 && effectiveType == model.TypeUint16 {
		u := uint16(raw.(int64))
		return codec.DecodeBitMap(u, p.BitMap)
	}

	if effectiveType == model.TypeBit {
		b := raw.(bool)
		if p.EnumMap != nil {
			key := "0"
			if b {
				key = "1"
			}
			if label, ok := p.EnumMap[key]; ok {
				return label
			}
		}
		return b
	}

	if p.EnumMap != nil && effectiveType == model.TypeUint16 {
		key := enumKey(raw)
		if label, ok := p.EnumMap[key]; ok {
			return label
		}
		return raw
	}

	if effectiveType == model.TypeFloat32 {
		f := raw.(float64)
		return roundTo(f, p.Precision)
	}

	return raw
}

func enumKey(raw interface{}) string {
	switch v := raw.(type) {
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		if v {
			return "1"
		}
		return "0"
	default:
		return ""
	}
}

// roundTo rounds half-away-from-zero to the given number of decimal places,
// per spec §4.6 ("half-away-from-zero is acceptable").
func roundTo(v float64, precision int) float64 {
	if precision <= 0 {
		if v >= 0 {
			return math.Floor(v + 0.5)
		}
		return math.Ceil(v - 0.5)
	}
	scale := math.Pow(10, float64(precision))
	if v >= 0 {
		return math.Floor(v*scale+0.5) / scale
	}
	return math.Ceil(v*scale-0.5) / scale
}
