// Package changetracker holds the last observed compare-value per
// parameter and emits ParamChanged events on change, per spec §4.7.
// Grounded on the teacher's internal/metrics mutex-guarded-struct idiom.
package changetracker

import (
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/model"
)

type key struct {
	connID, deviceID, code string
}

// entry is a LastValueEntry (spec §3): compare-value plus emission time.
type entry struct {
	compare interface{}
	ts      time.Time
}

// Tracker holds LastValueEntry state for every parameter observed so far.
// Entries are created on first sample, updated monotonically, and never
// deleted during a run.
type Tracker struct {
	mu      sync.RWMutex
	entries map[key]entry
}

func New() *Tracker {
	return &Tracker{entries: make(map[key]entry)}
}

// compareValue is raw when the parameter has a bit_map, else parsed
// (spec glossary: "Compare-value").
func compareValue(s model.ParameterSample) interface{} {
	if s.Spec.BitMap != nil {
		return s.Raw
	}
	return s.Parsed
}

// Observe records sample s if its parameter has on_change=true, and
// returns the ParamChanged event to emit, if any. Samples for parameters
// with on_change=false are ignored (no entry created).
func (t *Tracker) Observe(s model.ParameterSample) (model.ParamChanged, bool) {
	if !s.Spec.OnChange {
		return model.ParamChanged{}, false
	}

	k := key{s.ConnID, s.DeviceID, s.Code}
	cv := compareValue(s)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, existed := t.entries[k]
	t.entries[k] = entry{compare: cv, ts: s.Ts}
	if !existed {
		return model.ParamChanged{}, false
	}
	if equal(prev.compare, cv, s.Spec.Precision) {
		return model.ParamChanged{}, false
	}
	return model.ParamChanged{
		ConnID:   s.ConnID,
		DeviceID: s.DeviceID,
		Code:     s.Code,
		Old:      prev.compare,
		New:      cv,
		Ts:       s.Ts,
		Sample:   s,
	}, true
}

func equal(old, new interface{}, precision int) bool {
	switch o := old.(type) {
	case float64:
		n, ok := new.(float64)
		if !ok {
			return false
		}
		eps := math.Pow(10, float64(-precision))
		return math.Abs(o-n) < eps
	case map[string]bool:
		n, ok := new.(map[string]bool)
		if !ok || len(o) != len(n) {
			return false
		}
		for bk, bv := range o {
			if n[bk] != bv {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(old, new)
	}
}
