// Package rules implements the rule-engine contract of spec §4.10: a
// 50ms per-key debounce in front of externally-loaded rule handlers, plus
// the on-demand read/write primitives those handlers use to talk back to
// a connection through its dispatcher. Specific rules are not part of
// this package; Engine only supplies the debounce and the primitives.
//
// Grounded on the teacher's internal/node panic-recovery boundary
// (node.go's recover-and-log around a plugin callback).
package rules

import (
	"context"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/codec"
	"github.com/modflux/acquisitiond/internal/connmgr"
	"github.com/modflux/acquisitiond/internal/dispatch"
	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
	"go.uber.org/zap"
)

const debounceWindow = 50 * time.Millisecond
const readTimeout = 10 * time.Second

// Handler is an externally-supplied rule reacting to one ParamChanged
// event. It receives the primitives it needs to read or write back.
type Handler func(ctx context.Context, ev model.ParamChanged, api API)

// API is the surface a Handler uses to act on a ParamChanged event.
type API interface {
	// ReadParameter issues one on-demand Read at priority 10 on (connID,
	// deviceID), waits up to 10s, and decodes the named parameter out of
	// the result.
	ReadParameter(ctx context.Context, connID, deviceID string, regType model.RegisterType, byteOrder model.ByteOrder, p model.ParameterSpec) (interface{}, error)
	// WriteRegister writes one or more consecutive holding registers via
	// C4 at priority 10.
	WriteRegister(ctx context.Context, connID string, addr uint16, values []uint16) error
}

// Engine owns the debounce table and dispatches ParamChanged events to a
// registered Handler. Panics inside Handler are caught at this boundary so
// one bad rule cannot take down the event pipeline.
type Engine struct {
	log     *zap.Logger
	mgr     *connmgr.Manager
	handler Handler

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func New(log *zap.Logger, mgr *connmgr.Manager, handler Handler) *Engine {
	return &Engine{log: log, mgr: mgr, handler: handler, lastSeen: make(map[string]time.Time)}
}

// HandleChanged is the pipeline's entry point for ParamChanged events
// (spec §4.9: at-least-once delivery to the rule engine). Debounced
// events are dropped silently; accepted events run the handler on their
// own goroutine so a slow rule never blocks the pipeline.
func (e *Engine) HandleChanged(ev model.ParamChanged) {
	if e.handler == nil {
		return
	}
	key := ev.Fingerprint()
	now := ev.Ts
	if now.IsZero() {
		now = time.Now()
	}

	e.mu.Lock()
	last, ok := e.lastSeen[key]
	if ok && now.Sub(last) < debounceWindow {
		e.mu.Unlock()
		return
	}
	e.lastSeen[key] = now
	e.mu.Unlock()

	go e.runHandler(ev)
}

func (e *Engine) runHandler(ev model.ParamChanged) {
	defer func() {
		if r := recover(); r != nil {
			if e.log != nil {
				e.log.Error("rule handler panicked", zap.Any("recovered", r), zap.String("fingerprint", ev.Fingerprint()))
			}
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	e.handler(ctx, ev, e)
}

// ReadParameter implements API.
func (e *Engine) ReadParameter(ctx context.Context, connID, deviceID string, regType model.RegisterType, byteOrder model.ByteOrder, p model.ParameterSpec) (interface{}, error) {
	conn, err := e.mgr.Ensure(ctx, connID)
	if err != nil {
		return nil, err
	}
	disp := e.mgr.Dispatcher(connID)
	if disp == nil {
		return nil, errs.New(errs.InvalidSpec, "no dispatcher for connection "+connID)
	}

	n := p.RegisterCount()
	if regType == model.Coil || regType == model.DiscreteInput {
		n = 1
	}

	rctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	val, err := disp.Submit(rctx, &dispatch.Request{
		Kind:     dispatch.Read,
		Priority: dispatch.PriorityWrite,
		Op: func(opCtx context.Context) (interface{}, error) {
			switch regType {
			case model.Holding:
				return conn.ReadHolding(opCtx, p.Addresses[0], uint16(n))
			case model.Input:
				return conn.ReadInput(opCtx, p.Addresses[0], uint16(n))
			case model.Coil:
				bits, err := conn.ReadCoils(opCtx, p.Addresses[0], 1)
				if err != nil {
					return nil, err
				}
				return bits[0], nil
			case model.DiscreteInput:
				bits, err := conn.ReadDiscrete(opCtx, p.Addresses[0], 1)
				if err != nil {
					return nil, err
				}
				return bits[0], nil
			default:
				return nil, errs.New(errs.InvalidSpec, "unknown register_type")
			}
		},
	})
	if err != nil {
		return nil, err
	}

	if regType == model.Coil || regType == model.DiscreteInput {
		return val.(bool), nil
	}
	regs := val.([]uint16)
	return codec.DecodeValue(regs, p.DataType, byteOrder, p.Scale, p.Offset)
}

// WriteRegister implements API.
func (e *Engine) WriteRegister(ctx context.Context, connID string, addr uint16, values []uint16) error {
	conn, err := e.mgr.Ensure(ctx, connID)
	if err != nil {
		return err
	}
	disp := e.mgr.Dispatcher(connID)
	if disp == nil {
		return errs.New(errs.InvalidSpec, "no dispatcher for connection "+connID)
	}

	wctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	_, err = disp.Submit(wctx, &dispatch.Request{
		Kind:     dispatch.Write,
		Priority: dispatch.PriorityWrite,
		Op: func(opCtx context.Context) (interface{}, error) {
			if len(values) == 1 {
				return nil, conn.WriteSingleReg(opCtx, addr, values[0])
			}
			return nil, conn.WriteMultiRegs(opCtx, addr, values)
		},
	})
	return err
}
