// Package connection implements the per-device connection state machine
// of spec §4.2: one transport, one mutex serializing request/response,
// reconnect-on-next-use after a transport fault.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/transport"
	"go.uber.org/zap"
)

// State is one of the five states of spec §4.2.
type State string

const (
	Idle       State = "idle"
	Connecting State = "connecting"
	Open       State = "open"
	Closing    State = "closing"
	Faulted    State = "faulted"
)

// Connection owns one long-lived transport to one upstream device and
// serializes every request/response on it, grounded on the teacher's
// ModbusTCPNode's mu-guarded reconnect-on-nil-conn pattern generalized
// into an explicit state machine.
type Connection struct {
	spec  model.ConnectionSpec
	log   *zap.Logger
	newTp func() transport.Transport

	mu    sync.Mutex
	state State
	tp    transport.Transport
}

// New constructs a Connection for spec, using newTransport to build the
// wire transport on demand (TCP vs RTU per spec.Kind).
func New(spec model.ConnectionSpec, log *zap.Logger, newTransport func() transport.Transport) *Connection {
	return &Connection{spec: spec, log: log, newTp: newTransport, state: Idle}
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open connects the transport if it is not already open, applying
// pause_after_connect. Used by the connection manager's Ensure to fail
// fast on first use rather than deferring to the first real operation.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureOpen(ctx)
}

// ensureOpen connects if needed, applying pause_after_connect before
// returning success, per spec §4.2. Caller must hold c.mu.
func (c *Connection) ensureOpen(ctx context.Context) error {
	if c.state == Open {
		return nil
	}
	c.state = Connecting
	tp := c.newTp()
	if err := tp.Connect(ctx); err != nil {
		c.state = Faulted
		c.state = Idle
		return err
	}
	if c.spec.PauseAfterConnect > 0 {
		select {
		case <-time.After(c.spec.PauseAfterConnect):
		case <-ctx.Done():
			tp.Close()
			c.state = Idle
			return ctx.Err()
		}
	}
	c.tp = tp
	c.state = Open
	return nil
}

// afterError transitions state following an operation error, per spec
// §4.2: close_after_gather or a transport-level fault forces Idle so the
// next call reconnects from scratch.
func (c *Connection) afterError(err error) {
	kind, _ := errs.KindOf(err)
	if c.spec.CloseAfterGather || kind == errs.TransportError || kind == errs.Timeout {
		if c.tp != nil {
			c.tp.Close()
			c.tp = nil
		}
		c.state = Idle
		return
	}
	// ModbusException and other non-transport errors leave the connection
	// open; the device answered, it just refused the request.
}

func (c *Connection) do(ctx context.Context, op func(tp transport.Transport) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpen(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.spec.Timeout)
	defer cancel()
	err := op(c.tp)
	if err != nil {
		c.afterError(err)
	}
	return err
}

func (c *Connection) ReadHolding(ctx context.Context, addr, count uint16) ([]uint16, error) {
	var out []uint16
	err := c.do(ctx, func(tp transport.Transport) error {
		var e error
		out, e = tp.ReadHolding(ctx, c.spec.SlaveID, addr, count)
		return e
	})
	return out, err
}

func (c *Connection) ReadInput(ctx context.Context, addr, count uint16) ([]uint16, error) {
	var out []uint16
	err := c.do(ctx, func(tp transport.Transport) error {
		var e error
		out, e = tp.ReadInput(ctx, c.spec.SlaveID, addr, count)
		return e
	})
	return out, err
}

func (c *Connection) ReadCoils(ctx context.Context, addr, count uint16) ([]bool, error) {
	var out []bool
	err := c.do(ctx, func(tp transport.Transport) error {
		var e error
		out, e = tp.ReadCoils(ctx, c.spec.SlaveID, addr, count)
		return e
	})
	return out, err
}

func (c *Connection) ReadDiscrete(ctx context.Context, addr, count uint16) ([]bool, error) {
	var out []bool
	err := c.do(ctx, func(tp transport.Transport) error {
		var e error
		out, e = tp.ReadDiscrete(ctx, c.spec.SlaveID, addr, count)
		return e
	})
	return out, err
}

func (c *Connection) WriteSingleReg(ctx context.Context, addr, val uint16) error {
	return c.do(ctx, func(tp transport.Transport) error {
		return tp.WriteSingleReg(ctx, c.spec.SlaveID, addr, val)
	})
}

func (c *Connection) WriteMultiRegs(ctx context.Context, addr uint16, values []uint16) error {
	return c.do(ctx, func(tp transport.Transport) error {
		return tp.WriteMultiRegs(ctx, c.spec.SlaveID, addr, values)
	})
}

func (c *Connection) WriteSingleCoil(ctx context.Context, addr uint16, val bool) error {
	return c.do(ctx, func(tp transport.Transport) error {
		return tp.WriteSingleCoil(ctx, c.spec.SlaveID, addr, val)
	})
}

// Close transitions to Closing, tears down the transport, and settles in
// Idle. Idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Idle {
		return nil
	}
	c.state = Closing
	var err error
	if c.tp != nil {
		err = c.tp.Close()
		c.tp = nil
	}
	c.state = Idle
	return err
}
