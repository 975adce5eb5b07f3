package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/modflux/acquisitiond/internal/model"
	"github.com/modflux/acquisitiond/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTransport is an in-memory transport.Transport double whose behavior
// is entirely scripted by the test.
type fakeTransport struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	opErr      error
	closeCount int
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	f.connected = false
	return nil
}

func (f *fakeTransport) ReadHolding(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	if f.opErr != nil {
		return nil, f.opErr
	}
	return make([]uint16, count), nil
}

func (f *fakeTransport) ReadInput(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	return f.ReadHolding(ctx, slaveID, addr, count)
}

func (f *fakeTransport) ReadCoils(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	if f.opErr != nil {
		return nil, f.opErr
	}
	return make([]bool, count), nil
}

func (f *fakeTransport) ReadDiscrete(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	return f.ReadCoils(ctx, slaveID, addr, count)
}

func (f *fakeTransport) WriteSingleReg(ctx context.Context, slaveID byte, addr, val uint16) error {
	return f.opErr
}

func (f *fakeTransport) WriteMultiRegs(ctx context.Context, slaveID byte, addr uint16, values []uint16) error {
	return f.opErr
}

func (f *fakeTransport) WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, val bool) error {
	return f.opErr
}

func newTestConn(spec model.ConnectionSpec, tp *fakeTransport) *Connection {
	if spec.Timeout == 0 {
		spec.Timeout = time.Second
	}
	return New(spec, zap.NewNop(), func() transport.Transport { return tp })
}

func TestConnection_OpenTransitionsIdleToOpen(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{}, tp)
	assert.Equal(t, Idle, c.State())

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, Open, c.State())
	assert.True(t, tp.connected)
}

func TestConnection_OpenIsIdempotentOnceOpen(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{}, tp)

	require.NoError(t, c.Open(context.Background()))
	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, Open, c.State())
}

func TestConnection_ConnectFailureLeavesIdle(t *testing.T) {
	tp := &fakeTransport{connectErr: errs.New(errs.TransportError, "dial refused")}
	c := newTestConn(model.ConnectionSpec{}, tp)

	err := c.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, Idle, c.State())
}

func TestConnection_TransportErrorForcesReconnectOnNextUse(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{}, tp)
	require.NoError(t, c.Open(context.Background()))

	tp.opErr = errs.New(errs.TransportError, "connection reset")
	_, err := c.ReadHolding(context.Background(), 0, 1)
	require.Error(t, err)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, tp.closeCount)

	// Next use reconnects from scratch rather than reusing the torn-down
	// transport.
	tp.opErr = nil
	_, err = c.ReadHolding(context.Background(), 0, 1)
	require.NoError(t, err)
	assert.Equal(t, Open, c.State())
}

func TestConnection_ModbusExceptionLeavesConnectionOpen(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{}, tp)
	require.NoError(t, c.Open(context.Background()))

	tp.opErr = errs.ModbusExc(0x02) // illegal data address
	_, err := c.ReadHolding(context.Background(), 0, 1)
	require.Error(t, err)
	assert.Equal(t, Open, c.State())
	assert.Equal(t, 0, tp.closeCount)
}

func TestConnection_CloseAfterGatherForcesIdleEvenWithoutTransportError(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{CloseAfterGather: true}, tp)
	require.NoError(t, c.Open(context.Background()))

	tp.opErr = errs.ModbusExc(0x02)
	_, err := c.ReadHolding(context.Background(), 0, 1)
	require.Error(t, err)
	assert.Equal(t, Idle, c.State())
	assert.Equal(t, 1, tp.closeCount)
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{}, tp)
	require.NoError(t, c.Open(context.Background()))

	require.NoError(t, c.Close())
	assert.Equal(t, Idle, c.State())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, tp.closeCount)
}

func TestConnection_PauseAfterConnectRespectsCancellation(t *testing.T) {
	tp := &fakeTransport{}
	c := newTestConn(model.ConnectionSpec{PauseAfterConnect: time.Hour}, tp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Open(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, Idle, c.State())
}
