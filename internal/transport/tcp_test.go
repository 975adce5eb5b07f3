package transport

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts exactly one connection and hands every received frame
// to respond for a scripted reply.
func fakeServer(t *testing.T, respond func(pdu []byte, unitID byte) []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			header := make([]byte, 7)
			if _, err := readFull(conn, header); err != nil {
				return
			}
			pduLen := binary.BigEndian.Uint16(header[4:])
			unitID := header[6]
			body := make([]byte, pduLen-1)
			if pduLen > 1 {
				if _, err := readFull(conn, body); err != nil {
					return
				}
			}
			reply := respond(body, unitID)
			out := make([]byte, 7+len(reply))
			copy(out[:2], header[:2]) // echo tx id
			binary.BigEndian.PutUint16(out[4:], uint16(len(reply)+1))
			out[6] = unitID
			copy(out[7:], reply)
			if _, err := conn.Write(out); err != nil {
				return
			}
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	return host + ":" + portStr, func() { ln.Close() }
}

func dialTCP(t *testing.T, addr string) *TCPTransport {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	tp := NewTCP(host, port, time.Second)
	require.NoError(t, tp.Connect(context.Background()))
	return tp
}

func TestTCPTransport_ReadHoldingRoundTrip(t *testing.T) {
	addr, stop := fakeServer(t, func(pdu []byte, unitID byte) []byte {
		// echo back 2 registers of value 0x1234, 0x5678
		return []byte{FuncReadHoldingRegs, 4, 0x12, 0x34, 0x56, 0x78}
	})
	defer stop()

	tp := dialTCP(t, addr)
	defer tp.Close()

	regs, err := tp.ReadHolding(context.Background(), 1, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x1234, 0x5678}, regs)
}

func TestTCPTransport_ReadCoilsRoundTrip(t *testing.T) {
	addr, stop := fakeServer(t, func(pdu []byte, unitID byte) []byte {
		// bits: 1,0,1,1,0,0,0,0 => byte 0x0D
		return []byte{FuncReadCoils, 1, 0x0D}
	})
	defer stop()

	tp := dialTCP(t, addr)
	defer tp.Close()

	bits, err := tp.ReadCoils(context.Background(), 1, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, true}, bits)
}

func TestTCPTransport_ExceptionResponseIsModbusException(t *testing.T) {
	addr, stop := fakeServer(t, func(pdu []byte, unitID byte) []byte {
		return []byte{FuncReadHoldingRegs | 0x80, 0x02} // illegal data address
	})
	defer stop()

	tp := dialTCP(t, addr)
	defer tp.Close()

	_, err := tp.ReadHolding(context.Background(), 1, 0, 2)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.ModbusException, kind)
}

func TestTCPTransport_WriteSingleRegRoundTrip(t *testing.T) {
	addr, stop := fakeServer(t, func(pdu []byte, unitID byte) []byte {
		// echo the request PDU back, as a real device does for FC06
		return pdu
	})
	defer stop()

	tp := dialTCP(t, addr)
	defer tp.Close()

	err := tp.WriteSingleReg(context.Background(), 1, 10, 0x00FF)
	require.NoError(t, err)
}

func TestTCPTransport_OperationBeforeConnectFails(t *testing.T) {
	tp := NewTCP("127.0.0.1", 1, time.Second)
	_, err := tp.ReadHolding(context.Background(), 1, 0, 1)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.TransportError, kind)
}

func TestTCPTransport_CloseIsIdempotent(t *testing.T) {
	tp := NewTCP("127.0.0.1", 1, time.Second)
	require.NoError(t, tp.Close())
	require.NoError(t, tp.Close())
}
