package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
)

// TCPTransport implements Transport over Modbus/TCP (MBAP header), grounded
// on the teacher's ModbusTCPNode.buildRequest/sendRequest.
type TCPTransport struct {
	addr    string
	timeout time.Duration
	conn    net.Conn
	txID    uint16
}

// NewTCP returns a TCP transport for host:port, not yet connected.
func NewTCP(host string, port int, timeout time.Duration) *TCPTransport {
	return &TCPTransport{addr: fmt.Sprintf("%s:%d", host, port), timeout: timeout}
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	d := net.Dialer{Timeout: t.timeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return errs.Wrap(errs.TransportError, "tcp dial failed", err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) nextTxID() uint16 {
	t.txID++
	return t.txID
}

// buildRequest builds an MBAP header + simple (addr,value) PDU.
func (t *TCPTransport) buildRequest(slaveID, funcCode byte, addr, value uint16) []byte {
	pduLen := 6 // unit id + func + addr(2) + value(2)
	req := make([]byte, 7+pduLen)
	binary.BigEndian.PutUint16(req[0:], t.nextTxID())
	binary.BigEndian.PutUint16(req[2:], 0)
	binary.BigEndian.PutUint16(req[4:], uint16(pduLen))
	req[6] = slaveID
	req[7] = funcCode
	binary.BigEndian.PutUint16(req[8:], addr)
	binary.BigEndian.PutUint16(req[10:], value)
	return req
}

// buildWriteMultiRequest builds an MBAP header + write-multiple PDU.
func (t *TCPTransport) buildWriteMultiRequest(slaveID, funcCode byte, addr, quantity uint16, data []byte) []byte {
	pduLen := 7 + len(data)
	req := make([]byte, 7+pduLen)
	binary.BigEndian.PutUint16(req[0:], t.nextTxID())
	binary.BigEndian.PutUint16(req[2:], 0)
	binary.BigEndian.PutUint16(req[4:], uint16(pduLen))
	req[6] = slaveID
	req[7] = funcCode
	binary.BigEndian.PutUint16(req[8:], addr)
	binary.BigEndian.PutUint16(req[10:], quantity)
	req[12] = byte(len(data))
	copy(req[13:], data)
	return req
}

func (t *TCPTransport) roundTrip(ctx context.Context, req []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, errs.New(errs.TransportError, "not connected")
	}
	deadline := time.Now().Add(t.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, errs.Wrap(errs.TransportError, "set deadline", err)
	}

	if _, err := t.conn.Write(req); err != nil {
		return nil, classify(err, "write")
	}

	header := make([]byte, 7)
	if _, err := readFull(t.conn, header); err != nil {
		return nil, classify(err, "read header")
	}
	// The MBAP length counts the unit id already read as header[6].
	pduLen := binary.BigEndian.Uint16(header[4:])
	if pduLen < 2 {
		return nil, errs.New(errs.TransportError, "zero-length pdu")
	}
	pdu := make([]byte, pduLen-1)
	if _, err := readFull(t.conn, pdu); err != nil {
		return nil, classify(err, "read pdu")
	}

	if len(pdu) >= 2 && pdu[0]&0x80 != 0 {
		return nil, errs.ModbusExc(pdu[1])
	}

	return pdu, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func classify(err error, where string) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return errs.Wrap(errs.Timeout, where, err)
	}
	return errs.Wrap(errs.TransportError, where, err)
}

func (t *TCPTransport) ReadHolding(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	return t.readRegs(ctx, slaveID, FuncReadHoldingRegs, addr, count)
}

func (t *TCPTransport) ReadInput(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	return t.readRegs(ctx, slaveID, FuncReadInputRegs, addr, count)
}

func (t *TCPTransport) readRegs(ctx context.Context, slaveID, funcCode byte, addr, count uint16) ([]uint16, error) {
	req := t.buildRequest(slaveID, funcCode, addr, count)
	pdu, err := t.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, errs.New(errs.Truncated, "short read-regs response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, errs.New(errs.Truncated, "incomplete read-regs response")
	}
	regs := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		regs[i] = binary.BigEndian.Uint16(pdu[2+i*2:])
	}
	return regs, nil
}

func (t *TCPTransport) ReadCoils(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	return t.readBits(ctx, slaveID, FuncReadCoils, addr, count)
}

func (t *TCPTransport) ReadDiscrete(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	return t.readBits(ctx, slaveID, FuncReadDiscreteInputs, addr, count)
}

func (t *TCPTransport) readBits(ctx context.Context, slaveID, funcCode byte, addr, count uint16) ([]bool, error) {
	req := t.buildRequest(slaveID, funcCode, addr, count)
	pdu, err := t.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(pdu) < 2 {
		return nil, errs.New(errs.Truncated, "short read-bits response")
	}
	byteCount := int(pdu[1])
	if len(pdu) < 2+byteCount {
		return nil, errs.New(errs.Truncated, "incomplete read-bits response")
	}
	return unpackBits(pdu[2:2+byteCount], count), nil
}

func (t *TCPTransport) WriteSingleReg(ctx context.Context, slaveID byte, addr, val uint16) error {
	req := t.buildRequest(slaveID, FuncWriteSingleReg, addr, val)
	_, err := t.roundTrip(ctx, req)
	return err
}

func (t *TCPTransport) WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, val bool) error {
	var v uint16
	if val {
		v = 0xFF00
	}
	req := t.buildRequest(slaveID, FuncWriteSingleCoil, addr, v)
	_, err := t.roundTrip(ctx, req)
	return err
}

func (t *TCPTransport) WriteMultiRegs(ctx context.Context, slaveID byte, addr uint16, values []uint16) error {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	req := t.buildWriteMultiRequest(slaveID, FuncWriteMultiRegs, addr, uint16(len(values)), data)
	_, err := t.roundTrip(ctx, req)
	return err
}
