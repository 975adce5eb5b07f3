package transport

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/modflux/acquisitiond/internal/errs"
	"go.bug.st/serial"
)

// RTUTransport implements Transport over Modbus/RTU: the same function
// codes as TCP, framed with a CRC-16 trailer instead of an MBAP header.
// Grounded on the teacher's ModbusRTUNode (port open/config) with a
// CRC-16/MODBUS trailer appended to every request per spec §6. The CRC
// bytes of a reply are read off the line but not verified.
type RTUTransport struct {
	portName string
	mode     *serial.Mode
	timeout  time.Duration
	port     serial.Port
}

func parityFrom(s string) serial.Parity {
	switch s {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

func stopBitsFrom(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}

// NewRTU returns a serial Modbus/RTU transport, not yet opened.
func NewRTU(portName string, baud, dataBits int, parity string, stopBits int, timeout time.Duration) *RTUTransport {
	return &RTUTransport{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: dataBits,
			Parity:   parityFrom(parity),
			StopBits: stopBitsFrom(stopBits),
		},
		timeout: timeout,
	}
}

func (t *RTUTransport) Connect(ctx context.Context) error {
	p, err := serial.Open(t.portName, t.mode)
	if err != nil {
		return errs.Wrap(errs.TransportError, "serial open failed", err)
	}
	if err := p.SetReadTimeout(t.timeout); err != nil {
		p.Close()
		return errs.Wrap(errs.TransportError, "serial set timeout failed", err)
	}
	t.port = p
	return nil
}

func (t *RTUTransport) Close() error {
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	return err
}

// crc16 computes the CRC-16/MODBUS checksum (poly 0xA001, init 0xFFFF).
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

func appendCRC(frame []byte) []byte {
	c := crc16(frame)
	out := make([]byte, len(frame)+2)
	copy(out, frame)
	// CRC is transmitted low byte first.
	out[len(frame)] = byte(c)
	out[len(frame)+1] = byte(c >> 8)
	return out
}

func (t *RTUTransport) buildRequest(slaveID, funcCode byte, addr, value uint16) []byte {
	frame := make([]byte, 6)
	frame[0] = slaveID
	frame[1] = funcCode
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], value)
	return appendCRC(frame)
}

func (t *RTUTransport) buildWriteMultiRequest(slaveID, funcCode byte, addr, quantity uint16, data []byte) []byte {
	frame := make([]byte, 7+len(data))
	frame[0] = slaveID
	frame[1] = funcCode
	binary.BigEndian.PutUint16(frame[2:], addr)
	binary.BigEndian.PutUint16(frame[4:], quantity)
	frame[6] = byte(len(data))
	copy(frame[7:], data)
	return appendCRC(frame)
}

// roundTrip writes a CRC-framed request and reads back a reply. RTU has no
// length prefix, so the function code byte is read first to learn whether
// this is a normal (fixedReplyLen bytes) or exception (5 byte) reply before
// reading the rest.
func (t *RTUTransport) roundTrip(ctx context.Context, req []byte, fixedReplyLen int) ([]byte, error) {
	if t.port == nil {
		return nil, errs.New(errs.TransportError, "not connected")
	}

	if _, err := t.port.Write(req); err != nil {
		return nil, errs.Wrap(errs.TransportError, "serial write", err)
	}

	head := make([]byte, 2) // slaveID, func(|0x80)
	if err := readFullSerial(t.port, head); err != nil {
		return nil, classifySerial(err)
	}

	if head[1]&0x80 != 0 {
		rest := make([]byte, 3) // code, crc(2)
		if err := readFullSerial(t.port, rest); err != nil {
			return nil, classifySerial(err)
		}
		return nil, errs.ModbusExc(rest[0])
	}

	rest := make([]byte, fixedReplyLen-2)
	if err := readFullSerial(t.port, rest); err != nil {
		return nil, classifySerial(err)
	}
	return append(head, rest...), nil
}

func readFullSerial(p serial.Port, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := p.Read(buf[total:])
		if n == 0 && err == nil {
			return errs.New(errs.Timeout, "serial read timed out")
		}
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func classifySerial(err error) error {
	if e, ok := err.(*errs.Error); ok {
		return e
	}
	return errs.Wrap(errs.TransportError, "serial io", err)
}

func (t *RTUTransport) readRegsReply(ctx context.Context, req []byte, count uint16) ([]uint16, error) {
	// slaveID, func, byteCount = 3 bytes fixed head, then data + crc2.
	if t.port == nil {
		return nil, errs.New(errs.TransportError, "not connected")
	}
	if _, err := t.port.Write(req); err != nil {
		return nil, errs.Wrap(errs.TransportError, "serial write", err)
	}
	head := make([]byte, 3)
	if err := readFullSerial(t.port, head); err != nil {
		return nil, classifySerial(err)
	}
	if head[1]&0x80 != 0 {
		_ = readFullSerial(t.port, make([]byte, 2))
		return nil, errs.ModbusExc(head[2])
	}
	byteCount := int(head[2])
	rest := make([]byte, byteCount+2)
	if err := readFullSerial(t.port, rest); err != nil {
		return nil, classifySerial(err)
	}
	regs := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		regs[i] = binary.BigEndian.Uint16(rest[i*2:])
	}
	return regs, nil
}

func (t *RTUTransport) readBitsReply(ctx context.Context, req []byte, count uint16) ([]bool, error) {
	if t.port == nil {
		return nil, errs.New(errs.TransportError, "not connected")
	}
	if _, err := t.port.Write(req); err != nil {
		return nil, errs.Wrap(errs.TransportError, "serial write", err)
	}
	head := make([]byte, 3)
	if err := readFullSerial(t.port, head); err != nil {
		return nil, classifySerial(err)
	}
	if head[1]&0x80 != 0 {
		_ = readFullSerial(t.port, make([]byte, 2))
		return nil, errs.ModbusExc(head[2])
	}
	byteCount := int(head[2])
	rest := make([]byte, byteCount+2)
	if err := readFullSerial(t.port, rest); err != nil {
		return nil, classifySerial(err)
	}
	return unpackBits(rest[:byteCount], count), nil
}

func (t *RTUTransport) ReadHolding(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	return t.readRegsReply(ctx, t.buildRequest(slaveID, FuncReadHoldingRegs, addr, count), count)
}

func (t *RTUTransport) ReadInput(ctx context.Context, slaveID byte, addr, count uint16) ([]uint16, error) {
	return t.readRegsReply(ctx, t.buildRequest(slaveID, FuncReadInputRegs, addr, count), count)
}

func (t *RTUTransport) ReadCoils(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	return t.readBitsReply(ctx, t.buildRequest(slaveID, FuncReadCoils, addr, count), count)
}

func (t *RTUTransport) ReadDiscrete(ctx context.Context, slaveID byte, addr, count uint16) ([]bool, error) {
	return t.readBitsReply(ctx, t.buildRequest(slaveID, FuncReadDiscreteInputs, addr, count), count)
}

func (t *RTUTransport) WriteSingleReg(ctx context.Context, slaveID byte, addr, val uint16) error {
	req := t.buildRequest(slaveID, FuncWriteSingleReg, addr, val)
	_, err := t.roundTrip(ctx, req, 8)
	return err
}

func (t *RTUTransport) WriteSingleCoil(ctx context.Context, slaveID byte, addr uint16, val bool) error {
	var v uint16
	if val {
		v = 0xFF00
	}
	req := t.buildRequest(slaveID, FuncWriteSingleCoil, addr, v)
	_, err := t.roundTrip(ctx, req, 8)
	return err
}

func (t *RTUTransport) WriteMultiRegs(ctx context.Context, slaveID byte, addr uint16, values []uint16) error {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[i*2:], v)
	}
	req := t.buildWriteMultiRequest(slaveID, FuncWriteMultiRegs, addr, uint16(len(values)), data)
	_, err := t.roundTrip(ctx, req, 8)
	return err
}
