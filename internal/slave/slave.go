// Package slave implements the virtual Modbus/TCP slave of spec §4.8: one
// per connection, mirroring that connection's acquired register image so
// external SCADA/HMI clients can read it as if talking to the real device.
//
// Grounded on the teacher's pkg/nodes/industrial/modbus_tcp.go MBAP framing
// (shared with internal/transport), turned inside-out into a server.
package slave

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/modflux/acquisitiond/internal/transport"
	"go.uber.org/zap"
)

const (
	minAutoPort = 60000
	maxAutoPort = 65535
	maxRetries  = 1000
)

// exception codes (spec §6).
const (
	excIllegalFunction    = 0x01
	excIllegalDataAddress = 0x02
)

// table is one register/coil table's sparse image, guarded independently
// so reads and writes to different tables never contend.
type table struct {
	mu   sync.RWMutex
	bits map[uint16]bool
	regs map[uint16]uint16
}

func newTable() *table {
	return &table{bits: make(map[uint16]bool), regs: make(map[uint16]uint16)}
}

func (t *table) setRegs(start uint16, words []uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, w := range words {
		t.regs[start+uint16(i)] = w
	}
}

func (t *table) setBits(start uint16, bits []bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, b := range bits {
		t.bits[start+uint16(i)] = b
	}
}

// readRegs returns count registers starting at start. Addresses never
// mirrored from an acquisition tick read back as 0 rather than faulting,
// per spec §4.8/§8: only a request with a bad function code or a
// malformed PDU raises an exception.
func (t *table) readRegs(start, count uint16) []uint16 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		out[i] = t.regs[start+i]
	}
	return out
}

// readBits returns count bits starting at start, defaulting unmirrored
// addresses to false. See readRegs.
func (t *table) readBits(start, count uint16) []bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		out[i] = t.bits[start+i]
	}
	return out
}

// Slave is one connection's virtual Modbus/TCP server: it mirrors the
// acquired image in four tables and answers read requests from external
// clients. External write requests are accepted and update the local
// image only; they are not forwarded upstream (spec §4.8).
type Slave struct {
	log *zap.Logger

	holding *table
	input   *table
	coils   *table
	discs   *table

	ln   net.Listener
	port int

	wg sync.WaitGroup
}

func New(log *zap.Logger) *Slave {
	return &Slave{
		log:     log,
		holding: newTable(),
		input:   newTable(),
		coils:   newTable(),
		discs:   newTable(),
	}
}

// UpdateHolding mirrors a tick's acquired holding-register block into the
// slave's image. Called from the poller/pipeline path, never from a
// client-handling goroutine.
func (s *Slave) UpdateHolding(start uint16, words []uint16) { s.holding.setRegs(start, words) }
func (s *Slave) UpdateInput(start uint16, words []uint16)   { s.input.setRegs(start, words) }
func (s *Slave) UpdateCoils(start uint16, bits []bool)      { s.coils.setBits(start, bits) }
func (s *Slave) UpdateDiscrete(start uint16, bits []bool)   { s.discs.setBits(start, bits) }

// Listen binds the slave's TCP listener. If port is 0 it auto-allocates
// from [60000,65535], retrying up to 1000 times on bind failure (spec
// §4.8). If port is negative the slave is disabled and Listen is a no-op
// returning (0, nil).
func (s *Slave) Listen(port int) (int, error) {
	if port < 0 {
		return 0, nil
	}
	if port > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			return 0, err
		}
		s.ln = ln
		s.port = port
		return port, nil
	}

	start := minAutoPort
	p := start
	for i := 0; i < maxRetries; i++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", p))
		if err == nil {
			s.ln = ln
			s.port = p
			return p, nil
		}
		p++
		if p > maxAutoPort {
			p = minAutoPort
		}
	}
	return 0, fmt.Errorf("slave: exhausted %d port attempts from %d", maxRetries, minAutoPort)
}

// Port returns the bound port, 0 before Listen or when disabled.
func (s *Slave) Port() int { return s.port }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Call after Listen.
func (s *Slave) Serve(ctx context.Context) {
	if s.ln == nil {
		return
	}
	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops the listener and waits for in-flight client handlers to
// finish.
func (s *Slave) Close() error {
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Slave) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		header := make([]byte, 7)
		if _, err := readFull(conn, header); err != nil {
			return
		}
		// The MBAP length counts the unit id (header[6]) plus the PDU that
		// follows it; handlePDU takes the two together.
		pduLen := binary.BigEndian.Uint16(header[4:])
		if pduLen == 0 || pduLen > 253 {
			return
		}
		pdu := make([]byte, pduLen)
		pdu[0] = header[6]
		if _, err := readFull(conn, pdu[1:]); err != nil {
			return
		}

		respPDU := s.handlePDU(pdu)

		resp := make([]byte, 6+len(respPDU))
		copy(resp, header[:4]) // echo transaction id + protocol id
		binary.BigEndian.PutUint16(resp[4:], uint16(len(respPDU)))
		copy(resp[6:], respPDU) // unit id lands at resp[6]
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

// handlePDU dispatches one unit-id-prefixed PDU to its function-code
// handler: reads of all four tables, and single/multiple writes to the
// local holding and coil tables (spec §4.8).
func (s *Slave) handlePDU(pdu []byte) []byte {
	if len(pdu) < 2 {
		return pdu
	}
	unitID := pdu[0]
	funcCode := pdu[1]
	body := pdu[2:]

	switch funcCode {
	case transport.FuncReadHoldingRegs:
		return s.handleReadRegs(unitID, funcCode, body, s.holding)
	case transport.FuncReadInputRegs:
		return s.handleReadRegs(unitID, funcCode, body, s.input)
	case transport.FuncReadCoils:
		return s.handleReadBits(unitID, funcCode, body, s.coils)
	case transport.FuncReadDiscreteInputs:
		return s.handleReadBits(unitID, funcCode, body, s.discs)
	case transport.FuncWriteSingleReg:
		return s.handleWriteSingleReg(unitID, funcCode, body)
	case transport.FuncWriteMultiRegs:
		return s.handleWriteMultiRegs(unitID, funcCode, body)
	case transport.FuncWriteSingleCoil:
		return s.handleWriteSingleCoil(unitID, funcCode, body)
	case transport.FuncWriteMultiCoils:
		return s.handleWriteMultiCoils(unitID, funcCode, body)
	default:
		return exceptionPDU(unitID, funcCode, excIllegalFunction)
	}
}

func exceptionPDU(unitID, funcCode byte, code byte) []byte {
	return []byte{unitID, funcCode | 0x80, code}
}

func (s *Slave) handleReadRegs(unitID, funcCode byte, body []byte, t *table) []byte {
	if len(body) < 4 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	count := binary.BigEndian.Uint16(body[2:])
	regs := t.readRegs(addr, count)
	out := make([]byte, 3+len(regs)*2)
	out[0] = unitID
	out[1] = funcCode
	out[2] = byte(len(regs) * 2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[3+i*2:], r)
	}
	return out
}

func (s *Slave) handleReadBits(unitID, funcCode byte, body []byte, t *table) []byte {
	if len(body) < 4 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	count := binary.BigEndian.Uint16(body[2:])
	bits := t.readBits(addr, count)
	packed := packBits(bits)
	out := make([]byte, 3+len(packed))
	out[0] = unitID
	out[1] = funcCode
	out[2] = byte(len(packed))
	copy(out[3:], packed)
	return out
}

func (s *Slave) handleWriteSingleReg(unitID, funcCode byte, body []byte) []byte {
	if len(body) < 4 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	val := binary.BigEndian.Uint16(body[2:])
	s.holding.setRegs(addr, []uint16{val})
	out := make([]byte, 6)
	out[0] = unitID
	out[1] = funcCode
	copy(out[2:], body[:4])
	return out
}

func (s *Slave) handleWriteMultiRegs(unitID, funcCode byte, body []byte) []byte {
	if len(body) < 5 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	count := binary.BigEndian.Uint16(body[2:])
	byteCount := int(body[4])
	if len(body) < 5+byteCount || byteCount < int(count)*2 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	words := make([]uint16, count)
	for i := uint16(0); i < count; i++ {
		words[i] = binary.BigEndian.Uint16(body[5+i*2:])
	}
	s.holding.setRegs(addr, words)
	out := make([]byte, 6)
	out[0] = unitID
	out[1] = funcCode
	binary.BigEndian.PutUint16(out[2:], addr)
	binary.BigEndian.PutUint16(out[4:], count)
	return out
}

func (s *Slave) handleWriteSingleCoil(unitID, funcCode byte, body []byte) []byte {
	if len(body) < 4 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	val := binary.BigEndian.Uint16(body[2:]) == 0xFF00
	s.coils.setBits(addr, []bool{val})
	out := make([]byte, 6)
	copy(out, []byte{unitID, funcCode})
	copy(out[2:], body[:4])
	return out
}

func (s *Slave) handleWriteMultiCoils(unitID, funcCode byte, body []byte) []byte {
	if len(body) < 5 {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	addr := binary.BigEndian.Uint16(body[0:])
	count := binary.BigEndian.Uint16(body[2:])
	byteCount := int(body[4])
	if len(body) < 5+byteCount {
		return exceptionPDU(unitID, funcCode, excIllegalDataAddress)
	}
	bits := unpackBitsLocal(body[5:5+byteCount], count)
	s.coils.setBits(addr, bits)
	out := make([]byte, 6)
	out[0] = unitID
	out[1] = funcCode
	binary.BigEndian.PutUint16(out[2:], addr)
	binary.BigEndian.PutUint16(out[4:], count)
	return out
}

func unpackBitsLocal(data []byte, count uint16) []bool {
	out := make([]bool, count)
	for i := uint16(0); i < count; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if int(byteIdx) >= len(data) {
			break
		}
		out[i] = (data[byteIdx] & (1 << bitIdx)) != 0
	}
	return out
}

func packBits(values []bool) []byte {
	data := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			data[i/8] |= 1 << uint(i%8)
		}
	}
	return data
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
