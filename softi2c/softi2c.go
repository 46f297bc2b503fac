// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package softi2c implements the bit-banged I²C master (spec §4.3, C3):
// one state machine per sensor port, advanced one bit-phase at a time by
// the sub-tick tick.Controller drives. Each port's state machine is
// independent (spec §5: "no cross-port ordering").
//
// The bit-level protocol here is grounded on the synchronous
// bit-bang master in periph's own experimental/devices/bitbang i2c
// driver (start/writeByte/readByte against two gpio.PinIO lines), turned
// inside out into a non-blocking step function since embedded code here
// cannot block a tick ISR waiting on a clock edge.
package softi2c

import (
	"errors"
	"fmt"

	"periph.io/x/conn/v3/gpio"

	"nxtcore.dev/core/board"
)

// Direction of a transaction's data phase.
type Direction int

const (
	Write Direction = iota
	Read
)

// Status is a transaction's lifecycle state, observable via Status/Busy.
type Status int

const (
	Idle Status = iota
	InProgress
	Failed
	Success
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case InProgress:
		return "IN_PROGRESS"
	case Failed:
		return "FAILED"
	case Success:
		return "SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// ErrBusy is returned by StartTransaction when a port already has a
// transaction in flight (spec §4.3: "at most one in-flight transaction
// per port").
var ErrBusy = errors.New("softi2c: port busy")

// ErrDataLen is returned when data_len is 0 or exceeds 16 bytes.
var ErrDataLen = errors.New("softi2c: data length must be 1..16")

const maxDataLen = 16

// legacy-compat extra hold before the repeated-start read address phase,
// expressed in sub-ticks at the configured sub-tick rate (spec §4.3: "an
// extra ≥100 µs hold").
const legacyHoldSubTicks = 4

// busStuckSubTicks bounds how long an ACK-wait or data phase may sit
// without the slave becoming ready before the transaction fails as a bus
// stuck (spec §4.3: "SDA held low by slave beyond a configured timeout
// in sub-ticks"; spec §7 Kind TIMEOUT: "Bus stuck ... Enter recovery").
const busStuckSubTicks = 100

type fsmState int

const (
	sIdle fsmState = iota
	sStart
	sAddrTxW
	sAckWaitAddrW
	sInternalAddrTx
	sAckWaitIA
	sLegacyHold
	sRepeatedStart
	sAddrTxR
	sAckWaitAddrR
	sData
	sAckWaitData
	sStop
)

// transaction is one in-flight (or just-completed) I²C exchange.
type transaction struct {
	addr     byte
	dir      Direction
	ia       [1]byte
	iaLen    int
	data     [maxDataLen]byte
	dataLen  int
	status   Status
}

// registration is a registered device on a port (spec §4.3 register).
type registration struct {
	addr          byte
	legacyCompat  bool
	registered    bool
}

// port is the per-socket I²C state.
type port struct {
	sda *board.Pin
	scl *board.Pin

	reg registration
	txn *transaction

	state      fsmState
	bitPhase   int // 0: SCL low/set data, 1: SCL high/sample
	bitPos     int // 7..0
	byteBuf     byte
	dataIndex   int
	holdCount   int
	nackCounter    int
	stuckTicks     int
	timeoutCounter int

	// slave exercises the bus electrically for tests: a slave model that
	// answers address/data phases without real silicon. Production
	// builds leave this nil and the FSM simply can't complete a
	// transaction without one, matching real hardware needing an
	// actual device on the bus.
	slave Slave
}

// Slave is a minimal I²C slave model used by tests (spec §8's "stub
// slave"). It is intentionally small: only what the state machine below
// needs to resolve ACK/NACK and move data.
type Slave interface {
	// MatchAddress reports whether the slave acknowledges addr for the
	// given direction.
	MatchAddress(addr byte, dir Direction) bool
	// WriteInternalAddress delivers the one-byte internal-address prefix
	// (spec §4.3, §6: "an optional 1-byte internal address written before
	// the read restart"); returns ack.
	WriteInternalAddress(b byte) bool
	// WriteByte delivers one data byte from master to slave; returns ack.
	WriteByte(b byte) bool
	// ReadByte supplies the next byte from slave to master.
	ReadByte() byte
}

// ClockStretcher is an optional Slave capability: a slave that needs
// extra sub-ticks before it can resolve an ACK or hand over a data bit
// implements it to hold the bus (real I²C clock stretching). sampleAck
// and shiftInBit poll Ready before sampling; a slave that never becomes
// ready trips the bus-stuck timeout (spec §4.3, §7 Kind TIMEOUT).
type ClockStretcher interface {
	Ready() bool
}

// Master owns all four sensor ports' soft-I²C state machines.
type Master struct {
	ports [board.NumSensorPorts]*port
}

// New builds a Master wired to nxt's sensor port SDA/SCL lines. Ports
// must already be switched to DIGITAL or COLOR mode via sensormux before
// a transaction can usefully run; Master does not itself touch mode.
func New(nxt *board.NXT) *Master {
	m := &Master{}
	for i := range m.ports {
		m.ports[i] = &port{
			sda: nxt.SensorPorts[i].Digi0,
			scl: nxt.SensorPorts[i].Digi1,
		}
	}
	return m
}

func (m *Master) port(n int) (*port, error) {
	if n < 0 || n >= board.NumSensorPorts {
		return nil, fmt.Errorf("softi2c: invalid port %d", n)
	}
	return m.ports[n], nil
}

// AttachSlave wires a stub slave onto a port for testing.
func (m *Master) AttachSlave(n int, s Slave) error {
	p, err := m.port(n)
	if err != nil {
		return err
	}
	p.slave = s
	return nil
}

// Register associates a device address with a port (spec §4.3
// register). It is idempotent: registering the same port again just
// overwrites the association.
func (m *Master) Register(n int, addr byte, legacyCompat bool) error {
	p, err := m.port(n)
	if err != nil {
		return err
	}
	p.reg = registration{addr: addr, legacyCompat: legacyCompat, registered: true}
	return nil
}

// StartTransaction enqueues a transaction on port n. internalAddr may be
// nil (no internal-address phase, ia_len == 0) or a single byte.
func (m *Master) StartTransaction(n int, dir Direction, internalAddr []byte, data []byte) error {
	p, err := m.port(n)
	if err != nil {
		return err
	}
	if len(data) == 0 || len(data) > maxDataLen {
		return ErrDataLen
	}
	if p.txn != nil && p.txn.status == InProgress {
		return ErrBusy
	}
	if len(internalAddr) > 1 {
		return fmt.Errorf("softi2c: internal address must be 0 or 1 bytes")
	}
	t := &transaction{addr: p.reg.addr, dir: dir, status: InProgress}
	if len(internalAddr) == 1 {
		t.ia[0] = internalAddr[0]
		t.iaLen = 1
	}
	t.dataLen = copy(t.data[:], data)
	if dir == Write {
		copy(t.data[:t.dataLen], data)
	}
	p.txn = t
	p.state = sStart
	p.bitPhase = 0
	p.bitPos = 7
	p.dataIndex = 0
	p.holdCount = 0
	p.stuckTicks = 0
	return nil
}

// Busy reports whether port n has a transaction in flight.
func (m *Master) Busy(n int) bool {
	p, err := m.port(n)
	if err != nil {
		return false
	}
	return p.txn != nil && p.txn.status == InProgress
}

// Status returns port n's last transaction status.
func (m *Master) Status(n int) Status {
	p, err := m.port(n)
	if err != nil {
		return Idle
	}
	if p.txn == nil {
		return Idle
	}
	return p.txn.status
}

// Result returns the data buffer of port n's last completed READ
// transaction. Callers should check Status == Success first.
func (m *Master) Result(n int) []byte {
	p, err := m.port(n)
	if err != nil || p.txn == nil {
		return nil
	}
	out := make([]byte, p.txn.dataLen)
	copy(out, p.txn.data[:p.txn.dataLen])
	return out
}

// NackCount returns the number of address/data NACKs observed on port n
// across its lifetime (spec §4.3: "an additional counter is
// incremented").
func (m *Master) NackCount(n int) int {
	p, err := m.port(n)
	if err != nil {
		return 0
	}
	return p.nackCounter
}

// TimeoutCount returns the number of bus-stuck timeouts observed on port
// n across its lifetime (spec §4.3: "an additional counter is
// incremented"; spec §7 Kind TIMEOUT).
func (m *Master) TimeoutCount(n int) int {
	p, err := m.port(n)
	if err != nil {
		return 0
	}
	return p.timeoutCounter
}

// Step advances every port's state machine by one sub-tick. tick.Controller
// calls this once per sub-tick as the soft-I²C sub-scheduler hook.
func (m *Master) Step(subTick uint32) {
	for _, p := range m.ports {
		p.step()
	}
}

func (p *port) fail() {
	p.txn.status = Failed
	p.state = sIdle
	p.scl.Out(gpio.High)
	p.sda.Out(gpio.High)
}

func (p *port) succeed() {
	p.txn.status = Success
	p.state = sIdle
	p.scl.Out(gpio.High)
	p.sda.Out(gpio.High)
}

// step executes one sub-tick's worth of bit-bang protocol. Each state
// covers one edge of the protocol, per spec §4.3 ("set data, rising
// clock, sample, falling clock").
func (p *port) step() {
	if p.txn == nil || p.txn.status != InProgress {
		return
	}
	if !p.reg.registered {
		p.fail()
		return
	}

	switch p.state {
	case sIdle:
		// nothing in flight in this state; guarded above.
	case sStart:
		p.sda.Out(gpio.Low)
		p.scl.Out(gpio.Low)
		p.state = sAddrTxW
		p.bitPos = 7
		p.byteBuf = (p.txn.addr << 1) // R/W bit patched in below
		if p.txn.dir == Read && p.txn.iaLen == 0 {
			p.byteBuf |= 1
		}
	case sAddrTxW:
		if p.shiftOutBit() {
			p.state = sAckWaitAddrW
		}
	case sAckWaitAddrW:
		if p.sampleAck(func() bool {
			return p.slave != nil && p.slave.MatchAddress(p.txn.addr, dirForByte(p.byteBuf))
		}) {
			if p.txn.iaLen == 1 {
				p.state = sInternalAddrTx
				p.bitPos = 7
				p.byteBuf = p.txn.ia[0]
			} else if p.txn.dir == Read {
				p.state = sData
				p.bitPos = 7
				p.dataIndex = 0
			} else {
				p.state = sData
				p.bitPos = 7
				p.dataIndex = 0
				p.byteBuf = p.txn.data[0]
			}
		}
	case sInternalAddrTx:
		if p.shiftOutBit() {
			p.state = sAckWaitIA
		}
	case sAckWaitIA:
		if p.sampleAck(func() bool {
			return p.slave != nil && p.slave.WriteInternalAddress(p.byteBuf)
		}) {
			if p.txn.dir == Read {
				if p.reg.legacyCompat {
					p.state = sLegacyHold
					p.holdCount = 0
				} else {
					p.state = sRepeatedStart
				}
			} else {
				p.state = sData
				p.bitPos = 7
				p.dataIndex = 0
				p.byteBuf = p.txn.data[0]
			}
		}
	case sLegacyHold:
		p.holdCount++
		if p.holdCount >= legacyHoldSubTicks {
			p.state = sRepeatedStart
		}
	case sRepeatedStart:
		p.sda.Out(gpio.High)
		p.scl.Out(gpio.High)
		p.sda.Out(gpio.Low)
		p.scl.Out(gpio.Low)
		p.state = sAddrTxR
		p.bitPos = 7
		p.byteBuf = (p.txn.addr << 1) | 1
	case sAddrTxR:
		if p.shiftOutBit() {
			p.state = sAckWaitAddrR
		}
	case sAckWaitAddrR:
		if p.sampleAck(func() bool {
			return p.slave != nil && p.slave.MatchAddress(p.txn.addr, Read)
		}) {
			p.state = sData
			p.bitPos = 7
			p.dataIndex = 0
		}
	case sData:
		if p.txn.dir == Write {
			if p.shiftOutBit() {
				p.state = sAckWaitData
			}
		} else {
			if p.shiftInBit() {
				p.state = sAckWaitData
			}
		}
	case sAckWaitData:
		if p.txn.dir == Write {
			ok := p.sampleAck(func() bool {
				return p.slave != nil && p.slave.WriteByte(p.byteBuf)
			})
			if !ok {
				return
			}
		} else {
			// master generates the ACK/NACK for reads; always ACK except
			// on the final byte, where a NACK tells the slave to stop.
			p.txn.data[p.dataIndex] = p.byteBuf
			last := p.dataIndex == p.txn.dataLen-1
			p.sda.Out(boolLevel(last)) // SDA low = ACK, high = NACK
			p.toggleClockOnce()
		}
		p.dataIndex++
		if p.dataIndex >= p.txn.dataLen {
			p.state = sStop
		} else {
			p.state = sData
			p.bitPos = 7
			if p.txn.dir == Write {
				p.byteBuf = p.txn.data[p.dataIndex]
			}
		}
	case sStop:
		p.sda.Out(gpio.Low)
		p.scl.Out(gpio.High)
		p.sda.Out(gpio.High)
		p.succeed()
	}
}

func dirForByte(addrByte byte) Direction {
	if addrByte&1 == 1 {
		return Read
	}
	return Write
}

func boolLevel(b bool) gpio.Level {
	if b {
		return gpio.High
	}
	return gpio.Low
}

// shiftOutBit drives one bit of byteBuf per call pair (one sub-tick sets
// data + drops clock, the next raises clock). It returns true once all
// 8 bits have been shifted.
func (p *port) shiftOutBit() bool {
	if p.bitPhase == 0 {
		bit := (p.byteBuf >> uint(p.bitPos)) & 1
		p.sda.Out(boolLevel(bit == 1))
		p.scl.Out(gpio.Low)
		p.bitPhase = 1
		return false
	}
	p.scl.Out(gpio.High)
	p.bitPhase = 0
	if p.bitPos == 0 {
		p.scl.Out(gpio.Low)
		return true
	}
	p.bitPos--
	return false
}

// shiftInBit is shiftOutBit's counterpart for the read data phase: the
// master releases SDA and samples what the slave drives. The stub slave
// supplies the byte up front (ReadByte) rather than bit-by-bit, which is
// externally indistinguishable from a real device clocking out MSB
// first, matching the bit ordering shiftOutBit uses.
func (p *port) shiftInBit() bool {
	if p.bitPhase == 0 {
		if p.bitPos == 7 {
			if p.slave != nil {
				p.byteBuf = p.slave.ReadByte()
			}
		}
		p.sda.Out(gpio.High) // release SDA so the slave can drive it
		p.scl.Out(gpio.Low)
		p.bitPhase = 1
		return false
	}
	if p.stuck() {
		return false
	}
	p.scl.Out(gpio.High)
	p.bitPhase = 0
	if p.bitPos == 0 {
		p.scl.Out(gpio.Low)
		return true
	}
	p.bitPos--
	return false
}

// stuck polls an attached ClockStretcher and counts sub-ticks spent
// waiting on it. Once the wait exceeds busStuckSubTicks it fails the
// transaction as a bus-stuck timeout and reports true so the caller
// stops driving the clock further. A slave that doesn't implement
// ClockStretcher (or reports ready) never stalls here.
func (p *port) stuck() bool {
	cs, ok := p.slave.(ClockStretcher)
	if !ok || cs.Ready() {
		p.stuckTicks = 0
		return false
	}
	p.stuckTicks++
	if p.stuckTicks >= busStuckSubTicks {
		p.timeoutCounter++
		p.fail()
	}
	return true
}

// sampleAck runs the two-phase ACK/NACK bit and, on the sampling phase,
// asks resolve whether the bus was actually held low (ACK). It returns
// true once the ACK phase is complete and the transaction should
// advance; on NACK it fails the transaction and returns false.
func (p *port) sampleAck(resolve func() bool) bool {
	if p.bitPhase == 0 {
		p.sda.Out(gpio.High) // release for slave to pull low on ACK
		p.scl.Out(gpio.Low)
		p.bitPhase = 1
		return false
	}
	if p.stuck() {
		return false
	}
	p.scl.Out(gpio.High)
	ok := resolve()
	p.scl.Out(gpio.Low)
	p.bitPhase = 0
	if !ok {
		p.nackCounter++
		p.fail()
		return false
	}
	return true
}

// toggleClockOnce pulses SCL for the master-generated ACK/NACK bit on a
// read's data phase, a single-sub-tick pulse rather than the two-phase
// dance used elsewhere since the master (not the slave) is driving.
func (p *port) toggleClockOnce() {
	p.scl.Out(gpio.Low)
	p.scl.Out(gpio.High)
	p.scl.Out(gpio.Low)
}
