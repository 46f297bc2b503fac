// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package avrlink implements the AVR coprocessor link (spec §4.4, C4): a
// conversation machine that alternates one 9-byte send and one 25-byte
// receive every tick over the hardware TWI lines (board.NXT.AVRSDA/
// AVRSCL), pushing motor directives and pulling button/battery/sensor
// state from the secondary microcontroller that owns the brick's motors
// and analog sampling.
//
// The frame codec mirrors the checksum-trailer convention used by
// seedhammer's tmc2209 UART driver (append a check byte computed over
// the payload on send, recompute and compare on receive) even though
// the two link layers use different polynomials: this link's outbound
// frame carries an XOR parity byte and its inbound frame a two's
// complement sum, per the concrete layout the frame contract specifies.
// The INIT/RUNNING recovery convention — treat a broken conversation as
// FAILED and only trust it again after consecutive good frames — is
// grounded on nxos/drivers/twi.c's NACK/overrun-to-TWI_FAILED handling.
package avrlink

import (
	"errors"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/i2c"
)

// Command is the one-byte proprietary command slot of the outbound
// frame (spec §6).
type Command byte

const (
	CmdRun      Command = 0x00
	CmdReset    Command = 0x01
	CmdPowerOff Command = 0x02
)

// LinkState is the coprocessor link's own two-state machine, independent
// of any individual transaction's Status.
type LinkState int

const (
	StateInit LinkState = iota
	StateRunning
)

func (s LinkState) String() string {
	if s == StateRunning {
		return "RUNNING"
	}
	return "INIT"
}

const (
	// OutboundLen is the fixed outbound frame size (spec §6): command,
	// three motor speeds, brake bits, input-power mask, two reserved
	// bytes, one parity byte.
	OutboundLen = 9
	// InboundLen is the fixed inbound frame size (spec §6): buttons,
	// battery, four sensor samples, timer+version, reserved, checksum.
	InboundLen = 25

	numMotors       = 3
	numSensorPorts  = 4
	goodFramesToRun = 2
	badFramesToInit = 32
	frameHistoryLen = 8
)

var (
	// ErrBadPort is returned for a motor or sensor-port index outside
	// [0, numMotors) / [0, numSensorPorts).
	ErrBadPort = errors.New("avrlink: port index out of range")
	// ErrBadSpeed is returned for a requested motor speed outside the
	// documented [-100, 100] range (spec §4.4).
	ErrBadSpeed = errors.New("avrlink: speed out of range")
)

// Transport exchanges one outbound frame for one inbound frame over the
// hardware TWI bus. Exchange returns a non-nil error only for a
// transport-level failure (NACK, bus timeout); a frame that arrives but
// fails its checksum is reported by returning the bytes unchanged — the
// Link itself treats a checksum mismatch as a protocol failure, matching
// how twi_isr distinguishes NACK/overrun from a frame the caller must
// still validate.
type Transport interface {
	Exchange(tx [OutboundLen]byte) (rx [InboundLen]byte, err error)
}

// I2CTransport adapts a periph.io/x/conn/v3/i2c.Bus into a Transport: one
// Exchange is one Tx carrying the outbound frame as the write half and
// the inbound frame as the read half, the same single-transaction
// request/reply shape ftdi's i2cBus.Tx uses for its own I²C devices.
type I2CTransport struct {
	Bus  i2c.Bus
	Addr uint16
}

// Exchange implements Transport.
func (t I2CTransport) Exchange(tx [OutboundLen]byte) ([InboundLen]byte, error) {
	var rx [InboundLen]byte
	err := t.Bus.Tx(t.Addr, tx[:], rx[:])
	return rx, err
}

// busCleanClocks bounds the manual SCL toggling BusClean performs,
// matching twi_init's fixed retry count of 9.
const busCleanClocks = 9

// BusClean unsticks an AVR left mid-transaction by a previous boot: it
// drives scl low/high up to busCleanClocks times while polling sda,
// stopping as soon as sda reads high (the slave has released the bus).
// This is the manual pre-TWI-enable clock-out nxos/drivers/twi.c's
// twi_init performs before programming the hardware TWI peripheral;
// core.Lifecycle calls it once, before the first INIT-state frame
// exchange, on the same gpio.PinIO pins board.NXT.AVRSDA/AVRSCL expose.
func BusClean(sda, scl gpio.PinIO) error {
	if err := sda.In(gpio.PullUp, gpio.NoEdge); err != nil {
		return err
	}
	if err := scl.Out(gpio.High); err != nil {
		return err
	}
	for i := 0; i < busCleanClocks; i++ {
		if sda.Read() == gpio.High {
			return nil
		}
		if err := scl.Out(gpio.Low); err != nil {
			return err
		}
		if err := scl.Out(gpio.High); err != nil {
			return err
		}
	}
	return nil
}

type motorCmd struct {
	speed int8
	brake bool
}

type staged struct {
	cmd        Command
	motors     [numMotors]motorCmd
	inputPower byte // lower nibble, one bit per sensor port
}

// Link is the coprocessor conversation state machine. Exactly one
// exists per running core; tick.Controller.SetAVRLinkStep wires Step as
// the AVR-link scheduler hook (spec §4.1, dispatched second per tick).
type Link struct {
	mu sync.Mutex

	transport Transport

	state           LinkState
	consecutiveGood int
	consecutiveBad  int

	// staged is what callers have most recently requested; committed is
	// what is actually transmitted. While in INIT the two diverge —
	// Set* calls update only staged, and committed keeps what it last
	// held (its zero value after New: motors stopped, command CmdRun,
	// no power request; after a drop back from RUNNING, the last
	// committed values) until two consecutive good frames promote the
	// link to RUNNING, at which point staged is copied into committed
	// wholesale (spec §4.4: "buffered ... delivered only once RUNNING is
	// reached"). Once RUNNING, every Set* call updates both.
	staged    staged
	committed staged

	// shadow holds the last successfully decoded inbound frame. Readers
	// always return this regardless of current link state (spec §4.4:
	// "stale values are acceptable").
	buttons   uint16
	batteryMV uint16
	sensors   [numSensorPorts]uint16
	timerTick uint32
	verMajor  byte
	verMinor  byte

	frames    [frameHistoryLen][OutboundLen]byte
	frameHead int
	frameLen  int
}

// New creates a Link in state INIT, talking over t.
func New(t Transport) *Link {
	return &Link{transport: t}
}

// SetMotor stages a motor directive. speed is clamped to neither side by
// this call — callers out of [-100, 100] get ErrBadSpeed, matching the
// documented range (spec §4.4).
func (l *Link) SetMotor(port int, speed int, brake bool) error {
	if port < 0 || port >= numMotors {
		return ErrBadPort
	}
	if speed < -100 || speed > 100 {
		return ErrBadSpeed
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged.motors[port] = motorCmd{speed: int8(speed), brake: brake}
	if l.state == StateRunning {
		l.committed.motors[port] = l.staged.motors[port]
	}
	return nil
}

// SetInputPower stages a sensor port's input-power flag (spec §6 byte
// 5): on enables the port's input-power line, off disables it.
func (l *Link) SetInputPower(port int, on bool) error {
	if port < 0 || port >= numSensorPorts {
		return ErrBadPort
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if on {
		l.staged.inputPower |= 1 << uint(port)
	} else {
		l.staged.inputPower &^= 1 << uint(port)
	}
	if l.state == StateRunning {
		l.committed.inputPower = l.staged.inputPower
	}
	return nil
}

// PowerDown requests the AVR cut brick power (spec §4.4: "best-effort
// command; returns immediately"). Staged during INIT like any other
// command; delivered as soon as the link reaches RUNNING.
func (l *Link) PowerDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged.cmd = CmdPowerOff
	if l.state == StateRunning {
		l.committed.cmd = CmdPowerOff
	}
}

// Reset requests an AVR-side reset, same buffering rule as PowerDown.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.staged.cmd = CmdReset
	if l.state == StateRunning {
		l.committed.cmd = CmdReset
	}
}

// GetButton returns the last decoded button bitmap.
func (l *Link) GetButton() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buttons
}

// GetBatteryMV returns the last decoded battery voltage in millivolts.
func (l *Link) GetBatteryMV() uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.batteryMV
}

// GetSensorRaw returns the last decoded raw ADC sample for a sensor
// port's AVR-sampled channel.
func (l *Link) GetSensorRaw(port int) (uint16, error) {
	if port < 0 || port >= numSensorPorts {
		return 0, ErrBadPort
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sensors[port], nil
}

// GetVersion returns the last decoded AVR firmware version.
func (l *Link) GetVersion() (major, minor byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verMajor, l.verMinor
}

// State returns the link's current INIT/RUNNING state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RecentFrames returns a copy of the most recently transmitted outbound
// frames, oldest first, capped at frameHistoryLen. It exists purely for
// observability — tests and diagnostics confirming the link actually
// sent the commands callers staged (spec §8 scenario S3) — production
// code has no reason to read it.
func (l *Link) RecentFrames() [][OutboundLen]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][OutboundLen]byte, l.frameLen)
	start := (l.frameHead - l.frameLen + frameHistoryLen) % frameHistoryLen
	for i := 0; i < l.frameLen; i++ {
		out[i] = l.frames[(start+i)%frameHistoryLen]
	}
	return out
}

// Step runs one send/receive round trip and advances the link state
// machine. Called once per tick from tick.Controller (spec §4.1).
func (l *Link) Step() {
	l.mu.Lock()
	tx := l.buildOutboundLocked()
	l.recordFrameLocked(tx)
	l.mu.Unlock()

	rx, err := l.transport.Exchange(tx)

	l.mu.Lock()
	defer l.mu.Unlock()

	valid := err == nil && verifyInboundChecksum(rx)
	if valid {
		l.decodeInboundLocked(rx)
		l.consecutiveBad = 0
		if l.state == StateInit {
			l.consecutiveGood++
			if l.consecutiveGood >= goodFramesToRun {
				l.state = StateRunning
				l.committed = l.staged
			}
		}
		return
	}

	l.consecutiveGood = 0
	if l.state == StateRunning {
		l.consecutiveBad++
		if l.consecutiveBad >= badFramesToInit {
			l.state = StateInit
			l.consecutiveBad = 0
			l.consecutiveGood = 0
		}
	}
}

func (l *Link) buildOutboundLocked() [OutboundLen]byte {
	var f [OutboundLen]byte
	f[0] = byte(l.committed.cmd)
	for i := 0; i < numMotors; i++ {
		f[1+i] = byte(l.committed.motors[i].speed)
	}
	var brakeBits byte
	for i := 0; i < numMotors; i++ {
		if l.committed.motors[i].brake {
			brakeBits |= 1 << uint(i)
		}
	}
	f[4] = brakeBits
	f[5] = l.committed.inputPower & 0x0f
	f[6] = 0
	f[7] = 0
	f[8] = evenParity(f[:8])
	return f
}

func (l *Link) recordFrameLocked(f [OutboundLen]byte) {
	l.frames[l.frameHead] = f
	l.frameHead = (l.frameHead + 1) % frameHistoryLen
	if l.frameLen < frameHistoryLen {
		l.frameLen++
	}
}

func (l *Link) decodeInboundLocked(f [InboundLen]byte) {
	l.buttons = le16(f[0:2])
	l.batteryMV = le16(f[2:4])
	for i := 0; i < numSensorPorts; i++ {
		l.sensors[i] = le16(f[4+2*i : 6+2*i])
	}
	l.timerTick = le32(f[12:16])
	l.verMajor = f[16]
	l.verMinor = f[17]
}

// evenParity returns the XOR-accumulated parity byte over b: the byte
// whose bit N is the parity (even count of set bits) of bit N across
// every byte of b. Appending it to b leaves every bit column with an
// even number of set bits, the simplest longitudinal check a one-byte
// trailer can provide.
func evenParity(b []byte) byte {
	var p byte
	for _, c := range b {
		p ^= c
	}
	return p
}

// verifyInboundChecksum recomputes the two's complement checksum over
// an inbound frame's first InboundLen-1 bytes and compares it against
// the trailing checksum byte: the frame is valid iff the sum of all
// InboundLen bytes is zero mod 256.
func verifyInboundChecksum(f [InboundLen]byte) bool {
	var sum byte
	for _, b := range f {
		sum += b
	}
	return sum == 0
}

// checksumByte computes the trailing checksum a Transport fake or
// real AVR firmware would append to an inbound frame payload so that
// verifyInboundChecksum accepts it.
func checksumByte(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return -sum
}

func le16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
