// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package avrlink

import (
	"errors"
	"testing"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"nxtcore.dev/core/board"
)

// fakeAVR is the "AVR shadow" test fixture: it plays the coprocessor's
// side of the conversation, answering each Exchange with a well-formed
// inbound frame unless told to misbehave.
type fakeAVR struct {
	buttons   uint16
	batteryMV uint16
	sensors   [numSensorPorts]uint16
	verMajor  byte
	verMinor  byte

	corruptNext int // next N frames get a bad checksum
	nackNext    int // next N frames return a transport error

	lastTx [OutboundLen]byte
}

func (f *fakeAVR) Exchange(tx [OutboundLen]byte) ([InboundLen]byte, error) {
	f.lastTx = tx
	var rx [InboundLen]byte

	if f.nackNext > 0 {
		f.nackNext--
		return rx, errors.New("fakeAVR: simulated NACK")
	}

	rx[0] = byte(f.buttons)
	rx[1] = byte(f.buttons >> 8)
	rx[2] = byte(f.batteryMV)
	rx[3] = byte(f.batteryMV >> 8)
	for i := 0; i < numSensorPorts; i++ {
		rx[4+2*i] = byte(f.sensors[i])
		rx[5+2*i] = byte(f.sensors[i] >> 8)
	}
	rx[16] = f.verMajor
	rx[17] = f.verMinor
	rx[24] = checksumByte(rx[:24])

	if f.corruptNext > 0 {
		f.corruptNext--
		rx[24] ^= 0xff
	}
	return rx, nil
}

func stepUntilRunning(t *testing.T, l *Link, max int) {
	t.Helper()
	for i := 0; i < max; i++ {
		l.Step()
		if l.State() == StateRunning {
			return
		}
	}
	t.Fatalf("link never reached RUNNING within %d steps", max)
}

func TestInitRequiresTwoConsecutiveGoodFrames(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	if l.State() != StateInit {
		t.Fatalf("new link state = %s, want INIT", l.State())
	}
	l.Step()
	if l.State() != StateInit {
		t.Fatalf("state after one good frame = %s, want INIT (property 7: two required)", l.State())
	}
	l.Step()
	if l.State() != StateRunning {
		t.Fatalf("state after two good frames = %s, want RUNNING", l.State())
	}
}

func TestInitBufferesCommandsUntilRunning(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	if err := l.SetMotor(0, 80, false); err != nil {
		t.Fatal(err)
	}
	l.Step() // still INIT after this: frame sent must NOT carry the staged speed
	if got := avr.lastTx[1]; got != 0 {
		t.Fatalf("outbound motor byte during INIT = %d, want 0 (buffered)", got)
	}
	l.Step() // second good frame promotes to RUNNING and flushes staged->committed
	if l.State() != StateRunning {
		t.Fatalf("state = %s, want RUNNING", l.State())
	}
	l.Step()
	if got := avr.lastTx[1]; got != 80 {
		t.Fatalf("outbound motor byte after RUNNING = %d, want 80", got)
	}
}

// TestThirtyTwoBadFramesResetsToInit exercises spec §8 property 7.
func TestThirtyTwoBadFramesResetsToInit(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	stepUntilRunning(t, l, 10)

	avr.corruptNext = 32
	for i := 0; i < 31; i++ {
		l.Step()
		if l.State() != StateRunning {
			t.Fatalf("state dropped to INIT after only %d bad frames, want 32", i+1)
		}
	}
	l.Step() // 32nd consecutive bad frame
	if l.State() != StateInit {
		t.Fatalf("state after 32 consecutive bad frames = %s, want INIT", l.State())
	}

	// The first valid frame after the reset must not alone satisfy
	// RUNNING again — two are required, same as a fresh link.
	l.Step()
	if l.State() != StateInit {
		t.Fatalf("state after first post-reset good frame = %s, want INIT (two required)", l.State())
	}
	l.Step()
	if l.State() != StateRunning {
		t.Fatalf("state after second post-reset good frame = %s, want RUNNING", l.State())
	}
}

func TestNackCountsAsBadFrame(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	stepUntilRunning(t, l, 10)

	avr.nackNext = 1
	l.Step()
	if l.State() != StateRunning {
		t.Fatalf("single NACK dropped link out of RUNNING early")
	}

	// 31 more NACKs make 32 consecutive bad frames.
	avr.nackNext = 31
	for i := 0; i < 31; i++ {
		l.Step()
	}
	if l.State() != StateInit {
		t.Fatalf("state after 32 consecutive NACKs = %s, want INIT", l.State())
	}
}

func TestReadersReflectLastDecodedFrame(t *testing.T) {
	avr := &fakeAVR{buttons: 0x03, batteryMV: 7400, verMajor: 1, verMinor: 9}
	avr.sensors[2] = 512
	l := New(avr)
	stepUntilRunning(t, l, 10)

	if got := l.GetButton(); got != 0x03 {
		t.Fatalf("GetButton = %#x, want 0x03", got)
	}
	if got := l.GetBatteryMV(); got != 7400 {
		t.Fatalf("GetBatteryMV = %d, want 7400", got)
	}
	raw, err := l.GetSensorRaw(2)
	if err != nil || raw != 512 {
		t.Fatalf("GetSensorRaw(2) = %d, %v; want 512, nil", raw, err)
	}
	major, minor := l.GetVersion()
	if major != 1 || minor != 9 {
		t.Fatalf("GetVersion = %d.%d, want 1.9", major, minor)
	}
}

// TestMotorDriveProducesDistinctFrames mirrors spec §8 scenario S3: three
// successive set_motor calls must be visible as three distinct outbound
// frames with valid parity once the link is RUNNING.
func TestMotorDriveProducesDistinctFrames(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	stepUntilRunning(t, l, 10)

	l.SetMotor(0, 80, false)
	l.Step()
	l.SetMotor(0, -80, false)
	l.Step()
	l.SetMotor(0, 0, true)
	l.Step()

	frames := l.RecentFrames()
	if len(frames) < 3 {
		t.Fatalf("got %d recorded frames, want at least 3", len(frames))
	}
	last3 := frames[len(frames)-3:]
	seen := map[int8]bool{}
	for _, f := range last3 {
		if evenParity(f[:8]) != f[8] {
			t.Fatalf("frame %v has invalid parity byte", f)
		}
		seen[int8(f[1])] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 distinct motor speeds across frames, got %v", seen)
	}
	if last3[2][4]&0x01 == 0 {
		t.Fatalf("final frame should have motor 0 brake bit set")
	}
}

func TestSetMotorRejectsOutOfRange(t *testing.T) {
	l := New(&fakeAVR{})
	if err := l.SetMotor(0, 101, false); err != ErrBadSpeed {
		t.Fatalf("got %v, want ErrBadSpeed", err)
	}
	if err := l.SetMotor(9, 0, false); err != ErrBadPort {
		t.Fatalf("got %v, want ErrBadPort", err)
	}
}

func TestPowerDownBufferedDuringInit(t *testing.T) {
	avr := &fakeAVR{}
	l := New(avr)
	l.PowerDown()
	l.Step()
	if avr.lastTx[0] != byte(CmdRun) {
		t.Fatalf("outbound command during INIT = %#x, want CmdRun (buffered)", avr.lastTx[0])
	}
	l.Step()
	if l.State() != StateRunning {
		t.Fatal("expected RUNNING after two good frames")
	}
	l.Step()
	if avr.lastTx[0] != byte(CmdPowerOff) {
		t.Fatalf("outbound command after RUNNING = %#x, want CmdPowerOff", avr.lastTx[0])
	}
}

// fakeI2CBus is a minimal i2c.Bus fixture: it records the write half and
// replies with a well-formed frame built by the test, verifying
// I2CTransport plumbs the address and both halves through unchanged.
type fakeI2CBus struct {
	lastAddr uint16
	lastW    []byte
	reply    [InboundLen]byte
	err      error
}

func (b *fakeI2CBus) Tx(addr uint16, w, r []byte) error {
	b.lastAddr = addr
	b.lastW = append([]byte(nil), w...)
	if b.err != nil {
		return b.err
	}
	copy(r, b.reply[:])
	return nil
}

func (b *fakeI2CBus) SetSpeed(physic.Frequency) error { return nil }
func (*fakeI2CBus) String() string                    { return "fakeI2CBus" }
func (*fakeI2CBus) Halt() error                       { return nil }

func TestI2CTransportExchange(t *testing.T) {
	bus := &fakeI2CBus{}
	bus.reply[16] = 3
	bus.reply[24] = checksumByte(bus.reply[:24])
	tr := I2CTransport{Bus: bus, Addr: 0x01}

	var tx [OutboundLen]byte
	tx[1] = 42
	rx, err := tr.Exchange(tx)
	if err != nil {
		t.Fatal(err)
	}
	if bus.lastAddr != 0x01 {
		t.Fatalf("Tx addr = %#x, want 0x01", bus.lastAddr)
	}
	if len(bus.lastW) != OutboundLen || bus.lastW[1] != 42 {
		t.Fatalf("Tx write half = %v, want outbound frame with byte[1]=42", bus.lastW)
	}
	if rx[16] != 3 {
		t.Fatalf("rx[16] = %d, want 3", rx[16])
	}
}

func TestI2CTransportPropagatesError(t *testing.T) {
	bus := &fakeI2CBus{err: errors.New("nack")}
	tr := I2CTransport{Bus: bus, Addr: 0x01}
	if _, err := tr.Exchange([OutboundLen]byte{}); err == nil {
		t.Fatal("expected error from Tx to propagate")
	}
}

func TestBusCleanReleasesOnHighSDA(t *testing.T) {
	nxt := board.NewSimulatedNXT()
	// Nothing drives AVRSDA low in the simulated bank, so it reads high
	// (pull-up idle) immediately: BusClean should return after toggling
	// SCL at most once.
	if err := BusClean(nxt.AVRSDA, nxt.AVRSCL); err != nil {
		t.Fatalf("BusClean: %v", err)
	}
	if got := nxt.AVRSDA.Function(); got != "In" {
		t.Fatalf("AVRSDA function = %s, want In after BusClean", got)
	}
}

func TestBusCleanGivesUpAfterFixedClocks(t *testing.T) {
	s := &stuckLowPin{}
	scl := &recordingPin{}
	if err := BusClean(s, scl); err != nil {
		t.Fatalf("BusClean: %v", err)
	}
	if scl.toggles != busCleanClocks {
		t.Fatalf("scl toggled %d times, want %d (gave up after fixed retries)", scl.toggles, busCleanClocks)
	}
}

// stuckLowPin always reads Low, modeling a slave holding SDA down.
type stuckLowPin struct{ gpio.PinIO }

func (stuckLowPin) Read() gpio.Level                           { return gpio.Low }
func (stuckLowPin) In(gpio.Pull, gpio.Edge) error               { return nil }
func (stuckLowPin) String() string                              { return "stuckLowPin" }

// recordingPin counts Out calls that go Low (one full clock toggle is
// one Low followed by one High; we only count the Low edges).
type recordingPin struct {
	gpio.PinIO
	toggles int
}

func (p *recordingPin) Out(l gpio.Level) error {
	if l == gpio.Low {
		p.toggles++
	}
	return nil
}
func (p *recordingPin) String() string { return "recordingPin" }
