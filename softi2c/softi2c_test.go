// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package softi2c

import (
	"testing"

	"nxtcore.dev/core/board"
)

// memSlave is the "stub slave" referenced by spec §8: it ACKs a fixed
// address and serves a tiny internal-address-indexed memory, enough to
// exercise register reads/writes end to end without real hardware.
type memSlave struct {
	addr   byte
	mem    map[byte]byte
	lastIA byte
	nack   bool
}

func newMemSlave(addr byte) *memSlave {
	return &memSlave{addr: addr, mem: map[byte]byte{}}
}

func (s *memSlave) MatchAddress(addr byte, dir Direction) bool {
	if s.nack {
		return false
	}
	return addr == s.addr
}

func (s *memSlave) WriteInternalAddress(b byte) bool {
	if s.nack {
		return false
	}
	s.lastIA = b
	return true
}

func (s *memSlave) WriteByte(b byte) bool {
	if s.nack {
		return false
	}
	s.mem[s.lastIA] = b
	s.lastIA++
	return true
}

func (s *memSlave) ReadByte() byte {
	b := s.mem[s.lastIA]
	s.lastIA++
	return b
}

// deadSlave models a disconnected sensor: it answers MatchAddress so it
// gets as far as the ACK-wait phase, then never releases the clock
// (Ready always false), the way a dead/disconnected device holds the
// bus rather than ever NACKing outright.
type deadSlave struct{}

func (deadSlave) MatchAddress(addr byte, dir Direction) bool { return true }
func (deadSlave) WriteInternalAddress(b byte) bool            { return true }
func (deadSlave) WriteByte(b byte) bool                       { return true }
func (deadSlave) ReadByte() byte                              { return 0 }
func (deadSlave) Ready() bool                                 { return false }

func runToCompletion(t *testing.T, m *Master, port int, maxSteps int) {
	t.Helper()
	for i := 0; i < maxSteps; i++ {
		if !m.Busy(port) {
			return
		}
		m.Step(uint32(i))
	}
	t.Fatalf("transaction on port %d did not complete within %d sub-ticks", port, maxSteps)
}

func TestRegisterIdempotent(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	if err := m.Register(0, 0x01, true); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(0, 0x01, true); err != nil {
		t.Fatal(err)
	}
}

func TestStartTransactionRejectsBadDataLen(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(0, 0x01, false)
	if err := m.StartTransaction(0, Write, nil, nil); err != ErrDataLen {
		t.Fatalf("got %v, want ErrDataLen", err)
	}
	big := make([]byte, 17)
	if err := m.StartTransaction(0, Write, nil, big); err != ErrDataLen {
		t.Fatalf("got %v, want ErrDataLen", err)
	}
}

func TestStartTransactionRejectsBusy(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(0, 0x01, false)
	s := newMemSlave(0x01)
	m.AttachSlave(0, s)
	if err := m.StartTransaction(0, Write, nil, []byte{0x11}); err != nil {
		t.Fatal(err)
	}
	if err := m.StartTransaction(0, Write, nil, []byte{0x22}); err != ErrBusy {
		t.Fatalf("got %v, want ErrBusy", err)
	}
}

// TestUltrasonicStyleRead mirrors spec §8 scenario S2: register port 0
// with address 0x01, legacy-compat on, write internal address 0x42,
// restart into a read of one byte, expect 0xAA back.
func TestUltrasonicStyleRead(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	if err := m.Register(0, 0x01, true); err != nil {
		t.Fatal(err)
	}
	s := newMemSlave(0x01)
	s.mem[0x42] = 0xAA
	m.AttachSlave(0, s)

	if err := m.StartTransaction(0, Read, []byte{0x42}, []byte{0}); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, m, 0, 2000)

	if got := m.Status(0); got != Success {
		t.Fatalf("status = %s, want SUCCESS", got)
	}
	result := m.Result(0)
	if len(result) != 1 || result[0] != 0xAA {
		t.Fatalf("result = %v, want [0xAA]", result)
	}
}

// TestRoundTripWriteThenRead exercises spec §8 property 3: any byte
// sequence written then read back via the same internal address
// returns unchanged.
func TestRoundTripWriteThenRead(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(1, 0x10, false)
	s := newMemSlave(0x10)
	m.AttachSlave(1, s)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	if err := m.StartTransaction(1, Write, []byte{0x00}, payload); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, m, 1, 4000)
	if m.Status(1) != Success {
		t.Fatalf("write status = %s", m.Status(1))
	}

	readBuf := make([]byte, len(payload))
	if err := m.StartTransaction(1, Read, []byte{0x00}, readBuf); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, m, 1, 4000)
	if m.Status(1) != Success {
		t.Fatalf("read status = %s", m.Status(1))
	}
	got := m.Result(1)
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %#x, want %#x", i, got[i], payload[i])
		}
	}
}

func TestAddressNackFails(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(0, 0x01, false)
	s := newMemSlave(0x01)
	s.nack = true
	m.AttachSlave(0, s)

	if err := m.StartTransaction(0, Write, nil, []byte{0x55}); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, m, 0, 2000)
	if m.Status(0) != Failed {
		t.Fatalf("status = %s, want FAILED", m.Status(0))
	}
	if m.NackCount(0) != 1 {
		t.Fatalf("NackCount = %d, want 1", m.NackCount(0))
	}
}

// TestBusStuckTimesOut covers spec §4.3's third error condition: a
// slave that holds the bus (clock stretches) beyond the configured
// sub-tick bound fails the transaction instead of leaving it
// InProgress forever.
func TestBusStuckTimesOut(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(0, 0x01, false)
	m.AttachSlave(0, deadSlave{})

	if err := m.StartTransaction(0, Write, nil, []byte{0x55}); err != nil {
		t.Fatal(err)
	}
	runToCompletion(t, m, 0, busStuckSubTicks*4)
	if m.Status(0) != Failed {
		t.Fatalf("status = %s, want FAILED", m.Status(0))
	}
	if m.TimeoutCount(0) != 1 {
		t.Fatalf("TimeoutCount = %d, want 1", m.TimeoutCount(0))
	}
	if m.NackCount(0) != 0 {
		t.Fatalf("NackCount = %d, want 0 (a timeout is not a NACK)", m.NackCount(0))
	}
}

func TestBusyTrueWhileInProgressFalseAfter(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(2, 0x20, false)
	s := newMemSlave(0x20)
	m.AttachSlave(2, s)

	m.StartTransaction(2, Write, nil, []byte{0x01})
	if !m.Busy(2) {
		t.Fatalf("expected busy immediately after start")
	}
	runToCompletion(t, m, 2, 2000)
	if m.Busy(2) {
		t.Fatalf("expected not busy after completion")
	}
	status := m.Status(2)
	if status != Success && status != Failed {
		t.Fatalf("status = %s, want SUCCESS or FAILED (property 2)", status)
	}
}

func TestPortsStepIndependently(t *testing.T) {
	m := New(board.NewSimulatedNXT())
	m.Register(0, 0x01, false)
	m.Register(1, 0x02, false)
	s0 := newMemSlave(0x01)
	s1 := newMemSlave(0x02)
	m.AttachSlave(0, s0)
	m.AttachSlave(1, s1)

	m.StartTransaction(0, Write, nil, []byte{0xAA})
	// port 1 never gets a transaction; it must stay IDLE regardless of
	// how many times port 0 is stepped.
	for i := 0; i < 200; i++ {
		m.Step(uint32(i))
	}
	if m.Status(1) != Idle {
		t.Fatalf("port 1 status = %s, want IDLE", m.Status(1))
	}
}
