// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package regio is the single point where peripheral registers are
// described and touched.
//
// The AT91SAM7S256 exposes its peripherals (PIO, TWI, AIC, UDP, ...) as
// fixed physical addresses. A Bank names a peripheral's base address and
// size, and callers reach its registers by byte offset through named
// offset constants in their own packages, following the pattern
// `periph.io/x/host/v3/allwinner` uses for its GPIO register blocks.
// Registers carry no per-register width, access (read/write/reserved)
// or reset-value description: every offset is a plain read/write 32-bit
// word that starts at zero.
//
// A Bank is always backed by a plain in-process array; this package has
// no memory-mapped backend.
package regio

import "fmt"

// Reg32 is a single 32-bit hardware register.
type Reg32 struct {
	bank *Bank
	off  uint32
}

// Bank is a contiguous block of 32-bit registers belonging to one
// peripheral. It is the only type in this module allowed to hold a raw
// pointer into address space; everything else goes through Reg32.
type Bank struct {
	name string
	base uint32
	cell []uint32 // simulated storage; base is recorded for naming only
}

// NewBank creates a simulated register bank of n words starting at the
// documented base address. The base address is only used in String;
// all reads and writes go to the in-process storage.
func NewBank(name string, base uint32, words int) *Bank {
	return &Bank{name: name, base: base, cell: make([]uint32, words)}
}

// String implements conn.Resource-style naming, matching the teacher's
// convention of a human readable identity on every driver object.
func (b *Bank) String() string {
	return fmt.Sprintf("%s@%#08x", b.name, b.base)
}

// Reg returns the register at the given byte offset from the bank base.
// Offsets must be word-aligned; it panics otherwise since a misaligned
// register offset is always a programming error, never a runtime one.
func (b *Bank) Reg(offset uint32) Reg32 {
	if offset%4 != 0 {
		panic(fmt.Sprintf("regio: misaligned offset %#x in %s", offset, b.name))
	}
	idx := int(offset / 4)
	if idx >= len(b.cell) {
		panic(fmt.Sprintf("regio: offset %#x out of range for %s", offset, b.name))
	}
	return Reg32{bank: b, off: offset}
}

func (r Reg32) index() int { return int(r.off / 4) }

// Load reads the register's current value.
func (r Reg32) Load() uint32 {
	return r.bank.cell[r.index()]
}

// Store writes the register unconditionally.
func (r Reg32) Store(v uint32) {
	r.bank.cell[r.index()] = v
}

// SetBits sets the given bits, leaving the rest untouched — the register
// write pattern used throughout the original driver for PIO SODR/CODR
// style set/clear registers.
func (r Reg32) SetBits(mask uint32) {
	r.bank.cell[r.index()] |= mask
}

// ClearBits clears the given bits, leaving the rest untouched.
func (r Reg32) ClearBits(mask uint32) {
	r.bank.cell[r.index()] &^= mask
}

// Test reports whether all bits in mask are set.
func (r Reg32) Test(mask uint32) bool {
	return r.bank.cell[r.index()]&mask == mask
}
