// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package board describes the AT91SAM7S256 PIO controller and the fixed
// pin assignments of the NXT brick: the four sensor ports' DIGI0/DIGI1
// lines and ADC channels, and the AVR TWI pins.
//
// It plays the role periph.io/x/host/v3/allwinner plays for Allwinner
// SoCs: a register-level GPIO driver exposing periph.io/x/conn/v3's
// gpio.PinIO, so everything above this package (sensormux, softi2c,
// avrlink) is written against the portable interface rather than a
// register offset.
package board

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"nxtcore.dev/core/regio"
)

// PIO register offsets, AT91SAM7S256 datasheet §31.7. Reserved offsets
// are not named here; regio.Bank.Reg itself does not reject them and
// accepts any word-aligned offset inside the bank.
const (
	offPER  = 0x00 // PIO Enable
	offPDR  = 0x04 // PIO Disable
	offOER  = 0x10 // Output Enable
	offODR  = 0x14 // Output Disable
	offOSR  = 0x18 // Output Status (read-back of OER/ODR)
	offSODR = 0x30 // Set Output Data
	offCODR = 0x34 // Clear Output Data
	offPDSR = 0x3c // Pin Data Status
	offMDER = 0x50 // Multi-Driver (open-drain) Enable
	offMDDR = 0x54 // Multi-Driver Disable
	offPPUDR = 0x60 // Pull-Up Disable
	offPPUER = 0x64 // Pull-Up Enable
)

// PIO is one AT91 Parallel I/O controller instance (PIOA on the NXT;
// there is only one on the AT91SAM7S256).
type PIO struct {
	bank *regio.Bank
}

// NewPIO wraps an already-allocated register bank. newNXT calls this
// once with the PIOA bank (base address 0xFFFFF400), which is a
// simulated regio.NewBank bank like every other bank in this tree.
func NewPIO(bank *regio.Bank) *PIO {
	return &PIO{bank: bank}
}

// Pin is a single PIO line. It implements gpio.PinIO so the rest of the
// tree never needs to know it is backed by a bit in a register bank.
type Pin struct {
	pio    *PIO
	bit    uint32
	name   string
	number int
}

var _ gpio.PinIO = (*Pin)(nil)

// Pin returns the line at the given bit position within the controller.
func (p *PIO) Pin(bit uint32, name string, number int) *Pin {
	return &Pin{pio: p, bit: bit, name: name, number: number}
}

func (p *Pin) mask() uint32 { return 1 << p.bit }

// String implements conn.Resource.
func (p *Pin) String() string { return p.name }

// Halt implements conn.Resource. It returns the pin to input/idle; the
// caller is expected to also clear mode bookkeeping (sensormux owns
// that).
func (p *Pin) Halt() error {
	p.pio.bank.Reg(offODR).SetBits(p.mask())
	p.pio.bank.Reg(offOSR).ClearBits(p.mask())
	p.pio.bank.Reg(offPER).SetBits(p.mask())
	p.pio.bank.Reg(offPSR()).SetBits(p.mask())
	p.pio.bank.Reg(offMDDR).SetBits(p.mask())
	return nil
}

// Name implements pin.Pin.
func (p *Pin) Name() string { return p.name }

// Number implements pin.Pin.
func (p *Pin) Number() int { return p.number }

// Function implements pin.Pin.
func (p *Pin) Function() string {
	if p.pio.bank.Reg(offPSR()).Test(p.mask()) {
		if p.pio.bank.Reg(offOSR).Test(p.mask()) {
			return "Out"
		}
		return "In"
	}
	return "Alt"
}

// offPSR is PIO Status, the read-back for PER/PDR. It is broken out as a
// function rather than a constant to keep the PIO Enable/Status pair
// next to each other for readability; the offset itself is fixed.
func offPSR() uint32 { return 0x08 }

// In implements gpio.PinIn. pull is honored via the controller's
// internal pull-up register; edge detection is not implemented — the
// NXT core never uses PIO-level interrupts, only the polled/bit-banged
// protocols in softi2c and avrlink.
func (p *Pin) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return errors.New("board: edge detection not supported on PIO pins")
	}
	p.pio.bank.Reg(offPER).SetBits(p.mask())
	p.pio.bank.Reg(offPSR()).SetBits(p.mask())
	p.pio.bank.Reg(offODR).SetBits(p.mask())
	p.pio.bank.Reg(offOSR).ClearBits(p.mask())
	switch pull {
	case gpio.PullUp:
		p.pio.bank.Reg(offPPUER).SetBits(p.mask())
		// An undriven pulled-up input reads high; the simulated bank has
		// no electrical path, so PDSR is set here to keep Read() truthful.
		p.pio.bank.Reg(offPDSR).SetBits(p.mask())
	case gpio.PullDown:
		return errors.New("board: pull-down not available on AT91 PIO")
	case gpio.PullNoChange:
	default:
		p.pio.bank.Reg(offPPUDR).SetBits(p.mask())
	}
	return nil
}

// Read implements gpio.PinIn.
func (p *Pin) Read() gpio.Level {
	return gpio.Level(p.pio.bank.Reg(offPDSR).Test(p.mask()))
}

// WaitForEdge implements gpio.PinIn. Not supported; always returns false
// immediately rather than blocking for the full timeout, since callers
// that rely on an edge wait here have mis-modeled the pin.
func (p *Pin) WaitForEdge(timeout time.Duration) bool { return false }

// Pull implements gpio.PinIn.
func (p *Pin) Pull() gpio.Pull {
	if p.pio.bank.Reg(offPPUER).Test(p.mask()) {
		return gpio.PullUp
	}
	return gpio.PullNoChange
}

// DefaultPull implements gpio.PinIn.
func (p *Pin) DefaultPull() gpio.Pull { return gpio.PullUp }

// Out implements gpio.PinOut.
func (p *Pin) Out(l gpio.Level) error {
	p.pio.bank.Reg(offPER).SetBits(p.mask())
	p.pio.bank.Reg(offPSR()).SetBits(p.mask())
	p.pio.bank.Reg(offOER).SetBits(p.mask())
	p.pio.bank.Reg(offOSR).SetBits(p.mask())
	if l {
		p.pio.bank.Reg(offSODR).SetBits(p.mask())
		// On real silicon PDSR mirrors ODSR for output-configured lines;
		// the simulated bank has no separate electrical path, so SODR/CODR
		// write PDSR directly here to keep Read() truthful for an output pin.
		p.pio.bank.Reg(offPDSR).SetBits(p.mask())
	} else {
		p.pio.bank.Reg(offCODR).SetBits(p.mask())
		p.pio.bank.Reg(offPDSR).ClearBits(p.mask())
	}
	return nil
}

// PWM implements gpio.PinOut. The PIO controller has no PWM hardware of
// its own; the NXT's real PWM output lives on the AVR coprocessor (see
// avrlink), so this is always an error on a PIO pin.
func (p *Pin) PWM(duty gpio.Duty, freq physic.Frequency) error {
	return fmt.Errorf("board: %s has no PWM capability", p.name)
}

// OpenDrain switches the pin to multi-drive (open-drain) mode, used by
// I²C/COLOR sensor ports where two devices may drive the same line.
func (p *Pin) OpenDrain(enable bool) {
	if enable {
		p.pio.bank.Reg(offMDER).SetBits(p.mask())
	} else {
		p.pio.bank.Reg(offMDDR).SetBits(p.mask())
	}
}
