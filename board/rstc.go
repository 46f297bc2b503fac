// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package board

import "nxtcore.dev/core/regio"

// Reset Controller register offsets, AT91SAM7S256 datasheet §13.5. RSTC
// is the peripheral core.Lifecycle's Reset path writes the watchdog key
// to, and whose status register the post-reset diagnostic (spec §4.7)
// reads to distinguish a watchdog/brownout reset from a normal
// power-on.
const (
	offRSTC_CR = 0x00 // Control
	offRSTC_SR = 0x04 // Status
)

// ResetKey is the fixed key byte every RSTC_CR write must carry in its
// top byte or the hardware silently ignores the write (spec §6: "writes
// 0xA5000005 to the reset-controller control register").
const ResetKey = 0xa5000000

// ProcResetBit requests a processor reset when ORed into RSTC_CR with
// ResetKey (spec §6's literal 0xA5000005 = ResetKey | ProcResetBit).
const ProcResetBit = 0x05

// Reset-status cause bits, RSTC_SR bits 8-10 on the real part. Only the
// three causes spec §7/§8 care about are named; others read as
// ResetPowerOn.
const (
	srBitWatchdog  = 1 << 8
	srBitSoftware  = 1 << 9
	srBitBrownout  = 1 << 10
)

// RSTC is the AT91 Reset Controller.
type RSTC struct {
	bank *regio.Bank
}

// NewRSTC wraps an allocated register bank for the reset controller.
func NewRSTC(bank *regio.Bank) *RSTC {
	return &RSTC{bank: bank}
}

// TriggerProcessorReset writes the watchdog-keyed processor reset
// request (spec §6). On the simulated backend this just records the
// write; a bare-metal build never returns from the equivalent real
// write.
func (r *RSTC) TriggerProcessorReset() {
	r.bank.Reg(offRSTC_CR).Store(ResetKey | ProcResetBit)
}

// Cause reports why the MCU last reset, read from RSTC_SR (spec §4.7
// "post-reset diagnostic").
func (r *RSTC) Cause() ResetCause {
	sr := r.bank.Reg(offRSTC_SR).Load()
	switch {
	case sr&srBitWatchdog != 0:
		return ResetWatchdog
	case sr&srBitBrownout != 0:
		return ResetBrownout
	case sr&srBitSoftware != 0:
		return ResetSoftware
	default:
		return ResetPowerOn
	}
}

// SetCause is used by tests and the simulated backend to force a
// reset-status value as if the MCU had just come out of that kind of
// reset (spec §8 scenario S6: "force reset-status to watchdog and
// boot").
func (r *RSTC) SetCause(c ResetCause) {
	var sr uint32
	switch c {
	case ResetWatchdog:
		sr = srBitWatchdog
	case ResetBrownout:
		sr = srBitBrownout
	case ResetSoftware:
		sr = srBitSoftware
	}
	r.bank.Reg(offRSTC_SR).Store(sr)
}

// ResetCause classifies the MCU's last reset.
type ResetCause int

const (
	ResetPowerOn ResetCause = iota
	ResetWatchdog
	ResetBrownout
	ResetSoftware
)

func (c ResetCause) String() string {
	switch c {
	case ResetWatchdog:
		return "watchdog"
	case ResetBrownout:
		return "brownout"
	case ResetSoftware:
		return "software"
	default:
		return "power-on"
	}
}
