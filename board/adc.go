// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package board

import "nxtcore.dev/core/regio"

// ADC register offsets, AT91SAM7S256 datasheet §33.8.
const (
	offADC_CR   = 0x00 // Control
	offADC_CHER = 0x10 // Channel Enable
	offADC_CHDR = 0x14 // Channel Disable
	offADC_SR   = 0x1c // Status
	offADC_CDR0 = 0x30 // Channel Data Register, +4 per channel
)

const adcStartBit = 1 << 1

// ADC is the AT91 analog-to-digital converter. Conversions are
// round-robin across enabled channels in real hardware; the simulated
// backend used by every test instead lets the test set a channel's value
// directly via SetSample, which is sufficient since this module only
// ever reads the "most recent sample" (spec §4.2 analog_get).
type ADC struct {
	bank    *regio.Bank
	samples [8]uint16 // 10-bit samples, one per channel
}

// NewADC wraps an allocated register bank for the ADC controller.
func NewADC(bank *regio.Bank) *ADC {
	return &ADC{bank: bank}
}

// EnableChannel arms a channel for conversion.
func (a *ADC) EnableChannel(ch int) {
	a.bank.Reg(offADC_CHER).SetBits(1 << uint(ch))
}

// DisableChannel disarms a channel.
func (a *ADC) DisableChannel(ch int) {
	a.bank.Reg(offADC_CHDR).SetBits(1 << uint(ch))
}

// Sample returns the most recent 10-bit conversion result for ch.
func (a *ADC) Sample(ch int) uint16 {
	return a.samples[ch] & 0x3ff
}

// SetSample is used by the simulated backend (tests, and any future
// host-side bench harness) to inject a conversion result as if the
// hardware had just completed a round-robin sweep.
func (a *ADC) SetSample(ch int, v uint16) {
	a.samples[ch] = v & 0x3ff
	a.bank.Reg(offADC_CDR0 + uint32(ch)*4).Store(uint32(v & 0x3ff))
}
