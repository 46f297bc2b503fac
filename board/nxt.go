// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// NXT brick pin out. Adapted from the header/pin-table convention used
// by periph.io/x/host/v3/nanopi and .../orangepi, which each hard-code a
// single board's pin assignments as package-level vars rather than a
// data-driven table — appropriate here too since, unlike the Allwinner
// family's many SoC variants, there is exactly one NXT hardware
// revision to describe.
package board

import (
	"nxtcore.dev/core/regio"
)

// Sensor port count, fixed by the brick's four physical sensor sockets.
const NumSensorPorts = 4

// ADC channel assignment per sensor port, AT91SAM7S256 ADC0..ADC3.
var sensorADCChannel = [NumSensorPorts]int{0, 1, 2, 3}

// SensorPort bundles the two digital lines and ADC channel backing one
// physical sensor socket — the hardware half of sensormux.Port.
type SensorPort struct {
	Number int
	Digi0  *Pin // SDA in digital/color mode
	Digi1  *Pin // SCL in digital/color mode
	ADCCh  int
}

// NXT is the fully wired set of peripherals on the brick: the PIO
// controller, the ADC, the four sensor ports, and the AVR TWI lines.
// Exactly one of these exists per running core; core.Lifecycle owns it.
type NXT struct {
	PIOA        *PIO
	ADC         *ADC
	RSTC        *RSTC
	SensorPorts [NumSensorPorts]SensorPort
	AVRSDA      *Pin
	AVRSCL      *Pin
}

// pin bit assignments within PIOA. These match the pin groupings
// nxos/drivers/twi.c drives directly (bits 3/4 for the AVR TWI lines);
// the four sensor ports follow at the next free bits, one plausible
// contiguous layout for a from-scratch reimplementation.
const (
	bitAVRSDA = 3
	bitAVRSCL = 4

	bitPort0Digi0 = 5
	bitPort0Digi1 = 6
	bitPort1Digi0 = 7
	bitPort1Digi1 = 8
	bitPort2Digi0 = 9
	bitPort2Digi1 = 10
	bitPort3Digi0 = 11
	bitPort3Digi1 = 12
)

// NewSimulatedNXT builds an NXT wired against in-memory simulated
// register banks (regio.NewBank), the backend every test and all
// host-side tooling uses. It is the only NXT constructor in this
// package; there is no memory-mapped variant.
func NewSimulatedNXT() *NXT {
	return newNXT(
		regio.NewBank("PIOA", 0xfffff400, 64),
		regio.NewBank("ADC", 0xfffd8000, 64),
		regio.NewBank("RSTC", 0xfffffd00, 4),
	)
}

func newNXT(pioBank, adcBank, rstcBank *regio.Bank) *NXT {
	pio := NewPIO(pioBank)
	n := &NXT{
		PIOA:   pio,
		ADC:    NewADC(adcBank),
		RSTC:   NewRSTC(rstcBank),
		AVRSDA: pio.Pin(bitAVRSDA, "AVR_SDA", bitAVRSDA),
		AVRSCL: pio.Pin(bitAVRSCL, "AVR_SCL", bitAVRSCL),
	}
	digi0Bits := [NumSensorPorts]uint32{bitPort0Digi0, bitPort1Digi0, bitPort2Digi0, bitPort3Digi0}
	digi1Bits := [NumSensorPorts]uint32{bitPort0Digi1, bitPort1Digi1, bitPort2Digi1, bitPort3Digi1}
	for i := 0; i < NumSensorPorts; i++ {
		n.SensorPorts[i] = SensorPort{
			Number: i,
			Digi0:  pio.Pin(digi0Bits[i], sensorPinName(i, 0), int(digi0Bits[i])),
			Digi1:  pio.Pin(digi1Bits[i], sensorPinName(i, 1), int(digi1Bits[i])),
			ADCCh:  sensorADCChannel[i],
		}
	}
	return n
}

func sensorPinName(port, line int) string {
	names := [2]string{"DIGI0", "DIGI1"}
	return "P" + string(rune('0'+port)) + "_" + names[line]
}
