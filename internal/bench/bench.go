// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

//go:build bench

// Package bench wires avrlink.Transport to a real FT232H connected to a
// bench fixture standing in for the AVR coprocessor, for hardware-in-the-
// loop testing of the frame codec against real USB latency instead of the
// in-process fakeTransport the unit tests use.
//
// It talks to the FT232H through periph.io/x/d2xx directly rather than
// through periph.io/x/host's ftdi package: ftdi's Dev/i2cBus pair builds a
// full MPSSE soft-I²C master meant for driving arbitrary slave addresses,
// more machinery than a fixture that always answers the same fixed-length
// AVR link frame needs. The device bring-up sequence below (SetUSBParameters,
// SetTimeouts, SetChars, SetLatencyTimer, then SetBitMode) is lifted from
// ftdi/handle.go's handle.Init/handle.Reset, and the blocking Read loop from
// handle.ReadAll, since a USB bulk transfer has the same "may come back
// short" shape here as there.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"periph.io/x/d2xx"

	"nxtcore.dev/core/avrlink"
)

// bitModeSyncBitbang mirrors ftdi's private bitMode constant of the same
// value: the FT232H drives D0-D7 synchronously, one byte written for one
// byte of bus state and one byte read back per clock, the simplest mode for
// a fixture that just needs to move fixed-size frames.
const bitModeSyncBitbang = 0x04

// Fixture is an opened FT232H wired to an AVR link bench fixture: its D0-D7
// byte-wide port carries the outbound/inbound frame bytes directly rather
// than bit-banging an I²C waveform, since the fixture hardware (not this
// package) is responsible for rendering those bytes onto the real TWI
// lines the way the production AVR would.
type Fixture struct {
	h d2xx.Handle
}

// Open opens the i'th attached FT232H (d2xx.Open's own device index, 0 for
// the first one found) and configures it for synchronous bitbang transfers.
func Open(i int) (*Fixture, error) {
	h, e := d2xx.Open(i)
	if e != 0 {
		return nil, fmt.Errorf("bench: Open: %s", e)
	}
	f := &Fixture{h: h}
	if err := f.init(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fixture) init() error {
	if e := f.h.SetUSBParameters(65536, 0); e != 0 {
		return fmt.Errorf("bench: SetUSBParameters: %s", e)
	}
	if e := f.h.SetTimeouts(5000, 5000); e != 0 {
		return fmt.Errorf("bench: SetTimeouts: %s", e)
	}
	if e := f.h.SetChars(0, false, 0, false); e != 0 {
		return fmt.Errorf("bench: SetChars: %s", e)
	}
	if e := f.h.SetLatencyTimer(1); e != 0 {
		return fmt.Errorf("bench: SetLatencyTimer: %s", e)
	}
	if e := f.h.SetBitMode(0xff, bitModeSyncBitbang); e != 0 {
		return fmt.Errorf("bench: SetBitMode: %s", e)
	}
	return nil
}

// Close releases the underlying FT232H handle.
func (f *Fixture) Close() error {
	if e := f.h.Close(); e != 0 {
		return fmt.Errorf("bench: Close: %s", e)
	}
	return nil
}

// Exchange implements avrlink.Transport: it writes the outbound frame and
// blocks for the fixture to answer with an inbound frame of its own. A
// short write or a read that never completes within readTimeout surfaces as
// a transport error, the same failure avrlink.Link.Step treats as a
// protocol-layer NACK.
func (f *Fixture) Exchange(tx [avrlink.OutboundLen]byte) ([avrlink.InboundLen]byte, error) {
	var rx [avrlink.InboundLen]byte
	if _, e := f.h.Write(tx[:]); e != 0 {
		return rx, fmt.Errorf("bench: Write: %s", e)
	}
	n, err := f.readAll(rx[:])
	if err != nil {
		return rx, err
	}
	if n != len(rx) {
		return rx, errors.New("bench: short read from fixture")
	}
	return rx, nil
}

const readTimeout = 2 * time.Second

// readAll blocks until b is fully populated or readTimeout elapses,
// matching ftdi/handle.go's handle.ReadAll polling loop since d2xx.Handle's
// Read, like the real D2XX driver, returns whatever is already queued
// rather than blocking for the full request.
func (f *Fixture) readAll(b []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
	defer cancel()
	offset := 0
	for offset != len(b) {
		if ctx.Err() != nil {
			return offset, ctx.Err()
		}
		n, e := f.h.Read(b[offset:])
		if e != 0 {
			return offset, fmt.Errorf("bench: Read: %s", e)
		}
		offset += n
		if n == 0 {
			time.Sleep(time.Millisecond)
		}
	}
	return offset, nil
}

var _ avrlink.Transport = (*Fixture)(nil)
