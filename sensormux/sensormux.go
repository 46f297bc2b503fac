// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package sensormux owns the four sensor ports' pin lines and ADC
// channels (spec §4.2, C2) and arbitrates their electrical mode. Mux is
// the only code that changes a port's mode and its pin configuration
// (direction, open-drain, ADC channel). It does not own every pin write:
// softi2c drives the DIGI0/DIGI1 lines directly with board.Pin.Out while
// a transaction runs, without going through Mux.
package sensormux

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"

	"nxtcore.dev/core/board"
)

// Mode is a sensor port's electrical configuration.
type Mode int

const (
	Off Mode = iota
	Legacy
	Analog
	Digital
	Color
)

func (m Mode) String() string {
	switch m {
	case Off:
		return "OFF"
	case Legacy:
		return "LEGACY"
	case Analog:
		return "ANALOG"
	case Digital:
		return "DIGITAL"
	case Color:
		return "COLOR"
	default:
		return "UNKNOWN"
	}
}

// Which identifies one of a port's two digital lines, for
// AnalogDigiSet/AnalogDigiClear (spec §4.2, used by RCX-style sensors).
type Which int

const (
	Digi0 Which = iota
	Digi1
)

// ErrModeTransition is returned when a caller attempts to switch a port
// directly between two non-OFF modes (spec §8 property 1: every
// transition into a non-OFF mode must pass through OFF).
var ErrModeTransition = errors.New("sensormux: mode transition must pass through OFF")

// ErrWrongMode is returned by operations that require a specific current
// mode and find the port in another one.
var ErrWrongMode = errors.New("sensormux: operation not valid in current mode")

// Port is one sensor socket's runtime state.
type Port struct {
	mu   sync.Mutex
	hw   board.SensorPort
	adc  *board.ADC
	mode Mode
}

// Mux is the sensor-port multiplexer for all four ports.
type Mux struct {
	ports [board.NumSensorPorts]*Port
}

// New builds a Mux over the given NXT hardware wiring. All ports start
// OFF, matching the post-reset electrical state (both lines input, no
// pull-ups, ADC channel disabled).
func New(nxt *board.NXT) *Mux {
	m := &Mux{}
	for i := range m.ports {
		m.ports[i] = &Port{hw: nxt.SensorPorts[i], adc: nxt.ADC}
		_ = m.ports[i].hw.Digi0.Halt()
		_ = m.ports[i].hw.Digi1.Halt()
	}
	return m
}

func (m *Mux) port(n int) (*Port, error) {
	if n < 0 || n >= board.NumSensorPorts {
		return nil, fmt.Errorf("sensormux: invalid port %d", n)
	}
	return m.ports[n], nil
}

// Mode reports a port's current mode.
func (m *Mux) Mode(port int) (Mode, error) {
	p, err := m.port(port)
	if err != nil {
		return Off, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode, nil
}

func (p *Port) requireOff() error {
	if p.mode != Off {
		return fmt.Errorf("%w: port is %s", ErrModeTransition, p.mode)
	}
	return nil
}

// AnalogEnable configures the port for analog sensor use: both digital
// lines driven low, ADC channel armed. Precondition: mode == OFF.
func (m *Mux) AnalogEnable(port int) error {
	p, err := m.port(port)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOff(); err != nil {
		return err
	}
	if err := p.hw.Digi0.Out(gpio.Low); err != nil {
		return err
	}
	if err := p.hw.Digi1.Out(gpio.Low); err != nil {
		return err
	}
	p.adc.EnableChannel(p.hw.ADCCh)
	p.mode = Analog
	return nil
}

// AnalogDisable returns the port to OFF from ANALOG mode.
func (m *Mux) AnalogDisable(port int) error {
	return m.disableFrom(port, Analog)
}

// I2CEnable configures the port for digital (I²C) sensor use: both
// lines open-drain, internal pull-ups logically inactive since digital
// sensors supply their own. Precondition: mode == OFF.
func (m *Mux) I2CEnable(port int) error {
	return m.enableDigital(port, Digital)
}

// ColorEnable is electrically identical to I2CEnable but tags the port
// COLOR so reads can disambiguate a color sensor from a plain digital
// one (spec §4.2).
func (m *Mux) ColorEnable(port int) error {
	return m.enableDigital(port, Color)
}

func (m *Mux) enableDigital(port int, mode Mode) error {
	p, err := m.port(port)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.requireOff(); err != nil {
		return err
	}
	for _, pin := range []*board.Pin{p.hw.Digi0, p.hw.Digi1} {
		if err := pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return err
		}
		pin.OpenDrain(true)
	}
	p.adc.DisableChannel(p.hw.ADCCh)
	p.mode = mode
	return nil
}

// Disable returns a port to OFF from any mode: both lines back to
// input/idle, open-drain cleared, ADC channel disarmed.
func (m *Mux) Disable(port int) error {
	p, err := m.port(port)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disableLocked()
}

func (p *Port) disableLocked() error {
	p.hw.Digi0.OpenDrain(false)
	p.hw.Digi1.OpenDrain(false)
	if err := p.hw.Digi0.Halt(); err != nil {
		return err
	}
	if err := p.hw.Digi1.Halt(); err != nil {
		return err
	}
	p.adc.DisableChannel(p.hw.ADCCh)
	p.mode = Off
	return nil
}

func (m *Mux) disableFrom(port int, want Mode) error {
	p, err := m.port(port)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != want {
		return fmt.Errorf("%w: port is %s, expected %s", ErrWrongMode, p.mode, want)
	}
	return p.disableLocked()
}

// AnalogGet returns the most recent 10-bit ADC sample for port. It
// panics if the port is not in ANALOG mode, matching spec §4.2's
// invariant-violation contract ("panics if mode != ANALOG") rather than
// returning a sentinel error, since a caller reading analog while some
// other mode is active is always a programming error.
func (m *Mux) AnalogGet(port int) uint16 {
	p, err := m.port(port)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != Analog {
		panic(fmt.Sprintf("sensormux: AnalogGet(%d): port is %s, not ANALOG", port, p.mode))
	}
	return p.adc.Sample(p.hw.ADCCh)
}

// AnalogDigiSet manually drives one digital line high while in ANALOG
// mode, for RCX-style sensors that use a digital line as a discrete
// input/output alongside the analog channel.
func (m *Mux) AnalogDigiSet(port int, which Which) error {
	return m.analogDigiWrite(port, which, gpio.High)
}

// AnalogDigiClear drives one digital line low while in ANALOG mode.
func (m *Mux) AnalogDigiClear(port int, which Which) error {
	return m.analogDigiWrite(port, which, gpio.Low)
}

func (m *Mux) analogDigiWrite(port int, which Which, level gpio.Level) error {
	p, err := m.port(port)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode != Analog {
		return fmt.Errorf("%w: port is %s, expected ANALOG", ErrWrongMode, p.mode)
	}
	pin := p.hw.Digi0
	if which == Digi1 {
		pin = p.hw.Digi1
	}
	return pin.Out(level)
}
