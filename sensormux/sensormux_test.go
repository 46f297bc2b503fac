// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package sensormux

import (
	"errors"
	"testing"

	"nxtcore.dev/core/board"
)

func newMux(t *testing.T) *Mux {
	t.Helper()
	return New(board.NewSimulatedNXT())
}

func TestAllPortsStartOff(t *testing.T) {
	m := newMux(t)
	for i := 0; i < board.NumSensorPorts; i++ {
		mode, err := m.Mode(i)
		if err != nil {
			t.Fatal(err)
		}
		if mode != Off {
			t.Fatalf("port %d: got %s, want OFF", i, mode)
		}
	}
}

func TestModeTransitionsMustPassThroughOff(t *testing.T) {
	m := newMux(t)
	if err := m.AnalogEnable(0); err != nil {
		t.Fatal(err)
	}
	if err := m.I2CEnable(0); !errors.Is(err, ErrModeTransition) {
		t.Fatalf("expected ErrModeTransition, got %v", err)
	}
	if err := m.ColorEnable(0); !errors.Is(err, ErrModeTransition) {
		t.Fatalf("expected ErrModeTransition, got %v", err)
	}
	if err := m.AnalogDisable(0); err != nil {
		t.Fatal(err)
	}
	if err := m.I2CEnable(0); err != nil {
		t.Fatalf("I2CEnable from OFF should succeed: %v", err)
	}
}

func TestDisableFromAnyMode(t *testing.T) {
	for _, enable := range []func(*Mux, int) error{
		(*Mux).AnalogEnable,
		(*Mux).I2CEnable,
		(*Mux).ColorEnable,
	} {
		m := newMux(t)
		if err := enable(m, 1); err != nil {
			t.Fatal(err)
		}
		if err := m.Disable(1); err != nil {
			t.Fatal(err)
		}
		mode, _ := m.Mode(1)
		if mode != Off {
			t.Fatalf("got %s, want OFF", mode)
		}
	}
}

func TestAnalogGetPanicsOutsideAnalogMode(t *testing.T) {
	m := newMux(t)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	m.AnalogGet(0)
}

func TestAnalogGetReturnsSample(t *testing.T) {
	nxt := board.NewSimulatedNXT()
	nxt.ADC.SetSample(nxt.SensorPorts[2].ADCCh, 777)
	m := New(nxt)
	if err := m.AnalogEnable(2); err != nil {
		t.Fatal(err)
	}
	if got := m.AnalogGet(2); got != 777 {
		t.Fatalf("got %d, want 777", got)
	}
}

func TestAnalogDigiSetClearRequiresAnalogMode(t *testing.T) {
	m := newMux(t)
	if err := m.AnalogDigiSet(0, Digi0); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("expected ErrWrongMode, got %v", err)
	}
	if err := m.AnalogEnable(0); err != nil {
		t.Fatal(err)
	}
	if err := m.AnalogDigiSet(0, Digi1); err != nil {
		t.Fatal(err)
	}
	if err := m.AnalogDigiClear(0, Digi1); err != nil {
		t.Fatal(err)
	}
}

func TestInvalidPortIndex(t *testing.T) {
	m := newMux(t)
	if _, err := m.Mode(99); err == nil {
		t.Fatalf("expected error for invalid port")
	}
}

func TestPortsAreIndependent(t *testing.T) {
	m := newMux(t)
	if err := m.AnalogEnable(0); err != nil {
		t.Fatal(err)
	}
	mode, err := m.Mode(1)
	if err != nil {
		t.Fatal(err)
	}
	if mode != Off {
		t.Fatalf("port 1 affected by port 0's transition: %s", mode)
	}
}
