// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tick implements the interrupt controller and the 1 ms
// monotonic tick (spec §4.1, C1). It mirrors the AIC contract described
// in the original nxos/drivers/aic.h: a vector table with priority and
// trigger mode, installed once and enabled/disabled/forced/acked by
// vector number. The tick handler itself (Controller.Tick) is not
// installed in that vector table: the host-side Driver calls it
// directly, and PriorityTick is defined but not used by this package.
// On every firing it dispatches three fixed hooks in order: the
// soft-I²C sub-scheduler, the AVR-link frame scheduler, and the
// task-switch evaluator.
package tick

import (
	"sync"
	"sync/atomic"
)

// Priority mirrors aic_priority_t.
type Priority int

const (
	PriorityLow      Priority = 2
	PriorityDriver   Priority = 4
	PrioritySoftMAC  Priority = 6
	PriorityTick     Priority = 7
)

// TrigMode mirrors aic_trigger_mode_t.
type TrigMode int

const (
	TrigLevel TrigMode = 0
	TrigEdge  TrigMode = 1
)

// Vector identifies one interrupt source.
type Vector int

// Handler is one installed ISR.
type Handler func()

type vectorEntry struct {
	prio    Priority
	trig    TrigMode
	handler Handler
	enabled bool
}

// SubStep is one of the three fixed per-tick hooks: the soft-I²C
// sub-scheduler receives the sub-tick count so it can run several state
// transitions per millisecond (spec §4.1).
type SubStep func(subTick uint32)

// Step is a per-tick hook taking no arguments (the AVR-link scheduler
// and the task-switch evaluator).
type Step func()

// Controller is the interrupt controller plus tick heartbeat. There is
// exactly one per running core; core.Lifecycle owns it and installs it
// before any other driver, per spec §4.7 boot order.
type Controller struct {
	mu      sync.Mutex
	vectors map[Vector]*vectorEntry

	ms atomic.Uint32 // ms_now(); lock-free per spec §4.1

	subTicksPerMS uint32
	subTick       atomic.Uint32

	softI2CStep  SubStep
	avrLinkStep  Step
	taskSwitch   Step
}

// New creates a Controller. subTicksPerMS is the number of soft-I²C
// sub-tick advances performed per 1 ms tick (spec: "a faster sub-tick
// counter"); the soft I²C bus runs at roughly 9.6 kHz effective with one
// bit per sub-tick pair, so a 1 ms period needs on the order of 20
// sub-ticks to keep up — callers pick the exact ratio their build wants.
func New(subTicksPerMS uint32) *Controller {
	if subTicksPerMS == 0 {
		subTicksPerMS = 1
	}
	return &Controller{
		vectors:       map[Vector]*vectorEntry{},
		subTicksPerMS: subTicksPerMS,
	}
}

// InstallISR registers a handler for a peripheral interrupt vector. It
// is idempotent: installing the same vector again replaces the handler,
// matching aic_install_isr's behavior of simply overwriting the vector
// table entry.
func (c *Controller) InstallISR(v Vector, prio Priority, trig TrigMode, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vectors[v] = &vectorEntry{prio: prio, trig: trig, handler: h}
}

// Enable arms a vector so Force/hardware events dispatch its handler.
func (c *Controller) Enable(v Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.vectors[v]; ok {
		e.enabled = true
	}
}

// Disable disarms a vector.
func (c *Controller) Disable(v Vector) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.vectors[v]; ok {
		e.enabled = false
	}
}

// Force synchronously invokes an enabled vector's handler, standing in
// for aic_set's software-triggered interrupt.
func (c *Controller) Force(v Vector) {
	c.mu.Lock()
	e, ok := c.vectors[v]
	c.mu.Unlock()
	if ok && e.enabled && e.handler != nil {
		e.handler()
	}
}

// Ack clears a pending edge-triggered vector. On this portable
// implementation there is no separate "pending" latch to clear — the
// handler already ran synchronously in Force/Tick — so Ack is a no-op
// kept for API parity with aic_clear.
func (c *Controller) Ack(v Vector) {}

// MsNow returns the monotonic millisecond counter. Safe to call from any
// context without locking: it is a single atomic load, matching spec
// §4.1 and the testable property in §8 ("(int32_t)(t2 - t1) >= 0").
func (c *Controller) MsNow() uint32 {
	return c.ms.Load()
}

// SetSoftI2CStep installs the soft-I²C sub-scheduler hook, dispatched
// first on every tick.
func (c *Controller) SetSoftI2CStep(f SubStep) { c.softI2CStep = f }

// SetAVRLinkStep installs the AVR-link frame scheduler hook, dispatched
// second on every tick.
func (c *Controller) SetAVRLinkStep(f Step) { c.avrLinkStep = f }

// SetTaskSwitchStep installs the task-switch evaluator hook, dispatched
// last on every tick.
func (c *Controller) SetTaskSwitchStep(f Step) { c.taskSwitch = f }

// Tick advances ms_now by one millisecond and dispatches, in the fixed
// order required by spec §4.1: soft-I²C sub-scheduler (once per
// sub-tick, subTicksPerMS times), AVR-link frame scheduler, then the
// task-switch evaluator. Production code calls this from the tick ISR;
// tests call it directly for deterministic, clock-independent advance.
func (c *Controller) Tick() {
	c.ms.Add(1)
	if c.softI2CStep != nil {
		for i := uint32(0); i < c.subTicksPerMS; i++ {
			c.softI2CStep(c.subTick.Add(1))
		}
	}
	if c.avrLinkStep != nil {
		c.avrLinkStep()
	}
	if c.taskSwitch != nil {
		c.taskSwitch()
	}
}
