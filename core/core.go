// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package core implements the core lifecycle (spec §4.7, C7): the
// deterministic bring-up order that wires the interrupt/tick
// controller, the AVR coprocessor link, the sensor-port multiplexer
// and soft-I²C master, the USB device stack, and the task scheduler
// into one running instance, plus the matching shutdown/reset chain.
//
// It plays the role host.go/host_arm.go/host_linux.go play in the
// teacher: a single entry point that brings up a fixed list of drivers
// in order and hands a ready instance back to application code,
// generalized here from "register every known board driver" to "boot
// this one fixed board's peripherals in the order spec §4.7 names."
// External subsystems spec §1 puts out of scope (sound PWM, LCD SPI,
// display, hardware TWI) are represented only as optional bring-up/
// shutdown hooks run at their documented position, never implemented.
package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"nxtcore.dev/core/avrlink"
	"nxtcore.dev/core/board"
	"nxtcore.dev/core/internal/logx"
	"nxtcore.dev/core/scheduler"
	"nxtcore.dev/core/sensormux"
	"nxtcore.dev/core/softi2c"
	"nxtcore.dev/core/tick"
	"nxtcore.dev/core/usbdevice"
)

// Kind classifies a failure the way spec §7's error taxonomy does.
// Only FATAL is treated as unrecoverable by the lifecycle itself;
// everything else is left local to the driver that returned it.
type Kind int

const (
	KindInvalidArg Kind = iota
	KindBusy
	KindProtocol
	KindTimeout
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "INVALID_ARG"
	case KindBusy:
		return "BUSY"
	case KindProtocol:
		return "PROTOCOL"
	case KindTimeout:
		return "TIMEOUT"
	case KindFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error attaches a Kind to an underlying cause so callers can recover
// the taxonomy with errors.As instead of string matching (spec §7),
// the same role periph.io/x/d2xx's device error codes play for ftdi.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("core: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap lets errors.Is/As see through to Err.
func (e *Error) Unwrap() error { return e.Err }

// ErrNotBooted is returned by any post-boot operation called before
// Boot has run.
var ErrNotBooted = errors.New("core: lifecycle not booted")

// ShutdownHandler is the single optional callback invoked once before
// hardware teardown (spec §3).
type ShutdownHandler func()

// Options configures a Lifecycle's bring-up order (spec §4.7) and the
// tunables its owned drivers need. Every field except AVRTransport has a
// usable zero-value default: a 1 ms tick, 20 soft-I²C sub-ticks per ms,
// TASK_SWITCH_RESOLUTION ticks of 10, a 100 ms settle delay, and a
// debug-to-stderr logger with tracing off. AVRTransport has no default.
type Options struct {
	// TickPeriod is the host-side Driver's pacing period; bare-metal
	// builds ignore it and call Tick.Tick from the real PIT ISR instead.
	TickPeriod time.Duration
	// SubTicksPerMS is the soft-I²C sub-tick ratio tick.New takes.
	SubTicksPerMS uint32
	// SwitchResolution is TASK_SWITCH_RESOLUTION (spec §4.6).
	SwitchResolution uint32
	// SettleDelay is the pause after bring-up, before the application
	// entry point runs (spec §4.7 step 11, "100 ms settle delay").
	SettleDelay time.Duration

	// AVRTransport carries outbound/inbound frames to and from the AVR
	// coprocessor. Required: without one Boot fails with a FATAL Error.
	// Production wires avrlink.I2CTransport over a real hardware TWI bus;
	// tests wire a fake.
	AVRTransport avrlink.Transport

	Logger logx.Logger
	Debug  bool

	// BringUpSound, BringUpLCD, BringUpDisplay, and BringUpHWTWI run at
	// their documented boot-order position (spec §4.7 steps 3, 6, 7, 10)
	// for the subsystems this module treats as external collaborators
	// (spec §1). nil is a no-op. A non-nil error aborts Boot.
	BringUpSound   func() error
	BringUpLCD     func() error
	BringUpDisplay func() error
	BringUpHWTWI   func() error

	// ShutdownLCD and ShutdownSound run during Shutdown, mirroring spec
	// §4.7's "stop LCD" shutdown step; sound has no documented shutdown
	// step but is exposed for symmetry with its bring-up hook.
	ShutdownLCD   func()
	ShutdownSound func()
}

func (o *Options) setDefaults() {
	if o.TickPeriod <= 0 {
		o.TickPeriod = time.Millisecond
	}
	if o.SubTicksPerMS == 0 {
		o.SubTicksPerMS = 20
	}
	if o.SwitchResolution == 0 {
		o.SwitchResolution = scheduler.DefaultSwitchResolution
	}
	if o.SettleDelay <= 0 {
		o.SettleDelay = 100 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = logx.Default()
	}
}

// Lifecycle owns the one running instance of every core driver (spec
// §9's "reframe each driver as an owned object created once by the
// lifecycle component"). ISRs and application code alike reach drivers
// through this struct's exported fields rather than a package-level
// global; Boot initializes them before interrupts are enabled and
// nothing mutates the fields themselves afterward.
type Lifecycle struct {
	opts Options
	log  logx.Logger

	NXT       *board.NXT
	Tick      *tick.Controller
	TickDrv   *tick.Driver
	AVR       *avrlink.Link
	SoftI2C   *softi2c.Master
	Sensors   *sensormux.Mux
	USB       *usbdevice.Device
	Scheduler *scheduler.Scheduler

	mu       sync.Mutex
	booted   bool
	shutdown ShutdownHandler
}

// New creates a Lifecycle with the given options; nothing is booted
// yet. AVRTransport must be set before calling Boot, or Boot returns a
// FATAL Error.
func New(opts Options) *Lifecycle {
	opts.setDefaults()
	return &Lifecycle{
		opts: opts,
		log:  logx.Debug{Logger: opts.Logger, Enabled: opts.Debug},
	}
}

// SetShutdownHandler installs the single optional shutdown callback
// (spec §3), invoked once at the start of Shutdown/Reset.
func (l *Lifecycle) SetShutdownHandler(h ShutdownHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = h
}

func runHook(name string, f func() error) error {
	if f == nil {
		return nil
	}
	if err := f(); err != nil {
		return &Error{Kind: KindFatal, Op: name, Err: err}
	}
	return nil
}

// Boot runs the deterministic bring-up sequence in the fixed order
// spec §4.7 specifies. Each external hook runs at its documented
// position even though this module never implements the subsystem
// behind it. Boot returns once the settle delay has elapsed; the
// caller is the "application entry point" spec §4.7 step 12 hands
// control to.
func (l *Lifecycle) Boot() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.booted {
		return nil
	}

	// 1-2: interrupt controller & tick.
	l.NXT = board.NewSimulatedNXT()
	if err := Diagnose(l.NXT); err != nil {
		return err
	}
	l.Tick = tick.New(l.opts.SubTicksPerMS)
	l.Scheduler = scheduler.New(l.opts.SwitchResolution)

	// 3: sound PWM (external).
	if err := runHook("sound", l.opts.BringUpSound); err != nil {
		return err
	}

	// 4: AVR link, bus-cleaned before its first exchange (supplemented
	// from original_source/nxos/drivers/twi.c's twi_init preamble).
	if err := avrlink.BusClean(l.NXT.AVRSDA, l.NXT.AVRSCL); err != nil {
		return &Error{Kind: KindTimeout, Op: "avrlink.BusClean", Err: err}
	}
	transport := l.opts.AVRTransport
	if transport == nil {
		return &Error{Kind: KindFatal, Op: "avrlink", Err: errors.New("no AVRTransport configured")}
	}
	l.AVR = avrlink.New(transport)

	// 5: motor API sits on the AVR link; nothing further to bring up.

	// 6-7: LCD SPI, display (external).
	if err := runHook("lcd", l.opts.BringUpLCD); err != nil {
		return err
	}
	if err := runHook("display", l.opts.BringUpDisplay); err != nil {
		return err
	}

	// 8: sensor mux, and the soft-I²C master that shares its ports.
	l.Sensors = sensormux.New(l.NXT)
	l.SoftI2C = softi2c.New(l.NXT)

	// 9: USB.
	l.USB = usbdevice.New()

	// 10: hardware TWI (external, if available).
	if err := runHook("hwtwi", l.opts.BringUpHWTWI); err != nil {
		return err
	}

	l.Tick.SetSoftI2CStep(l.SoftI2C.Step)
	l.Tick.SetAVRLinkStep(l.AVR.Step)
	l.Tick.SetTaskSwitchStep(func() { l.Scheduler.EvaluateTick(scheduler.SavedContext{}) })
	l.TickDrv = tick.NewDriver(l.Tick, l.opts.TickPeriod)
	l.TickDrv.Start()
	l.Scheduler.Start()

	// 11: 100 ms settle delay.
	tick.WaitMS(l.Tick, uint32(l.opts.SettleDelay/time.Millisecond))

	l.booted = true
	l.log.Printf("core: boot complete, AVR link %s", l.AVR.State())
	return nil
	// 12: application entry point — the caller proceeds from here.
}

// Shutdown runs the graceful teardown chain: invoke the optional
// shutdown handler, run the ShutdownLCD and ShutdownSound hooks, stop
// the tick driver, and command the AVR to power off (which cuts brick
// power after about 1 s). The USB device is not disabled or reset.
func (l *Lifecycle) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.booted {
		return ErrNotBooted
	}
	if l.shutdown != nil {
		l.shutdown()
	}
	if l.opts.ShutdownLCD != nil {
		l.opts.ShutdownLCD()
	}
	if l.opts.ShutdownSound != nil {
		l.opts.ShutdownSound()
	}
	l.TickDrv.Stop()
	l.AVR.PowerDown()
	l.AVR.Step()
	l.log.Printf("core: shutdown complete")
	return nil
}

// Reset invokes the shutdown handler and the ShutdownLCD hook and stops
// the tick driver like Shutdown (it does not run ShutdownSound), then
// requests a processor reset via the reset controller's watchdog key
// (spec §6: "writes 0xA5000005 to the reset-controller control
// register") instead of an AVR power-off.
func (l *Lifecycle) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.booted {
		return ErrNotBooted
	}
	if l.shutdown != nil {
		l.shutdown()
	}
	if l.opts.ShutdownLCD != nil {
		l.opts.ShutdownLCD()
	}
	l.TickDrv.Stop()
	l.NXT.RSTC.TriggerProcessorReset()
	l.log.Printf("core: reset triggered")
	return nil
}

// Diagnose implements the post-reset diagnostic (spec §4.7): it reads
// nxt's reset-status register and returns a FATAL Error on watchdog or
// brownout, matching spec §8 scenario S6 ("the LCD shows 'Watchdog
// fault' and the CPU spins"). Boot calls this itself right after
// bringing up the board, before any other driver is touched; callers
// that get a FATAL error here are expected to render the equivalent
// user-visible failure themselves — this package has no display of its
// own to write to (spec §1).
func Diagnose(nxt *board.NXT) error {
	switch cause := nxt.RSTC.Cause(); cause {
	case board.ResetWatchdog:
		return &Error{Kind: KindFatal, Op: "diagnose", Err: fmt.Errorf("watchdog fault")}
	case board.ResetBrownout:
		return &Error{Kind: KindFatal, Op: "diagnose", Err: fmt.Errorf("brownout fault")}
	default:
		return nil
	}
}
