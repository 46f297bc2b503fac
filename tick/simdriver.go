// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package tick

import "time"

// Driver pumps Controller.Tick once per period on a real clock. It is
// the host-side stand-in for the AT91 Periodic Interval Timer firing
// the tick ISR; bare-metal builds never use it, they call Tick directly
// from the PIT interrupt vector.
type Driver struct {
	c      *Controller
	period time.Duration
	stop   chan struct{}
	done   chan struct{}
}

// NewDriver creates a Driver for Controller c with the given tick
// period. The spec requires 1000 µs ± 10 µs (§4.1); tests that need
// faster wall-clock turnaround may pass a shorter period since period is
// purely a pacing knob, not a protocol parameter.
func NewDriver(c *Controller, period time.Duration) *Driver {
	return &Driver{c: c, period: period, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start begins ticking in a background goroutine.
func (d *Driver) Start() {
	go func() {
		defer close(d.done)
		t := time.NewTicker(d.period)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				d.c.Tick()
			case <-d.stop:
				return
			}
		}
	}()
}

// Stop halts the driver and waits for its goroutine to exit.
func (d *Driver) Stop() {
	close(d.stop)
	<-d.done
}

// WaitMS busy-waits until at least n milliseconds have elapsed on c's
// tick counter. This is the only blocking primitive application code
// gets (spec §5): it spins on MsNow with no lock, exactly like the
// original's systick_wait_ms.
func WaitMS(c *Controller, n uint32) {
	start := c.MsNow()
	for int32(c.MsNow()-start) < int32(n) {
		time.Sleep(50 * time.Microsecond)
	}
}
