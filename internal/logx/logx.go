// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package logx wraps the standard library log package behind a small
// interface, the same best-effort diagnostic-print convention
// periph.io/x/host/v3/ftdi gates behind its host_ftdi_debug build tag
// (debug.go/no_debug.go): core.Lifecycle always has a Logger, but
// verbose protocol traces only print when Options.Debug is set.
package logx

import (
	"log"
	"os"
)

// Logger is the minimal surface core.Lifecycle and the drivers it owns
// log through. *log.Logger satisfies it without any adapter.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Default returns a Logger writing to stderr with the standard log
// package's default flags, matching log.Default().
func Default() Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// Nop discards everything written to it. Tests that don't want log
// noise pass this instead of Default().
type Nop struct{}

// Printf implements Logger by doing nothing.
func (Nop) Printf(string, ...interface{}) {}

// Debug wraps a Logger so Printf is a no-op unless enabled is true,
// matching ftdi's logf-disabled-by-default convention without needing a
// separate build tag per call site.
type Debug struct {
	Logger  Logger
	Enabled bool
}

// Printf implements Logger, forwarding only when d.Enabled.
func (d Debug) Printf(format string, v ...interface{}) {
	if !d.Enabled || d.Logger == nil {
		return
	}
	d.Logger.Printf(format, v...)
}
