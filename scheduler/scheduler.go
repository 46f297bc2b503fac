// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scheduler implements the task-switch hook (spec §4.6, C6): a
// fixed set of cooperatively registered tasks, round-robin switched on
// tick after TASK_SWITCH_RESOLUTION ticks have elapsed, falling back to
// a distinguished idle task when the runnable ring is empty.
//
// Nothing in the retrieved corpus implements an RTOS-style task
// scheduler, so this package is built directly from the data model and
// design notes in spec §3/§9 rather than adapted from a teacher file:
// the "cyclic task list as an arena of records plus integer indices"
// note is followed almost literally, except a doubly-owned pointer ring
// reads more naturally in Go than index arithmetic into a slice and
// carries the same no-true-cycle-ownership property (each Task is
// reachable only through the Scheduler that created it).
package scheduler

import (
	"errors"
	"sync"
)

// DefaultStackSize is the preallocated stack size a Task gets when
// Register is called with stackSize <= 0 (spec §4.6: "default 1 KB").
const DefaultStackSize = 1024

// DefaultSwitchResolution is TASK_SWITCH_RESOLUTION's documented
// default: a task switch is considered once every this many ticks.
const DefaultSwitchResolution = 10

// ErrStarted is returned by Register once Start has been called: the
// task set is fixed before scheduling begins (spec §4.6).
var ErrStarted = errors.New("scheduler: cannot register a task after Start")

// SavedContext is the full general-purpose register bank plus program
// counter and mode/status word a real tick ISR saves on the outgoing
// task's own stack (spec §3). This host-simulated core has no register
// file to snapshot from outside a goroutine, so the fields exist purely
// so every Task has a single concrete place to record what a bare-metal
// backend would actually save, and so tests can assert a save happened
// without caring what the bytes mean.
type SavedContext struct {
	SP     uintptr
	PC     uintptr
	Status uint32
	GPR    [13]uint32
}

// Task is one registered task's bookkeeping: its preallocated stack
// size, its saved context from the last time it was preempted, and its
// link to the next task in the runnable ring (spec §3).
type Task struct {
	name      string
	stackSize int
	idle      bool

	mu    sync.Mutex
	saved SavedContext
	next  *Task
}

// Name returns the task's registered name.
func (t *Task) Name() string { return t.name }

// StackSize returns the task's preallocated stack size in bytes.
func (t *Task) StackSize() int { return t.stackSize }

// Idle reports whether this is the scheduler's distinguished idle task.
func (t *Task) Idle() bool { return t.idle }

// Scheduler is the task-switch evaluator (spec §4.6). Exactly one
// exists per running core; tick.Controller.SetTaskSwitchStep wires
// EvaluateTick as the task-switch evaluator hook, dispatched last on
// every tick (spec §4.1).
type Scheduler struct {
	mu         sync.Mutex
	resolution uint32
	elapsed    uint32
	started    bool
	enabled    bool

	idle     *Task
	ringHead *Task // nil until the first non-idle Register
	current  *Task
}

// New creates a Scheduler with the given TASK_SWITCH_RESOLUTION (ticks
// between switch evaluations); 0 uses DefaultSwitchResolution. The
// scheduler starts with only the idle task present and current, per
// spec §3's invariant that idle's ring-of-one is the fallback when the
// runnable ring is empty.
func New(resolution uint32) *Scheduler {
	if resolution == 0 {
		resolution = DefaultSwitchResolution
	}
	idle := &Task{name: "idle", idle: true, stackSize: DefaultStackSize}
	idle.next = idle
	return &Scheduler{resolution: resolution, idle: idle, current: idle}
}

// Register adds a task to the runnable ring, inserted at the tail so
// the ring preserves registration order. It must be called before
// Start.
func (s *Scheduler) Register(name string, stackSize int) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil, ErrStarted
	}
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	t := &Task{name: name, stackSize: stackSize}
	if s.ringHead == nil {
		t.next = t
		s.ringHead = t
	} else {
		last := s.ringHead
		for last.next != s.ringHead {
			last = last.next
		}
		last.next = t
		t.next = s.ringHead
	}
	return t, nil
}

// IdleTask returns the scheduler's distinguished idle task.
func (s *Scheduler) IdleTask() *Task { return s.idle }

// Start begins scheduling: the first registered task (ring head)
// becomes current, or idle if none were registered. Preemption is
// enabled.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	s.enabled = true
	if s.ringHead != nil {
		s.current = s.ringHead
	} else {
		s.current = s.idle
	}
}

// Enable re-arms preemption after Disable.
func (s *Scheduler) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = true
}

// Disable suspends task switching: EvaluateTick returns without counting
// elapsed ticks or switching, matching spec §5 ("disabling the tick
// disables preemption") modeled as the scheduler's own off switch
// rather than requiring callers to stop calling EvaluateTick at all.
func (s *Scheduler) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = false
}

// Current returns the task currently considered scheduled.
func (s *Scheduler) Current() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SavedContext returns the context last saved for t by EvaluateTick.
func (s *Scheduler) SavedContext(t *Task) SavedContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saved
}

// EvaluateTick is the task-switch evaluator (spec §4.6). ctx is the
// register/PC/status snapshot the caller captured for the currently
// running task at the moment of the tick — on bare metal this comes
// from the tick ISR's own entry sequence; host-side callers that have
// no real register file to snapshot may pass a zero SavedContext.
//
// Every call advances the elapsed-tick counter; only once it reaches
// the configured resolution does a switch evaluation actually occur,
// matching "after TASK_SWITCH_RESOLUTION ticks have elapsed" (spec
// §4.6). Between tick boundaries there is no other call into this
// type, so the scheduler is strictly cooperative there by construction
// (spec §5).
func (s *Scheduler) EvaluateTick(ctx SavedContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled || !s.started {
		return
	}
	s.elapsed++
	if s.elapsed < s.resolution {
		return
	}
	s.elapsed = 0

	s.current.mu.Lock()
	s.current.saved = ctx
	s.current.mu.Unlock()

	switch {
	case s.ringHead == nil:
		s.current = s.idle
	case s.current.idle:
		s.current = s.ringHead
	default:
		s.current = s.current.next
	}
}
