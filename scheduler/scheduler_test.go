// Copyright 2026 The NXT Core Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scheduler

import "testing"

func TestIdleFallbackWhenNoTasksRegistered(t *testing.T) {
	s := New(1)
	s.Start()
	if got := s.Current(); !got.Idle() {
		t.Fatalf("got %s, want idle", got.Name())
	}
	s.EvaluateTick(SavedContext{})
	if got := s.Current(); !got.Idle() {
		t.Fatalf("idle ring-of-one should stay current, got %s", got.Name())
	}
}

func TestRoundRobinOrder(t *testing.T) {
	s := New(1)
	a, err := s.Register("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Register("b", 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.Register("c", 0)
	if err != nil {
		t.Fatal(err)
	}
	s.Start()

	want := []*Task{a, b, c, a, b, c}
	for i, w := range want {
		if got := s.Current(); got != w {
			t.Fatalf("step %d: got %s, want %s", i, got.Name(), w.Name())
		}
		s.EvaluateTick(SavedContext{})
	}
}

func TestSwitchWaitsForResolution(t *testing.T) {
	s := New(3)
	a, _ := s.Register("a", 0)
	b, _ := s.Register("b", 0)
	s.Start()

	s.EvaluateTick(SavedContext{})
	s.EvaluateTick(SavedContext{})
	if got := s.Current(); got != a {
		t.Fatalf("switched early: got %s, want a", got.Name())
	}
	s.EvaluateTick(SavedContext{})
	if got := s.Current(); got != b {
		t.Fatalf("did not switch at resolution: got %s, want b", got.Name())
	}
}

func TestDisableSuspendsSwitching(t *testing.T) {
	s := New(1)
	a, _ := s.Register("a", 0)
	b, _ := s.Register("b", 0)
	s.Start()
	s.Disable()

	for i := 0; i < 5; i++ {
		s.EvaluateTick(SavedContext{})
	}
	if got := s.Current(); got != a {
		t.Fatalf("task switched while disabled: got %s", got.Name())
	}

	s.Enable()
	s.EvaluateTick(SavedContext{})
	if got := s.Current(); got != b {
		t.Fatalf("did not resume switching after Enable: got %s", got.Name())
	}
}

func TestRegisterAfterStartFails(t *testing.T) {
	s := New(1)
	s.Start()
	if _, err := s.Register("late", 0); err != ErrStarted {
		t.Fatalf("got %v, want ErrStarted", err)
	}
}

func TestSavedContextRecordedOnSwitch(t *testing.T) {
	s := New(1)
	a, _ := s.Register("a", 0)
	_, _ = s.Register("b", 0)
	s.Start()

	want := SavedContext{PC: 0x1000, SP: 0x2000, Status: 0x13}
	s.EvaluateTick(want)

	got := s.SavedContext(a)
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestDefaultStackSize(t *testing.T) {
	s := New(1)
	a, err := s.Register("a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if a.StackSize() != DefaultStackSize {
		t.Fatalf("got %d, want %d", a.StackSize(), DefaultStackSize)
	}
	b, err := s.Register("b", 4096)
	if err != nil {
		t.Fatal(err)
	}
	if b.StackSize() != 4096 {
		t.Fatalf("got %d, want 4096", b.StackSize())
	}
}
