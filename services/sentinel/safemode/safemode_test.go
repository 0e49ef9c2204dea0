// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safemode

import (
	"testing"

	"github.com/AleutianAI/sentinel/services/sentinel/events"
	"github.com/AleutianAI/sentinel/services/sentinel/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLevelOrdering(t *testing.T) {
	ordered := []Level{LevelOff, LevelLimited, LevelRestricted, LevelEmergency}
	for i := 1; i < len(ordered); i++ {
		if !ordered[i].MoreSevereThan(ordered[i-1]) {
			t.Errorf("%s should be more severe than %s", ordered[i], ordered[i-1])
		}
		if ordered[i-1].MoreSevereThan(ordered[i]) {
			t.Errorf("%s should not be more severe than %s", ordered[i-1], ordered[i])
		}
	}
	if LevelLimited.MoreSevereThan(LevelLimited) {
		t.Error("MoreSevereThan must be strict")
	}
}

func TestEnterLevelMonotone(t *testing.T) {
	c := New(Config{})

	// Upward steps all succeed.
	steps := []Level{LevelLimited, LevelRestricted, LevelEmergency}
	for _, level := range steps {
		if !c.EnterLevel(level, "escalating", "test") {
			t.Fatalf("EnterLevel(%s) from %s should succeed", level, c.CurrentLevel())
		}
		if c.CurrentLevel() != level {
			t.Fatalf("CurrentLevel = %s, want %s", c.CurrentLevel(), level)
		}
	}

	// Downward or lateral entries are rejected.
	rejected := []Level{LevelEmergency, LevelRestricted, LevelLimited, LevelOff}
	for _, level := range rejected {
		if c.EnterLevel(level, "should fail", "test") {
			t.Errorf("EnterLevel(%s) from emergency should fail", level)
		}
	}
	if c.CurrentLevel() != LevelEmergency {
		t.Errorf("rejected transitions changed level to %s", c.CurrentLevel())
	}
}

func TestEnterLevelCannotGoDown(t *testing.T) {
	c := New(Config{})

	c.EnterLevel(LevelRestricted, "incident", "test")
	if c.EnterLevel(LevelLimited, "relax", "test") {
		t.Error("Restricted -> Limited via EnterLevel must fail")
	}
	if c.EnterLevel(LevelOff, "relax", "test") {
		t.Error("Restricted -> Off via EnterLevel must fail")
	}
	if c.CurrentLevel() != LevelRestricted {
		t.Errorf("level = %s, want restricted", c.CurrentLevel())
	}
}

func TestExitSafeMode(t *testing.T) {
	c := New(Config{})

	if c.ExitSafeMode("nothing active", "test") {
		t.Error("exit from off should return false")
	}

	c.EnterLevel(LevelEmergency, "incident", "test")
	if !c.ExitSafeMode("resolved", "test") {
		t.Fatal("exit from emergency should succeed")
	}
	if c.CurrentLevel() != LevelOff || c.IsActive() {
		t.Error("controller should be off after exit")
	}

	// After exiting, escalation can start over from the bottom.
	if !c.EnterLevel(LevelLimited, "new incident", "test") {
		t.Error("entry after exit should succeed")
	}
}

func TestOperationAllowLists(t *testing.T) {
	tests := []struct {
		level Level
		op    string
		want  bool
	}{
		{LevelOff, "write", true},
		{LevelOff, "anything_at_all", true},
		{LevelLimited, "write", true},
		{LevelLimited, "read", true},
		{LevelLimited, "deploy", false},
		{LevelRestricted, "write", false},
		{LevelRestricted, "read", true},
		{LevelRestricted, "query", true},
		{LevelEmergency, "write", false},
		{LevelEmergency, "read", false},
		{LevelEmergency, "status", true},
		{LevelEmergency, "acknowledge", true},
	}

	for _, tt := range tests {
		c := New(Config{})
		if tt.level != LevelOff {
			if !c.EnterLevel(tt.level, "test", "test") {
				t.Fatalf("setup: EnterLevel(%s)", tt.level)
			}
		}
		if got := c.IsOperationAllowed(tt.op); got != tt.want {
			t.Errorf("at %s, IsOperationAllowed(%q) = %v, want %v", tt.level, tt.op, got, tt.want)
		}
	}
}

func TestGetLimits(t *testing.T) {
	c := New(Config{})

	off := c.GetLimits()
	if !off.Allows("anything") {
		t.Error("off limits should allow everything")
	}
	if off.MaxConcurrentAgents != 0 {
		t.Errorf("off concurrency cap = %d, want unlimited", off.MaxConcurrentAgents)
	}

	c.EnterLevel(LevelLimited, "test", "test")
	limited := c.GetLimits()
	if limited.MaxConcurrentAgents != 5 || limited.RateLimitPerMinute != 60 {
		t.Errorf("limited limits = %+v", limited)
	}

	// Returned rows are copies; mutating one must not poison the table.
	limited.AllowedOperations[0] = "mutated"
	if got := c.GetLimits().AllowedOperations[0]; got == "mutated" {
		t.Error("GetLimits must return a copy")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	st := newTestStore(t)

	c := New(Config{Store: st})
	c.EnterLevel(LevelRestricted, "persisted incident", "test")

	c2 := New(Config{Store: st})
	if c2.CurrentLevel() != LevelRestricted {
		t.Fatalf("reloaded level = %s, want restricted", c2.CurrentLevel())
	}
	status := c2.GetStatus()
	if status.Reason != "persisted incident" {
		t.Errorf("reloaded reason = %q", status.Reason)
	}
	if status.Transitions != 1 {
		t.Errorf("reloaded transitions = %d, want 1", status.Transitions)
	}

	// Exit persists too.
	c2.ExitSafeMode("resolved", "test")
	c3 := New(Config{Store: st})
	if c3.CurrentLevel() != LevelOff {
		t.Errorf("level after persisted exit = %s", c3.CurrentLevel())
	}
}

func TestCorruptStateDefaultsToOff(t *testing.T) {
	st := newTestStore(t)
	if err := st.PutRecord(stateKey, []int{1, 2, 3}); err != nil {
		t.Fatal(err)
	}

	c := New(Config{Store: st})
	if c.CurrentLevel() != LevelOff {
		t.Errorf("corrupt state should default to off, got %s", c.CurrentLevel())
	}
}

func TestCallbacksBestEffort(t *testing.T) {
	c := New(Config{})

	var entered, exited []Level
	c.OnEnter(func(from, to Level, reason string) {
		panic("misbehaving callback")
	})
	c.OnEnter(func(from, to Level, reason string) {
		entered = append(entered, to)
	})
	c.OnExit(func(from, to Level, reason string) {
		exited = append(exited, from)
	})

	if !c.EnterLevel(LevelLimited, "test", "test") {
		t.Fatal("a panicking callback must not block the transition")
	}
	if len(entered) != 1 || entered[0] != LevelLimited {
		t.Errorf("entered = %v, want [limited]", entered)
	}

	c.ExitSafeMode("done", "test")
	if len(exited) != 1 || exited[0] != LevelLimited {
		t.Errorf("exited = %v, want [limited]", exited)
	}
}

func TestTransitionEventsAndHistory(t *testing.T) {
	bus := events.NewBus()
	c := New(Config{Emitter: bus, HistorySize: 2})

	c.EnterLevel(LevelLimited, "first", "test")
	c.EnterLevel(LevelRestricted, "second", "test")
	c.ExitSafeMode("done", "test")

	if got := len(bus.BufferByType(events.TypeSafeModeEntered)); got != 2 {
		t.Errorf("entered events = %d, want 2", got)
	}
	if got := len(bus.BufferByType(events.TypeSafeModeExited)); got != 1 {
		t.Errorf("exited events = %d, want 1", got)
	}

	history := c.GetHistory(0)
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2 (bounded)", len(history))
	}
	if history[1].ToLevel != LevelOff || history[1].FromLevel != LevelRestricted {
		t.Errorf("newest transition = %+v", history[1])
	}
}
