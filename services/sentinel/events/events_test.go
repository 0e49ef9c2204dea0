// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"sync"
	"testing"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewBus()

	var mu sync.Mutex
	var received []Event
	id := bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	bus.Emit(Event{Type: TypeKillSwitchTriggered, Component: "killswitch", State: "triggered"})
	bus.Emit(Event{Type: TypeSafeModeEntered, Component: "safemode", State: "limited"})

	mu.Lock()
	if len(received) != 2 {
		t.Fatalf("received %d events, want 2", len(received))
	}
	if received[0].ID == "" || received[0].Timestamp.IsZero() {
		t.Error("emit should assign ID and timestamp")
	}
	mu.Unlock()

	if !bus.Unsubscribe(id) {
		t.Error("unsubscribe of live subscription should return true")
	}
	if bus.Unsubscribe(id) {
		t.Error("double unsubscribe should return false")
	}

	bus.Emit(Event{Type: TypeForceKill})
	mu.Lock()
	if len(received) != 2 {
		t.Error("unsubscribed handler still receiving events")
	}
	mu.Unlock()
}

func TestPanickingHandlerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	bus.Subscribe(func(e Event) {
		panic("bad subscriber")
	})
	got := 0
	bus.Subscribe(func(e Event) {
		got++
	})

	bus.Emit(Event{Type: TypeKillSwitchTriggered})
	if got != 1 {
		t.Errorf("second handler saw %d events, want 1", got)
	}
}

func TestBufferBounded(t *testing.T) {
	bus := NewBus(WithBufferSize(3))

	for i := 0; i < 5; i++ {
		bus.Emit(Event{Type: TypeSafeModeEntered})
	}
	if got := len(bus.Buffer()); got != 3 {
		t.Errorf("buffer len = %d, want 3", got)
	}
}

func TestBufferByType(t *testing.T) {
	bus := NewBus()
	bus.Emit(Event{Type: TypeKillSwitchTriggered})
	bus.Emit(Event{Type: TypeSafeModeEntered})
	bus.Emit(Event{Type: TypeKillSwitchTriggered})

	if got := len(bus.BufferByType(TypeKillSwitchTriggered)); got != 2 {
		t.Errorf("triggered events = %d, want 2", got)
	}
	if got := len(bus.BufferByType(TypeForceKill)); got != 0 {
		t.Errorf("force kill events = %d, want 0", got)
	}
}

func TestReset(t *testing.T) {
	bus := NewBus()
	calls := 0
	bus.Subscribe(func(e Event) { calls++ })
	bus.Emit(Event{Type: TypeForceKill})

	bus.Reset()
	bus.Emit(Event{Type: TypeForceKill})

	if calls != 1 {
		t.Errorf("handler called %d times, want 1 (reset cleared it)", calls)
	}
	if len(bus.Buffer()) != 1 {
		t.Errorf("buffer len = %d, want 1 after reset", len(bus.Buffer()))
	}
}
