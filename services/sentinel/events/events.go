// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events provides the best-effort safety event bus.
//
// The kill switch and safe-mode controllers publish structured events on
// every state transition so observability collaborators (dashboards,
// audit sinks) can follow along. Publishing is strictly best-effort: a
// failing or panicking subscriber never blocks or aborts the transition
// that produced the event.
//
// The emitter is an explicit, injected collaborator with a no-op default,
// so components can always publish unconditionally.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies the kind of safety event.
type Type string

const (
	// TypeKillSwitchTriggered is published when the kill switch trips.
	TypeKillSwitchTriggered Type = "killswitch.triggered"

	// TypeKillSwitchRecovered is published when the kill switch recovers.
	TypeKillSwitchRecovered Type = "killswitch.recovered"

	// TypeForceKill is published when non-compliant agents are force-killed.
	TypeForceKill Type = "killswitch.force_kill"

	// TypeSafeModeEntered is published on every safe-mode level entry.
	TypeSafeModeEntered Type = "safemode.entered"

	// TypeSafeModeExited is published when safe mode returns to off.
	TypeSafeModeExited Type = "safemode.exited"
)

// Event is the structured record published on every transition.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Type is the event kind.
	Type Type `json:"type"`

	// Component is the publishing component ("killswitch", "safemode").
	Component string `json:"component"`

	// State is the resulting state or level name.
	State string `json:"state"`

	// Reason explains the transition.
	Reason string `json:"reason"`

	// Source identifies who requested the transition.
	Source string `json:"source"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes safety events to subscribers.
type Emitter interface {
	// Emit publishes an event. Implementations must never block
	// indefinitely and must never panic into the caller.
	Emit(event Event)
}

// Handler is a function that processes events.
type Handler func(event Event)

// Bus is the in-process Emitter implementation.
//
// Thread Safety: Bus is safe for concurrent use.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	buffer     []Event
	bufferSize int
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the event buffer size.
func WithBufferSize(size int) BusOption {
	return func(b *Bus) {
		b.bufferSize = size
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		handlers:   make(map[string]Handler),
		bufferSize: 1000,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.buffer = make([]Event, 0, b.bufferSize)
	return b
}

// Subscribe registers a handler for all events.
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (b *Bus) Subscribe(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	b.handlers[id] = handler
	return id
}

// Unsubscribe removes a subscription.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.handlers[id]; ok {
		delete(b.handlers, id)
		return true
	}
	return false
}

// Emit implements Emitter.
//
// Description:
//
//	Assigns an event ID and timestamp if missing, buffers the event, and
//	invokes every handler with panic recovery. One misbehaving handler
//	cannot prevent others from seeing the event.
//
// Thread Safety: Safe for concurrent use.
func (b *Bus) Emit(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.Lock()
	if len(b.buffer) >= b.bufferSize {
		b.buffer = b.buffer[1:]
	}
	b.buffer = append(b.buffer, event)
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeInvoke(h, event)
	}
}

// safeInvoke calls a handler with panic recovery.
func (b *Bus) safeInvoke(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event_type", event.Type,
				"event_id", event.ID,
				"panic", r,
			)
		}
	}()
	handler(event)
}

// Buffer returns a copy of buffered events.
func (b *Bus) Buffer() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.buffer))
	copy(out, b.buffer)
	return out
}

// BufferByType returns buffered events of a specific type.
func (b *Bus) BufferByType(t Type) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.buffer {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears all subscriptions and buffered events.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]Handler)
	b.buffer = make([]Event, 0, b.bufferSize)
}

// Nop is an Emitter that discards all events.
//
// Components default to Nop when no bus is injected, so event publishing
// never needs a nil check at call sites.
type Nop struct{}

// Emit discards the event.
func (Nop) Emit(Event) {}

var _ Emitter = Nop{}
var _ Emitter = (*Bus)(nil)
