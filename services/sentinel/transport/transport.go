// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport carries stop and kill signals from the sentinel to
// running agents.
//
// The kill switch treats the transport as an optional collaborator: stop
// broadcasting is best-effort and per-agent failures are logged, never
// fatal, because the authoritative stop is the state flip that agents
// poll. The transport just makes them find out faster.
package transport

import (
	"context"
	"sync"
	"time"
)

// StopSignal is the payload sent to an agent.
type StopSignal struct {
	// AgentID is the target agent.
	AgentID string `json:"agent_id"`

	// Hard distinguishes a force-kill from a cooperative stop request.
	Hard bool `json:"hard"`

	// Reason explains why the agent is being stopped.
	Reason string `json:"reason"`

	// EpisodeID ties the signal to a kill-switch episode.
	EpisodeID string `json:"episode_id,omitempty"`

	// SentAt is when the sentinel published the signal.
	SentAt time.Time `json:"sent_at"`
}

// StopSignaler delivers stop signals to agents.
type StopSignaler interface {
	// SendStopSignal delivers a stop signal to one agent. Delivery is
	// best-effort; an error means the signal could not be published, not
	// that the agent refused it.
	SendStopSignal(ctx context.Context, sig StopSignal) error
}

// Nop discards all signals.
//
// The kill switch defaults to Nop so signal publishing never needs a nil
// check; agents then learn about stops only by polling state.
type Nop struct{}

// SendStopSignal discards the signal.
func (Nop) SendStopSignal(context.Context, StopSignal) error { return nil }

// Mock records signals for tests.
//
// Thread Safety: Safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	// Sent holds every signal passed to SendStopSignal, in order.
	Sent []StopSignal

	// Err, if set, is returned by every send.
	Err error
}

// SendStopSignal implements StopSignaler.
func (m *Mock) SendStopSignal(_ context.Context, sig StopSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, sig)
	return nil
}

// Signals returns a copy of the recorded signals.
func (m *Mock) Signals() []StopSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopSignal, len(m.Sent))
	copy(out, m.Sent)
	return out
}

// SignalsFor returns the recorded signals targeting one agent.
func (m *Mock) SignalsFor(agentID string) []StopSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StopSignal
	for _, s := range m.Sent {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out
}

var _ StopSignaler = Nop{}
var _ StopSignaler = (*Mock)(nil)
