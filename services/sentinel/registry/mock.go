// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"sync"
)

// Mock is a scriptable Liveness for tests.
//
// Thread Safety: Safe for concurrent use.
type Mock struct {
	mu sync.Mutex

	// Running is the set of agents reported as running.
	Running map[string]bool

	// Err, if set, is returned by every call.
	Err error

	// Calls counts liveness queries, for asserting poll behavior.
	Calls int
}

// NewMock creates a Mock with the given agents running.
func NewMock(running ...string) *Mock {
	m := &Mock{Running: make(map[string]bool)}
	for _, id := range running {
		m.Running[id] = true
	}
	return m
}

// SetRunning updates one agent's reported state.
func (m *Mock) SetRunning(agentID string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if running {
		m.Running[agentID] = true
	} else {
		delete(m.Running, agentID)
	}
}

// IsAgentRunning implements Liveness.
func (m *Mock) IsAgentRunning(_ context.Context, agentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return false, m.Err
	}
	return m.Running[agentID], nil
}

// ListRunningAgents implements Liveness.
func (m *Mock) ListRunningAgents(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.Err != nil {
		return nil, m.Err
	}
	out := make([]string, 0, len(m.Running))
	for id := range m.Running {
		out = append(out, id)
	}
	return out, nil
}

var _ Liveness = (*Mock)(nil)
