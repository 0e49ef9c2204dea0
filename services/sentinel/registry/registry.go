// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry defines the agent liveness surface the kill switch
// consults during compliance verification.
//
// The runtime that actually supervises agent processes implements
// Liveness; the sentinel only reads from it. When no registry is wired,
// verification degrades gracefully rather than blocking recovery.
package registry

import (
	"context"
	"sync"
	"time"
)

// Liveness reports which agents are currently running.
//
// Implementations must tolerate concurrent callers and must answer from
// current observation, not from a cache of intent: an agent that was told
// to stop but has not exited yet is still running.
type Liveness interface {
	// IsAgentRunning reports whether the named agent is still executing.
	IsAgentRunning(ctx context.Context, agentID string) (bool, error)

	// ListRunningAgents returns the IDs of all currently running agents.
	ListRunningAgents(ctx context.Context) ([]string, error)
}

// InMemory is a process-local Liveness implementation.
//
// Description:
//
//	Tracks agent registration and heartbeats in memory. Intended for
//	single-process deployments and for the self-test harness; distributed
//	deployments wire their own supervisor-backed implementation.
//
// Thread Safety: Safe for concurrent use.
type InMemory struct {
	mu     sync.RWMutex
	agents map[string]time.Time

	// staleAfter marks an agent not-running once its last heartbeat is
	// older than this. Zero disables staleness checks.
	staleAfter time.Duration
}

// InMemoryOption configures an InMemory registry.
type InMemoryOption func(*InMemory)

// WithStaleAfter treats agents without a heartbeat in d as not running.
func WithStaleAfter(d time.Duration) InMemoryOption {
	return func(r *InMemory) {
		r.staleAfter = d
	}
}

// NewInMemory creates an in-memory liveness registry.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	r := &InMemory{
		agents: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register marks an agent as running.
func (r *InMemory) Register(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = time.Now()
}

// Heartbeat refreshes an agent's liveness timestamp.
func (r *InMemory) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; ok {
		r.agents[agentID] = time.Now()
	}
}

// Deregister marks an agent as stopped.
func (r *InMemory) Deregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// IsAgentRunning implements Liveness.
func (r *InMemory) IsAgentRunning(_ context.Context, agentID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	last, ok := r.agents[agentID]
	if !ok {
		return false, nil
	}
	if r.staleAfter > 0 && time.Since(last) > r.staleAfter {
		return false, nil
	}
	return true, nil
}

// ListRunningAgents implements Liveness.
func (r *InMemory) ListRunningAgents(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.agents))
	for id, last := range r.agents {
		if r.staleAfter > 0 && time.Since(last) > r.staleAfter {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

var _ Liveness = (*InMemory)(nil)
