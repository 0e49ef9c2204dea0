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
	"testing"
	"time"
)

func TestInMemoryLifecycle(t *testing.T) {
	r := NewInMemory()
	ctx := context.Background()

	running, err := r.IsAgentRunning(ctx, "agent-1")
	if err != nil || running {
		t.Errorf("unknown agent running = %v, %v", running, err)
	}

	r.Register("agent-1")
	r.Register("agent-2")

	running, _ = r.IsAgentRunning(ctx, "agent-1")
	if !running {
		t.Error("registered agent should be running")
	}

	agents, err := r.ListRunningAgents(ctx)
	if err != nil || len(agents) != 2 {
		t.Errorf("list = %v, %v", agents, err)
	}

	r.Deregister("agent-1")
	running, _ = r.IsAgentRunning(ctx, "agent-1")
	if running {
		t.Error("deregistered agent should not be running")
	}
}

func TestInMemoryStaleness(t *testing.T) {
	r := NewInMemory(WithStaleAfter(50 * time.Millisecond))
	ctx := context.Background()

	r.Register("agent-1")
	r.Register("agent-2")
	time.Sleep(80 * time.Millisecond)

	// agent-2 heartbeats in time, agent-1 goes stale.
	r.Heartbeat("agent-2")

	running, _ := r.IsAgentRunning(ctx, "agent-1")
	if running {
		t.Error("stale agent should not be running")
	}
	running, _ = r.IsAgentRunning(ctx, "agent-2")
	if !running {
		t.Error("heartbeating agent should be running")
	}

	agents, _ := r.ListRunningAgents(ctx)
	if len(agents) != 1 || agents[0] != "agent-2" {
		t.Errorf("list = %v, want [agent-2]", agents)
	}
}

func TestHeartbeatUnknownAgentIsNoop(t *testing.T) {
	r := NewInMemory()
	r.Heartbeat("never-registered")

	running, _ := r.IsAgentRunning(context.Background(), "never-registered")
	if running {
		t.Error("heartbeat must not implicitly register")
	}
}

func TestMock(t *testing.T) {
	m := NewMock("agent-1")
	ctx := context.Background()

	running, _ := m.IsAgentRunning(ctx, "agent-1")
	if !running {
		t.Error("mocked agent should be running")
	}

	m.SetRunning("agent-1", false)
	running, _ = m.IsAgentRunning(ctx, "agent-1")
	if running {
		t.Error("SetRunning(false) should stop the agent")
	}

	if m.Calls != 2 {
		t.Errorf("calls = %d, want 2", m.Calls)
	}
}
