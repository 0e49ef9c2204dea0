// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"errors"
	"testing"
)

func TestMockRecordsSignals(t *testing.T) {
	m := &Mock{}
	ctx := context.Background()

	signals := []StopSignal{
		{AgentID: "agent-1", Hard: false, Reason: "polite stop"},
		{AgentID: "agent-2", Hard: true, Reason: "force kill"},
		{AgentID: "agent-1", Hard: true, Reason: "force kill"},
	}
	for _, sig := range signals {
		if err := m.SendStopSignal(ctx, sig); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	if got := len(m.Signals()); got != 3 {
		t.Errorf("recorded %d signals, want 3", got)
	}

	forAgent1 := m.SignalsFor("agent-1")
	if len(forAgent1) != 2 {
		t.Fatalf("signals for agent-1 = %d, want 2", len(forAgent1))
	}
	if forAgent1[0].Hard || !forAgent1[1].Hard {
		t.Errorf("signal order/hardness wrong: %+v", forAgent1)
	}
}

func TestMockError(t *testing.T) {
	wantErr := errors.New("broker down")
	m := &Mock{Err: wantErr}

	err := m.SendStopSignal(context.Background(), StopSignal{AgentID: "agent-1"})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if len(m.Signals()) != 0 {
		t.Error("failed sends must not be recorded")
	}
}

func TestNopDiscards(t *testing.T) {
	var n Nop
	if err := n.SendStopSignal(context.Background(), StopSignal{AgentID: "x"}); err != nil {
		t.Errorf("nop send = %v, want nil", err)
	}
}
