// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SelfTestHistorySize bounds the rolling self-test history.
const SelfTestHistorySize = 100

// Self-test phase names, in execution order.
const (
	PhaseTrigger     = "trigger"
	PhaseAcknowledge = "acknowledge"
	PhaseVerify      = "verify"
	PhaseRecover     = "recover"
)

// PhaseResult is the outcome of one self-test phase.
type PhaseResult struct {
	// Phase is the phase name.
	Phase string `json:"phase"`

	// Success reports whether the phase passed.
	Success bool `json:"success"`

	// Detail is the free-form outcome description.
	Detail string `json:"detail"`
}

// SelfTestResult is the outcome of one full self-test run.
type SelfTestResult struct {
	// Success is true only if every phase passed.
	Success bool `json:"success"`

	// Phases are the per-phase outcomes, in execution order.
	Phases []PhaseResult `json:"phases"`

	// StartedAt is when the run began.
	StartedAt time.Time `json:"started_at"`

	// Duration is how long the run took.
	Duration time.Duration `json:"duration"`
}

// TestRecovery runs the full trigger, acknowledge, verify, recover cycle
// against the live switch.
//
// Description:
//
//	Periodic self-certification that the emergency-stop path works end
//	to end without an operator. The run fails gracefully at the trigger
//	phase if the switch is already triggered, never touching the live
//	episode. Acknowledgments are simulated for every expected agent. A
//	panic anywhere in the cycle is caught and classified as a failed
//	phase; the switch is recovered on the way out so the run cannot
//	leave the switch half-triggered.
//
// Outputs:
//
//	SelfTestResult - Per-phase outcomes plus an overall success flag.
//	                 Appended to the rolling self-test history.
func (s *Switch) TestRecovery(ctx context.Context) (result SelfTestResult) {
	result.StartedAt = time.Now()
	started := result.StartedAt

	phase := PhaseTrigger
	defer func() {
		if r := recover(); r != nil {
			result.Phases = append(result.Phases, PhaseResult{
				Phase:   phase,
				Success: false,
				Detail:  fmt.Sprintf("panic: %v", r),
			})
			result.Success = false
			// Never leave the self-test's own trigger live.
			if s.IsTriggered() {
				s.Recover("self-test cleanup after panic", "selftest")
			}
		}
		result.Duration = time.Since(started)
		outcome := "failure"
		if result.Success {
			outcome = "success"
		}
		selfTestsTotal.WithLabelValues(outcome).Inc()
		s.recordSelfTest(result)
	}()

	if s.IsTriggered() {
		result.Phases = append(result.Phases, PhaseResult{
			Phase:   PhaseTrigger,
			Success: false,
			Detail:  "switch already triggered, refusing to run against a live episode",
		})
		result.Success = false
		return result
	}

	// Phase 1: trigger.
	if !s.Trigger(ctx, ReasonSelfTest, "periodic self-test", "selftest") {
		result.Phases = append(result.Phases, PhaseResult{
			Phase:   PhaseTrigger,
			Success: false,
			Detail:  "trigger returned false from active state",
		})
		result.Success = false
		return result
	}
	expected := s.GetStatus().ExpectedAgents
	result.Phases = append(result.Phases, PhaseResult{
		Phase:   PhaseTrigger,
		Success: true,
		Detail:  fmt.Sprintf("triggered with %d expected agents", len(expected)),
	})

	// Phase 2: simulate acknowledgments for every expected agent.
	phase = PhaseAcknowledge
	for _, id := range expected {
		s.RegisterAcknowledgment(id, true)
	}
	rate := s.AcknowledgmentRate()
	ackOK := rate == 1.0
	result.Phases = append(result.Phases, PhaseResult{
		Phase:   PhaseAcknowledge,
		Success: ackOK,
		Detail:  fmt.Sprintf("acknowledgment rate %.2f after simulating %d agents", rate, len(expected)),
	})

	// Phase 3: verify compliance, force-killing stragglers like the real
	// enforcement path would.
	phase = PhaseVerify
	verify := s.EnforceCompliance(ctx)
	detail := fmt.Sprintf("compliant=%t degraded=%t non_compliant=%d force_kill_used=%t",
		verify.Compliant, verify.Degraded, len(verify.NonCompliant), verify.ForceKillUsed)
	result.Phases = append(result.Phases, PhaseResult{
		Phase:   PhaseVerify,
		Success: verify.Compliant,
		Detail:  detail,
	})

	// Phase 4: recover.
	phase = PhaseRecover
	recovered := s.Recover("self-test complete", "selftest")
	result.Phases = append(result.Phases, PhaseResult{
		Phase:   PhaseRecover,
		Success: recovered,
		Detail:  fmt.Sprintf("recovered=%t", recovered),
	})

	result.Success = ackOK && verify.Compliant && recovered
	s.logger.Info("self-test finished",
		slog.Bool("success", result.Success),
		slog.Duration("duration", time.Since(started)),
	)
	return result
}

// recordSelfTest appends a run to the bounded rolling history.
func (s *Switch) recordSelfTest(result SelfTestResult) {
	s.selfTestMu.Lock()
	defer s.selfTestMu.Unlock()

	if len(s.selfTestHistory) >= SelfTestHistorySize {
		s.selfTestHistory = s.selfTestHistory[1:]
	}
	s.selfTestHistory = append(s.selfTestHistory, result)
}

// SelfTestHistory returns up to limit most recent runs, newest last.
func (s *Switch) SelfTestHistory(limit int) []SelfTestResult {
	s.selfTestMu.Lock()
	defer s.selfTestMu.Unlock()

	if limit <= 0 || limit > len(s.selfTestHistory) {
		limit = len(s.selfTestHistory)
	}
	out := make([]SelfTestResult, limit)
	copy(out, s.selfTestHistory[len(s.selfTestHistory)-limit:])
	return out
}
