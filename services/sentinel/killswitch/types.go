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
	"encoding/json"
	"fmt"
	"time"
)

// State is the kill switch state.
type State int

const (
	// StateActive means normal operation: agents may run.
	StateActive State = iota

	// StateTriggered means an emergency stop is in effect.
	StateTriggered
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// ParseState converts a string to a State.
func ParseState(raw string) (State, error) {
	switch raw {
	case "active":
		return StateActive, nil
	case "triggered":
		return StateTriggered, nil
	default:
		return StateActive, fmt.Errorf("unknown kill switch state %q", raw)
	}
}

// MarshalJSON encodes the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the state from its string form.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseState(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Reason classifies why the switch was triggered.
//
// The set is open: deployments may record reasons beyond the built-in
// constants. Every trigger records one for audit.
type Reason string

const (
	// ReasonManual is an operator-initiated trigger.
	ReasonManual Reason = "manual"

	// ReasonSafetyViolation is a trigger driven by a classifier verdict.
	ReasonSafetyViolation Reason = "safety_violation"

	// ReasonCriticalFailure is a trigger driven by runtime failure.
	ReasonCriticalFailure Reason = "critical_failure"

	// ReasonBackupChannel is a trigger consumed from the backup channel.
	ReasonBackupChannel Reason = "backup_channel"

	// ReasonSelfTest marks triggers produced by the self-test harness.
	ReasonSelfTest Reason = "self_test"
)

// TriggerRecord describes the live trigger episode.
//
// Exactly one record is live while the switch is triggered; it is cleared
// on recovery.
type TriggerRecord struct {
	// Reason classifies the trigger.
	Reason Reason `json:"reason"`

	// Message is the free-text explanation.
	Message string `json:"message"`

	// Source identifies who or what triggered.
	Source string `json:"source"`

	// Timestamp is when the trigger happened.
	Timestamp time.Time `json:"timestamp"`

	// EpisodeID uniquely identifies this trigger episode.
	EpisodeID string `json:"episode_id"`
}

// Compliance tracks the verification outcome for the live episode.
type Compliance struct {
	// Verified is true once verification has completed compliant.
	Verified bool `json:"verified"`

	// ForceKillUsed is sticky for the episode: once a force-kill was
	// issued it stays true until recovery.
	ForceKillUsed bool `json:"force_kill_used"`
}

// VerifyResult is the outcome of a compliance verification pass.
type VerifyResult struct {
	// Compliant is true when every expected agent acknowledged and none
	// is still observed running.
	Compliant bool `json:"compliant"`

	// Degraded is true when the result rests on the acknowledgment
	// ledger rather than observation: no liveness registry is wired, or
	// the registry errored during the pass.
	Degraded bool `json:"degraded"`

	// NonCompliant lists agents that failed verification: they never
	// acknowledged, or acknowledged but are still running.
	NonCompliant []string `json:"non_compliant,omitempty"`

	// ForceKillUsed reports whether this pass issued force-kills.
	ForceKillUsed bool `json:"force_kill_used"`
}

// Status is the read-only projection of kill switch state.
type Status struct {
	// State is the current state.
	State State `json:"state"`

	// Trigger is the live trigger record, nil when active.
	Trigger *TriggerRecord `json:"trigger,omitempty"`

	// ExpectedAgents is the snapshot captured at trigger time.
	ExpectedAgents []string `json:"expected_agents,omitempty"`

	// AcknowledgmentRate is confirmed-stopped over expected, 1.0 when no
	// agents were expected.
	AcknowledgmentRate float64 `json:"acknowledgment_rate"`

	// MissingAcknowledgments lists expected agents without a confirmed
	// stop.
	MissingAcknowledgments []string `json:"missing_acknowledgments,omitempty"`

	// Compliance is the verification outcome so far.
	Compliance Compliance `json:"compliance"`
}

// HistoryEntry is one archived trigger episode.
type HistoryEntry struct {
	// Trigger is the episode's trigger record.
	Trigger TriggerRecord `json:"trigger"`

	// RecoveredAt is when the episode ended. Zero while live.
	RecoveredAt time.Time `json:"recovered_at,omitempty"`

	// ForceKillUsed reports whether the episode needed force-kills.
	ForceKillUsed bool `json:"force_kill_used"`

	// AcknowledgmentRate is the final rate at recovery time.
	AcknowledgmentRate float64 `json:"acknowledgment_rate"`
}
