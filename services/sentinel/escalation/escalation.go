// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package escalation wires classifier verdicts to enforcement actions.
//
// The engine is a thin rule table, not a state machine: a verdict maps to
// a kill-switch trigger, a safe-mode entry, a log line, or nothing. The
// mapping is configuration so deployments retune thresholds without
// touching the state machines themselves.
package escalation

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/sentinel/services/sentinel/killswitch"
	"github.com/AleutianAI/sentinel/services/sentinel/safemode"
	"github.com/AleutianAI/sentinel/services/sentinel/safety"
)

// Action is the enforcement decision for a verdict.
type Action string

const (
	// ActionNone means the content was safe.
	ActionNone Action = "none"

	// ActionLogOnly records the violation without enforcement.
	ActionLogOnly Action = "log_only"

	// ActionSafeMode enters a degraded-operation level.
	ActionSafeMode Action = "safe_mode"

	// ActionKillSwitch triggers the emergency stop.
	ActionKillSwitch Action = "kill_switch"
)

// Policy maps verdict attributes to actions.
//
// The zero value is unusable; construct with DefaultPolicy and override
// fields from configuration.
type Policy struct {
	// KillSeverity triggers the kill switch at or above this severity.
	KillSeverity safety.Severity

	// KillTypes always trigger the kill switch regardless of severity.
	KillTypes []safety.ViolationType

	// KillOutputTypes trigger the kill switch only when the violation is
	// on agent output (realized harm rather than intent).
	KillOutputTypes []safety.ViolationType

	// SafeModeLevels picks the entry level for sub-kill severities.
	// Severities absent from the map are log-only.
	SafeModeLevels map[safety.Severity]safemode.Level
}

// DefaultPolicy returns the built-in escalation table: critical or
// jailbreak triggers the kill switch, harmful output triggers the kill
// switch, high enters restricted, medium enters limited, low is log-only.
func DefaultPolicy() Policy {
	return Policy{
		KillSeverity:    safety.SeverityCritical,
		KillTypes:       []safety.ViolationType{safety.ViolationJailbreakAttempt},
		KillOutputTypes: []safety.ViolationType{safety.ViolationHarmfulContent},
		SafeModeLevels: map[safety.Severity]safemode.Level{
			safety.SeverityMedium: safemode.LevelLimited,
			safety.SeverityHigh:   safemode.LevelRestricted,
		},
	}
}

// Decide returns the action for a verdict without side effects.
func (p Policy) Decide(result safety.CheckResult) (Action, safemode.Level) {
	v := result.Violation
	if v == nil {
		return ActionNone, safemode.LevelOff
	}

	if v.Severity.AtLeast(p.KillSeverity) {
		return ActionKillSwitch, safemode.LevelOff
	}
	for _, t := range p.KillTypes {
		if v.Type == t {
			return ActionKillSwitch, safemode.LevelOff
		}
	}
	if result.ContentType == safety.ContentOutput {
		for _, t := range p.KillOutputTypes {
			if v.Type == t {
				return ActionKillSwitch, safemode.LevelOff
			}
		}
	}

	if level, ok := p.SafeModeLevels[v.Severity]; ok {
		return ActionSafeMode, level
	}
	return ActionLogOnly, safemode.LevelOff
}

// Decision is the record of one enforcement decision, for audit.
type Decision struct {
	// Action is what the engine did.
	Action Action `json:"action"`

	// Level is the safe-mode level entered, off unless ActionSafeMode.
	Level safemode.Level `json:"level"`

	// Applied is false when the action was decided but the target state
	// machine rejected the transition (already triggered, already at a
	// more severe level).
	Applied bool `json:"applied"`

	// RuleID is the classifier rule behind the decision, if any.
	RuleID string `json:"rule_id,omitempty"`
}

// Checker produces verdicts for content. Satisfied by
// classifier.Classifier.
type Checker interface {
	Check(ctx context.Context, content string, contentType safety.ContentType) safety.CheckResult
}

// Engine applies policy decisions to the live state machines.
type Engine struct {
	policy   Policy
	checker  Checker
	killSw   *killswitch.Switch
	safeMode *safemode.Controller
	logger   *slog.Logger
}

// NewEngine creates an escalation engine.
//
// cl may be nil when callers classify content themselves and only need
// HandleResult; Inspect requires it.
func NewEngine(policy Policy, cl Checker, ks *killswitch.Switch, sm *safemode.Controller, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy:   policy,
		checker:  cl,
		killSw:   ks,
		safeMode: sm,
		logger:   logger.With(slog.String("component", "escalation")),
	}
}

// Inspect classifies content and enforces the verdict in one step.
//
// The detect, decide, enforce pipeline entry point for callers that do
// not hold the classifier themselves.
func (e *Engine) Inspect(ctx context.Context, content string, contentType safety.ContentType, source string) (safety.CheckResult, Decision) {
	if e.checker == nil {
		e.logger.Error("inspect called without a classifier wired")
		return safety.CheckResult{Safe: true, Content: content, ContentType: contentType},
			Decision{Action: ActionNone, Applied: true}
	}
	result := e.checker.Check(ctx, content, contentType)
	return result, e.HandleResult(ctx, result, source)
}

// HandleResult enforces a verdict.
//
// Description:
//
//	Decides the action from policy and applies it: kill-switch verdicts
//	trigger the switch, safe-mode verdicts enter the chosen level,
//	log-only verdicts produce a warning. A rejected transition (switch
//	already triggered, level not more severe) is reported in the
//	decision, not treated as an error; the stop or restriction the
//	caller wanted is already in effect.
//
// Inputs:
//
//	ctx - Context for the kill-switch trigger path.
//	result - The classifier verdict.
//	source - Attribution for the resulting transition.
//
// Outputs:
//
//	Decision - What was decided and whether it changed state.
func (e *Engine) HandleResult(ctx context.Context, result safety.CheckResult, source string) Decision {
	action, level := e.policy.Decide(result)

	decision := Decision{Action: action, Level: level}
	if result.Violation != nil {
		decision.RuleID = result.Violation.RuleID
	}

	switch action {
	case ActionNone:
		decision.Applied = true

	case ActionLogOnly:
		decision.Applied = true
		e.logger.Warn("violation recorded without enforcement",
			slog.String("type", string(result.Violation.Type)),
			slog.String("severity", result.Violation.Severity.String()),
			slog.String("rule_id", decision.RuleID),
		)

	case ActionSafeMode:
		decision.Applied = e.safeMode.EnterLevel(level, result.Violation.Reason, source)

	case ActionKillSwitch:
		decision.Applied = e.killSw.Trigger(ctx, killswitch.ReasonSafetyViolation, result.Violation.Reason, source)
	}

	return decision
}
