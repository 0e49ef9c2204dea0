// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety defines the shared verdict types for the sentinel control
// plane: violation severities, violation types, and classification results.
//
// These types are the vocabulary spoken between the classifier (which
// produces verdicts), the escalation engine (which decides enforcement),
// and the kill switch / safe mode controllers (which enforce).
//
// Thread Safety:
//
//	All types in this package are immutable value types, safe for
//	concurrent use.
package safety

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// -----------------------------------------------------------------------------
// Severity
// -----------------------------------------------------------------------------

// Severity indicates how serious a violation is.
//
// Severities form an explicit total order: Low < Medium < High < Critical.
// Ordering comparisons must go through Rank(), never through string or
// positional comparison.
type Severity int

const (
	// SeverityLow is for violations worth recording but not acting on.
	SeverityLow Severity = iota

	// SeverityMedium is for violations that warrant degraded operation.
	SeverityMedium

	// SeverityHigh is for violations that warrant heavily restricted operation.
	SeverityHigh

	// SeverityCritical is for violations that warrant an emergency stop.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Rank returns the numeric rank of the severity for ordering comparisons.
//
// Higher rank means more severe. Rank is derived from declaration order
// and is the only sanctioned way to compare severities.
func (s Severity) Rank() int {
	return int(s)
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity converts a string to a Severity.
//
// Inputs:
//
//	raw - One of "low", "medium", "high", "critical" (case-sensitive).
//
// Outputs:
//
//	Severity - The parsed severity.
//	error - Non-nil if raw is not a known severity.
func ParseSeverity(raw string) (Severity, error) {
	switch raw {
	case "low":
		return SeverityLow, nil
	case "medium":
		return SeverityMedium, nil
	case "high":
		return SeverityHigh, nil
	case "critical":
		return SeverityCritical, nil
	default:
		return SeverityLow, fmt.Errorf("unknown severity %q", raw)
	}
}

// MarshalJSON encodes the severity as its string form.
func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes the severity from its string form.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSeverity(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// -----------------------------------------------------------------------------
// Violation types
// -----------------------------------------------------------------------------

// ViolationType classifies the kind of safety violation detected.
//
// The set is open: classifier rule files may introduce additional types.
// The three built-in types below are the ones the default escalation
// policy knows how to route.
type ViolationType string

const (
	// ViolationHarmfulContent indicates content describing or producing harm.
	ViolationHarmfulContent ViolationType = "harmful_content"

	// ViolationJailbreakAttempt indicates an attempt to override agent
	// instructions or safety constraints.
	ViolationJailbreakAttempt ViolationType = "jailbreak_attempt"

	// ViolationSuspiciousPattern indicates executable or shell patterns
	// that look like an attempt to run arbitrary code.
	ViolationSuspiciousPattern ViolationType = "suspicious_pattern"
)

// ContentType distinguishes which direction content is flowing.
type ContentType string

const (
	// ContentInput is an incoming instruction to an agent.
	ContentInput ContentType = "input"

	// ContentOutput is an outgoing agent action or response.
	// Violations on output represent realized harm, not just intent,
	// and are weighted more heavily.
	ContentOutput ContentType = "output"
)

// Violation records a single classified unsafe pattern.
type Violation struct {
	// Type is the violation classification.
	Type ViolationType `json:"type"`

	// Severity is assigned per rule category, never computed from
	// incidental signals like content length.
	Severity Severity `json:"severity"`

	// Excerpt is a redacted excerpt of the offending content.
	Excerpt string `json:"excerpt"`

	// Reason is a human-readable explanation of why the rule matched.
	Reason string `json:"reason"`

	// RuleID identifies the rule that matched, for audit.
	RuleID string `json:"rule_id,omitempty"`

	// DetectedAt is when the violation was classified.
	DetectedAt time.Time `json:"detected_at"`
}

// MaxExcerptLen bounds the redacted excerpt carried on a Violation.
const MaxExcerptLen = 160

// Redact trims content to a bounded excerpt suitable for logs and audit
// records. The cut never splits a multi-byte rune.
func Redact(content string) string {
	if len(content) <= MaxExcerptLen {
		return content
	}
	cut := MaxExcerptLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

// -----------------------------------------------------------------------------
// Check results
// -----------------------------------------------------------------------------

// CheckResult is the verdict for a single piece of content.
type CheckResult struct {
	// Safe is true if no rule matched.
	Safe bool `json:"safe"`

	// Content is the content that was checked.
	Content string `json:"content"`

	// ContentType records which direction the content was flowing.
	ContentType ContentType `json:"content_type"`

	// Violation is the classified violation, nil if Safe.
	Violation *Violation `json:"violation,omitempty"`
}

// Blocked reports whether the result should block the content outright,
// given the configured block threshold.
func (r *CheckResult) Blocked(threshold Severity) bool {
	return r.Violation != nil && r.Violation.Severity.AtLeast(threshold)
}

// ShouldTriggerKillSwitch reports whether this verdict warrants an
// emergency stop under the default policy: any jailbreak attempt, or
// harmful content on agent output (realized harm).
//
// Deployments retune this via the escalation policy; this predicate is
// the built-in default.
func (r *CheckResult) ShouldTriggerKillSwitch() bool {
	if r.Violation == nil {
		return false
	}
	if r.Violation.Type == ViolationJailbreakAttempt {
		return true
	}
	if r.Violation.Type == ViolationHarmfulContent && r.ContentType == ContentOutput {
		return true
	}
	return r.Violation.Severity == SeverityCritical
}

// ShouldEnterSafeMode reports whether this verdict warrants degraded
// operation: a violation is present but below the kill-switch bar.
func (r *CheckResult) ShouldEnterSafeMode() bool {
	return r.Violation != nil && !r.ShouldTriggerKillSwitch()
}
