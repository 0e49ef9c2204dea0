// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classifier implements the constitutional classifier: a stateless
// rule engine that inspects agent input and output content and produces
// safety verdicts.
//
// The classifier itself never enforces anything. It reports verdicts; the
// escalation engine decides whether a verdict becomes a kill-switch trigger
// or a safe-mode transition.
//
// Thread Safety:
//
//	Classifier is safe for concurrent use. Checking is stateless except
//	for a bounded rolling violation log kept for statistics.
package classifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/sentinel/services/sentinel/safety"
)

// DefaultLogSize is the default bound on the rolling violation log.
const DefaultLogSize = 1000

// Config configures the Classifier.
type Config struct {
	// ExtraRules are evaluated after the built-in rules, in order.
	ExtraRules []*Rule

	// DisableDefaults drops the built-in rule set entirely.
	// Deployments that fully own their rule files set this.
	DisableDefaults bool

	// LogSize bounds the rolling violation log. Zero means DefaultLogSize.
	LogSize int

	// Logger for classification events. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Stats summarizes recorded violations for reporting.
type Stats struct {
	// Total is the number of violations in the rolling log.
	Total int `json:"total"`

	// ByType counts violations per violation type.
	ByType map[safety.ViolationType]int `json:"by_type"`

	// BySeverity counts violations per severity.
	BySeverity map[string]int `json:"by_severity"`
}

// Classifier evaluates content against an ordered list of rule categories.
//
// Thread Safety: Safe for concurrent use.
type Classifier struct {
	rules  []*Rule
	logger *slog.Logger

	mu      sync.Mutex
	log     []safety.Violation
	logSize int
}

// New creates a Classifier.
//
// Description:
//
//	Builds the ordered rule list: built-in rules first (unless disabled),
//	then any extra rules from configuration. First matching rule wins, so
//	rule order is significant.
//
// Inputs:
//
//	cfg - Classifier configuration. The zero value uses built-in rules only.
//
// Outputs:
//
//	*Classifier - The classifier. Never nil.
func New(cfg Config) *Classifier {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logSize := cfg.LogSize
	if logSize <= 0 {
		logSize = DefaultLogSize
	}

	var rules []*Rule
	if !cfg.DisableDefaults {
		rules = append(rules, defaultRules...)
	}
	rules = append(rules, cfg.ExtraRules...)

	return &Classifier{
		rules:   rules,
		logger:  logger.With(slog.String("component", "classifier")),
		log:     make([]safety.Violation, 0, logSize),
		logSize: logSize,
	}
}

// Check evaluates content against the rule list.
//
// Description:
//
//	Evaluates rules in order and stops at the first match. The matched
//	rule determines the violation type and severity; severity is never
//	derived from incidental signals like content length. Matched
//	violations are appended to the rolling log for statistics.
//
// Inputs:
//
//	ctx - Context for cancellation (checked between rules).
//	content - The content to evaluate.
//	contentType - Whether this is agent input or agent output.
//
// Outputs:
//
//	safety.CheckResult - The verdict. Safe=true if no rule matched.
//
// Thread Safety: Safe for concurrent use.
func (c *Classifier) Check(ctx context.Context, content string, contentType safety.ContentType) safety.CheckResult {
	result := safety.CheckResult{
		Safe:        true,
		Content:     content,
		ContentType: contentType,
	}

	for _, rule := range c.rules {
		select {
		case <-ctx.Done():
			// A cancelled check reports safe-so-far; callers that need a
			// definitive verdict must not cancel mid-check.
			return result
		default:
		}

		if !rule.appliesTo(contentType) {
			continue
		}
		if !rule.Matches(content) {
			continue
		}

		violation := safety.Violation{
			Type:       rule.Type,
			Severity:   rule.Severity,
			Excerpt:    safety.Redact(content),
			Reason:     rule.Reason,
			RuleID:     rule.ID,
			DetectedAt: time.Now(),
		}

		result.Safe = false
		result.Violation = &violation

		c.record(violation)
		c.logger.Warn("violation detected",
			slog.String("rule_id", rule.ID),
			slog.String("type", string(rule.Type)),
			slog.String("severity", rule.Severity.String()),
			slog.String("content_type", string(contentType)),
		)
		break
	}

	return result
}

// record appends a violation to the bounded rolling log.
func (c *Classifier) record(v safety.Violation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.log) >= c.logSize {
		c.log = c.log[1:]
	}
	c.log = append(c.log, v)
}

// Stats returns violation counts by type and severity.
//
// The stats log is independent of kill-switch and safe-mode state; it is
// cleared only by ResetStats.
func (c *Classifier) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Total:      len(c.log),
		ByType:     make(map[safety.ViolationType]int),
		BySeverity: make(map[string]int),
	}
	for _, v := range c.log {
		stats.ByType[v.Type]++
		stats.BySeverity[v.Severity.String()]++
	}
	return stats
}

// RecentViolations returns up to limit most recent violations, newest last.
func (c *Classifier) RecentViolations(limit int) []safety.Violation {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.log) {
		limit = len(c.log)
	}
	out := make([]safety.Violation, limit)
	copy(out, c.log[len(c.log)-limit:])
	return out
}

// ResetStats clears the rolling violation log.
func (c *Classifier) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = c.log[:0]
}

// RuleCount returns the number of active rules.
func (c *Classifier) RuleCount() int {
	return len(c.rules)
}
