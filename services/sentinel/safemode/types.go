// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safemode

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is a degraded-operation level.
//
// Levels form an explicit total order by severity:
// Off < Limited < Restricted < Emergency. Ordering comparisons go through
// Rank(); never compare levels by position in some runtime list.
type Level int

const (
	// LevelOff is normal, unrestricted operation.
	LevelOff Level = iota

	// LevelLimited caps concurrency and resources but permits most work.
	LevelLimited

	// LevelRestricted permits only read-style operations.
	LevelRestricted

	// LevelEmergency permits only safety-control traffic.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelLimited:
		return "limited"
	case LevelRestricted:
		return "restricted"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Rank returns the numeric severity rank for ordering comparisons.
func (l Level) Rank() int {
	return int(l)
}

// MoreSevereThan reports whether l is strictly more severe than other.
func (l Level) MoreSevereThan(other Level) bool {
	return l.Rank() > other.Rank()
}

// ParseLevel converts a string to a Level.
func ParseLevel(raw string) (Level, error) {
	switch raw {
	case "off":
		return LevelOff, nil
	case "limited":
		return LevelLimited, nil
	case "restricted":
		return LevelRestricted, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelOff, fmt.Errorf("unknown safe mode level %q", raw)
	}
}

// MarshalJSON encodes the level as its string form.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes the level from its string form.
func (l *Level) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseLevel(raw)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// OpAll is the allow-list sentinel permitting every operation.
// Only the Off level carries it.
const OpAll = "all"

// Limits holds the per-level resource and operation policy.
//
// The limits table is static configuration: levels never mutate their
// limits at runtime. Zero values for numeric limits mean "unlimited".
type Limits struct {
	// MaxConcurrentAgents caps simultaneously running agents.
	MaxConcurrentAgents int `json:"max_concurrent_agents"`

	// MaxMemoryMB caps per-agent memory.
	MaxMemoryMB int `json:"max_memory_mb"`

	// MaxExecutionTime caps a single agent step.
	MaxExecutionTime time.Duration `json:"max_execution_time"`

	// AllowedOperations is the set of permitted operation tags, or the
	// single sentinel OpAll.
	AllowedOperations []string `json:"allowed_operations"`

	// RateLimitPerMinute caps operations per minute across all agents.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`
}

// Allows reports whether the operation tag is permitted under these limits.
func (lm Limits) Allows(op string) bool {
	for _, allowed := range lm.AllowedOperations {
		if allowed == OpAll || allowed == op {
			return true
		}
	}
	return false
}

// defaultLimits is the static per-level policy table.
var defaultLimits = map[Level]Limits{
	LevelOff: {
		AllowedOperations: []string{OpAll},
	},
	LevelLimited: {
		MaxConcurrentAgents: 5,
		MaxMemoryMB:         2048,
		MaxExecutionTime:    5 * time.Minute,
		AllowedOperations:   []string{"read", "write", "query", "status"},
		RateLimitPerMinute:  60,
	},
	LevelRestricted: {
		MaxConcurrentAgents: 2,
		MaxMemoryMB:         1024,
		MaxExecutionTime:    2 * time.Minute,
		AllowedOperations:   []string{"read", "query", "status"},
		RateLimitPerMinute:  20,
	},
	LevelEmergency: {
		MaxConcurrentAgents: 0,
		MaxMemoryMB:         256,
		MaxExecutionTime:    30 * time.Second,
		AllowedOperations:   []string{"status", "acknowledge"},
		RateLimitPerMinute:  5,
	},
}

// LimitsFor returns a copy of the static limits row for a level.
func LimitsFor(level Level) Limits {
	lm, ok := defaultLimits[level]
	if !ok {
		// Unknown levels get the most restrictive policy.
		lm = defaultLimits[LevelEmergency]
	}
	ops := make([]string, len(lm.AllowedOperations))
	copy(ops, lm.AllowedOperations)
	lm.AllowedOperations = ops
	return lm
}

// TransitionRecord is one entry in the transition history.
type TransitionRecord struct {
	// FromLevel is the level before the transition.
	FromLevel Level `json:"from_level"`

	// ToLevel is the level after the transition.
	ToLevel Level `json:"to_level"`

	// Reason explains the transition.
	Reason string `json:"reason"`

	// Source identifies who requested it.
	Source string `json:"source"`

	// Timestamp is when the transition happened.
	Timestamp time.Time `json:"timestamp"`
}

// Status is the read-only projection of controller state.
type Status struct {
	// Level is the current level.
	Level Level `json:"level"`

	// Active is true when the level is anything other than Off.
	Active bool `json:"active"`

	// Reason is why the current level was entered. Empty at Off.
	Reason string `json:"reason,omitempty"`

	// EnteredAt is when the current level was entered.
	EnteredAt time.Time `json:"entered_at,omitempty"`

	// Limits is the policy row for the current level.
	Limits Limits `json:"limits"`

	// Transitions counts recorded transitions since last reset.
	Transitions int `json:"transitions"`
}
