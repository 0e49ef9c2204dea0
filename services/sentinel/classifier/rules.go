// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classifier

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/sentinel/services/sentinel/safety"
)

// RuleVersion tracks the built-in rule database version.
const RuleVersion = "2026.08"

// Rule defines a single violation pattern to detect.
//
// Description:
//
//	Rule contains everything needed to detect and report one category of
//	unsafe content. Matching is regex-based with an optional negative
//	pattern to suppress false positives in surrounding context.
//
// Thread Safety:
//
//	Rule is safe for concurrent use after construction. Regex compilation
//	is lazy and guarded by sync.Once.
type Rule struct {
	// ID is the unique rule identifier (e.g., VIO-101).
	ID string

	// Name is the short rule name (e.g., instruction_override).
	Name string

	// Type is the violation type this rule reports.
	Type safety.ViolationType

	// Severity is assigned per rule, not computed from content.
	Severity safety.Severity

	// Pattern is the case-insensitive regex to match.
	Pattern string

	// NegativePattern suppresses matches whose surrounding context
	// matches (for reducing false positives).
	NegativePattern string

	// AppliesTo restricts the rule to one content direction.
	// Empty means the rule applies to both input and output.
	AppliesTo safety.ContentType

	// Reason is the human-readable explanation attached to violations.
	Reason string

	compiled     *regexp.Regexp
	compiledNeg  *regexp.Regexp
	compileOnce  sync.Once
	negativeOnce sync.Once
}

// Matches reports whether content triggers this rule.
//
// Description:
//
//	Compiles and caches the rule regex, matches content, then applies the
//	negative pattern (if any) against a window around the match.
//
// Inputs:
//
//	content - The content to check.
//
// Outputs:
//
//	bool - True if the rule matched and was not suppressed.
//
// Thread Safety: Safe for concurrent use.
func (r *Rule) Matches(content string) bool {
	if r.Pattern == "" {
		return false
	}

	r.compileOnce.Do(func() {
		r.compiled = regexp.MustCompile(`(?is)` + r.Pattern)
	})

	loc := r.compiled.FindStringIndex(content)
	if loc == nil {
		return false
	}

	if r.NegativePattern != "" {
		r.negativeOnce.Do(func() {
			r.compiledNeg = regexp.MustCompile(`(?is)` + r.NegativePattern)
		})

		// Check a window around the match, not the whole content, so an
		// unrelated mention elsewhere cannot suppress a real violation.
		start := loc[0] - 100
		if start < 0 {
			start = 0
		}
		end := loc[1] + 100
		if end > len(content) {
			end = len(content)
		}
		if r.compiledNeg.MatchString(content[start:end]) {
			return false
		}
	}

	return true
}

// appliesTo reports whether the rule is in scope for a content direction.
func (r *Rule) appliesTo(ct safety.ContentType) bool {
	return r.AppliesTo == "" || r.AppliesTo == ct
}

// ruleFile is the YAML schema for external rule files.
//
// Violation pattern lists are configuration data: deployments extend or
// replace the built-in rules without code changes.
type ruleFile struct {
	Version string `yaml:"version"`
	Rules   []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		Type            string `yaml:"type"`
		Severity        string `yaml:"severity"`
		Pattern         string `yaml:"pattern"`
		NegativePattern string `yaml:"negative_pattern"`
		AppliesTo       string `yaml:"applies_to"`
		Reason          string `yaml:"reason"`
	} `yaml:"rules"`
}

// LoadRules loads additional rules from a YAML file.
//
// Description:
//
//	Parses a rule file and returns the rules it defines. Regexes are
//	validated eagerly so a malformed pattern fails at load time, not at
//	first check.
//
// Inputs:
//
//	path - Path to the YAML rule file.
//
// Outputs:
//
//	[]*Rule - The loaded rules, in file order.
//	error - Non-nil if the file cannot be read, parsed, or validated.
func LoadRules(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}

	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	rules := make([]*Rule, 0, len(file.Rules))
	for i, raw := range file.Rules {
		sev, err := safety.ParseSeverity(raw.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, raw.ID, err)
		}
		if _, err := regexp.Compile(`(?is)` + raw.Pattern); err != nil {
			return nil, fmt.Errorf("rule %d (%s): invalid pattern: %w", i, raw.ID, err)
		}
		if raw.NegativePattern != "" {
			if _, err := regexp.Compile(`(?is)` + raw.NegativePattern); err != nil {
				return nil, fmt.Errorf("rule %d (%s): invalid negative pattern: %w", i, raw.ID, err)
			}
		}

		rules = append(rules, &Rule{
			ID:              raw.ID,
			Name:            raw.Name,
			Type:            safety.ViolationType(raw.Type),
			Severity:        sev,
			Pattern:         raw.Pattern,
			NegativePattern: raw.NegativePattern,
			AppliesTo:       safety.ContentType(raw.AppliesTo),
			Reason:          raw.Reason,
		})
	}

	return rules, nil
}

// defaultRules contains the built-in violation patterns.
//
// Ordering matters: the classifier evaluates categories in declaration
// order and the first matching rule wins. Jailbreak detection runs first
// because an instruction override can smuggle any other category past a
// naive lexicon check.
var defaultRules = []*Rule{
	// =========================================================================
	// Jailbreak / instruction-override attempts
	// =========================================================================
	{
		ID:       "VIO-101",
		Name:     "instruction_override",
		Type:     safety.ViolationJailbreakAttempt,
		Severity: safety.SeverityCritical,
		Pattern:  `(?:ignore|disregard|forget)\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|rules|directives|prompts)`,
		Reason:   "attempt to override prior instructions",
	},
	{
		ID:       "VIO-102",
		Name:     "system_prompt_override",
		Type:     safety.ViolationJailbreakAttempt,
		Severity: safety.SeverityCritical,
		Pattern:  `(?:you\s+are\s+no\s+longer|new\s+system\s+prompt|override\s+(?:your\s+)?system\s+prompt|reveal\s+(?:your\s+)?system\s+prompt)`,
		Reason:   "attempt to replace or exfiltrate the system prompt",
	},
	{
		ID:       "VIO-103",
		Name:     "persona_escape",
		Type:     safety.ViolationJailbreakAttempt,
		Severity: safety.SeverityCritical,
		Pattern:  `(?:pretend\s+(?:you\s+)?(?:have\s+no|are\s+free\s+of)\s+(?:restrictions|limitations|rules)|act\s+as\s+(?:an?\s+)?(?:unrestricted|unfiltered)|jailbreak|developer\s+mode\s+enabled|\bDAN\s+mode\b)`,
		Reason:   "attempt to escape safety persona",
	},
	{
		ID:       "VIO-104",
		Name:     "safety_disable_request",
		Type:     safety.ViolationJailbreakAttempt,
		Severity: safety.SeverityCritical,
		Pattern:  `(?:disable|bypass|turn\s+off|circumvent)\s+(?:your\s+|the\s+)?(?:safety|guardrails?|filters?|restrictions)`,
		Reason:   "explicit request to disable safety mechanisms",
	},

	// =========================================================================
	// Harmful content
	// =========================================================================
	{
		ID:        "VIO-201",
		Name:      "weapon_construction",
		Type:      safety.ViolationHarmfulContent,
		Severity:  safety.SeverityCritical,
		Pattern:   `(?:how\s+to\s+(?:build|make|construct)|instructions\s+for\s+(?:building|making))\s+(?:a\s+)?(?:bomb|explosive|weapon|nerve\s+agent|bioweapon)`,
		AppliesTo: safety.ContentOutput,
		Reason:    "weapon construction instructions in agent output",
	},
	{
		ID:        "VIO-202",
		Name:      "weapon_solicitation",
		Type:      safety.ViolationHarmfulContent,
		Severity:  safety.SeverityHigh,
		Pattern:   `(?:how\s+to\s+(?:build|make|construct)|instructions\s+for\s+(?:building|making))\s+(?:a\s+)?(?:bomb|explosive|weapon|nerve\s+agent|bioweapon)`,
		AppliesTo: safety.ContentInput,
		Reason:    "solicitation of weapon construction instructions",
	},
	{
		ID:       "VIO-203",
		Name:     "malware_authoring",
		Type:     safety.ViolationHarmfulContent,
		Severity: safety.SeverityHigh,
		Pattern:  `(?:write|create|generate|author)\s+(?:a\s+|some\s+)?(?:malware|ransomware|keylogger|rootkit|botnet|worm)`,
		Reason:   "malware authoring request or output",
	},
	{
		ID:       "VIO-204",
		Name:     "credential_harvesting",
		Type:     safety.ViolationHarmfulContent,
		Severity: safety.SeverityHigh,
		Pattern:  `(?:steal|harvest|exfiltrate|phish)\s+(?:user\s+)?(?:passwords?|credentials?|tokens?|cookies)`,
		Reason:   "credential theft content",
	},
	{
		ID:       "VIO-205",
		Name:     "self_harm_content",
		Type:     safety.ViolationHarmfulContent,
		Severity: safety.SeverityMedium,
		Pattern:  `(?:methods?|ways?|how)\s+to\s+(?:harm|hurt|kill)\s+(?:yourself|myself|oneself)`,
		Reason:   "self-harm content",
	},

	// =========================================================================
	// Suspicious executable patterns
	// =========================================================================
	{
		ID:       "VIO-301",
		Name:     "destructive_shell",
		Type:     safety.ViolationSuspiciousPattern,
		Severity: safety.SeverityHigh,
		Pattern:  `(?:rm\s+-rf\s+[/~]|mkfs\.|dd\s+if=.*of=/dev/|:\(\)\s*\{\s*:\|:&\s*\};:|chmod\s+-R\s+777\s+/)`,
		Reason:   "destructive shell command pattern",
	},
	{
		ID:              "VIO-302",
		Name:            "dynamic_code_execution",
		Type:            safety.ViolationSuspiciousPattern,
		Severity:        safety.SeverityMedium,
		Pattern:         `(?:\beval\s*\(|\bexec\s*\(|os\.system\s*\(|subprocess\.(?:run|call|Popen))`,
		NegativePattern: `(?:for\s+example|documentation|docstring|sample\s+code)`,
		Reason:          "dynamic code execution pattern",
	},
	{
		ID:       "VIO-303",
		Name:     "piped_remote_script",
		Type:     safety.ViolationSuspiciousPattern,
		Severity: safety.SeverityMedium,
		Pattern:  `(?:curl|wget)\s+[^\s|]+\s*\|\s*(?:ba)?sh|base64\s+(?:-d|--decode)\s*\|\s*(?:ba)?sh`,
		Reason:   "remote script piped directly into a shell",
	},
}
