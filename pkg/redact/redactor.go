// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package redact scrubs sensitive values from the text captured off the
// wire before it becomes a span attribute.
package redact

import (
	"regexp"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// Redactor applies a set of redaction rules to input strings.
type Redactor struct {
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact is
// a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{enabled: enabled}
	if !enabled {
		return r
	}
	r.rules = append(builtinRules(), extraRules...)
	return r
}

// Enabled reports whether rules are applied.
func (r *Redactor) Enabled() bool { return r.enabled }

// Redact applies all rules to input.
func (r *Redactor) Redact(input string) string {
	if !r.enabled || input == "" {
		return input
	}
	for _, rule := range r.rules {
		input = rule.Pattern.ReplaceAllString(input, rule.Replacement)
	}
	return input
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "email",
			Pattern:     regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
			Replacement: "[REDACTED_EMAIL]",
		},
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`),
			Replacement: "Bearer [REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+['"]?`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}
