// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package schema validates generated test case records against a declared
// schema.
//
// # Description
//
// The schema is data, not code: a list of FieldRule values, each naming a
// field and the constraint kind that applies to it. A single generic
// interpreter walks the rules in declaration order and collects violations.
// Adding a field to the schema is an addition to TestCaseRules, not a new
// code path.
//
// Records are validated as decoded JSON (map[string]any) because the values
// under validation come straight from a language model and may be missing
// fields, carry wrong types, or hold values outside the enumerations.
//
// # Thread Safety
//
// All functions are pure. The package holds no mutable state.
package schema

import (
	"fmt"
	"strings"
)

// =============================================================================
// Constraint Kinds
// =============================================================================

// Kind identifies a constraint applied to a field.
type Kind string

const (
	// KindNonEmpty requires a non-empty string value.
	KindNonEmpty Kind = "non_empty"

	// KindEnum requires the value to be one of FieldRule.Allowed.
	KindEnum Kind = "enum"

	// KindSteps requires a non-empty ordered sequence of step objects,
	// each with non-empty step_text and step_expected.
	KindSteps Kind = "steps"
)

// FieldRule declares the constraint for one field.
type FieldRule struct {
	// Name is the JSON field name.
	Name string

	// Kind selects the constraint interpreter for this field.
	Kind Kind

	// Required marks the field as mandatory. Optional fields are only
	// checked when present.
	Required bool

	// Allowed lists the permitted values for KindEnum rules.
	Allowed []string
}

// Test case type enumeration.
var TestCaseTypes = []string{
	"functional", "integration", "ui", "api", "performance", "security", "regression",
}

// Test case priority enumeration.
var TestCasePriorities = []string{
	"P1 - Critical", "P2 - High", "P3 - Medium", "P4 - Low",
}

// TestCaseRules is the declared schema for a generated test case record.
// Rules are interpreted in declaration order, so violation lists are stable.
var TestCaseRules = []FieldRule{
	{Name: "title", Kind: KindNonEmpty, Required: true},
	{Name: "type", Kind: KindEnum, Required: true, Allowed: TestCaseTypes},
	{Name: "priority", Kind: KindEnum, Required: true, Allowed: TestCasePriorities},
	{Name: "preconditions", Kind: KindNonEmpty, Required: false},
	{Name: "steps", Kind: KindSteps, Required: true},
}

// =============================================================================
// Violations
// =============================================================================

// Violation describes one specific way a record fails the schema.
type Violation struct {
	// Field is the JSON field name the violation applies to.
	Field string `json:"field"`

	// Message is a human-readable description of the failure.
	Message string `json:"message"`

	// Allowed lists the permitted values when the violation is an
	// enumeration failure, nil otherwise.
	Allowed []string `json:"allowed,omitempty"`
}

// String renders the violation for prompts and logs.
func (v Violation) String() string {
	if len(v.Allowed) > 0 {
		return fmt.Sprintf("%s: %s (allowed: %s)", v.Field, v.Message, strings.Join(v.Allowed, ", "))
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// Describe renders a violation list as one line per violation, for
// embedding into a refinement prompt.
func Describe(violations []Violation) string {
	lines := make([]string, 0, len(violations))
	for _, v := range violations {
		lines = append(lines, "- "+v.String())
	}
	return strings.Join(lines, "\n")
}

// =============================================================================
// Validation
// =============================================================================

// Validate reports whether the record satisfies every rule in
// TestCaseRules.
func Validate(record map[string]any) bool {
	return len(ValidateWithViolations(record)) == 0
}

// ValidateWithViolations checks the record against TestCaseRules and
// returns every violation found, in rule declaration order. An empty slice
// means the record is valid.
//
// The function is pure: the same record always yields the same violations.
func ValidateWithViolations(record map[string]any) []Violation {
	return Check(record, TestCaseRules)
}

// Check interprets an arbitrary rule set against a record. Exposed so
// callers can validate records other than test cases (e.g. analysis
// results) with the same interpreter.
func Check(record map[string]any, rules []FieldRule) []Violation {
	var violations []Violation
	for _, rule := range rules {
		value, present := record[rule.Name]
		if !present || value == nil {
			if rule.Required {
				violations = append(violations, Violation{
					Field:   rule.Name,
					Message: "required field is missing",
				})
			}
			continue
		}
		violations = append(violations, checkValue(rule, value)...)
	}
	return violations
}

// checkValue applies a single rule to a present value.
func checkValue(rule FieldRule, value any) []Violation {
	switch rule.Kind {
	case KindNonEmpty:
		s, ok := value.(string)
		if !ok {
			return []Violation{{Field: rule.Name, Message: "must be a string"}}
		}
		if strings.TrimSpace(s) == "" {
			return []Violation{{Field: rule.Name, Message: "must not be empty"}}
		}

	case KindEnum:
		s, ok := value.(string)
		if !ok {
			return []Violation{{Field: rule.Name, Message: "must be a string", Allowed: rule.Allowed}}
		}
		for _, allowed := range rule.Allowed {
			if s == allowed {
				return nil
			}
		}
		return []Violation{{
			Field:   rule.Name,
			Message: fmt.Sprintf("value %q is not allowed", s),
			Allowed: rule.Allowed,
		}}

	case KindSteps:
		return checkSteps(rule.Name, value)
	}
	return nil
}

// checkSteps validates the nested step sequence.
func checkSteps(field string, value any) []Violation {
	steps, ok := value.([]any)
	if !ok {
		return []Violation{{Field: field, Message: "must be a list of steps"}}
	}
	if len(steps) == 0 {
		return []Violation{{Field: field, Message: "must contain at least one step"}}
	}

	var violations []Violation
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			violations = append(violations, Violation{
				Field:   fmt.Sprintf("%s[%d]", field, i),
				Message: "must be an object",
			})
			continue
		}
		for _, key := range []string{"step_text", "step_expected"} {
			s, _ := step[key].(string)
			if strings.TrimSpace(s) == "" {
				violations = append(violations, Violation{
					Field:   fmt.Sprintf("%s[%d].%s", field, i, key),
					Message: "must be a non-empty string",
				})
			}
		}
	}
	return violations
}
