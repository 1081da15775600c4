// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package corpus manages the test case document collection on disk.
//
// Test cases are stored one per file as tc_NNN.json in the corpus
// directory; the corpus is the authoritative source the embedding index is
// derived from. Documents are immutable snapshots: an update replaces the
// whole record on disk and the caller reindexes that identifier.
package corpus

import "strings"

// Step is one ordered action of a test case.
type Step struct {
	// StepText is the action to perform.
	StepText string `json:"step_text"`

	// StepExpected is the expected result of the action.
	StepExpected string `json:"step_expected"`
}

// TestCase is the structured record stored in the corpus and produced by
// generation. Field names match the on-disk JSON format.
type TestCase struct {
	Title         string `json:"title"`
	Type          string `json:"type"`
	Priority      string `json:"priority"`
	Preconditions string `json:"preconditions,omitempty"`
	Steps         []Step `json:"steps"`
}

// Document is a loaded test case with its identity metadata. Created at
// corpus load time; never mutated in place.
type Document struct {
	// ID is the filename-derived identifier, e.g. "tc_001".
	ID string

	// Title mirrors Case.Title for convenience.
	Title string

	// FileName is the basename, FilePath the full path the document was
	// loaded from.
	FileName string
	FilePath string

	// Case is the raw structured payload.
	Case TestCase
}

// SearchableText concatenates the free-text fields used for embedding:
// title, type, priority, preconditions and every step's action and
// expected result.
func (d Document) SearchableText() string {
	return SearchableText(d.Case)
}

// SearchableText builds the embedding text for a test case.
func SearchableText(tc TestCase) string {
	parts := make([]string, 0, 4+2*len(tc.Steps))
	for _, p := range []string{tc.Title, tc.Type, tc.Priority, tc.Preconditions} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	for _, step := range tc.Steps {
		if step.StepText != "" {
			parts = append(parts, step.StepText)
		}
		if step.StepExpected != "" {
			parts = append(parts, step.StepExpected)
		}
	}
	return strings.Join(parts, " ")
}
