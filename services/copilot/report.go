// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package copilot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

// ReportWriter renders the markdown report for a completed run.
//
// # Thread Safety
//
// Safe for concurrent use; each Write produces an independent file named
// by timestamp.
type ReportWriter struct {
	dir string
	log *logging.Logger

	// now is replaceable in tests for stable filenames.
	now func() time.Time
}

func NewReportWriter(dir string, logger *logging.Logger) *ReportWriter {
	if logger == nil {
		logger = logging.Default()
	}
	return &ReportWriter{dir: dir, log: logger, now: time.Now}
}

// Write renders the report and returns the path of the written file.
func (w *ReportWriter) Write(
	changeRequest string,
	analysis *AnalysisResult,
	updated, created []ReportCase,
	summary *ExecutionSummary,
) (string, error) {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return "", fmt.Errorf("create reports directory: %w", err)
	}

	now := w.now()
	stamp := now.Format("20060102_150405")
	path := filepath.Join(w.dir, "change_request_report_"+stamp+".md")

	var b strings.Builder
	w.writeHeader(&b, changeRequest, now, stamp)
	w.writeExecutionSummary(&b, summary)
	w.writeAnalysis(&b, analysis)
	w.writeCases(&b, "## Updated Test Cases", updated)
	w.writeCases(&b, "## New Test Cases Created", created)
	w.writeAssumptions(&b, analysis)
	w.writeFooter(&b)

	if err := os.WriteFile(path, []byte(b.String()), 0o640); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	w.log.Info("report written", "path", path,
		"updated", len(updated), "created", len(created))
	return path, nil
}

func (w *ReportWriter) writeHeader(b *strings.Builder, changeRequest string, now time.Time, stamp string) {
	b.WriteString("# AI Test Case Copilot - Change Request Report\n\n")
	fmt.Fprintf(b, "**Generated:** %s\n", now.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(b, "**Report ID:** %s\n\n", stamp)

	b.WriteString("## Change Request\n\n")
	b.WriteString("```\n")
	b.WriteString(changeRequest)
	b.WriteString("\n```\n\n")
	b.WriteString("---\n\n")
}

func (w *ReportWriter) writeExecutionSummary(b *strings.Builder, summary *ExecutionSummary) {
	b.WriteString("## Execution Summary\n\n")
	fmt.Fprintf(b, "- **Total test cases analyzed:** %d\n", summary.TotalAnalyzed)
	fmt.Fprintf(b, "- **Test cases updated:** %d\n", summary.TotalUpdated)
	fmt.Fprintf(b, "- **New test cases created:** %d\n", summary.TotalCreated)
	fmt.Fprintf(b, "- **Execution time:** %.2f seconds\n", summary.ExecutionTime.Seconds())
	fmt.Fprintf(b, "- **Status:** %s\n\n", summary.Status)

	if len(summary.Errors) > 0 {
		b.WriteString("### Errors Encountered\n\n")
		for _, e := range summary.Errors {
			fmt.Fprintf(b, "- %s\n", e)
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
}

func (w *ReportWriter) writeAnalysis(b *strings.Builder, analysis *AnalysisResult) {
	b.WriteString("## Analysis Summary\n\n")
	if analysis.Summary != "" {
		fmt.Fprintf(b, "%s\n\n", analysis.Summary)
	}

	b.WriteString("### Impact Assessment\n\n")
	if len(analysis.ImpactedTestCases) > 0 {
		b.WriteString("**Impacted Test Cases:**\n\n")
		for _, impacted := range analysis.ImpactedTestCases {
			fmt.Fprintf(b, "- **%s** (%s impact)\n",
				orDefault(impacted.TestCaseID, "Unknown"),
				orDefault(impacted.ImpactLevel, "Unknown"))
			fmt.Fprintf(b, "  - **Reasoning:** %s\n",
				orDefault(impacted.Reasoning, "No reasoning provided"))
			fmt.Fprintf(b, "  - **Required Changes:** %s\n\n",
				strings.Join(impacted.RequiredChanges, ", "))
		}
	} else {
		b.WriteString("No existing test cases were impacted by this change request.\n\n")
	}

	if len(analysis.NewTestCasesNeeded) > 0 {
		b.WriteString("**New Test Cases Required:**\n\n")
		for _, spec := range analysis.NewTestCasesNeeded {
			fmt.Fprintf(b, "- **%s** - %s (%s)\n",
				orDefault(spec.TestCaseType, "Unknown"),
				orDefault(spec.Title, "No title"),
				orDefault(spec.Priority, "Unknown priority"))
		}
		b.WriteString("\n")
	}
	b.WriteString("---\n\n")
}

func (w *ReportWriter) writeCases(b *strings.Builder, heading string, cases []ReportCase) {
	if len(cases) == 0 {
		return
	}
	b.WriteString(heading + "\n\n")
	for _, rc := range cases {
		fmt.Fprintf(b, "### %s\n\n", orDefault(rc.FileName, "Unknown File"))
		fmt.Fprintf(b, "**Title:** %s\n", orDefault(rc.Case.Title, "No title"))
		fmt.Fprintf(b, "**Type:** %s\n", orDefault(rc.Case.Type, "Unknown"))
		fmt.Fprintf(b, "**Priority:** %s\n\n", orDefault(rc.Case.Priority, "Unknown"))

		if rc.Case.Preconditions != "" {
			fmt.Fprintf(b, "**Preconditions:** %s\n\n", rc.Case.Preconditions)
		}

		b.WriteString("**Steps:**\n\n")
		for i, step := range rc.Case.Steps {
			fmt.Fprintf(b, "%d. **Action:** %s\n", i+1,
				orDefault(step.StepText, "No action specified"))
			fmt.Fprintf(b, "   **Expected:** %s\n\n",
				orDefault(step.StepExpected, "No expected outcome specified"))
		}
		b.WriteString("---\n\n")
	}
}

func (w *ReportWriter) writeAssumptions(b *strings.Builder, analysis *AnalysisResult) {
	b.WriteString("## Assumptions and Open Questions\n\n")

	var assumptions []string
	if strings.Contains(strings.ToLower(analysis.Summary), "assum") {
		assumptions = append(assumptions, "Analysis made assumptions based on available context")
	}
	for _, impacted := range analysis.ImpactedTestCases {
		if strings.Contains(strings.ToLower(impacted.Reasoning), "assum") {
			assumptions = append(assumptions, fmt.Sprintf("Assumptions made for %s: %s",
				orDefault(impacted.TestCaseID, "Unknown"), impacted.Reasoning))
		}
	}

	if len(assumptions) > 0 {
		b.WriteString("### Assumptions Made\n\n")
		for _, a := range assumptions {
			fmt.Fprintf(b, "- %s\n", a)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No specific assumptions or open questions identified during this analysis.\n\n")
	}
	b.WriteString("---\n\n")
}

func (w *ReportWriter) writeFooter(b *strings.Builder) {
	b.WriteString("## Next Steps\n\n")
	b.WriteString("1. **Review** all updated and new test cases for accuracy\n")
	b.WriteString("2. **Execute** the updated test cases to verify they still pass\n")
	b.WriteString("3. **Execute** new test cases to ensure they cover the intended functionality\n")
	b.WriteString("4. **Update** test execution documentation as needed\n")
	b.WriteString("5. **Share** this report with the development team for review\n\n")
	b.WriteString("---\n\n")
	b.WriteString("*Report generated by AI Test Case Copilot*\n")
}
