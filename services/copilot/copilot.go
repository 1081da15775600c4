// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package copilot orchestrates a change-request run end to end: load the
// request and product context, retrieve similar test cases, analyze the
// impact with the model, update and create test cases through the
// validation engine, and write a markdown report.
package copilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/casepilot-ai/casepilot/pkg/config"
	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/pkg/schema"
	"github.com/casepilot-ai/casepilot/services/corpus"
	"github.com/casepilot-ai/casepilot/services/engine"
	"github.com/casepilot-ai/casepilot/services/observability"
	"github.com/casepilot-ai/casepilot/services/retriever"
	"github.com/casepilot-ai/casepilot/services/vectordb"
)

// =============================================================================
// Analysis Types
// =============================================================================

// ImpactedCase names an existing test case the model believes is affected
// by the change request.
type ImpactedCase struct {
	TestCaseID      string   `json:"test_case_id"`
	ImpactLevel     string   `json:"impact_level"`
	RequiredChanges []string `json:"required_changes"`
	Reasoning       string   `json:"reasoning"`
}

// NewCaseSpec names a test case the model believes should be created.
type NewCaseSpec struct {
	TestCaseType string `json:"test_case_type"`
	Title        string `json:"title"`
	Priority     string `json:"priority"`
}

// AnalysisResult is the parsed model analysis of a change request.
type AnalysisResult struct {
	ImpactedTestCases  []ImpactedCase `json:"impacted_test_cases"`
	NewTestCasesNeeded []NewCaseSpec  `json:"new_test_cases_needed"`
	Summary            string         `json:"summary"`
}

// ReportCase is one updated or created test case, with the metadata the
// report needs.
type ReportCase struct {
	FileName     string
	ImpactLevel  string
	Reasoning    string
	TestCaseType string
	GeneratedFor string
	Case         corpus.TestCase
}

// ExecutionSummary is the run accounting included in every report.
type ExecutionSummary struct {
	Status        string
	Errors        []string
	TotalAnalyzed int
	TotalUpdated  int
	TotalCreated  int
	ExecutionTime time.Duration
}

// Outcome is what a completed run hands back to the caller.
type Outcome struct {
	SessionID  string `json:"session_id"`
	ReportPath string `json:"report_path"`
	Analyzed   int    `json:"analyzed"`
	Updated    int    `json:"updated"`
	Created    int    `json:"created"`
}

// ValidationReport is the result of checking every corpus file against
// the schema.
type ValidationReport struct {
	TotalFiles   int      `json:"total_files"`
	ValidFiles   int      `json:"valid_files"`
	InvalidFiles []string `json:"invalid_files"`
	Errors       []string `json:"errors"`
}

// Status describes whether the system is ready to process requests.
type Status struct {
	Status           string `json:"status"`
	TestCasesCount   int    `json:"test_cases_count"`
	IndexedCount     int    `json:"indexed_count"`
	OverviewExists   bool   `json:"overview_exists"`
	OpenAIConfigured bool   `json:"openai_configured"`
	ReportsDirectory string `json:"reports_directory"`
}

// =============================================================================
// Copilot
// =============================================================================

// Copilot wires the pipeline together. Construct via New with fully
// initialized dependencies; it owns none of their lifecycles.
type Copilot struct {
	cfg       *config.Config
	store     *corpus.Store
	retriever *retriever.Retriever
	engine    *engine.Engine
	recorder  *observability.Recorder
	reports   *ReportWriter
	log       *logging.Logger
}

func New(
	cfg *config.Config,
	store *corpus.Store,
	ret *retriever.Retriever,
	eng *engine.Engine,
	recorder *observability.Recorder,
	reports *ReportWriter,
	logger *logging.Logger,
) *Copilot {
	if logger == nil {
		logger = logging.Default()
	}
	return &Copilot{
		cfg:       cfg,
		store:     store,
		retriever: ret,
		engine:    eng,
		recorder:  recorder,
		reports:   reports,
		log:       logger,
	}
}

// ProcessChangeRequest runs the full pipeline for one change request file
// and returns the outcome with the path of the written report.
//
// # Description
//
// Per-case generation failures do not abort the run: a test case that
// cannot be updated or created is logged, counted in the report's error
// list, and skipped. Failures before the analysis completes abort the
// run; an error report is still written so there is always an artifact.
func (c *Copilot) ProcessChangeRequest(ctx context.Context, changeRequestPath string) (*Outcome, error) {
	sessionID, err := c.recorder.StartSession(changeRequestPath)
	if err != nil {
		return nil, fmt.Errorf("copilot: start session: %w", err)
	}

	start := time.Now()
	summary := &ExecutionSummary{Status: "success"}

	outcome, err := c.run(ctx, sessionID, changeRequestPath, start, summary)
	if err != nil {
		summary.Status = "error"
		summary.Errors = append(summary.Errors, err.Error())
		summary.ExecutionTime = time.Since(start)
		if endErr := c.recorder.EndSession(sessionID, observability.StatusError); endErr != nil {
			c.log.Warn("failed to end session", "session_id", sessionID, "error", endErr)
		}

		errorReport, repErr := c.reports.Write(
			"Error occurred during processing",
			&AnalysisResult{Summary: "Error: " + err.Error()},
			nil, nil, summary,
		)
		if repErr != nil {
			c.log.Error("failed to write error report", "session_id", sessionID, "error", repErr)
			return nil, err
		}
		return nil, fmt.Errorf("%w (error report: %s)", err, errorReport)
	}

	if endErr := c.recorder.EndSession(sessionID, observability.StatusSuccess); endErr != nil {
		c.log.Warn("failed to end session", "session_id", sessionID, "error", endErr)
	}
	outcome.SessionID = sessionID
	return outcome, nil
}

func (c *Copilot) run(
	ctx context.Context,
	sessionID, changeRequestPath string,
	start time.Time,
	summary *ExecutionSummary,
) (*Outcome, error) {
	changeRequest, err := readDocument(changeRequestPath, "change request")
	if err != nil {
		return nil, err
	}
	overview, err := readDocument(c.cfg.OverviewPath, "product overview")
	if err != nil {
		return nil, err
	}

	if err := c.retriever.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh index: %w", err)
	}

	relevant, err := c.retriever.Retrieve(ctx, changeRequest, c.cfg.TopK)
	if err != nil {
		if !errors.Is(err, vectordb.ErrEmptyIndex) {
			return nil, fmt.Errorf("retrieve similar test cases: %w", err)
		}
		c.log.Warn("corpus is empty, analyzing without retrieval context",
			"session_id", sessionID)
	}
	summary.TotalAnalyzed = len(relevant)

	existingContext, err := formatExistingCases(relevant)
	if err != nil {
		return nil, fmt.Errorf("format retrieval context: %w", err)
	}

	analysis, err := c.analyze(ctx, sessionID, changeRequest, overview, existingContext)
	if err != nil {
		return nil, fmt.Errorf("analyze change request: %w", err)
	}

	updated := c.updateImpacted(ctx, sessionID, changeRequest, overview, analysis, summary)
	summary.TotalUpdated = len(updated)

	created := c.generateNew(ctx, sessionID, changeRequest, overview, existingContext, analysis, summary)
	summary.TotalCreated = len(created)

	summary.ExecutionTime = time.Since(start)
	reportPath, err := c.reports.Write(changeRequest, analysis, updated, created, summary)
	if err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}

	return &Outcome{
		ReportPath: reportPath,
		Analyzed:   summary.TotalAnalyzed,
		Updated:    summary.TotalUpdated,
		Created:    summary.TotalCreated,
	}, nil
}

// analyze runs the impact analysis task and decodes the result.
func (c *Copilot) analyze(
	ctx context.Context,
	sessionID, changeRequest, overview, existingContext string,
) (*AnalysisResult, error) {
	result, err := c.engine.Generate(ctx, sessionID, engine.Task{
		Template: "analyze",
		Target:   "analysis",
		Vars: map[string]string{
			"product_overview":    overview,
			"change_request":      changeRequest,
			"existing_test_cases": existingContext,
		},
		Validate: analysisViolations,
	})
	if err != nil {
		return nil, err
	}

	var analysis AnalysisResult
	if err := decodeRecord(result.Record, &analysis); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	c.log.Info("change request analyzed", "session_id", sessionID,
		"impacted", len(analysis.ImpactedTestCases),
		"new_needed", len(analysis.NewTestCasesNeeded))
	return &analysis, nil
}

// updateImpacted regenerates each impacted test case. A failed case is
// recorded in the summary and skipped.
func (c *Copilot) updateImpacted(
	ctx context.Context,
	sessionID, changeRequest, overview string,
	analysis *AnalysisResult,
	summary *ExecutionSummary,
) []ReportCase {
	var updated []ReportCase
	for _, impacted := range analysis.ImpactedTestCases {
		if impacted.TestCaseID == "" {
			continue
		}
		reportCase, err := c.updateOne(ctx, sessionID, changeRequest, overview, impacted)
		if err != nil {
			c.log.Warn("failed to update test case", "session_id", sessionID,
				"id", impacted.TestCaseID, "error", err)
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("update %s: %v", impacted.TestCaseID, err))
			continue
		}
		updated = append(updated, *reportCase)
	}
	return updated
}

func (c *Copilot) updateOne(
	ctx context.Context,
	sessionID, changeRequest, overview string,
	impacted ImpactedCase,
) (*ReportCase, error) {
	doc, err := c.store.Load(impacted.TestCaseID)
	if err != nil {
		return nil, err
	}

	original, err := json.MarshalIndent(doc.Case, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal original: %w", err)
	}

	result, err := c.engine.Generate(ctx, sessionID, engine.Task{
		Template: "update",
		Target:   doc.ID,
		Vars: map[string]string{
			"product_overview":   overview,
			"change_request":     changeRequest,
			"original_test_case": string(original),
			"required_changes":   formatList(impacted.RequiredChanges),
		},
		Validate: schema.ValidateWithViolations,
	})
	if err != nil {
		return nil, err
	}

	tc, err := corpus.FromRecord(result.Record)
	if err != nil {
		return nil, err
	}
	saved, err := c.store.Update(doc.ID, *tc)
	if err != nil {
		return nil, err
	}
	if err := c.retriever.Upsert(ctx, *saved); err != nil {
		c.log.Warn("failed to reindex updated test case", "id", saved.ID, "error", err)
	}
	if err := c.recorder.LogTestCaseOperation(sessionID, observability.OpUpdated, 1); err != nil {
		c.log.Warn("failed to record update", "session_id", sessionID, "error", err)
	}

	return &ReportCase{
		FileName:    saved.FileName,
		ImpactLevel: orDefault(impacted.ImpactLevel, "unknown"),
		Reasoning:   orDefault(impacted.Reasoning, "No reasoning provided"),
		Case:        saved.Case,
	}, nil
}

// generateNew creates each test case the analysis asked for. A failed
// case is recorded in the summary and skipped.
func (c *Copilot) generateNew(
	ctx context.Context,
	sessionID, changeRequest, overview, existingContext string,
	analysis *AnalysisResult,
	summary *ExecutionSummary,
) []ReportCase {
	var created []ReportCase
	for _, spec := range analysis.NewTestCasesNeeded {
		reportCase, err := c.generateOne(ctx, sessionID, changeRequest, overview, existingContext, spec)
		if err != nil {
			c.log.Warn("failed to generate test case", "session_id", sessionID,
				"title", spec.Title, "error", err)
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("generate %q: %v", spec.Title, err))
			continue
		}
		created = append(created, *reportCase)
	}
	return created
}

func (c *Copilot) generateOne(
	ctx context.Context,
	sessionID, changeRequest, overview, existingContext string,
	spec NewCaseSpec,
) (*ReportCase, error) {
	caseType := orDefault(spec.TestCaseType, "functional")
	title := orDefault(spec.Title, "New "+caseType+" test case")
	priority := orDefault(spec.Priority, "P3 - Medium")

	result, err := c.engine.Generate(ctx, sessionID, engine.Task{
		Template: "generate",
		Target:   title,
		Vars: map[string]string{
			"product_overview":    overview,
			"change_request":      changeRequest,
			"test_case_type":      caseType,
			"title":               title,
			"priority":            priority,
			"existing_test_cases": existingContext,
		},
		Validate: schema.ValidateWithViolations,
	})
	if err != nil {
		return nil, err
	}

	tc, err := corpus.FromRecord(result.Record)
	if err != nil {
		return nil, err
	}
	saved, err := c.store.Create(*tc)
	if err != nil {
		return nil, err
	}
	if err := c.retriever.Upsert(ctx, *saved); err != nil {
		c.log.Warn("failed to index new test case", "id", saved.ID, "error", err)
	}
	if err := c.recorder.LogTestCaseOperation(sessionID, observability.OpGenerated, 1); err != nil {
		c.log.Warn("failed to record creation", "session_id", sessionID, "error", err)
	}

	return &ReportCase{
		FileName:     saved.FileName,
		TestCaseType: caseType,
		GeneratedFor: title,
		Case:         saved.Case,
	}, nil
}

// =============================================================================
// Maintenance Operations
// =============================================================================

// ValidateAll checks every corpus file against the schema.
func (c *Copilot) ValidateAll() (*ValidationReport, error) {
	ids, err := c.store.List()
	if err != nil {
		return nil, fmt.Errorf("copilot: list corpus: %w", err)
	}

	report := &ValidationReport{TotalFiles: len(ids)}
	for _, id := range ids {
		doc, err := c.store.Load(id)
		if err != nil {
			report.InvalidFiles = append(report.InvalidFiles, id)
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", id, err))
			continue
		}
		violations := validateCase(doc.Case)
		if len(violations) > 0 {
			report.InvalidFiles = append(report.InvalidFiles, id)
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s: %s", id, schema.Describe(violations)))
			continue
		}
		report.ValidFiles++
	}
	return report, nil
}

// Reindex rebuilds the vector index from the corpus unconditionally.
func (c *Copilot) Reindex(ctx context.Context) error {
	return c.retriever.Reindex(ctx)
}

// GetStatus reports whether the system is ready to process requests.
func (c *Copilot) GetStatus() *Status {
	status := &Status{
		OpenAIConfigured: c.cfg.OpenAIAPIKey != "",
		ReportsDirectory: c.cfg.ReportsDir,
	}
	if count, err := c.store.Count(); err == nil {
		status.TestCasesCount = count
	}
	if _, err := os.Stat(c.cfg.OverviewPath); err == nil {
		status.OverviewExists = true
	}
	status.IndexedCount = c.retriever.IndexedCount()

	switch {
	case !status.OpenAIConfigured:
		status.Status = "missing_api_key"
	case !status.OverviewExists:
		status.Status = "missing_overview"
	default:
		status.Status = "ready"
	}
	return status
}

// Metrics returns the durable aggregate summary.
func (c *Copilot) Metrics() (*observability.Summary, error) {
	return c.recorder.Summary()
}

// RecentSessions returns the most recent processing sessions.
func (c *Copilot) RecentSessions(limit int) ([]observability.Session, error) {
	return c.recorder.RecentSessions(limit)
}

// =============================================================================
// Helpers
// =============================================================================

// analysisViolations is the schema check for the analysis response. Only
// the summary is mandatory; empty impact lists are a valid outcome.
func analysisViolations(record map[string]any) []schema.Violation {
	summary, ok := record["summary"].(string)
	if !ok || strings.TrimSpace(summary) == "" {
		return []schema.Violation{{
			Field:   "summary",
			Message: "is required and must be a non-empty string",
		}}
	}
	return nil
}

// validateCase runs the test case schema against a typed case.
func validateCase(tc corpus.TestCase) []schema.Violation {
	data, err := json.Marshal(tc)
	if err != nil {
		return []schema.Violation{{Field: "test_case", Message: err.Error()}}
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return []schema.Violation{{Field: "test_case", Message: err.Error()}}
	}
	return schema.ValidateWithViolations(record)
}

func decodeRecord(record map[string]any, dst any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// formatExistingCases renders retrieved cases as indented JSON for prompt
// context, keeping the identifier next to each case.
func formatExistingCases(results []retriever.Result) (string, error) {
	if len(results) == 0 {
		return "[]", nil
	}
	type entry struct {
		TestCaseID string          `json:"test_case_id"`
		Similarity float32         `json:"similarity"`
		TestCase   corpus.TestCase `json:"test_case"`
	}
	entries := make([]entry, len(results))
	for i, res := range results {
		entries[i] = entry{
			TestCaseID: res.Document.ID,
			Similarity: res.Score,
			TestCase:   res.Document.Case,
		}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "- None specified"
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func readDocument(path, what string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load %s from %s: %w", what, path, err)
	}
	return string(data), nil
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
