// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casepilot-ai/casepilot/pkg/config"
	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/copilot"
	"github.com/casepilot-ai/casepilot/services/corpus"
	"github.com/casepilot-ai/casepilot/services/embed"
	"github.com/casepilot-ai/casepilot/services/engine"
	"github.com/casepilot-ai/casepilot/services/llm"
	"github.com/casepilot-ai/casepilot/services/observability"
	"github.com/casepilot-ai/casepilot/services/prompt"
	"github.com/casepilot-ai/casepilot/services/retriever"
	"github.com/casepilot-ai/casepilot/services/vectordb"
)

type scriptedClient struct {
	responses []string
}

func (c *scriptedClient) Call(_ context.Context, _ string, _ llm.Params) (*llm.Result, error) {
	if len(c.responses) == 0 {
		return nil, errors.New("scripted client exhausted")
	}
	next := c.responses[0]
	c.responses = c.responses[1:]
	return &llm.Result{RawText: next, TokensIn: 50, TokensOut: 25}, nil
}

// newTestServer wires a full pipeline over temp directories and returns
// the HTTP handler plus the change request path it can process.
func newTestServer(t *testing.T, client llm.Client) (*Server, string) {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	root := t.TempDir()

	cfg := config.Default()
	cfg.CorpusDir = filepath.Join(root, "test_cases")
	cfg.OverviewPath = filepath.Join(root, "PRODUCT_OVERVIEW.md")
	cfg.ReportsDir = filepath.Join(root, "reports")
	cfg.IndexPath = filepath.Join(root, "index", "vectors.json")
	cfg.RetryDelay = 0

	require.NoError(t, os.MkdirAll(cfg.CorpusDir, 0o750))
	require.NoError(t, os.WriteFile(cfg.OverviewPath, []byte("A staffing platform."), 0o644))

	changeRequestPath := filepath.Join(root, "change_request.md")
	require.NoError(t, os.WriteFile(changeRequestPath, []byte("Change the login flow."), 0o644))

	store, err := corpus.NewStore(cfg.CorpusDir, logger)
	require.NoError(t, err)
	_, err = store.Save("tc_001", corpus.TestCase{
		Title:    "Verify login",
		Type:     "functional",
		Priority: "P2 - High",
		Steps:    []corpus.Step{{StepText: "Log in", StepExpected: "Dashboard shown"}},
	})
	require.NoError(t, err)

	index := vectordb.New(cfg.IndexPath, embed.NewHashEmbedder(cfg.EmbeddingDim), logger)
	require.NoError(t, index.Load())
	ret := retriever.New(store, index, logger)

	db, err := observability.OpenInMemoryDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := prometheus.NewRegistry()
	metrics := observability.NewGenerationMetrics(registry)
	recorder := observability.NewRecorder(db, metrics, logger)

	prompts, err := prompt.NewManager("", logger)
	require.NoError(t, err)
	eng := engine.New(client, prompts, recorder, engine.Config{
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  0,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, logger)

	cp := copilot.New(&cfg, store, ret, eng, recorder,
		copilot.NewReportWriter(cfg.ReportsDir, logger), logger)
	return New(cp, registry, logger), changeRequestPath
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewBuffer(data)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status": "ok"}`, rec.Body.String())
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status copilot.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.TestCasesCount)
	assert.True(t, status.OverviewExists)
}

func TestProcessEndpoint(t *testing.T) {
	client := &scriptedClient{responses: []string{`{
		"impacted_test_cases": [],
		"new_test_cases_needed": [],
		"summary": "No changes needed."
	}`}}
	s, changeRequestPath := newTestServer(t, client)

	rec := doRequest(t, s, http.MethodPost, "/v1/process",
		map[string]string{"change_request_path": changeRequestPath})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var outcome copilot.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcome))
	assert.NotEmpty(t, outcome.SessionID)
	assert.NotEmpty(t, outcome.ReportPath)
	assert.FileExists(t, outcome.ReportPath)
}

func TestProcessEndpointBadRequest(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodPost, "/v1/process", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/process",
		map[string]string{"change_request_path": "/does/not/exist.md"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSessionsEndpoint(t *testing.T) {
	client := &scriptedClient{responses: []string{`{
		"impacted_test_cases": [],
		"new_test_cases_needed": [],
		"summary": "No changes needed."
	}`}}
	s, changeRequestPath := newTestServer(t, client)

	rec := doRequest(t, s, http.MethodPost, "/v1/process",
		map[string]string{"change_request_path": changeRequestPath})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/sessions?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Sessions []observability.Session `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, observability.StatusSuccess, body.Sessions[0].Status)

	rec = doRequest(t, s, http.MethodGet, "/v1/sessions?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsSummaryEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodGet, "/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var summary observability.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 0, summary.TotalRequests)
}

func TestPrometheusEndpoint(t *testing.T) {
	client := &scriptedClient{responses: []string{`{
		"impacted_test_cases": [],
		"new_test_cases_needed": [],
		"summary": "No changes needed."
	}`}}
	s, changeRequestPath := newTestServer(t, client)

	rec := doRequest(t, s, http.MethodPost, "/v1/process",
		map[string]string{"change_request_path": changeRequestPath})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "casepilot_generation_requests_total")
}

func TestReindexEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodPost, "/v1/reindex", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status copilot.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.IndexedCount)
}

func TestValidateEndpoint(t *testing.T) {
	s, _ := newTestServer(t, &scriptedClient{})

	rec := doRequest(t, s, http.MethodPost, "/v1/validate", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report copilot.ValidationReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.TotalFiles)
	assert.Equal(t, 1, report.ValidFiles)
}
