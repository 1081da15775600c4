// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package server exposes the copilot pipeline over HTTP.
//
// # Description
//
// Endpoints:
//   - GET  /health        liveness probe
//   - GET  /metrics       Prometheus exposition
//   - POST /v1/process    run a change request through the pipeline
//   - GET  /v1/status     readiness and corpus counts
//   - GET  /v1/metrics    durable aggregate summary
//   - GET  /v1/sessions   recent processing sessions
//   - POST /v1/reindex    force a full index rebuild
//   - POST /v1/validate   schema-check every corpus file
package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/copilot"
)

// Server wraps the gin router and its dependencies.
type Server struct {
	copilot *copilot.Copilot
	log     *logging.Logger
	router  *gin.Engine
}

// New builds the router. The gatherer backs /metrics; pass
// prometheus.DefaultGatherer in production.
func New(cp *copilot.Copilot, gatherer prometheus.Gatherer, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{copilot: cp, log: logger, router: router}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.POST("/process", s.handleProcess)
		v1.GET("/status", s.handleStatus)
		v1.GET("/metrics", s.handleMetrics)
		v1.GET("/sessions", s.handleSessions)
		v1.POST("/reindex", s.handleReindex)
		v1.POST("/validate", s.handleValidate)
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run blocks serving HTTP on addr.
func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", addr)
	return srv.ListenAndServe()
}

// requestLogger logs one line per request.
func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type processRequest struct {
	ChangeRequestPath string `json:"change_request_path" binding:"required"`
}

func (s *Server) handleProcess(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "change_request_path is required"})
		return
	}

	outcome, err := s.copilot.ProcessChangeRequest(c.Request.Context(), req.ChangeRequestPath)
	if err != nil {
		s.log.Error("process request failed", "path", req.ChangeRequestPath, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.copilot.GetStatus())
}

func (s *Server) handleMetrics(c *gin.Context) {
	summary, err := s.copilot.Metrics()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSessions(c *gin.Context) {
	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	sessions, err := s.copilot.RecentSessions(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleReindex(c *gin.Context) {
	if err := s.copilot.Reindex(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.copilot.GetStatus())
}

func (s *Server) handleValidate(c *gin.Context) {
	report, err := s.copilot.ValidateAll()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}
