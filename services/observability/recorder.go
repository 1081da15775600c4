// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

// =============================================================================
// Session Model
// =============================================================================

// Session terminal statuses. A session starts in StatusRunning and ends in
// exactly one of the others.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// Test case operation names for LogTestCaseOperation.
const (
	OpGenerated = "generated"
	OpUpdated   = "updated"
)

// ErrSessionNotFound is returned when a session ID does not resolve to an
// open session.
var ErrSessionNotFound = errors.New("observability: session not found")

// Session is the durable record of one change-request run.
type Session struct {
	SessionID                string     `json:"session_id"`
	ChangeRequestPath        string     `json:"change_request_path"`
	StartTime                time.Time  `json:"start_time"`
	EndTime                  *time.Time `json:"end_time,omitempty"`
	Status                   string     `json:"status"`
	TokensUsed               int        `json:"tokens_used"`
	Cost                     float64    `json:"cost"`
	TestCasesGenerated       int        `json:"test_cases_generated"`
	TestCasesUpdated         int        `json:"test_cases_updated"`
	RetryAttempts            int        `json:"retry_attempts"`
	SchemaValidationFailures int        `json:"schema_validation_failures"`
	Errors                   []string   `json:"errors"`
}

// Attempt is the durable record of one generation attempt within a session.
// PromptVariant names the template(s) the prompt was built from and
// RawOutput holds a truncated copy of the model text, so the log explains
// which prompt produced which output.
type Attempt struct {
	Seq           int       `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	State         string    `json:"state"`
	Target        string    `json:"target,omitempty"`
	PromptVariant string    `json:"prompt_variant,omitempty"`
	RawOutput     string    `json:"raw_output,omitempty"`
	Violations    []string  `json:"violations,omitempty"`
	TokensIn      int       `json:"tokens_in"`
	TokensOut     int       `json:"tokens_out"`
	Cost          float64   `json:"cost"`
	Error         string    `json:"error,omitempty"`
}

// Summary is the aggregate view recomputed from all closed sessions.
type Summary struct {
	TotalRequests            int           `json:"total_requests"`
	SuccessRate              float64       `json:"success_rate"`
	TotalTokensUsed          int           `json:"total_tokens_used"`
	TotalCost                float64       `json:"total_cost"`
	AverageResponseTime      time.Duration `json:"average_response_time"`
	TestCasesGenerated       int           `json:"test_cases_generated"`
	TestCasesUpdated         int           `json:"test_cases_updated"`
	RetryAttempts            int           `json:"retry_attempts"`
	SchemaValidationFailures int           `json:"schema_validation_failures"`
	ActiveSessions           int           `json:"active_sessions"`
}

// =============================================================================
// Storage
// =============================================================================

var (
	sessionPrefix = []byte("session/")
	attemptPrefix = []byte("attempt/")
)

// sessionKey orders sessions by start time: the zero-padded UnixNano sorts
// lexicographically in chronological order.
func sessionKey(start time.Time, id string) []byte {
	return []byte(fmt.Sprintf("session/%020d/%s", start.UnixNano(), id))
}

func attemptKey(sessionID string, seq int) []byte {
	return []byte(fmt.Sprintf("attempt/%s/%06d", sessionID, seq))
}

// OpenDB opens the persistent metrics database at path, creating the
// directory if needed. Badger's internal logging is routed to logger at
// debug level to keep it out of normal output.
func OpenDB(path string, logger *logging.Logger) (*badger.DB, error) {
	if path == "" {
		return nil, errors.New("observability: database path is required")
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("observability: create database directory %s: %w", path, err)
	}
	opts := badger.DefaultOptions(path).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("observability: open metrics database: %w", err)
	}
	return db, nil
}

// OpenInMemoryDB opens an in-memory database. Data is lost on Close; used
// by tests and by callers that do not need durable accounting.
func OpenInMemoryDB() (*badger.DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("observability: open in-memory database: %w", err)
	}
	return db, nil
}

// badgerLogger adapts our logger to BadgerDB's Logger interface. Badger is
// chatty at info level, so everything is demoted to debug.
type badgerLogger struct {
	logger *logging.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder persists session and attempt records to BadgerDB and mirrors
// the aggregate counters to Prometheus.
//
// # Description
//
// Every mutation is committed before the method returns, so a crash never
// loses more than the in-flight call. Aggregates are never cached: Summary
// recomputes from the stored sessions, which keeps restarts trivially
// correct.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Recorder struct {
	db      *badger.DB
	metrics *GenerationMetrics
	logger  *logging.Logger

	mu   sync.Mutex
	keys map[string][]byte // open session ID -> storage key
	seqs map[string]int    // open session ID -> last attempt seq
}

// NewRecorder wraps an open database. The metrics argument may be nil when
// Prometheus export is not wanted (CLI one-shot runs).
func NewRecorder(db *badger.DB, metrics *GenerationMetrics, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Recorder{
		db:      db,
		metrics: metrics,
		logger:  logger,
		keys:    make(map[string][]byte),
		seqs:    make(map[string]int),
	}
}

// Close closes the underlying database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

// StartSession creates a new running session and returns its ID.
func (r *Recorder) StartSession(changeRequestPath string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	session := Session{
		SessionID:         id,
		ChangeRequestPath: changeRequestPath,
		StartTime:         now,
		Status:            StatusRunning,
		Errors:            []string{},
	}
	key := sessionKey(now, id)
	if err := r.writeSession(key, &session); err != nil {
		return "", err
	}

	r.mu.Lock()
	r.keys[id] = key
	r.seqs[id] = 0
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Inc()
	}
	r.logger.Info("session started", "session_id", id, "change_request", changeRequestPath)
	return id, nil
}

// EndSession closes the session with a terminal status. Further calls for
// this session ID return ErrSessionNotFound.
func (r *Recorder) EndSession(sessionID, status string) error {
	var duration time.Duration
	err := r.mutateSession(sessionID, func(s *Session) {
		now := time.Now().UTC()
		s.EndTime = &now
		s.Status = status
		duration = now.Sub(s.StartTime)
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.keys, sessionID)
	delete(r.seqs, sessionID)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ActiveSessions.Dec()
		r.metrics.RequestsTotal.WithLabelValues(status).Inc()
		r.metrics.SessionDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
	}
	r.logger.Info("session ended", "session_id", sessionID, "status", status,
		"duration", duration)
	return nil
}

// LogLLMCall records token usage and estimated cost for one model call.
func (r *Recorder) LogLLMCall(sessionID, model string, tokensIn, tokensOut int, cost float64) error {
	err := r.mutateSession(sessionID, func(s *Session) {
		s.TokensUsed += tokensIn + tokensOut
		s.Cost += cost
	})
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.TokensTotal.WithLabelValues("input", model).Add(float64(tokensIn))
		r.metrics.TokensTotal.WithLabelValues("output", model).Add(float64(tokensOut))
		r.metrics.CostDollarsTotal.WithLabelValues(model).Add(cost)
	}
	return nil
}

// LogSchemaValidationFailure records one schema rejection of model output.
func (r *Recorder) LogSchemaValidationFailure(sessionID, detail string) error {
	err := r.mutateSession(sessionID, func(s *Session) {
		s.SchemaValidationFailures++
		s.Errors = append(s.Errors, "schema validation failure: "+detail)
	})
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.ValidationFailuresTotal.Inc()
	}
	return nil
}

// LogRetryAttempt records one retry and its reason.
func (r *Recorder) LogRetryAttempt(sessionID, reason string) error {
	err := r.mutateSession(sessionID, func(s *Session) {
		s.RetryAttempts++
		s.Errors = append(s.Errors, "retry attempt: "+reason)
	})
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RetriesTotal.Inc()
	}
	return nil
}

// LogTestCaseOperation records generated or updated test cases. The
// operation must be OpGenerated or OpUpdated.
func (r *Recorder) LogTestCaseOperation(sessionID, operation string, count int) error {
	if operation != OpGenerated && operation != OpUpdated {
		return fmt.Errorf("observability: unknown test case operation %q", operation)
	}
	err := r.mutateSession(sessionID, func(s *Session) {
		switch operation {
		case OpGenerated:
			s.TestCasesGenerated += count
		case OpUpdated:
			s.TestCasesUpdated += count
		}
	})
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.TestCasesTotal.WithLabelValues(operation).Add(float64(count))
	}
	return nil
}

// LogAttempt appends an attempt record for the session. Seq and Timestamp
// are assigned here; values supplied by the caller are overwritten.
func (r *Recorder) LogAttempt(sessionID string, attempt Attempt) error {
	r.mu.Lock()
	if _, ok := r.keys[sessionID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	r.seqs[sessionID]++
	attempt.Seq = r.seqs[sessionID]
	r.mu.Unlock()

	attempt.Timestamp = time.Now().UTC()
	data, err := json.Marshal(&attempt)
	if err != nil {
		return fmt.Errorf("observability: marshal attempt: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(attemptKey(sessionID, attempt.Seq), data)
	})
	if err != nil {
		return fmt.Errorf("observability: persist attempt: %w", err)
	}
	return nil
}

// Attempts returns the attempt records for a session in sequence order.
func (r *Recorder) Attempts(sessionID string) ([]Attempt, error) {
	prefix := []byte("attempt/" + sessionID + "/")
	var out []Attempt
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.Valid(); it.Next() {
			var a Attempt
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("observability: read attempts: %w", err)
	}
	return out, nil
}

// Summary recomputes the aggregate view by scanning all stored sessions.
//
// # Description
//
// Totals cover closed sessions only; a running session contributes to
// ActiveSessions and nothing else until it ends. SuccessRate is the ratio
// of successful to closed sessions in [0, 1], and 0 when nothing has
// closed yet.
func (r *Recorder) Summary() (*Summary, error) {
	var (
		summary       Summary
		succeeded     int
		totalDuration time.Duration
	)
	err := r.scanSessions(false, func(s *Session) bool {
		if s.EndTime == nil {
			summary.ActiveSessions++
			return true
		}
		summary.TotalRequests++
		if s.Status == StatusSuccess {
			succeeded++
		}
		summary.TotalTokensUsed += s.TokensUsed
		summary.TotalCost += s.Cost
		summary.TestCasesGenerated += s.TestCasesGenerated
		summary.TestCasesUpdated += s.TestCasesUpdated
		summary.RetryAttempts += s.RetryAttempts
		summary.SchemaValidationFailures += s.SchemaValidationFailures
		totalDuration += s.EndTime.Sub(s.StartTime)
		return true
	})
	if err != nil {
		return nil, err
	}
	if summary.TotalRequests > 0 {
		summary.SuccessRate = float64(succeeded) / float64(summary.TotalRequests)
		summary.AverageResponseTime = totalDuration / time.Duration(summary.TotalRequests)
	}
	return &summary, nil
}

// RecentSessions returns up to limit sessions, most recent first.
func (r *Recorder) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Session
	err := r.scanSessions(true, func(s *Session) bool {
		out = append(out, *s)
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reset deletes all stored sessions and attempts. Prometheus counters are
// monotonic and are not reset.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	r.keys = make(map[string][]byte)
	r.seqs = make(map[string]int)
	r.mu.Unlock()

	if err := r.db.DropPrefix(sessionPrefix, attemptPrefix); err != nil {
		return fmt.Errorf("observability: reset metrics: %w", err)
	}
	return nil
}

// =============================================================================
// Internals
// =============================================================================

func (r *Recorder) writeSession(key []byte, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("observability: marshal session: %w", err)
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return fmt.Errorf("observability: persist session: %w", err)
	}
	return nil
}

// mutateSession applies fn to an open session under the lock and commits
// the result before returning.
func (r *Recorder) mutateSession(sessionID string, fn func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key, ok := r.keys[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return fmt.Errorf("observability: load session %s: %w", sessionID, err)
		}
		var session Session
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		}); err != nil {
			return fmt.Errorf("observability: decode session %s: %w", sessionID, err)
		}
		fn(&session)
		data, err := json.Marshal(&session)
		if err != nil {
			return fmt.Errorf("observability: marshal session %s: %w", sessionID, err)
		}
		return txn.Set(key, data)
	})
}

// scanSessions walks stored sessions in key order (chronological) or in
// reverse. The visit callback returns false to stop early.
func (r *Recorder) scanSessions(reverse bool, visit func(*Session) bool) error {
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = sessionPrefix
		opts.Reverse = reverse
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := sessionPrefix
		if reverse {
			// Seek past the last session key so reverse iteration starts
			// at the most recent one.
			seek = append(append([]byte{}, sessionPrefix...), 0xff)
		}
		for it.Seek(seek); it.Valid(); it.Next() {
			var s Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &s)
			}); err != nil {
				r.logger.Warn("skipping corrupt session record",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			if !visit(&s) {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("observability: scan sessions: %w", err)
	}
	return nil
}
