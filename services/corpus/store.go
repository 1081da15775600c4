// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/pkg/schema"
)

var (
	// ErrNotFound indicates no test case exists for the identifier.
	ErrNotFound = errors.New("test case not found")

	// ErrInvalidTestCase indicates the record failed schema validation.
	// Wrapped errors carry the violation text.
	ErrInvalidTestCase = errors.New("invalid test case")
)

// Store reads and writes test case documents in a directory.
//
// Writes validate against the declared schema first, so the corpus never
// holds a record the validator would reject. Identifier allocation and
// file writes are serialized; concurrent readers are safe because
// documents are immutable once loaded.
type Store struct {
	dir string
	log *logging.Logger

	mu sync.Mutex
}

// NewStore creates a store over dir, creating the directory if needed.
func NewStore(dir string, logger *logging.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}
	return &Store{dir: dir, log: logger.With("component", "corpus")}, nil
}

// Dir returns the corpus directory.
func (s *Store) Dir() string { return s.dir }

// List returns the identifiers of every test case file, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read corpus dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

// Count returns the number of test case files.
func (s *Store) Count() (int, error) {
	ids, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// LoadAll loads every test case in the corpus. Unreadable or malformed
// files are logged and skipped so one bad file does not take down a run.
func (s *Store) LoadAll() ([]Document, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}
	docs := make([]Document, 0, len(ids))
	for _, id := range ids {
		doc, err := s.Load(id)
		if err != nil {
			s.log.Warn("skipping unreadable test case", "id", id, "error", err)
			continue
		}
		docs = append(docs, *doc)
	}
	return docs, nil
}

// Load reads one test case by identifier. Returns ErrNotFound when the
// file does not exist.
func (s *Store) Load(id string) (*Document, error) {
	path := filepath.Join(s.dir, id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read test case %s: %w", id, err)
	}

	var tc TestCase
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("parse test case %s: %w", id, err)
	}
	return &Document{
		ID:       id,
		Title:    tc.Title,
		FileName: id + ".json",
		FilePath: path,
		Case:     tc,
	}, nil
}

// Save validates and writes a test case under the given identifier,
// replacing any existing file.
func (s *Store) Save(id string, tc TestCase) (*Document, error) {
	if err := validate(tc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(id, tc)
}

// Update backs up the existing test case, then replaces it. Returns
// ErrNotFound if there is nothing to update.
func (s *Store) Update(id string, tc TestCase) (*Document, error) {
	if err := validate(tc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(filepath.Join(s.dir, id+".json")); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	if _, err := s.backupLocked(id); err != nil {
		return nil, err
	}
	return s.writeLocked(id, tc)
}

// Create validates the test case and writes it under the next free
// sequential identifier (tc_001, tc_002, ...).
func (s *Store) Create(tc TestCase) (*Document, error) {
	if err := validate(tc); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.nextIDLocked()
	if err != nil {
		return nil, err
	}
	return s.writeLocked(id, tc)
}

// Backup copies the test case file into the backups subdirectory and
// returns the backup path.
func (s *Store) Backup(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backupLocked(id)
}

func (s *Store) backupLocked(id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("read test case for backup: %w", err)
	}

	backupDir := filepath.Join(s.dir, "backups")
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}
	backupPath := filepath.Join(backupDir, id+"_backup.json")
	if err := os.WriteFile(backupPath, data, 0o640); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	s.log.Debug("backed up test case", "id", id, "path", backupPath)
	return backupPath, nil
}

// writeLocked serializes and writes the test case. Caller holds the lock.
func (s *Store) writeLocked(id string, tc TestCase) (*Document, error) {
	data, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal test case %s: %w", id, err)
	}
	path := filepath.Join(s.dir, id+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, fmt.Errorf("write test case %s: %w", id, err)
	}
	return &Document{
		ID:       id,
		Title:    tc.Title,
		FileName: id + ".json",
		FilePath: path,
		Case:     tc,
	}, nil
}

// nextIDLocked scans existing tc_NNN files and allocates the next number.
func (s *Store) nextIDLocked() (string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return "", fmt.Errorf("read corpus dir: %w", err)
	}
	max := 0
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "tc_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "tc_"), ".json"))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("tc_%03d", max+1), nil
}

// validate runs the declared schema over the test case.
func validate(tc TestCase) error {
	record, err := toRecord(tc)
	if err != nil {
		return err
	}
	if violations := schema.ValidateWithViolations(record); len(violations) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTestCase, schema.Describe(violations))
	}
	return nil
}

// toRecord converts a TestCase to the decoded-JSON shape the schema
// interpreter works on.
func toRecord(tc TestCase) (map[string]any, error) {
	data, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("marshal test case: %w", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decode test case: %w", err)
	}
	return record, nil
}

// FromRecord decodes a validated generation record into a TestCase.
func FromRecord(record map[string]any) (*TestCase, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var tc TestCase
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &tc, nil
}
