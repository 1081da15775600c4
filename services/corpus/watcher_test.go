// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package corpus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func TestWatcherSignalsOnTestCaseWrite(t *testing.T) {
	dir := t.TempDir()
	watcher, err := NewWatcher(dir, testLogger())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "tc_001.json"), []byte("{}"), 0o640))

	select {
	case id := <-watcher.Changes():
		assert.Equal(t, "tc_001", id)
	case <-time.After(3 * time.Second):
		t.Fatal("no change signal received")
	}
}

func TestWatcherIgnoresNonJSONFiles(t *testing.T) {
	dir := t.TempDir()
	watcher, err := NewWatcher(dir, testLogger())
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o640))

	select {
	case id := <-watcher.Changes():
		t.Fatalf("unexpected signal for %q", id)
	case <-time.After(300 * time.Millisecond):
	}
}
