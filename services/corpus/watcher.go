// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package corpus

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/casepilot-ai/casepilot/pkg/logging"
)

// Watcher signals when test case files change on disk, so long-running
// processes (serve mode) know the index may be stale relative to the
// corpus.
//
// Notifications are coalesced: Changes delivers at most one pending signal
// regardless of how many events arrived since the last read.
type Watcher struct {
	fs      *fsnotify.Watcher
	changes chan string
	done    chan struct{}
	log     *logging.Logger
}

// NewWatcher starts watching the corpus directory for *.json changes.
func NewWatcher(dir string, logger *logging.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		fs:      fs,
		changes: make(chan string, 1),
		done:    make(chan struct{}),
		log:     logger.With("component", "corpus_watcher"),
	}
	go w.run()
	return w, nil
}

// Changes delivers the identifier of a changed test case. The channel is
// never closed while the watcher is running; use Close to stop.
func (w *Watcher) Changes() <-chan string { return w.changes }

// Close stops the watcher and releases the inotify handle.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			id := strings.TrimSuffix(name, ".json")
			w.log.Debug("corpus change detected", "id", id, "op", event.Op.String())
			select {
			case w.changes <- id:
			default:
				// A signal is already pending; coalesce.
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("corpus watcher error", "error", err)
		}
	}
}
