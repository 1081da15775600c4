// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/casepilot-ai/casepilot/services/corpus"
)

func runServe(cmd *cobra.Command, args []string) error {
	app, err := buildApp(appOptions{requireModel: true, withServer: true})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	if err := app.retriever.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}

	watcher, err := corpus.NewWatcher(app.cfg.CorpusDir, app.logger)
	if err != nil {
		return fmt.Errorf("watch corpus: %w", err)
	}
	defer watcher.Close()
	go syncIndex(ctx, app, watcher)

	addr := app.cfg.ListenAddr
	if listenAddr != "" {
		addr = listenAddr
	}
	app.logger.Info("starting server",
		"addr", addr,
		"corpus_dir", app.cfg.CorpusDir,
		"model", app.cfg.Model)
	fmt.Printf("Listening on %s\n", addr)
	return app.server.Run(addr)
}

// syncIndex keeps the embedding index aligned with on-disk corpus edits
// while the server runs. Deleted files are evicted; new or modified files
// are re-embedded.
func syncIndex(ctx context.Context, app *app, watcher *corpus.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-watcher.Changes():
			if !ok {
				return
			}
			doc, err := app.store.Load(id)
			switch {
			case errors.Is(err, corpus.ErrNotFound):
				if err := app.retriever.Evict(id); err != nil {
					app.logger.Warn("failed to evict test case from index", "id", id, "error", err)
				}
			case err != nil:
				app.logger.Warn("failed to reload changed test case", "id", id, "error", err)
			default:
				if err := app.retriever.Upsert(ctx, *doc); err != nil {
					app.logger.Warn("failed to reindex changed test case", "id", id, "error", err)
				}
			}
		}
	}
}
