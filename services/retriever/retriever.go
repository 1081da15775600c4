// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retriever joins the vector index to the test case corpus: it
// keeps the index in sync with the files on disk and resolves similarity
// hits back into full documents.
package retriever

import (
	"context"
	"errors"
	"fmt"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/corpus"
	"github.com/casepilot-ai/casepilot/services/vectordb"
)

// Result is one retrieved document with its similarity score.
type Result struct {
	Document corpus.Document
	Score    float32
}

// Retriever resolves similarity queries against the corpus.
//
// # Thread Safety
//
// Safe for concurrent use; the store and index serialize their own state.
type Retriever struct {
	store *corpus.Store
	index *vectordb.Index
	log   *logging.Logger
}

func New(store *corpus.Store, index *vectordb.Index, logger *logging.Logger) *Retriever {
	if logger == nil {
		logger = logging.Default()
	}
	return &Retriever{store: store, index: index, log: logger}
}

// Refresh rebuilds the index when it no longer matches the corpus. A
// fresh index is left untouched, so repeated calls are cheap.
func (r *Retriever) Refresh(ctx context.Context) error {
	count, err := r.store.Count()
	if err != nil {
		return fmt.Errorf("retriever: count corpus: %w", err)
	}
	if !r.index.Stale(count) {
		return nil
	}
	r.log.Info("index stale, rebuilding", "corpus_count", count, "index_count", r.index.Count())
	return r.Reindex(ctx)
}

// Reindex unconditionally rebuilds the index from every document on disk.
func (r *Retriever) Reindex(ctx context.Context) error {
	docs, err := r.store.LoadAll()
	if err != nil {
		return fmt.Errorf("retriever: load corpus: %w", err)
	}
	items := make([]vectordb.Item, len(docs))
	for i, doc := range docs {
		items[i] = vectordb.Item{ID: doc.ID, Text: doc.SearchableText()}
	}
	if err := r.index.Rebuild(ctx, items); err != nil {
		return fmt.Errorf("retriever: rebuild index: %w", err)
	}
	return nil
}

// Retrieve returns up to k documents similar to the query, best first.
//
// A hit whose file has been deleted since indexing is dropped from the
// results and evicted from the index, so the next query will not see it.
// Returns vectordb.ErrEmptyIndex when nothing has been indexed.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	hits, err := r.index.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(hits))
	for _, hit := range hits {
		doc, err := r.store.Load(hit.ID)
		if err != nil {
			if errors.Is(err, corpus.ErrNotFound) {
				r.log.Warn("indexed document missing from corpus, evicting",
					"id", hit.ID)
				if rmErr := r.index.Remove(hit.ID); rmErr != nil {
					r.log.Warn("failed to evict stale index entry",
						"id", hit.ID, "error", rmErr)
				}
				continue
			}
			return nil, fmt.Errorf("retriever: load %s: %w", hit.ID, err)
		}
		results = append(results, Result{Document: *doc, Score: hit.Score})
	}
	return results, nil
}

// Evict removes a document from the index, used when its file disappears.
func (r *Retriever) Evict(id string) error {
	return r.index.Remove(id)
}

// IndexedCount returns the number of documents currently indexed.
func (r *Retriever) IndexedCount() int {
	return r.index.Count()
}

// Upsert indexes a single document, replacing any existing entry.
func (r *Retriever) Upsert(ctx context.Context, doc corpus.Document) error {
	return r.index.Add(ctx, vectordb.Item{ID: doc.ID, Text: doc.SearchableText()})
}
