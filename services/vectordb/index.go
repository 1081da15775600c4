// Copyright (C) 2025 CasePilot AI (dev@casepilot.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package vectordb persists an embedding index and answers nearest-neighbor
// queries over it.
//
// # Description
//
// The index is a derived, rebuildable cache keyed off the corpus: the
// corpus source files are authoritative and the index is recomputed
// whenever it is missing, corrupt, tagged with a different schema version,
// or out of step with the corpus document count. It is never hand-edited
// and load failures are recovered by rebuilding, not surfaced.
//
// Vectors are L2-normalized at embed time, so similarity is the inner
// product, which equals cosine similarity: identical content scores 1.0
// and the score range is [-1, 1] ([0, 1] with the non-negative hash
// embedder). Hits with score <= 0 are dropped.
//
// # Concurrency
//
// Mutations are serialized by a mutex and publish a fresh immutable
// snapshot; queries read whatever snapshot is current without blocking
// writers, so a reader never observes a partially-written index.
package vectordb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/casepilot-ai/casepilot/pkg/logging"
	"github.com/casepilot-ai/casepilot/services/embed"
)

// schemaVersion tags the persisted file format. A mismatch on load
// triggers a rebuild instead of a parse attempt.
const schemaVersion = 1

// rebuildParallelism bounds concurrent embedding calls during Rebuild.
const rebuildParallelism = 8

// ErrEmptyIndex is returned by Query when no documents are indexed.
var ErrEmptyIndex = errors.New("vector index is empty")

// Hit is one nearest-neighbor result.
type Hit struct {
	// ID is the document identifier.
	ID string `json:"id"`

	// Score is the cosine similarity to the query.
	Score float32 `json:"score"`
}

// Item is a unit of indexable content.
type Item struct {
	ID   string
	Text string
}

// Stats summarizes the index state.
type Stats struct {
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
	Embedder  string `json:"embedder"`
	Path      string `json:"path"`
}

// snapshot is the immutable state queries read. ids preserves insertion
// order, which breaks score ties deterministically across runs.
type snapshot struct {
	ids     []string
	vectors map[string][]float32
}

// indexFile is the on-disk representation.
type indexFile struct {
	SchemaVersion int                  `json:"schema_version"`
	Embedder      string               `json:"embedder"`
	Dimension     int                  `json:"dimension"`
	IDs           []string             `json:"ids"`
	Vectors       map[string][]float32 `json:"vectors"`
}

// Index is a persisted flat vector index with exact cosine search.
type Index struct {
	path     string
	embedder embed.Embedder
	log      *logging.Logger

	mu   sync.RWMutex
	snap *snapshot
}

// New creates an index persisting to path. Call Load before first use to
// pick up previously persisted state.
func New(path string, embedder embed.Embedder, logger *logging.Logger) *Index {
	return &Index{
		path:     path,
		embedder: embedder,
		log:      logger.With("component", "vectordb"),
		snap:     &snapshot{vectors: map[string][]float32{}},
	}
}

// Load reads the persisted index. Any failure — missing file, parse error,
// schema version or embedder mismatch — leaves the index empty and returns
// nil: the index is a cache, and the caller's staleness check will trigger
// a rebuild from the corpus.
func (i *Index) Load() error {
	data, err := os.ReadFile(i.path)
	if err != nil {
		if !os.IsNotExist(err) {
			i.log.Warn("could not read index file, starting empty", "path", i.path, "error", err)
		}
		return nil
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		i.log.Warn("index file is corrupt, will rebuild", "path", i.path, "error", err)
		return nil
	}
	if file.SchemaVersion != schemaVersion {
		i.log.Warn("index schema version mismatch, will rebuild",
			"found", file.SchemaVersion, "want", schemaVersion)
		return nil
	}
	if file.Embedder != i.embedder.Name() || file.Dimension != i.embedder.Dimensions() {
		i.log.Warn("index embedding function changed, will rebuild",
			"found", file.Embedder, "want", i.embedder.Name())
		return nil
	}
	if len(file.IDs) != len(file.Vectors) {
		i.log.Warn("index file is inconsistent, will rebuild",
			"ids", len(file.IDs), "vectors", len(file.Vectors))
		return nil
	}
	for _, id := range file.IDs {
		if v, ok := file.Vectors[id]; !ok || len(v) != file.Dimension {
			i.log.Warn("index file has a truncated vector, will rebuild",
				"id", id, "length", len(file.Vectors[id]), "want", file.Dimension)
			return nil
		}
	}

	i.mu.Lock()
	i.snap = &snapshot{ids: file.IDs, vectors: file.Vectors}
	i.mu.Unlock()

	i.log.Info("loaded vector index", "documents", len(file.IDs))
	return nil
}

// Stale reports whether the index disagrees with the corpus document
// count and should be rebuilt.
func (i *Index) Stale(corpusCount int) bool {
	return i.Count() != corpusCount
}

// Count returns the number of indexed documents.
func (i *Index) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.snap.ids)
}

// Stats returns a summary of the index state.
func (i *Index) Stats() Stats {
	return Stats{
		Documents: i.Count(),
		Dimension: i.embedder.Dimensions(),
		Embedder:  i.embedder.Name(),
		Path:      i.path,
	}
}

// Add embeds the item and inserts or replaces its entry, then persists.
// Replacing keeps the original insertion position so tie-breaking stays
// stable across updates.
func (i *Index) Add(ctx context.Context, item Item) error {
	vector, err := i.embedder.Embed(ctx, item.Text)
	if err != nil {
		return fmt.Errorf("embed document %s: %w", item.ID, err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	next := i.snap.clone()
	if _, exists := next.vectors[item.ID]; !exists {
		next.ids = append(next.ids, item.ID)
	}
	next.vectors[item.ID] = vector
	return i.publishLocked(next)
}

// Remove drops the entry for id, if present, then persists.
func (i *Index) Remove(id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, exists := i.snap.vectors[id]; !exists {
		return nil
	}
	next := i.snap.clone()
	delete(next.vectors, id)
	for n, existing := range next.ids {
		if existing == id {
			next.ids = append(next.ids[:n:n], next.ids[n+1:]...)
			break
		}
	}
	return i.publishLocked(next)
}

// Rebuild discards the index and recomputes embeddings for the full
// corpus, then persists. Embeddings run in parallel with bounded
// concurrency; item order is preserved.
func (i *Index) Rebuild(ctx context.Context, items []Item) error {
	vectors := make([][]float32, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rebuildParallelism)
	for n, item := range items {
		n, item := n, item
		g.Go(func() error {
			v, err := i.embedder.Embed(gctx, item.Text)
			if err != nil {
				return fmt.Errorf("embed document %s: %w", item.ID, err)
			}
			vectors[n] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	next := &snapshot{
		ids:     make([]string, 0, len(items)),
		vectors: make(map[string][]float32, len(items)),
	}
	for n, item := range items {
		next.ids = append(next.ids, item.ID)
		next.vectors[item.ID] = vectors[n]
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.publishLocked(next); err != nil {
		return err
	}
	i.log.Info("rebuilt vector index", "documents", len(items))
	return nil
}

// Query embeds text with the index's embedding function and returns the k
// nearest stored vectors by cosine similarity, descending. Ties keep
// insertion order. Hits with score <= 0 are dropped. Returns ErrEmptyIndex
// when nothing is indexed.
func (i *Index) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	i.mu.RLock()
	snap := i.snap
	i.mu.RUnlock()

	if len(snap.ids) == 0 {
		return nil, ErrEmptyIndex
	}

	query, err := i.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits := make([]Hit, 0, len(snap.ids))
	for _, id := range snap.ids {
		score := dot(query, snap.vectors[id])
		if score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}

	// Stable sort keeps insertion order for equal scores.
	sort.SliceStable(hits, func(a, b int) bool { return hits[a].Score > hits[b].Score })

	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// publishLocked persists next and makes it the current snapshot. Persist
// failure keeps the previous snapshot so memory and disk stay consistent.
// Caller holds the write lock.
func (i *Index) publishLocked(next *snapshot) error {
	if err := i.persist(next); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	i.snap = next
	return nil
}

// persist writes the snapshot atomically (temp file + rename).
func (i *Index) persist(snap *snapshot) error {
	if dir := filepath.Dir(i.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
	}

	data, err := json.Marshal(indexFile{
		SchemaVersion: schemaVersion,
		Embedder:      i.embedder.Name(),
		Dimension:     i.embedder.Dimensions(),
		IDs:           snap.ids,
		Vectors:       snap.vectors,
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(i.path), ".vectors-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), i.path)
}

// clone copies a snapshot for copy-on-write mutation.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		ids:     append([]string(nil), s.ids...),
		vectors: make(map[string][]float32, len(s.vectors)),
	}
	for id, v := range s.vectors {
		next.vectors[id] = v
	}
	return next
}

// dot computes the inner product over the shared prefix of a and b.
// Lengths always match for vectors that pass Load's dimension check, but
// a mismatch must not be able to take down a query.
func dot(a, b []float32) float32 {
	if len(b) < len(a) {
		a = a[:len(b)]
	}
	var sum float32
	for n := range a {
		sum += a[n] * b[n]
	}
	return sum
}
