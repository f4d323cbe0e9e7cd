// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// maxTemplateBytes bounds how much of a single template document is read.
// Workflow templates are tens of kilobytes; anything larger is suspect.
const maxTemplateBytes = 16 << 20

// ModelRef is one model reference extracted from a workflow template.
type ModelRef struct {
	// Name is the artifact filename (e.g. "sd_xl_base.safetensors").
	Name string `json:"name"`

	// Directory is the folder category (e.g. "checkpoints").
	Directory string `json:"directory"`

	// URL is the download location the template vouches for.
	URL string `json:"url"`
}

// Key identifies an index entry: one artifact within one folder category.
type Key struct {
	Directory string
	Filename  string
}

// Entry holds everything the corpus says about one (category, filename) pair.
// Entries are immutable once built; a rebuild replaces the whole snapshot.
type Entry struct {
	// URLs is the set of download locations the corpus allows.
	URLs map[string]struct{}

	// Sources is the set of template names referencing the artifact.
	Sources map[string]struct{}
}

// Snapshot is an immutable build of the full index.
type Snapshot struct {
	// BuiltAt is when the snapshot was constructed, compared against
	// corpus modification times for staleness.
	BuiltAt time.Time

	entries map[Key]*Entry
}

// Lookup returns the entry for (directory, filename), if any.
func (s *Snapshot) Lookup(directory, filename string) (*Entry, bool) {
	e, ok := s.entries[Key{Directory: directory, Filename: filename}]
	return e, ok
}

// Len returns the number of indexed (category, filename) pairs.
func (s *Snapshot) Len() int {
	return len(s.entries)
}

// Keys returns all indexed keys, sorted, for tests and diagnostics.
func (s *Snapshot) Keys() []Key {
	keys := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Directory != keys[j].Directory {
			return keys[i].Directory < keys[j].Directory
		}
		return keys[i].Filename < keys[j].Filename
	})
	return keys
}

// Stats summarizes a snapshot for the health endpoint. It never exposes
// index contents, only counts and freshness.
type Stats struct {
	Entries int       `json:"entries"`
	Sources int       `json:"sources"`
	BuiltAt time.Time `json:"built_at"`
}

// =============================================================================
// Index
// =============================================================================

// Index owns the current snapshot and rebuilds it when the corpus changes.
//
// # Staleness
//
// A snapshot is stale when any corpus document's modification time is newer
// than the snapshot's build time. The check is a timestamp comparison over
// the document listing, cheap enough for the install hot path. A directory
// watcher additionally invalidates the snapshot eagerly so edits are picked
// up without waiting for the next mtime comparison.
//
// # Persistence
//
// Snapshots are serialized to a JSON side file for reuse across restarts.
// A write failure is logged and otherwise ignored: the in-memory snapshot
// remains fully usable.
//
// # Thread Safety
//
// Safe for concurrent use. Lookups take a read lock on the snapshot
// pointer; rebuilds swap the pointer wholesale under the write lock, so a
// lookup in progress always sees a complete snapshot.
type Index struct {
	source       CorpusSource
	snapshotPath string
	logger       *logging.Logger

	mu          sync.RWMutex
	current     *Snapshot
	invalidated atomic.Bool
	loadedDisk  bool
}

// NewIndex creates an Index over the given corpus source.
//
// snapshotPath is the side file for persistence; empty disables it.
func NewIndex(source CorpusSource, snapshotPath string, logger *logging.Logger) *Index {
	if logger == nil {
		logger = logging.Default()
	}
	return &Index{
		source:       source,
		snapshotPath: snapshotPath,
		logger:       logger,
	}
}

// Snapshot returns the current snapshot, rebuilding first when it is
// absent or stale.
func (ix *Index) Snapshot(ctx context.Context) (*Snapshot, error) {
	ix.mu.RLock()
	current := ix.current
	ix.mu.RUnlock()

	if current == nil {
		ix.mu.Lock()
		if ix.current == nil && !ix.loadedDisk {
			ix.loadedDisk = true
			if snap := ix.loadFromDisk(); snap != nil {
				ix.current = snap
			}
		}
		current = ix.current
		ix.mu.Unlock()
	}

	if current != nil && !ix.invalidated.Load() {
		stale, err := ix.isStale(ctx, current)
		if err != nil {
			return nil, err
		}
		if !stale {
			return current, nil
		}
	}

	return ix.Rebuild(ctx)
}

// isStale reports whether any corpus document is newer than the snapshot.
func (ix *Index) isStale(ctx context.Context, snap *Snapshot) (bool, error) {
	docs, err := ix.source.Documents(ctx)
	if err != nil {
		return false, fmt.Errorf("corpus enumeration failed: %w", err)
	}
	for _, doc := range docs {
		if doc.ModTime.After(snap.BuiltAt) {
			return true, nil
		}
	}
	return false, nil
}

// Rebuild scans the whole corpus and swaps in a fresh snapshot.
//
// A malformed document is skipped with a diagnostic; only a failure to
// enumerate the corpus itself aborts the rebuild. Rebuilding with an
// unchanged corpus yields identical key and URL sets.
func (ix *Index) Rebuild(ctx context.Context) (*Snapshot, error) {
	// Stamp before the scan and clear the invalidation flag up front: a
	// template edited (or an Invalidate landing) while the scan runs must
	// register as stale on the next Snapshot call.
	builtAt := time.Now()
	ix.invalidated.Store(false)

	docs, err := ix.source.Documents(ctx)
	if err != nil {
		ix.invalidated.Store(true)
		return nil, fmt.Errorf("corpus enumeration failed: %w", err)
	}

	entries := make(map[Key]*Entry)
	parsed := 0
	for _, doc := range docs {
		refs, err := ix.extractRefs(ctx, doc)
		if err != nil {
			ix.logger.Warn("skipping malformed workflow template",
				"template", doc.Name, "error", err)
			continue
		}
		parsed++
		for _, ref := range refs {
			key := Key{Directory: ref.Directory, Filename: ref.Name}
			entry, ok := entries[key]
			if !ok {
				entry = &Entry{
					URLs:    make(map[string]struct{}),
					Sources: make(map[string]struct{}),
				}
				entries[key] = entry
			}
			entry.URLs[ref.URL] = struct{}{}
			entry.Sources[doc.Name] = struct{}{}
		}
	}

	snap := &Snapshot{
		BuiltAt: builtAt,
		entries: entries,
	}

	ix.mu.Lock()
	ix.current = snap
	ix.mu.Unlock()

	ix.logger.Info("workflow index rebuilt",
		"templates", parsed, "skipped", len(docs)-parsed, "entries", len(entries))

	ix.persist(snap)
	return snap, nil
}

// Invalidate marks the current snapshot stale. Called by the corpus
// watcher; the next Snapshot call rebuilds.
func (ix *Index) Invalidate() {
	ix.invalidated.Store(true)
}

// Stats returns counts for the current snapshot without rebuilding.
func (ix *Index) Stats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.current == nil {
		return Stats{}
	}
	sources := make(map[string]struct{})
	for _, entry := range ix.current.entries {
		for src := range entry.Sources {
			sources[src] = struct{}{}
		}
	}
	return Stats{
		Entries: ix.current.Len(),
		Sources: len(sources),
		BuiltAt: ix.current.BuiltAt,
	}
}

// -----------------------------------------------------------------------------
// Template Parsing
// -----------------------------------------------------------------------------

// templateDocument mirrors the host's workflow template format: a node
// graph where each node may declare the models it depends on under
// properties.models.
type templateDocument struct {
	Nodes []templateNode `json:"nodes"`
}

type templateNode struct {
	Properties struct {
		Models []ModelRef `json:"models"`
	} `json:"properties"`
}

// extractRefs parses one template and returns its complete model references.
// References missing a name, directory, or URL are dropped individually.
func (ix *Index) extractRefs(ctx context.Context, doc Document) ([]ModelRef, error) {
	rc, err := doc.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, maxTemplateBytes))
	if err != nil {
		return nil, err
	}

	var tmpl templateDocument
	if err := json.Unmarshal(data, &tmpl); err != nil {
		return nil, err
	}

	var refs []ModelRef
	for _, node := range tmpl.Nodes {
		for _, ref := range node.Properties.Models {
			if ref.Name == "" || ref.Directory == "" || ref.URL == "" {
				ix.logger.Debug("dropping incomplete model reference",
					"template", doc.Name, "name", ref.Name, "directory", ref.Directory)
				continue
			}
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

// -----------------------------------------------------------------------------
// Side-File Persistence
// -----------------------------------------------------------------------------

type persistedSnapshot struct {
	BuiltAt time.Time                 `json:"built_at"`
	Entries map[string]persistedEntry `json:"entries"`
}

type persistedEntry struct {
	URLs    []string `json:"urls"`
	Sources []string `json:"sources"`
}

// persistKey flattens a Key for JSON map use. The separator cannot occur
// in a folder category, so the mapping is unambiguous.
func persistKey(k Key) string {
	return k.Directory + "\x00" + k.Filename
}

func parsePersistKey(s string) (Key, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return Key{Directory: s[:i], Filename: s[i+1:]}, true
		}
	}
	return Key{}, false
}

// persist writes the snapshot side file. Failure is non-fatal.
func (ix *Index) persist(snap *Snapshot) {
	if ix.snapshotPath == "" {
		return
	}

	out := persistedSnapshot{
		BuiltAt: snap.BuiltAt,
		Entries: make(map[string]persistedEntry, len(snap.entries)),
	}
	for key, entry := range snap.entries {
		pe := persistedEntry{
			URLs:    make([]string, 0, len(entry.URLs)),
			Sources: make([]string, 0, len(entry.Sources)),
		}
		for u := range entry.URLs {
			pe.URLs = append(pe.URLs, u)
		}
		for s := range entry.Sources {
			pe.Sources = append(pe.Sources, s)
		}
		sort.Strings(pe.URLs)
		sort.Strings(pe.Sources)
		out.Entries[persistKey(key)] = pe
	}

	data, err := json.Marshal(out)
	if err != nil {
		ix.logger.Warn("cannot serialize index snapshot", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(ix.snapshotPath), 0750); err != nil {
		ix.logger.Warn("cannot create snapshot directory", "path", ix.snapshotPath, "error", err)
		return
	}
	if err := os.WriteFile(ix.snapshotPath, data, 0640); err != nil {
		ix.logger.Warn("cannot write index snapshot side file", "path", ix.snapshotPath, "error", err)
	}
}

// loadFromDisk restores a persisted snapshot, or nil when absent/corrupt.
// A corrupt side file is discarded; the corpus is the source of truth.
func (ix *Index) loadFromDisk() *Snapshot {
	if ix.snapshotPath == "" {
		return nil
	}
	data, err := os.ReadFile(ix.snapshotPath)
	if err != nil {
		return nil
	}

	var in persistedSnapshot
	if err := json.Unmarshal(data, &in); err != nil {
		ix.logger.Warn("discarding corrupt index snapshot side file",
			"path", ix.snapshotPath, "error", err)
		return nil
	}

	entries := make(map[Key]*Entry, len(in.Entries))
	for flat, pe := range in.Entries {
		key, ok := parsePersistKey(flat)
		if !ok {
			ix.logger.Warn("discarding index snapshot with malformed key", "path", ix.snapshotPath)
			return nil
		}
		entry := &Entry{
			URLs:    make(map[string]struct{}, len(pe.URLs)),
			Sources: make(map[string]struct{}, len(pe.Sources)),
		}
		for _, u := range pe.URLs {
			entry.URLs[u] = struct{}{}
		}
		for _, s := range pe.Sources {
			entry.Sources[s] = struct{}{}
		}
		entries[key] = entry
	}

	ix.logger.Info("loaded index snapshot from side file",
		"path", ix.snapshotPath, "entries", len(entries), "built_at", in.BuiltAt)
	return &Snapshot{BuiltAt: in.BuiltAt, entries: entries}
}
