// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTemplate writes a minimal workflow template referencing the given models.
func writeTemplate(t *testing.T, dir, name string, refs ...ModelRef) string {
	t.Helper()

	nodes := ""
	for i, ref := range refs {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"type":"Loader","properties":{"models":[{"name":%q,"directory":%q,"url":%q}]}}`,
			ref.Name, ref.Directory, ref.URL)
	}
	content := fmt.Sprintf(`{"version":1,"nodes":[%s]}`, nodes)

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	return path
}

func newTestIndex(t *testing.T, dir string) *Index {
	t.Helper()
	source := NewDirectorySource([]string{dir}, nil)
	return NewIndex(source, filepath.Join(t.TempDir(), "index.json"), nil)
}

func TestIndex_BuildsFromCorpus(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "flux_basic.json", ModelRef{
		Name:      "model.safetensors",
		Directory: "vae",
		URL:       "https://example.org/a/b/resolve/main/vae/model.safetensors",
	})

	ix := newTestIndex(t, dir)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	entry, ok := snap.Lookup("vae", "model.safetensors")
	require.True(t, ok)
	assert.Contains(t, entry.URLs, "https://example.org/a/b/resolve/main/vae/model.safetensors")
	assert.Contains(t, entry.Sources, "flux_basic.json")

	_, ok = snap.Lookup("vae", "other.safetensors")
	assert.False(t, ok)
}

func TestIndex_MergesReferencesAcrossTemplates(t *testing.T) {
	dir := t.TempDir()
	ref := ModelRef{
		Name:      "sd_xl_base.safetensors",
		Directory: "checkpoints",
		URL:       "https://example.org/repo/resolve/main/sd_xl_base.safetensors",
	}
	writeTemplate(t, dir, "one.json", ref)
	ref.URL = "https://mirror.example.net/sd_xl_base.safetensors"
	writeTemplate(t, dir, "two.json", ref)

	ix := newTestIndex(t, dir)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	entry, ok := snap.Lookup("checkpoints", "sd_xl_base.safetensors")
	require.True(t, ok)
	assert.Len(t, entry.URLs, 2)
	assert.Len(t, entry.Sources, 2)
}

func TestIndex_SkipsMalformedDocuments(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "good.json", ModelRef{
		Name: "v.pt", Directory: "vae", URL: "https://example.org/v.pt",
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0640))

	ix := newTestIndex(t, dir)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err, "a single bad document must not abort the rebuild")

	_, ok := snap.Lookup("vae", "v.pt")
	assert.True(t, ok)
	assert.Equal(t, 1, snap.Len())
}

func TestIndex_DropsIncompleteReferences(t *testing.T) {
	dir := t.TempDir()
	content := `{"nodes":[{"properties":{"models":[
		{"name":"","directory":"vae","url":"https://example.org/x"},
		{"name":"ok.pt","directory":"","url":"https://example.org/y"},
		{"name":"ok.pt","directory":"vae","url":""},
		{"name":"ok.pt","directory":"vae","url":"https://example.org/ok.pt"}
	]}}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mixed.json"), []byte(content), 0640))

	ix := newTestIndex(t, dir)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Len())
	entry, ok := snap.Lookup("vae", "ok.pt")
	require.True(t, ok)
	assert.Len(t, entry.URLs, 1)
}

func TestIndex_RebuildIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.safetensors", Directory: "loras", URL: "https://example.org/m1"},
		ModelRef{Name: "m2.safetensors", Directory: "vae", URL: "https://example.org/m2"},
	)

	ix := newTestIndex(t, dir)
	first, err := ix.Rebuild(context.Background())
	require.NoError(t, err)
	second, err := ix.Rebuild(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.Keys(), second.Keys())
	for _, key := range first.Keys() {
		e1, _ := first.Lookup(key.Directory, key.Filename)
		e2, _ := second.Lookup(key.Directory, key.Filename)
		assert.Equal(t, e1.URLs, e2.URLs)
		assert.Equal(t, e1.Sources, e2.Sources)
	}
}

func TestIndex_RebuildsWhenCorpusChanges(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	ix := newTestIndex(t, dir)
	snap1, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	// New template with a future mtime forces staleness.
	path := writeTemplate(t, dir, "b.json",
		ModelRef{Name: "m2.pt", Directory: "vae", URL: "https://example.org/m2"})
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	snap2, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, snap1.Len())
	assert.Equal(t, 2, snap2.Len())
	_, ok := snap2.Lookup("vae", "m2.pt")
	assert.True(t, ok)
}

func TestIndex_UnchangedCorpusReusesSnapshot(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	ix := newTestIndex(t, dir)
	snap1, err := ix.Snapshot(context.Background())
	require.NoError(t, err)
	snap2, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Same(t, snap1, snap2, "unchanged corpus must not trigger a rebuild")
}

func TestIndex_InvalidateForcesRebuild(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	ix := newTestIndex(t, dir)
	snap1, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	ix.Invalidate()
	snap2, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	assert.NotSame(t, snap1, snap2)
	assert.Equal(t, snap1.Keys(), snap2.Keys())
}

// hookedSource records when enumeration ran and optionally fires a
// callback mid-scan, modeling corpus activity concurrent with a rebuild.
type hookedSource struct {
	inner        CorpusSource
	hook         func()
	enumeratedAt time.Time
}

func (s *hookedSource) Documents(ctx context.Context) ([]Document, error) {
	s.enumeratedAt = time.Now()
	if s.hook != nil {
		s.hook()
	}
	if s.inner == nil {
		return nil, nil
	}
	return s.inner.Documents(ctx)
}

// A template edited while the scan runs must compare newer than the
// snapshot, so the build timestamp has to precede enumeration.
func TestIndex_RebuildTimestampPrecedesScan(t *testing.T) {
	src := &hookedSource{}
	ix := NewIndex(src, "", nil)

	snap, err := ix.Rebuild(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.BuiltAt.After(src.enumeratedAt),
		"BuiltAt must be stamped before the corpus scan starts")
}

func TestIndex_InvalidateDuringRebuildSurvives(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	var ix *Index
	src := &hookedSource{inner: NewDirectorySource([]string{dir}, nil)}
	ix = NewIndex(src, "", nil)
	src.hook = func() { ix.Invalidate() }

	snap1, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	// The mid-scan invalidation must not be swallowed by the rebuild
	// that was already in progress.
	src.hook = nil
	snap2, err := ix.Snapshot(context.Background())
	require.NoError(t, err)
	assert.NotSame(t, snap1, snap2)
}

func TestIndex_PersistsAndReloadsSideFile(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	sidePath := filepath.Join(t.TempDir(), "cache", "index.json")
	source := NewDirectorySource([]string{dir}, nil)

	ix := NewIndex(source, sidePath, nil)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	// A fresh Index (as after a restart) must load the side file and,
	// with an unchanged corpus, serve it without rebuilding.
	restarted := NewIndex(source, sidePath, nil)
	reloaded, err := restarted.Snapshot(context.Background())
	require.NoError(t, err)

	assert.Equal(t, snap.Keys(), reloaded.Keys())
	assert.WithinDuration(t, snap.BuiltAt, reloaded.BuiltAt, time.Second)
}

func TestIndex_CorruptSideFileIsDiscarded(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	sidePath := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(sidePath, []byte("garbage"), 0640))

	ix := NewIndex(NewDirectorySource([]string{dir}, nil), sidePath, nil)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
}

func TestIndex_SnapshotWriteFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	// Point the side file inside a file, so MkdirAll/WriteFile must fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0640))
	sidePath := filepath.Join(blocker, "index.json")

	ix := NewIndex(NewDirectorySource([]string{dir}, nil), sidePath, nil)
	snap, err := ix.Snapshot(context.Background())
	require.NoError(t, err, "persistence failure must not fail the rebuild")
	assert.Equal(t, 1, snap.Len())
}

func TestCorpusWatcher_InvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "a.json",
		ModelRef{Name: "m1.pt", Directory: "vae", URL: "https://example.org/m1"})

	ix := newTestIndex(t, dir)
	snap1, err := ix.Snapshot(context.Background())
	require.NoError(t, err)

	watcher := NewCorpusWatcher(ix, []string{dir}, nil)
	require.NoError(t, watcher.Start(context.Background()))
	defer watcher.Stop()

	writeTemplate(t, dir, "b.json",
		ModelRef{Name: "m2.pt", Directory: "vae", URL: "https://example.org/m2"})

	require.Eventually(t, func() bool {
		snap, err := ix.Snapshot(context.Background())
		return err == nil && snap != snap1 && snap.Len() == 2
	}, 5*time.Second, 50*time.Millisecond, "watcher should invalidate and pick up the new template")
}
