// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

/*
Package workflows builds the zero-trust allowlist from trusted workflow
templates and validates installation requests against it.

# Problem Statement

The installer downloads multi-gigabyte binaries to local disk on request.
Accepting arbitrary URLs would turn it into an arbitrary-file-write
primitive. The trusted corpus of workflow templates shipped with template
packages is the only source of legitimate (URL, folder category,
filename) triples, so every install request must be checked against an
index built from that corpus and nothing else.

# Components

	CorpusSource     enumerate trusted documents (name, mtime, content)
	Index            (category, filename) → {allowed URLs, source templates}
	Validator        fail-closed request gate consuming the Index

# Corpus Polymorphism

Templates may live in local directories (shipped with the host) or in a
packaged bundle in object storage (synced template packs). Both are hidden
behind CorpusSource so the index builder never knows where documents
physically live.
*/
package workflows

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// Document is one trusted corpus document.
//
// The content is opened lazily: staleness checks only need names and
// modification times, and a corpus can hold hundreds of templates.
type Document struct {
	// Name identifies the document (file name or object name).
	Name string

	// ModTime is the document's last modification time, used for
	// cheap staleness detection on the install hot path.
	ModTime time.Time

	open func(ctx context.Context) (io.ReadCloser, error)
}

// Open returns the document content for reading.
func (d Document) Open(ctx context.Context) (io.ReadCloser, error) {
	return d.open(ctx)
}

// CorpusSource enumerates the trusted template documents.
//
// Implementations must be safe for concurrent use; Documents is called
// from the install hot path (staleness check) as well as from rebuilds.
type CorpusSource interface {
	Documents(ctx context.Context) ([]Document, error)
}

// =============================================================================
// Directory Source
// =============================================================================

// DirectorySource reads templates from local directories.
type DirectorySource struct {
	dirs   []string
	logger *logging.Logger
}

// NewDirectorySource creates a source over one or more template directories.
// Directories that do not exist (an uninstalled template pack) are skipped
// at enumeration time with a log line, not treated as errors.
func NewDirectorySource(dirs []string, logger *logging.Logger) *DirectorySource {
	if logger == nil {
		logger = logging.Default()
	}
	return &DirectorySource{dirs: dirs, logger: logger}
}

// Documents lists every *.json template under the configured directories.
func (s *DirectorySource) Documents(ctx context.Context) ([]Document, error) {
	var docs []Document
	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Debug("template directory absent, skipping", "dir", dir)
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				s.logger.Warn("cannot stat template, skipping", "dir", dir, "name", entry.Name(), "error", err)
				continue
			}
			path := filepath.Join(dir, entry.Name())
			docs = append(docs, Document{
				Name:    entry.Name(),
				ModTime: info.ModTime(),
				open: func(ctx context.Context) (io.ReadCloser, error) {
					return os.Open(path)
				},
			})
		}
	}
	return docs, nil
}

// Dirs returns the directories this source reads, for watcher setup.
func (s *DirectorySource) Dirs() []string {
	return append([]string(nil), s.dirs...)
}
