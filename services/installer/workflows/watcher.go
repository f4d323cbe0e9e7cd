// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package workflows

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// defaultDebounceWindow batches a burst of template writes (a pack upgrade
// touches many files) into a single invalidation.
const defaultDebounceWindow = 250 * time.Millisecond

// CorpusWatcher invalidates the index when template files change on disk.
//
// The mtime staleness check in Index remains authoritative; the watcher
// only makes edits visible sooner than the next comparison would. It is
// therefore best-effort: watch setup failures degrade to mtime-only
// staleness detection instead of failing startup.
type CorpusWatcher struct {
	index    *Index
	dirs     []string
	debounce time.Duration
	logger   *logging.Logger

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewCorpusWatcher creates a watcher over the given template directories.
func NewCorpusWatcher(index *Index, dirs []string, logger *logging.Logger) *CorpusWatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &CorpusWatcher{
		index:    index,
		dirs:     dirs,
		debounce: defaultDebounceWindow,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start begins watching. Directories that cannot be watched (absent
// template packs) are skipped with a log line.
func (w *CorpusWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	added := 0
	for _, dir := range w.dirs {
		if err := watcher.Add(dir); err != nil {
			w.logger.Debug("not watching template directory", "dir", dir, "error", err)
			continue
		}
		added++
	}
	if added == 0 {
		watcher.Close()
		w.logger.Warn("no template directories watchable, relying on mtime staleness only")
		return nil
	}

	w.watcher = watcher
	w.watching = true
	go w.loop(ctx)
	w.logger.Info("watching template directories", "count", added)
	return nil
}

// Stop ends watching and releases the underlying watcher.
func (w *CorpusWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.watching = false
		w.mu.Unlock()
	})
}

// loop consumes filesystem events, debounces them, and invalidates the
// index once per burst.
func (w *CorpusWatcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case <-timerC:
			w.logger.Debug("template corpus changed, invalidating index")
			w.index.Invalidate()
			timer = nil
			timerC = nil
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("corpus watcher error", "error", err)
		}
	}
}
