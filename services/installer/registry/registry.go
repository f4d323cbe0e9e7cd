// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package registry maps logical folder categories to filesystem roots and
// probes those roots for capacity.
//
// The host application decides which directories hold which artifact class
// ("checkpoints", "vae", ...); this package is the installer's view of that
// decision. Root order is preserved from configuration: the first root of a
// category is its primary location, and tie-breaks elsewhere rely on this
// order being deterministic.
package registry

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Registry holds the folder-category → root-directory mapping.
//
// The mapping is immutable after construction; a configuration change
// requires building a new Registry.
type Registry struct {
	folders map[string][]string
}

// New builds a Registry from a category → roots map, typically
// config.Global.Storage.Folders.
func New(folders map[string][]string) *Registry {
	copied := make(map[string][]string, len(folders))
	for category, roots := range folders {
		copied[category] = append([]string(nil), roots...)
	}
	return &Registry{folders: copied}
}

// Roots returns the configured roots for a category in configuration order.
// A nil result means the category is not registered.
func (r *Registry) Roots(category string) []string {
	roots, ok := r.folders[category]
	if !ok {
		return nil
	}
	return append([]string(nil), roots...)
}

// PrimaryRoot returns the first configured root for a category.
func (r *Registry) PrimaryRoot(category string) (string, bool) {
	roots := r.folders[category]
	if len(roots) == 0 {
		return "", false
	}
	return roots[0], true
}

// Categories returns all registered categories, sorted for stable output.
func (r *Registry) Categories() []string {
	categories := make([]string, 0, len(r.folders))
	for category := range r.folders {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	return categories
}

// =============================================================================
// Capacity Probe
// =============================================================================

// CapacityProbe reports free and total bytes for a filesystem root.
// Implementations must be safe for concurrent use.
type CapacityProbe interface {
	Capacity(root string) (free, total uint64, err error)
}

// StatfsProbe implements CapacityProbe with unix.Statfs.
//
// The statfs function is injectable so tests can simulate roots with
// arbitrary capacities without touching real filesystems.
type StatfsProbe struct {
	statfsFunc func(path string, stat *unix.Statfs_t) error
}

// NewStatfsProbe returns a probe backed by the real unix.Statfs.
func NewStatfsProbe() *StatfsProbe {
	return &StatfsProbe{statfsFunc: unix.Statfs}
}

// Capacity returns free and total bytes for root.
//
// Free space is Bavail (space available to unprivileged users), not Bfree,
// so reserved filesystem blocks are never counted as usable headroom.
func (p *StatfsProbe) Capacity(root string) (uint64, uint64, error) {
	var stat unix.Statfs_t
	if err := p.statfsFunc(root, &stat); err != nil {
		return 0, 0, fmt.Errorf("statfs failed for %s: %w", root, err)
	}
	free := uint64(stat.Bavail) * uint64(stat.Bsize)
	total := uint64(stat.Blocks) * uint64(stat.Bsize)
	return free, total, nil
}
