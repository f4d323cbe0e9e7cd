// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package storage selects a destination root for an incoming artifact.

# Problem Statement

A folder category may be served by several roots (an internal SSD and one
or more external drives). Model artifacts run from hundreds of megabytes to
tens of gigabytes, so the installer must place each download where it
actually fits, and must refuse up front when nothing does.

# Solution

Selector probes every registered root for free space at decision time and
picks the root with the most headroom:

	ListCandidates(ctx, category)      → free/total per root
	ChooseBest(ctx, category)          → root with maximal free space
	ValidateCapacity(root, expected)   → headroom check incl. safety margin

Candidates are computed per call and never cached: free space changes
continuously while downloads are streaming.

# Tie-Breaking

When two roots report identical free space the earlier root in registry
(configuration) order wins, keeping the choice deterministic for a fixed
input order.

# Unknown Sizes

An expected size of zero means the size probe failed; capacity validation
optimistically allows the transfer and the fetch itself surfaces any real
disk-full error.
*/
package storage

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/registry"
)

// ErrNoRoots is returned when a category has no registered roots.
var ErrNoRoots = errors.New("no roots registered for category")

// Candidate is one storage root with its capacity at probe time.
// Candidates are ephemeral; never cache them across calls.
type Candidate struct {
	// Root is the candidate directory.
	Root string

	// FreeBytes is the space available to unprivileged writers.
	FreeBytes uint64

	// TotalBytes is the filesystem size.
	TotalBytes uint64
}

// Selector picks destination roots by available capacity.
type Selector struct {
	registry     *registry.Registry
	probe        registry.CapacityProbe
	safetyMargin int64
	logger       *logging.Logger
}

// NewSelector creates a Selector.
//
// safetyMarginBytes is headroom that must remain free beyond an expected
// transfer size; it absorbs probe inaccuracy and concurrent writers.
func NewSelector(reg *registry.Registry, probe registry.CapacityProbe, safetyMarginBytes int64, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Selector{
		registry:     reg,
		probe:        probe,
		safetyMargin: safetyMarginBytes,
		logger:       logger,
	}
}

// ListCandidates probes every root registered for category.
//
// Roots are probed concurrently; an inaccessible root (unmounted drive,
// stale config entry) is logged and omitted rather than failing the whole
// listing. The result preserves registry order.
func (s *Selector) ListCandidates(ctx context.Context, category string) ([]Candidate, error) {
	roots := s.registry.Roots(category)
	if roots == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoots, category)
	}

	results := make([]*Candidate, len(roots))
	g, _ := errgroup.WithContext(ctx)
	for i, root := range roots {
		g.Go(func() error {
			free, total, err := s.probe.Capacity(root)
			if err != nil {
				s.logger.Warn("skipping inaccessible storage root",
					"category", category, "root", root, "error", err)
				return nil
			}
			results[i] = &Candidate{Root: root, FreeBytes: free, TotalBytes: total}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(roots))
	for _, c := range results {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates, nil
}

// ChooseBest returns the registered root with the most free space.
//
// Returns false when the category has no roots or every root is
// inaccessible. Ties resolve to the earlier root in registry order.
func (s *Selector) ChooseBest(ctx context.Context, category string) (string, bool) {
	candidates, err := s.ListCandidates(ctx, category)
	if err != nil || len(candidates) == 0 {
		return "", false
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.FreeBytes > best.FreeBytes {
			best = c
		}
	}
	return best.Root, true
}

// ValidateCapacity checks that root can hold an expected transfer.
//
// An expectedSize of 0 (size unknown) is optimistically allowed. Otherwise
// the root must have expectedSize plus the safety margin free. The returned
// reason is human-readable and safe to surface to callers.
func (s *Selector) ValidateCapacity(root string, expectedSize int64) (bool, string) {
	if expectedSize <= 0 {
		return true, ""
	}

	free, _, err := s.probe.Capacity(root)
	if err != nil {
		return false, fmt.Sprintf("cannot verify free space on %s: %v", root, err)
	}

	required := uint64(expectedSize) + uint64(s.safetyMargin)
	if free <= required {
		shortfall := required - free
		return false, fmt.Sprintf("insufficient space on %s: %s free, %s required (including %s safety margin), short by %s",
			root, humanBytes(free), humanBytes(required), humanBytes(uint64(s.safetyMargin)), humanBytes(shortfall))
	}
	return true, ""
}

// humanBytes renders a byte count for log and error messages.
func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
