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

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
)

// Validator is the fail-closed gate in front of every install request.
//
// # Security Context
//
// This is a CRITICAL-RISK component: it is the only thing standing between
// an inbound URL and a streaming write to local disk. Every exit path,
// including internal failures, must resolve to an explicit allow or deny,
// and anything unexpected resolves to deny. There is no "assume allowed"
// default anywhere in this type.
type Validator struct {
	index  *Index
	logger *logging.Logger
}

// NewValidator creates a Validator over the given index.
func NewValidator(index *Index, logger *logging.Logger) *Validator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Validator{index: index, logger: logger}
}

// Validate reports whether (url, directory, filename) is an allowed
// installation request.
//
// The triple is allowed only when the current index has an entry for
// (directory, filename) AND url is an exact member of that entry's
// allowed-URL set. No normalization, no wildcarding: templates vouch for
// exact URLs. Any internal error (corpus unreadable, rebuild failure,
// even a panic) denies.
func (v *Validator) Validate(ctx context.Context, url, directory, filename string) (allowed bool) {
	// Fail closed on panics anywhere below.
	defer func() {
		if r := recover(); r != nil {
			v.logger.Error("validator panic, denying request",
				"directory", directory, "filename", filename, "panic", r)
			allowed = false
		}
	}()

	if url == "" || directory == "" || filename == "" {
		return false
	}

	snap, err := v.index.Snapshot(ctx)
	if err != nil {
		v.logger.Error("validation denied: index unavailable",
			"directory", directory, "filename", filename, "error", err)
		return false
	}

	entry, ok := snap.Lookup(directory, filename)
	if !ok {
		v.logger.Warn("validation denied: model not referenced by any workflow template",
			"directory", directory, "filename", filename)
		return false
	}

	if _, ok := entry.URLs[url]; !ok {
		v.logger.Warn("validation denied: url not vouched for by templates",
			"directory", directory, "filename", filename)
		return false
	}

	return true
}

// Stats exposes index freshness counters for the health endpoint.
func (v *Validator) Stats() Stats {
	return v.index.Stats()
}
