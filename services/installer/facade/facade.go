// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package facade composes validation, storage selection, and downloading
// into the installer's public operations.
//
// # Problem Statement
//
// The HTTP layer needs four operations (probe, status, install,
// uninstall), but the safety properties live in the composition, not in
// any single collaborator: the validator must run before any path is
// resolved, the capacity check before any byte is fetched, and the auth
// pre-check before a doomed multi-gigabyte transfer is queued.
//
// # Solution
//
//	Install:
//	  validator gate ──> size probe ──> root selection ──> capacity
//	      │                                                    │
//	   deny = 403                                          507 + shortfall
//	      └──> safe join ──> auth pre-check ──> queue, return 202-style
//
// A destination moves through absent → queued → downloading → installed,
// with failed reachable from the two transfer states via the history
// record the fetch goroutine writes.
package facade

import (
	"context"
	"errors"
	neturl "net/url"
	"os"
	"strings"

	"github.com/ModelHarborAI/ModelHarbor/pkg/logging"
	"github.com/ModelHarborAI/ModelHarbor/pkg/pathsafety"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/download"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/history"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/metrics"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/registry"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/storage"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/workflows"
)

// State is the lifecycle phase of a model destination.
type State string

const (
	StateAbsent      State = "absent"
	StateQueued      State = "queued"
	StateDownloading State = "downloading"
	StateInstalled   State = "installed"
	StateFailed      State = "failed"
)

// gatedProviderName is the human-readable provider identifier used in
// auth-required responses.
const gatedProviderName = "huggingface"

// StatusReport describes a destination's current state.
type StatusReport struct {
	State    State
	Present  bool
	Size     int64
	Expected int64
	Folder   string
	Path     string
	// Error is the recorded failure reason when State is StateFailed.
	Error string
}

// InstallResult is returned when a fetch has been queued.
type InstallResult struct {
	Folder   string
	Path     string
	Expected int64
}

// UninstallResult reports the outcome of an uninstall.
type UninstallResult struct {
	// Removed is false when the file was already absent.
	Removed bool
	Path    string
}

// Installer composes the collaborators behind the installer API.
type Installer struct {
	validator *workflows.Validator
	registry  *registry.Registry
	selector  *storage.Selector
	downloads *download.Manager
	history   *history.Store
	logger    *logging.Logger
}

// New wires an Installer from its collaborators. history may be nil.
func New(
	validator *workflows.Validator,
	reg *registry.Registry,
	selector *storage.Selector,
	downloads *download.Manager,
	hist *history.Store,
	logger *logging.Logger,
) *Installer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Installer{
		validator: validator,
		registry:  reg,
		selector:  selector,
		downloads: downloads,
		history:   hist,
		logger:    logger,
	}
}

// resolvePrimaryPath joins filename onto the category's primary root.
func (ins *Installer) resolvePrimaryPath(category, filename string) (root, dest string, ierr *InstallError) {
	root, ok := ins.registry.PrimaryRoot(category)
	if !ok {
		return "", "", unsafePath("unknown model category: " + category)
	}
	dest, err := pathsafety.Join(root, filename)
	if err != nil {
		return "", "", unsafePath(err.Error())
	}
	return root, dest, nil
}

// Status reports the installation state for (category, filename).
//
// A present file whose in-flight expected size exceeds its on-disk size
// is still downloading; a present file otherwise is installed. An absent
// file with an active transfer entry is queued. An absent file with a
// recorded fetch failure reports that failure.
func (ins *Installer) Status(ctx context.Context, category, filename string) (StatusReport, error) {
	root, dest, ierr := ins.resolvePrimaryPath(category, filename)
	if ierr != nil {
		return StatusReport{}, ierr
	}

	report := StatusReport{Folder: root, Path: dest}

	expected, active := ins.downloads.ActiveExpected(dest)
	report.Expected = expected

	info, err := os.Stat(dest)
	switch {
	case err == nil:
		report.Present = true
		report.Size = info.Size()
		if active && expected > info.Size() {
			report.State = StateDownloading
		} else {
			report.State = StateInstalled
		}
	case errors.Is(err, os.ErrNotExist):
		if active {
			report.State = StateQueued
			break
		}
		if ins.history != nil {
			if rec, failed := ins.history.LastFailure(dest); failed {
				report.State = StateFailed
				report.Error = rec.Reason
				break
			}
		}
		report.State = StateAbsent
	default:
		return StatusReport{}, internalError(err.Error())
	}

	return report, nil
}

// resolveRef fills a missing category or filename from the URL itself.
// Workflow UIs often submit only the download link; the filename then
// comes from the URL basename and the category from the first path
// segment matching a registered folder. Explicit fields stay
// authoritative when given, and anything still blank afterwards is
// denied by the validator.
func (ins *Installer) resolveRef(rawURL, category, filename string) (string, string) {
	if category != "" && filename != "" {
		return category, filename
	}
	u, err := neturl.Parse(rawURL)
	if err != nil {
		return category, filename
	}
	segments := strings.Split(strings.Trim(u.Path, "/"), "/")

	if filename == "" {
		filename = segments[len(segments)-1]
	}
	if category == "" {
		known := make(map[string]struct{})
		for _, c := range ins.registry.Categories() {
			known[c] = struct{}{}
		}
		for _, seg := range segments {
			if _, ok := known[seg]; ok {
				category = seg
				break
			}
		}
	}
	return category, filename
}

// Install validates, sizes, places, and queues a model download. It
// returns as soon as the fetch is queued; progress is observed through
// Status.
//
// category and filename may be empty, in which case they are resolved
// from the URL path. userRoot, when non-empty, overrides automatic root
// selection but is still capacity-checked and traversal-checked.
func (ins *Installer) Install(ctx context.Context, url, category, filename, userRoot string) (InstallResult, error) {
	category, filename = ins.resolveRef(url, category, filename)
	if !ins.validator.Validate(ctx, url, category, filename) {
		metrics.ValidationsDenied.Inc()
		return InstallResult{}, validationDenied(category, filename)
	}

	expected, err := ins.downloads.ProbeExpectedSize(ctx, url)
	if err != nil {
		return InstallResult{}, networkTransient(err.Error())
	}

	root := userRoot
	if root == "" {
		chosen, ok := ins.selector.ChooseBest(ctx, category)
		if !ok {
			return InstallResult{}, storageInsufficient("no usable storage root for category " + category)
		}
		root = chosen
	}

	if ok, reason := ins.selector.ValidateCapacity(root, expected); !ok {
		return InstallResult{}, storageInsufficient(reason)
	}

	dest, err := pathsafety.Join(root, filename)
	if err != nil {
		return InstallResult{}, unsafePath(err.Error())
	}

	if ins.downloads.IsGatedURL(url) && !ins.downloads.CheckAuthorization(ctx, url) {
		return InstallResult{}, authRequired(gatedProviderName)
	}

	ins.downloads.Queue(url, dest, expected)
	ins.logger.Info("install queued",
		"category", category,
		"filename", filename,
		"root", root,
		"expected_bytes", expected,
	)
	return InstallResult{Folder: root, Path: dest, Expected: expected}, nil
}

// Uninstall removes the installed file for (category, filename).
// Removing an absent file succeeds with Removed=false.
func (ins *Installer) Uninstall(ctx context.Context, category, filename string) (UninstallResult, error) {
	_, dest, ierr := ins.resolvePrimaryPath(category, filename)
	if ierr != nil {
		return UninstallResult{}, ierr
	}

	err := os.Remove(dest)
	switch {
	case err == nil:
		ins.logger.Info("model uninstalled", "category", category, "filename", filename)
		return UninstallResult{Removed: true, Path: dest}, nil
	case errors.Is(err, os.ErrNotExist):
		return UninstallResult{Removed: false, Path: dest}, nil
	default:
		return UninstallResult{}, internalError(err.Error())
	}
}

// ProbeExpectedSize reports the artifact size for a URL, 0 when it
// cannot be determined. The size endpoint is best-effort and never
// fails the request over a probe error.
func (ins *Installer) ProbeExpectedSize(ctx context.Context, url string) int64 {
	size, err := ins.downloads.ProbeExpectedSize(ctx, url)
	if err != nil {
		ins.logger.Debug("size probe failed", "error", err)
		return 0
	}
	return size
}

// ValidatorStats exposes index freshness counters for the health
// endpoint.
func (ins *Installer) ValidatorStats() workflows.Stats {
	return ins.validator.Stats()
}

// Authenticated reports whether a provider token is stored.
func (ins *Installer) Authenticated() bool {
	return ins.downloads.Authenticated()
}

// SetToken replaces the stored provider token. Empty clears it. The
// token value itself is never logged.
func (ins *Installer) SetToken(token string) {
	ins.downloads.SetToken(token)
	ins.logger.Info("provider token updated", "authenticated", ins.downloads.Authenticated())
}
