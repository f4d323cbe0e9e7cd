// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package metrics exposes Prometheus instrumentation for the installer.
//
// All collectors register on the default registry and are served by the
// /metrics endpoint wired up in main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DownloadsQueued counts fetches accepted for background execution.
	DownloadsQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "downloads_queued_total",
		Help:      "Number of downloads queued for background execution.",
	})

	// DownloadsCompleted counts fetches that wrote their full body.
	DownloadsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "downloads_completed_total",
		Help:      "Number of background downloads that completed successfully.",
	})

	// DownloadsFailed counts fetches that ended in an error.
	DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "downloads_failed_total",
		Help:      "Number of background downloads that failed.",
	})

	// ActiveDownloads tracks fetches currently streaming to disk.
	ActiveDownloads = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "active_downloads",
		Help:      "Number of downloads currently in flight.",
	})

	// BytesDownloaded counts artifact bytes written to disk.
	BytesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "bytes_downloaded_total",
		Help:      "Total artifact bytes written to disk.",
	})

	// ValidationsDenied counts install requests rejected by the template gate.
	ValidationsDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelharbor",
		Subsystem: "installer",
		Name:      "validations_denied_total",
		Help:      "Number of install requests denied by workflow-template validation.",
	})
)
