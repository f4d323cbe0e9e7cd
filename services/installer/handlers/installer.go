// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers for the installer API.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/datatypes"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/facade"
)

var registerValidationsOnce sync.Once

// RegisterValidations installs the custom binding validators. Call once
// before serving requests.
//
// "artifactname" rejects filenames carrying path separators or parent
// references at the binding layer; the path-safety join remains the
// authoritative check behind it.
func RegisterValidations() {
	registerValidationsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterValidation("artifactname", func(fl validator.FieldLevel) bool {
			name := fl.Field().String()
			if name == "" || strings.Contains(name, "..") {
				return false
			}
			return !strings.ContainsAny(name, `/\`)
		})
	})
}

// writeError renders a facade error with its mapped status; anything
// else becomes a 500.
func writeError(c *gin.Context, err error) {
	var ierr *facade.InstallError
	if errors.As(err, &ierr) {
		c.JSON(ierr.HTTPStatus(), datatypes.ErrorResponse{
			ErrorCode:   string(ierr.Code),
			Error:       ierr.Message,
			Detail:      ierr.Detail,
			Remediation: ierr.Remediation,
			Provider:    ierr.Provider,
		})
		return
	}
	slog.Error("unclassified installer error", "error", err)
	c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
		ErrorCode: string(facade.CodeInternal),
		Error:     "internal installer error",
	})
}

// HealthCheck reports liveness plus template-index freshness.
func HealthCheck(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats := ins.ValidatorStats()
		resp := datatypes.HealthResponse{
			Status:  "ok",
			Service: "installer",
			Templates: datatypes.TemplateStats{
				Entries: stats.Entries,
				Sources: stats.Sources,
			},
		}
		if !stats.BuiltAt.IsZero() {
			resp.Templates.BuiltAt = stats.BuiltAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		}
		c.JSON(http.StatusOK, resp)
	}
}

// HandleExpectedSize probes the artifact size for a URL. Best-effort:
// an unreachable or uncooperative server yields 0, never an error.
func HandleExpectedSize(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		url := c.Query("url")
		if url == "" {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				ErrorCode: "missing_parameter",
				Error:     "query parameter 'url' is required",
			})
			return
		}
		c.JSON(http.StatusOK, datatypes.ExpectedSizeResponse{
			URL:      url,
			Expected: ins.ProbeExpectedSize(c.Request.Context(), url),
		})
	}
}

// HandleModelStatus reports the installation state for a model.
func HandleModelStatus(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		directory := c.Query("directory")
		filename := c.Query("filename")
		if directory == "" || filename == "" {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				ErrorCode: "missing_parameter",
				Error:     "query parameters 'directory' and 'filename' are required",
			})
			return
		}

		report, err := ins.Status(c.Request.Context(), directory, filename)
		if err != nil {
			writeError(c, err)
			return
		}

		// With no transfer in flight the active map has no expected size;
		// an optional url lets the caller still get one for progress UIs.
		if report.Expected == 0 && !report.Present {
			if url := c.Query("url"); url != "" {
				report.Expected = ins.ProbeExpectedSize(c.Request.Context(), url)
			}
		}
		c.JSON(http.StatusOK, statusResponse(report))
	}
}

func statusResponse(report facade.StatusReport) datatypes.StatusResponse {
	return datatypes.StatusResponse{
		State:    string(report.State),
		Present:  report.Present,
		Size:     report.Size,
		Expected: report.Expected,
		Folder:   report.Folder,
		Path:     report.Path,
		Error:    report.Error,
	}
}

// HandleModelInstall validates and queues a model download.
func HandleModelInstall(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.InstallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				ErrorCode: "invalid_request",
				Error:     "invalid request body",
				Detail:    err.Error(),
			})
			return
		}

		result, err := ins.Install(c.Request.Context(), req.URL, req.Directory, req.Filename, req.Path)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, datatypes.InstallResponse{
			Status:   "queued",
			Folder:   result.Folder,
			Path:     result.Path,
			Expected: result.Expected,
		})
	}
}

// HandleModelUninstall removes an installed model. The whole endpoint
// sits behind the allow_uninstall feature flag.
func HandleModelUninstall(ins *facade.Installer, allowUninstall bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !allowUninstall {
			c.JSON(http.StatusForbidden, datatypes.ErrorResponse{
				ErrorCode:   "feature_disabled",
				Error:       "uninstall is disabled",
				Remediation: "set features.allow_uninstall: true in the configuration",
			})
			return
		}

		var req datatypes.UninstallRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				ErrorCode: "invalid_request",
				Error:     "invalid request body",
				Detail:    err.Error(),
			})
			return
		}

		result, err := ins.Uninstall(c.Request.Context(), req.Directory, req.Filename)
		if err != nil {
			writeError(c, err)
			return
		}

		status := "uninstalled"
		if !result.Removed {
			status = "absent"
		}
		c.JSON(http.StatusOK, datatypes.UninstallResponse{Status: status, Path: result.Path})
	}
}

// HandleAuthStatus reports whether a provider token is stored. Presence
// only; the token value never leaves the credential store.
func HandleAuthStatus(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, datatypes.AuthStatusResponse{
			Authenticated: ins.Authenticated(),
		})
	}
}

// HandleAuthLogin stores a provider token.
func HandleAuthLogin(ins *facade.Installer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{
				ErrorCode: "invalid_request",
				Error:     "request body must carry a non-empty token",
			})
			return
		}
		ins.SetToken(req.Token)
		c.JSON(http.StatusOK, datatypes.AuthStatusResponse{Authenticated: true})
	}
}
