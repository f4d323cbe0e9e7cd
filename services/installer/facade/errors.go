// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package facade

import (
	"fmt"
	"net/http"
)

// ErrorCode classifies installer failures for callers that need to map
// them onto HTTP statuses or remediation flows.
type ErrorCode string

const (
	// CodeValidationDenied means no workflow template vouches for the
	// requested (url, category, filename) triple.
	CodeValidationDenied ErrorCode = "validation_denied"

	// CodeUnsafePath means the category/filename pair does not resolve
	// to a location under a registered root.
	CodeUnsafePath ErrorCode = "unsafe_path"

	// CodeAuthRequired means the gated provider rejected the stored
	// credentials (or their absence).
	CodeAuthRequired ErrorCode = "auth_required"

	// CodeStorageInsufficient means no storage root has enough free
	// space for the artifact.
	CodeStorageInsufficient ErrorCode = "storage_insufficient"

	// CodeNetworkTransient means the artifact server could not be
	// reached; the request may succeed on retry.
	CodeNetworkTransient ErrorCode = "network_transient"

	// CodeInternal is everything else.
	CodeInternal ErrorCode = "internal"
)

// InstallError is the structured error returned by facade operations.
//
// Message is safe to show to end users. Detail carries diagnostic
// context. Remediation, when set, tells the user what to do about it.
// Provider is set only for CodeAuthRequired.
type InstallError struct {
	Code        ErrorCode
	Message     string
	Detail      string
	Remediation string
	Provider    string
}

func (e *InstallError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the error code to the response status used by the
// HTTP handlers.
func (e *InstallError) HTTPStatus() int {
	switch e.Code {
	case CodeValidationDenied:
		return http.StatusForbidden
	case CodeUnsafePath:
		return http.StatusBadRequest
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeStorageInsufficient:
		return http.StatusInsufficientStorage
	case CodeNetworkTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func validationDenied(category, filename string) *InstallError {
	return &InstallError{
		Code:    CodeValidationDenied,
		Message: "model is not referenced by any known workflow template",
		Detail:  fmt.Sprintf("%s/%s", category, filename),
		Remediation: "only models referenced by installed workflow templates can be " +
			"downloaded; place the file manually if you trust the source",
	}
}

func unsafePath(detail string) *InstallError {
	return &InstallError{
		Code:    CodeUnsafePath,
		Message: "request does not resolve to a safe location under a registered model root",
		Detail:  detail,
	}
}

func authRequired(provider string) *InstallError {
	return &InstallError{
		Code:        CodeAuthRequired,
		Message:     "the provider requires authentication for this model",
		Provider:    provider,
		Remediation: "run `harbor login` with an access token, or set the HF_TOKEN environment variable",
	}
}

func storageInsufficient(detail string) *InstallError {
	return &InstallError{
		Code:        CodeStorageInsufficient,
		Message:     "not enough free space on any registered storage root",
		Detail:      detail,
		Remediation: "free disk space or register an additional model root",
	}
}

func networkTransient(detail string) *InstallError {
	return &InstallError{
		Code:        CodeNetworkTransient,
		Message:     "could not reach the artifact server",
		Detail:      detail,
		Remediation: "check network connectivity and retry",
	}
}

func internalError(detail string) *InstallError {
	return &InstallError{
		Code:    CodeInternal,
		Message: "internal installer error",
		Detail:  detail,
	}
}
