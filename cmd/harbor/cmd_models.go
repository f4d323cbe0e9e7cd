// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/datatypes"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

// apiGet decodes a GET response into out, or dies with the service's
// error payload.
func apiGet(path string, out any) {
	resp, err := httpClient.Get(serverURL + path)
	if err != nil {
		log.Fatalf("Failed to reach the installer service at %s: %v", serverURL, err)
	}
	defer resp.Body.Close()
	decodeOrDie(resp, out)
}

// apiPost sends a JSON body and decodes the response into out.
func apiPost(path string, body, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("Failed to encode the request: %v", err)
	}
	resp, err := httpClient.Post(serverURL+path, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		log.Fatalf("Failed to reach the installer service at %s: %v", serverURL, err)
	}
	defer resp.Body.Close()
	decodeOrDie(resp, out)
}

func decodeOrDie(resp *http.Response, out any) {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Failed to read the service response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr datatypes.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg := fmt.Sprintf("The installer service refused the request (%s): %s",
				apiErr.ErrorCode, apiErr.Error)
			if apiErr.Remediation != "" {
				msg += "\nHint: " + apiErr.Remediation
			}
			log.Fatal(msg)
		}
		log.Fatalf("The installer service returned %d: %s", resp.StatusCode, string(raw))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Fatalf("Failed to parse the service response: %v", err)
	}
}

func runInstall(cmd *cobra.Command, args []string) {
	req := datatypes.InstallRequest{
		URL:       args[0],
		Directory: args[1],
		Filename:  args[2],
		Path:      userPath,
	}

	var resp datatypes.InstallResponse
	apiPost("/v1/models/install", req, &resp)

	fmt.Printf("Queued %s into %s", req.Filename, resp.Folder)
	if resp.Expected > 0 {
		fmt.Printf(" (%d bytes expected)", resp.Expected)
	}
	fmt.Println()
	fmt.Printf("Track progress with: harbor status %s %s --watch\n", req.Directory, req.Filename)
}

func runStatus(cmd *cobra.Command, args []string) {
	directory, filename := args[0], args[1]
	query := fmt.Sprintf("/v1/models/status?directory=%s&filename=%s",
		url.QueryEscape(directory), url.QueryEscape(filename))

	for {
		var resp datatypes.StatusResponse
		apiGet(query, &resp)
		printStatus(filename, resp)

		terminal := resp.State == "installed" || resp.State == "failed" || resp.State == "absent"
		if !watch || terminal {
			return
		}
		time.Sleep(time.Second)
	}
}

func printStatus(filename string, resp datatypes.StatusResponse) {
	switch resp.State {
	case "downloading":
		if resp.Expected > 0 {
			fmt.Printf("%s: downloading %d/%d bytes (%.1f%%)\n",
				filename, resp.Size, resp.Expected, 100*float64(resp.Size)/float64(resp.Expected))
			return
		}
		fmt.Printf("%s: downloading, %d bytes so far\n", filename, resp.Size)
	case "failed":
		fmt.Printf("%s: failed: %s\n", filename, resp.Error)
	case "installed":
		fmt.Printf("%s: installed at %s (%d bytes)\n", filename, resp.Path, resp.Size)
	default:
		fmt.Printf("%s: %s\n", filename, resp.State)
	}
}

func runSize(cmd *cobra.Command, args []string) {
	var resp datatypes.ExpectedSizeResponse
	apiGet("/v1/models/expected_size?url="+url.QueryEscape(args[0]), &resp)

	if resp.Expected == 0 {
		fmt.Println("The server did not report a size for that URL")
		return
	}
	fmt.Printf("%d bytes\n", resp.Expected)
}

func runUninstall(cmd *cobra.Command, args []string) {
	req := datatypes.UninstallRequest{Directory: args[0], Filename: args[1]}

	var resp datatypes.UninstallResponse
	apiPost("/v1/models/uninstall", req, &resp)

	if resp.Status == "absent" {
		fmt.Printf("%s was not installed\n", req.Filename)
		return
	}
	fmt.Printf("Removed %s\n", resp.Path)
}

func runLogin(cmd *cobra.Command, args []string) {
	token := ""
	if len(args) == 1 {
		token = args[0]
	} else {
		token = strings.TrimSpace(os.Getenv("HF_TOKEN"))
	}
	if token == "" {
		log.Fatal("Provide a token argument or set HF_TOKEN")
	}

	var resp datatypes.AuthStatusResponse
	apiPost("/v1/auth/login", datatypes.LoginRequest{Token: token}, &resp)
	fmt.Println("Token stored; gated downloads will authenticate with it")
}

func runHealth(cmd *cobra.Command, args []string) {
	var resp datatypes.HealthResponse
	apiGet("/health", &resp)

	fmt.Printf("Service: %s (%s)\n", resp.Service, resp.Status)
	fmt.Printf("Template index: %d models from %d templates", resp.Templates.Entries, resp.Templates.Sources)
	if resp.Templates.BuiltAt != "" {
		fmt.Printf(", built %s", resp.Templates.BuiltAt)
	}
	fmt.Println()
}
