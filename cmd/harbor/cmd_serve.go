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
	"errors"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
)

// installerBinary is the service executable harbor looks for, first next
// to itself, then on PATH.
const installerBinary = "installer"

func locateInstaller() (string, error) {
	self, err := os.Executable()
	if err == nil {
		sibling := filepath.Join(filepath.Dir(self), installerBinary)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	if path, err := exec.LookPath(installerBinary); err == nil {
		return path, nil
	}
	return "", errors.New("installer binary not found next to harbor or on PATH")
}

func runServe(cmd *cobra.Command, args []string) {
	binary, err := locateInstaller()
	if err != nil {
		log.Fatalf("Cannot start the installer service: %v", err)
	}

	service := exec.Command(binary)
	service.Stdout = os.Stdout
	service.Stderr = os.Stderr
	service.Stdin = os.Stdin

	log.Printf("Starting the installer service (%s)", binary)
	if err := service.Run(); err != nil {
		log.Fatalf("The installer service exited with an error: %v", err)
	}
}
