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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	serverURL string
	userPath  string
	watch     bool

	rootCmd = &cobra.Command{
		Use:   "harbor",
		Short: "A cli to manage ModelHarbor model installations",
		Long: `Harbor talks to the ModelHarbor installer service to download,
inspect, and remove model artifacts referenced by workflow templates.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the installer service in the foreground",
		Run:   runServe, // Defined in cmd_serve.go
	}

	installCmd = &cobra.Command{
		Use:   "install [url] [directory] [filename]",
		Short: "Queue a model download (must be referenced by a workflow template)",
		Args:  cobra.ExactArgs(3),
		Run:   runInstall, // Defined in cmd_models.go
	}

	statusCmd = &cobra.Command{
		Use:   "status [directory] [filename]",
		Short: "Show the installation state of a model",
		Args:  cobra.ExactArgs(2),
		Run:   runStatus, // Defined in cmd_models.go
	}

	sizeCmd = &cobra.Command{
		Use:   "size [url]",
		Short: "Probe the download size of a model URL",
		Args:  cobra.ExactArgs(1),
		Run:   runSize, // Defined in cmd_models.go
	}

	uninstallCmd = &cobra.Command{
		Use:   "uninstall [directory] [filename]",
		Short: "Remove an installed model (requires allow_uninstall in the service config)",
		Args:  cobra.ExactArgs(2),
		Run:   runUninstall, // Defined in cmd_models.go
	}

	loginCmd = &cobra.Command{
		Use:   "login [token]",
		Short: "Store a provider access token in the installer service",
		Args:  cobra.MaximumNArgs(1),
		Run:   runLogin, // Defined in cmd_models.go
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Check the installer service and its template index",
		Run:   runHealth, // Defined in cmd_models.go
	}
)

func registerCommands() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		"http://localhost:12300", "Base URL of the installer service")

	installCmd.Flags().StringVar(&userPath, "path", "",
		"Pin the storage root instead of letting the service pick one")
	statusCmd.Flags().BoolVar(&watch, "watch", false,
		"Poll until the model reaches a terminal state")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(uninstallCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(healthCmd)
}
