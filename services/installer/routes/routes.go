// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/config"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/facade"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/handlers"
)

func SetupRoutes(router *gin.Engine, ins *facade.Installer, cfg *config.HarborConfig) {
	handlers.RegisterValidations()

	router.GET("/health", handlers.HealthCheck(ins))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		models := v1.Group("/models")
		{
			models.GET("/expected_size", handlers.HandleExpectedSize(ins))
			models.GET("/status", handlers.HandleModelStatus(ins))
			models.POST("/install", handlers.HandleModelInstall(ins))
			models.POST("/uninstall", handlers.HandleModelUninstall(ins, cfg.Features.AllowUninstall))
			models.GET("/progress/ws", handlers.HandleProgressWebSocket(ins))
		}
		auth := v1.Group("/auth")
		{
			auth.GET("/status", handlers.HandleAuthStatus(ins))
			auth.POST("/login", handlers.HandleAuthLogin(ins))
		}
	}
}
