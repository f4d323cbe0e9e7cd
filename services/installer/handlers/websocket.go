// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/datatypes"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/facade"
)

// progressInterval is how often a progress frame is pushed.
const progressInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleProgressWebSocket streams installation progress for one model
// until it reaches a terminal state or the client disconnects. The
// polling status endpoint remains authoritative; this is a convenience
// for UIs that want push updates.
func HandleProgressWebSocket(ins *facade.Installer) gin.HandlerFunc {
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

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("websocket upgrade failed", "error", err)
			return
		}
		defer ws.Close()

		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			report, err := ins.Status(ctx, directory, filename)
			if err != nil {
				ws.WriteJSON(datatypes.ProgressEvent{
					State: string(facade.StateFailed),
					Error: err.Error(),
				})
				return
			}

			frame := datatypes.ProgressEvent{
				State:    string(report.State),
				Size:     report.Size,
				Expected: report.Expected,
				Error:    report.Error,
			}
			if err := ws.WriteJSON(frame); err != nil {
				slog.Debug("progress stream client gone", "error", err)
				return
			}

			if report.State == facade.StateInstalled || report.State == facade.StateFailed {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
