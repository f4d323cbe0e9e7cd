// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/datatypes"
)

func dialProgress(t *testing.T, server *httptest.Server, directory, filename string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") +
		"/v1/models/progress/ws?directory=" + directory + "&filename=" + filename
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestProgressWebSocket_TerminalFrameForInstalledModel(t *testing.T) {
	fx := newAPIFixture(t, false, nil)
	require.NoError(t, os.WriteFile(filepath.Join(fx.root, "done.safetensors"), []byte("weights"), 0640))

	server := httptest.NewServer(fx.router)
	defer server.Close()

	conn := dialProgress(t, server, "checkpoints", "done.safetensors")
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var frame datatypes.ProgressEvent
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "installed", frame.State)
	assert.Equal(t, int64(7), frame.Size)

	// The stream closes after a terminal frame.
	err := conn.ReadJSON(&frame)
	assert.Error(t, err)
}

func TestProgressWebSocket_RequiresParameters(t *testing.T) {
	fx := newAPIFixture(t, false, nil)
	server := httptest.NewServer(fx.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/models/progress/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
