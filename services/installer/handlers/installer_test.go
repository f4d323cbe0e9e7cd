// Copyright (C) 2025 ModelHarbor AI (oss@modelharbor.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ModelHarborAI/ModelHarbor/services/installer/config"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/download"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/facade"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/history"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/registry"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/routes"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/storage"
	"github.com/ModelHarborAI/ModelHarbor/services/installer/workflows"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeProbe struct {
	free uint64
}

func (p fakeProbe) Capacity(string) (uint64, uint64, error) {
	return p.free, p.free, nil
}

type apiFixture struct {
	router *gin.Engine
	root   string
}

func newAPIFixture(t *testing.T, allowUninstall bool, refs []workflows.ModelRef) apiFixture {
	t.Helper()

	corpusDir := t.TempDir()
	writeTemplate(t, corpusDir, "pack.json", refs)

	source := workflows.NewDirectorySource([]string{corpusDir}, nil)
	index := workflows.NewIndex(source, filepath.Join(t.TempDir(), "index.json"), nil)
	validator := workflows.NewValidator(index, nil)

	root := t.TempDir()
	reg := registry.New(map[string][]string{"checkpoints": {root}})
	selector := storage.NewSelector(reg, fakeProbe{free: 100 << 30}, 512<<20, nil)

	hist, err := history.OpenInMemory(nil)
	require.NoError(t, err)
	t.Cleanup(func() { hist.Close() })

	downloads := download.NewManager(download.NewCredentialStore(nil), hist, nil)
	ins := facade.New(validator, reg, selector, downloads, hist, nil)

	cfg := config.DefaultConfig()
	cfg.Features.AllowUninstall = allowUninstall

	router := gin.New()
	routes.SetupRoutes(router, ins, &cfg)
	return apiFixture{router: router, root: root}
}

func writeTemplate(t *testing.T, dir, name string, refs []workflows.ModelRef) {
	t.Helper()
	nodes := ""
	for i, ref := range refs {
		if i > 0 {
			nodes += ","
		}
		nodes += fmt.Sprintf(`{"type":"Loader","properties":{"models":[{"name":%q,"directory":%q,"url":%q}]}}`,
			ref.Name, ref.Directory, ref.URL)
	}
	content := fmt.Sprintf(`{"version":1,"nodes":[%s]}`, nodes)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0640))
}

func (fx apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	fx := newAPIFixture(t, false, nil)

	rec := fx.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "installer", body["service"])
	assert.Contains(t, body, "templates")
}

func TestExpectedSizeEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "4096")
	}))
	defer server.Close()

	fx := newAPIFixture(t, false, nil)

	t.Run("missing url", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/v1/models/expected_size", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("probes the server", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/v1/models/expected_size?url="+server.URL+"/m.bin", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, float64(4096), body["expected_bytes"])
	})
}

func TestStatusEndpoint(t *testing.T) {
	fx := newAPIFixture(t, false, nil)

	t.Run("missing parameters", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/v1/models/status?directory=checkpoints", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("absent", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/v1/models/status?directory=checkpoints&filename=m.safetensors", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "absent", body["state"])
		assert.Equal(t, false, body["present"])
	})

	t.Run("installed", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(fx.root, "here.safetensors"), []byte("weights"), 0640))

		rec := fx.do(t, http.MethodGet, "/v1/models/status?directory=checkpoints&filename=here.safetensors", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "installed", body["state"])
		assert.Equal(t, true, body["present"])
		assert.Equal(t, float64(7), body["size"])
	})

	t.Run("unknown category", func(t *testing.T) {
		rec := fx.do(t, http.MethodGet, "/v1/models/status?directory=bogus&filename=m.safetensors", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "unsafe_path", decode(t, rec)["error_code"])
	})

	t.Run("absent with url fills expected size", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Length", "8192")
		}))
		defer server.Close()

		rec := fx.do(t, http.MethodGet,
			"/v1/models/status?directory=checkpoints&filename=future.safetensors&url="+server.URL+"/f.bin", "")
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode(t, rec)
		assert.Equal(t, "absent", body["state"])
		assert.Equal(t, float64(8192), body["expected_bytes"])
	})
}

func TestInstallEndpoint(t *testing.T) {
	payload := []byte("weights")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
			return
		}
		w.Write(payload)
	}))
	defer server.Close()

	url := server.URL + "/m.safetensors"
	fx := newAPIFixture(t, false, []workflows.ModelRef{
		{Name: "m.safetensors", Directory: "checkpoints", URL: url},
	})

	t.Run("queued", func(t *testing.T) {
		body := fmt.Sprintf(`{"url":%q,"directory":"checkpoints","filename":"m.safetensors"}`, url)
		rec := fx.do(t, http.MethodPost, "/v1/models/install", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode(t, rec)
		assert.Equal(t, "queued", resp["status"])
		assert.Equal(t, fx.root, resp["folder"])
		assert.Equal(t, float64(len(payload)), resp["expected_bytes"])
	})

	t.Run("denied for unlisted model", func(t *testing.T) {
		body := fmt.Sprintf(`{"url":%q,"directory":"checkpoints","filename":"rogue.safetensors"}`, url)
		rec := fx.do(t, http.MethodPost, "/v1/models/install", body)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "validation_denied", decode(t, rec)["error_code"])
	})

	t.Run("missing url", func(t *testing.T) {
		rec := fx.do(t, http.MethodPost, "/v1/models/install",
			`{"directory":"checkpoints","filename":"m.safetensors"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("url only resolves directory and filename", func(t *testing.T) {
		resolvable := server.URL + "/repo/checkpoints/auto.safetensors"
		fx2 := newAPIFixture(t, false, []workflows.ModelRef{
			{Name: "auto.safetensors", Directory: "checkpoints", URL: resolvable},
		})

		rec := fx2.do(t, http.MethodPost, "/v1/models/install", fmt.Sprintf(`{"url":%q}`, resolvable))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := decode(t, rec)
		assert.Equal(t, "queued", resp["status"])
		assert.Equal(t, filepath.Join(fx2.root, "auto.safetensors"), resp["path"])
	})

	t.Run("traversal filename rejected at binding", func(t *testing.T) {
		body := fmt.Sprintf(`{"url":%q,"directory":"checkpoints","filename":"../evil.bin"}`, url)
		rec := fx.do(t, http.MethodPost, "/v1/models/install", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestUninstallEndpoint(t *testing.T) {
	t.Run("feature disabled", func(t *testing.T) {
		fx := newAPIFixture(t, false, nil)
		rec := fx.do(t, http.MethodPost, "/v1/models/uninstall",
			`{"directory":"checkpoints","filename":"m.safetensors"}`)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, "feature_disabled", decode(t, rec)["error_code"])
	})

	t.Run("uninstalls then reports absent", func(t *testing.T) {
		fx := newAPIFixture(t, true, nil)
		path := filepath.Join(fx.root, "old.safetensors")
		require.NoError(t, os.WriteFile(path, []byte("weights"), 0640))

		rec := fx.do(t, http.MethodPost, "/v1/models/uninstall",
			`{"directory":"checkpoints","filename":"old.safetensors"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "uninstalled", decode(t, rec)["status"])
		assert.NoFileExists(t, path)

		rec = fx.do(t, http.MethodPost, "/v1/models/uninstall",
			`{"directory":"checkpoints","filename":"old.safetensors"}`)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "absent", decode(t, rec)["status"])
	})
}

func TestAuthEndpoints(t *testing.T) {
	fx := newAPIFixture(t, false, nil)

	rec := fx.do(t, http.MethodGet, "/v1/auth/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["authenticated"])

	rec = fx.do(t, http.MethodPost, "/v1/auth/login", `{"token":"hf_test_token"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["authenticated"])

	rec = fx.do(t, http.MethodGet, "/v1/auth/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["authenticated"])

	rec = fx.do(t, http.MethodPost, "/v1/auth/login", `{"token":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newAPIFixture(t, false, nil)

	rec := fx.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "modelharbor_installer_downloads_queued_total")
}
