/*
 * Revamp
 * Copyright (C) 2025  Revamp Proxy Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/plugin"
	"github.com/revampproxy/revamp/lib/transform"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

type staticBundler struct {
	out []byte
	err error
}

func (b staticBundler) Bundle(_ context.Context, req transform.BundleRequest) ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.out != nil {
		return b.out, nil
	}
	return req.Code, nil
}

func newTestHandler(t *testing.T, mutate func(*Config)) *Handler {
	t.Helper()
	store, err := config.NewStore(t.TempDir(), config.Default())
	require.NoError(t, err)
	recorder, err := metrics.NewRecorder(clockwork.NewFakeClock())
	require.NoError(t, err)
	cfg := Config{
		Store:   store,
		Metrics: recorder,
		Logger:  logutils.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := NewHandler(cfg)
	require.NoError(t, err)
	return handler
}

func doRequest(t *testing.T, srv *httptest.Server, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func decodeJSON[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

func TestPreflightAndCORS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	resp, _ := doRequest(t, srv, http.MethodOptions, "/__revamp__/config", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = doRequest(t, srv, http.MethodGet, "/__revamp__/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	// Errors carry CORS headers too, pages need to read them.
	resp, _ = doRequest(t, srv, http.MethodGet, "/__revamp__/no/such/path", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestConfigEndpoints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg := decodeJSON[config.Config](t, body)
	require.Equal(t, config.Default(), cfg)

	resp, body = doRequest(t, srv, http.MethodPost, "/__revamp__/config",
		[]byte(`{"transformJs": false, "removeAds": false}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg = decodeJSON[config.Config](t, body)
	require.False(t, cfg.TransformJS)
	require.False(t, cfg.RemoveAds)
	require.True(t, cfg.TransformCSS)

	// The merge persisted.
	_, body = doRequest(t, srv, http.MethodGet, "/__revamp__/config", nil)
	cfg = decodeJSON[config.Config](t, body)
	require.False(t, cfg.TransformJS)

	resp, body = doRequest(t, srv, http.MethodPost, "/__revamp__/config", []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	errResp := decodeJSON[map[string]string](t, body)
	require.Contains(t, errResp["error"], "invalid JSON")

	resp, body = doRequest(t, srv, http.MethodDelete, "/__revamp__/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cfg = decodeJSON[config.Config](t, body)
	require.Equal(t, config.Default(), cfg)
}

func TestDomainEndpoints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	profile := []byte(`{"id": "wiki", "patterns": ["*.wikipedia.org"], "priority": 10, "config": {"transformJs": false}}`)
	resp, _ := doRequest(t, srv, http.MethodPost, "/__revamp__/domains", profile)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/domains", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profiles := decodeJSON[[]config.DomainProfile](t, body)
	require.Len(t, profiles, 1)
	require.Equal(t, "wiki", profiles[0].ID)

	resp, body = doRequest(t, srv, http.MethodGet, "/__revamp__/domains/wiki", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeJSON[config.DomainProfile](t, body)
	require.Equal(t, []string{"*.wikipedia.org"}, got.Patterns)

	resp, _ = doRequest(t, srv, http.MethodDelete, "/__revamp__/domains/wiki", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodGet, "/__revamp__/domains/wiki", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(t, nil)
	handler.cfg.Metrics.RecordRequest()
	handler.cfg.Metrics.RecordBandwidth(1000, 600)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/metrics/json", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeJSON[metrics.Snapshot](t, body)
	require.Equal(t, int64(1), snap.Requests.Total)
	require.Equal(t, int64(400), snap.Bandwidth.SavedBytes)

	for _, path := range []string{"/__revamp__/metrics", "/__revamp__/metrics/dashboard"} {
		resp, body = doRequest(t, srv, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
		require.Contains(t, string(body), "Bandwidth")
	}

	resp, body = doRequest(t, srv, http.MethodGet, "/__revamp__/metrics/prometheus", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "revamp_")
}

func TestPACEndpoints(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	host, _, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)

	resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/pac/socks5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, pacContentType, resp.Header.Get("Content-Type"))
	require.Contains(t, string(body), `"SOCKS5 `+host+`:1080"`)
	require.Contains(t, string(body), "FindProxyForURL")

	_, body = doRequest(t, srv, http.MethodGet, "/__revamp__/pac/http", nil)
	require.Contains(t, string(body), `"PROXY `+host+`:8080"`)

	_, body = doRequest(t, srv, http.MethodGet, "/__revamp__/pac/combined", nil)
	require.Contains(t, string(body), `"SOCKS5 `+host+`:1080; PROXY `+host+`:8080; DIRECT"`)
}

func TestSWBundle(t *testing.T) {
	t.Parallel()

	t.Run("missing url", func(t *testing.T) {
		srv := httptest.NewServer(newTestHandler(t, nil))
		t.Cleanup(srv.Close)

		resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/sw/bundle", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		errResp := decodeJSON[map[string]string](t, body)
		require.Contains(t, errResp["error"], "Missing required parameter")
		require.Contains(t, errResp["error"], `"url"`)
	})

	t.Run("remote mode rejects", func(t *testing.T) {
		handler := newTestHandler(t, nil)
		_, err := handler.cfg.Store.UpdateOverrides(&config.PartialConfig{
			RemoteServiceWorkers: boolPtr(true),
		})
		require.NoError(t, err)
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)

		resp, _ := doRequest(t, srv, http.MethodGet, "/__revamp__/sw/bundle?url=https://example.com/sw.js", nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("bundler success", func(t *testing.T) {
		srv := httptest.NewServer(newTestHandler(t, func(cfg *Config) {
			cfg.Bundler = staticBundler{out: []byte("bundled!")}
		}))
		t.Cleanup(srv.Close)

		resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/sw/bundle?url=https://example.com/sw.js", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, swContentType, resp.Header.Get("Content-Type"))
		require.Equal(t, "bundled!", string(body))
	})

	t.Run("bundler failure still responds 200", func(t *testing.T) {
		srv := httptest.NewServer(newTestHandler(t, func(cfg *Config) {
			cfg.Bundler = staticBundler{err: trace.BadParameter("graph too deep")}
		}))
		t.Cleanup(srv.Close)

		resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/sw/bundle?url=https://example.com/sw.js", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, string(body), "console.warn")
		require.Contains(t, string(body), "graph too deep")
	})
}

func TestSWInline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	resp, _ := doRequest(t, srv, http.MethodGet, "/__revamp__/sw/inline", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Allow"), "POST")

	resp, _ = doRequest(t, srv, http.MethodPost, "/__revamp__/sw/inline", []byte(`{broken`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doRequest(t, srv, http.MethodPost, "/__revamp__/sw/inline", []byte(`{"scope": "/"}`))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := doRequest(t, srv, http.MethodPost, "/__revamp__/sw/inline",
		[]byte(`{"code": "self.onfetch = function () {};"}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "self.onfetch = function () {};", string(body))
}

func TestCAEndpoint(t *testing.T) {
	t.Parallel()

	t.Run("not configured", func(t *testing.T) {
		srv := httptest.NewServer(newTestHandler(t, nil))
		t.Cleanup(srv.Close)

		resp, _ := doRequest(t, srv, http.MethodGet, "/__revamp__/ca", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("serves pem", func(t *testing.T) {
		pem := []byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n")
		srv := httptest.NewServer(newTestHandler(t, func(cfg *Config) { cfg.CAPEM = pem }))
		t.Cleanup(srv.Close)

		resp, body := doRequest(t, srv, http.MethodGet, "/__revamp__/ca", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/x-pem-file", resp.Header.Get("Content-Type"))
		require.Equal(t, pem, body)
	})
}

func TestPortalPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(newTestHandler(t, nil))
	t.Cleanup(srv.Close)

	resp, body := doRequest(t, srv, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	require.Contains(t, string(body), "/__revamp__/pac/socks5")
	require.Contains(t, string(body), "/__revamp__/ca")
}

func TestPluginEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		srv := httptest.NewServer(newTestHandler(t, nil))
		t.Cleanup(srv.Close)

		resp, _ := doRequest(t, srv, http.MethodGet, "/__revamp__/plugins", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("lifecycle and routes", func(t *testing.T) {
		dataDir := t.TempDir()
		pluginsDir := filepath.Join(dataDir, "plugins")
		require.NoError(t, os.MkdirAll(pluginsDir, 0o700))
		pluginDir := filepath.Join(pluginsDir, "echo")
		require.NoError(t, os.MkdirAll(pluginDir, 0o700))
		manifest := []byte(`{"id": "echo", "version": "1.0.0"}`)
		require.NoError(t, os.WriteFile(filepath.Join(pluginDir, plugin.ManifestFileName), manifest, 0o600))

		settings, err := plugin.NewSettingsStore(dataDir)
		require.NoError(t, err)
		manager, err := plugin.NewManager(plugin.ManagerConfig{
			PluginsDir: pluginsDir,
			Registry:   plugin.NewRegistry(),
			Settings:   settings,
			Factories: map[string]plugin.Factory{
				"echo": func(plugin.Manifest, map[string]any) (plugin.Instance, error) {
					return routePlugin{}, nil
				},
			},
			Logger: logutils.Discard(),
		})
		require.NoError(t, err)

		srv := httptest.NewServer(newTestHandler(t, func(cfg *Config) { cfg.Plugins = manager }))
		t.Cleanup(srv.Close)

		resp, body := doRequest(t, srv, http.MethodPost, "/__revamp__/plugins",
			[]byte(`{"dir": `+strconv.Quote(pluginDir)+`}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status := decodeJSON[plugin.Status](t, body)
		require.Equal(t, plugin.StateLoaded, status.State)

		resp, body = doRequest(t, srv, http.MethodPost, "/__revamp__/plugins/echo/activate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		status = decodeJSON[plugin.Status](t, body)
		require.Equal(t, plugin.StateActive, status.State)

		resp, body = doRequest(t, srv, http.MethodGet, "/__revamp__/plugins/echo/routes/ping", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "pong", string(body))

		resp, _ = doRequest(t, srv, http.MethodGet, "/__revamp__/plugins/echo/routes/nope", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = doRequest(t, srv, http.MethodPost, "/__revamp__/plugins/echo/deactivate", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		// Deactivation drops the plugin's routes with it.
		resp, _ = doRequest(t, srv, http.MethodGet, "/__revamp__/plugins/echo/routes/ping", nil)
		require.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, body = doRequest(t, srv, http.MethodGet, "/__revamp__/plugins", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		list := decodeJSON[[]plugin.Status](t, body)
		require.Len(t, list, 1)
	})
}

type routePlugin struct{}

func (routePlugin) Init(_ context.Context, host *plugin.Host) error {
	return host.HandlePath("ping", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}))
}

func (routePlugin) Close(context.Context) error { return nil }

func boolPtr(b bool) *bool { return &b }
