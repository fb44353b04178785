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

package service

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

// freePorts reserves n distinct ports by binding them all before releasing
// any, so no two calls hand back the same port.
func freePorts(t *testing.T, n int) []int {
	t.Helper()
	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, listener)
		ports = append(ports, listener.Addr().(*net.TCPAddr).Port)
	}
	for _, listener := range listeners {
		require.NoError(t, listener.Close())
	}
	return ports
}

func testConfig(t *testing.T) Config {
	t.Helper()
	static := config.Default()
	ports := freePorts(t, 3)
	static.SOCKS5Port = ports[0]
	static.HTTPProxyPort = ports[1]
	static.CaptivePortalPort = ports[2]
	return Config{
		DataDir:    t.TempDir(),
		ListenAddr: "127.0.0.1",
		Static:     static,
		Logger:     logutils.Discard(),
	}
}

func waitForReady(t *testing.T, portalAddr string) {
	t.Helper()
	client := &http.Client{Timeout: time.Second}
	healthz := "http://" + portalAddr + "/__revamp__/healthz"
	require.Eventually(t, func() bool {
		resp, err := client.Get(healthz)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 20*time.Millisecond, "portal never became ready")
}

func TestConfigCheckAndSetDefaults(t *testing.T) {
	t.Parallel()

	t.Run("missing data dir", func(t *testing.T) {
		t.Parallel()
		cfg := Config{Static: config.Default()}
		err := cfg.CheckAndSetDefaults()
		require.True(t, trace.IsBadParameter(err), "expected BadParameter, got %v", err)
	})

	t.Run("invalid static config", func(t *testing.T) {
		t.Parallel()
		static := config.Default()
		static.SOCKS5Port = 0
		cfg := Config{DataDir: t.TempDir(), Static: static}
		require.Error(t, cfg.CheckAndSetDefaults())
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := Config{DataDir: t.TempDir(), Static: config.Default()}
		require.NoError(t, cfg.CheckAndSetDefaults())
		require.Equal(t, defaults.ListenAddress, cfg.ListenAddr)
		require.Equal(t, defaults.ShutdownGraceWindow, cfg.ShutdownGrace)
		require.NotNil(t, cfg.Clock)
		require.NotNil(t, cfg.Logger)
	})
}

func TestProcessServesAndShutsDown(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "plain body")
	}))
	defer upstream.Close()

	process, err := NewProcess(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer process.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- process.Run(ctx) }()

	waitForReady(t, process.PortalAddr().String())

	// The portal serves the CA download.
	resp, err := http.Get("http://" + process.PortalAddr().String() + "/__revamp__/ca")
	require.NoError(t, err)
	pem, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(process.Authority().CertPEM()), string(pem))

	// The HTTP frontend proxies absolute-form requests end to end.
	proxyURL := &url.URL{Scheme: "http", Host: process.HTTPProxyAddr().String()}
	client := &http.Client{
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		Timeout:   10 * time.Second,
	}
	resp, err = client.Get(upstream.URL)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "plain body", string(body))

	// The SOCKS5 listener accepts connections.
	conn, err := net.DialTimeout("tcp", process.SOCKS5Addr().String(), time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process did not shut down")
	}
}

func TestProcessStartupPortConflict(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Static.SOCKS5Port)))
	require.NoError(t, err)
	defer blocker.Close()

	process, err := NewProcess(context.Background(), cfg)
	require.Error(t, err)
	require.Nil(t, process)
}

func TestRunExitCodes(t *testing.T) {
	t.Parallel()

	t.Run("startup failure", func(t *testing.T) {
		t.Parallel()
		code := Run(context.Background(), Config{Logger: logutils.Discard()})
		require.Equal(t, ExitStartup, code)
	})

	t.Run("bind failure", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Static.CaptivePortalPort)))
		require.NoError(t, err)
		defer blocker.Close()
		require.Equal(t, ExitStartup, Run(context.Background(), cfg))
	})

	t.Run("clean shutdown", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan int, 1)
		go func() { done <- Run(ctx, cfg) }()

		waitForReady(t, net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.Static.CaptivePortalPort)))

		cancel()
		select {
		case code := <-done:
			require.Equal(t, ExitOK, code)
		case <-time.After(10 * time.Second):
			t.Fatal("run did not return")
		}
	})
}
