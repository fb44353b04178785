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

package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/transform"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

type upperCaser struct{}

func (upperCaser) TransformText(_ context.Context, req transform.TextRequest) ([]byte, error) {
	return bytes.ToUpper(req.Body), nil
}

type failingText struct{}

func (failingText) TransformText(context.Context, transform.TextRequest) ([]byte, error) {
	return nil, trace.BadParameter("parse error")
}

type jpegImager struct{}

func (jpegImager) TransformImage(_ context.Context, req transform.ImageRequest) (transform.ImageResult, error) {
	return transform.ImageResult{Body: append([]byte("jpeg:"), req.Body...), ContentType: "image/jpeg"}, nil
}

type redirectRecorder struct {
	mu   sync.Mutex
	urls []string
}

func (r *redirectRecorder) MarkRedirect(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.urls = append(r.urls, url)
}

func newTestEngine(t *testing.T, mutate func(*EngineConfig)) *Engine {
	t.Helper()
	cfg := EngineConfig{
		Text:   upperCaser{},
		Images: jpegImager{},
		Logger: logutils.Discard(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	return engine
}

func gzipBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFetchTransformsText(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript; charset=iso-8859-1")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(gzipBytes(t, "const x = 1;"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/app.js",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, transform.ContentTypeJS, res.ContentType)
	require.True(t, res.Transformed)
	require.True(t, res.Cacheable)
	require.Equal(t, "CONST X = 1;", string(res.Body))
	require.Equal(t, "application/javascript; charset=UTF-8", res.Header.Get("Content-Type"))
	require.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestFetchScrubsRequestHeaders(t *testing.T) {
	t.Parallel()

	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	in := http.Header{}
	in.Set("If-None-Match", `"etag"`)
	in.Set("If-Modified-Since", "Mon, 01 Jan 2024 00:00:00 GMT")
	in.Set("Proxy-Connection", "keep-alive")
	in.Set("User-Agent", "Mozilla/5.0 (iPhone; CPU iPhone OS 9_3 like Mac OS X)")
	in.Set("Cookie", "session=1")

	cfg := config.Default()
	cfg.UserAgent = "SpoofedAgent/1.0"
	_, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/static/app.js",
		Header: in,
		Config: cfg,
	})
	require.NoError(t, err)

	require.Equal(t, "SpoofedAgent/1.0", got.Get("User-Agent"))
	require.Equal(t, "gzip, deflate", got.Get("Accept-Encoding"))
	require.Empty(t, got.Get("If-None-Match"))
	require.Empty(t, got.Get("If-Modified-Since"))
	require.Empty(t, got.Get("Proxy-Connection"))
	require.Equal(t, "session=1", got.Get("Cookie"))
	// The engine works on a copy, callers keep their header intact.
	require.Equal(t, `"etag"`, in.Get("If-None-Match"))
}

func TestFetchKeepsConditionalHeadersForDocuments(t *testing.T) {
	t.Parallel()

	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	in := http.Header{}
	in.Set("If-None-Match", `"etag"`)
	_, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/index.html",
		Header: in,
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, `"etag"`, got.Get("If-None-Match"))
}

func TestFetchMarksRedirects(t *testing.T) {
	t.Parallel()

	for _, status := range []int{301, 302, 303, 307, 308} {
		status := status
		t.Run(strconv.Itoa(status), func(t *testing.T) {
			t.Parallel()

			upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Location", "https://example.com/moved")
				w.WriteHeader(status)
				w.Write([]byte("<a href=\"https://example.com/moved\">moved</a>"))
			}))
			t.Cleanup(upstream.Close)

			marks := &redirectRecorder{}
			engine := newTestEngine(t, func(cfg *EngineConfig) { cfg.Redirects = marks })

			url := upstream.URL + "/old.js"
			res, err := engine.Do(context.Background(), &Request{URL: url, Config: config.Default()})
			require.NoError(t, err)
			require.True(t, res.Redirect)
			require.False(t, res.Transformed)
			require.False(t, res.Cacheable)
			require.Equal(t, status, res.StatusCode)
			require.Equal(t, "https://example.com/moved", res.Header.Get("Location"))
			require.Equal(t, []string{url}, marks.urls)
		})
	}
}

func TestFetchForwardsUndecodableBodyVerbatim(t *testing.T) {
	t.Parallel()

	broken := []byte("definitely not gzip")
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(broken)
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/app.js",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, broken, res.Body)
	require.Equal(t, "gzip", res.Header.Get("Content-Encoding"))
	require.False(t, res.Transformed)
	require.False(t, res.Cacheable)
}

func TestFetchDecodesUnrequestedBrotli(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write([]byte("body { color: red }"))
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		w.Header().Set("Content-Encoding", "br")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/site.css",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, "BODY { COLOR: RED }", string(res.Body))
	require.Empty(t, res.Header.Get("Content-Encoding"))
}

func TestFetchRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("a"), 4096))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, func(cfg *EngineConfig) { cfg.MaxBodySize = 1024 })
	_, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/big",
		Config: config.Default(),
	})
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		upstream.Close()
	})

	engine := newTestEngine(t, func(cfg *EngineConfig) { cfg.Timeout = 50 * time.Millisecond })
	_, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/slow",
		Config: config.Default(),
	})
	require.Error(t, err)
	require.True(t, IsUpstreamTimeout(err), "expected upstream timeout, got %v", err)
}

func TestFetchUnreachable(t *testing.T) {
	t.Parallel()

	// Grab a port nothing listens on by closing a fresh server.
	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	engine := newTestEngine(t, nil)
	_, err := engine.Do(context.Background(), &Request{
		URL:    url + "/nope",
		Config: config.Default(),
	})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))
	require.False(t, IsUpstreamTimeout(err))
}

func TestFetchTransformFailureForwardsOriginal(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("const broken = ;"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, func(cfg *EngineConfig) { cfg.Text = failingText{} })
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/app.js",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, "const broken = ;", string(res.Body))
	require.False(t, res.Transformed)
	require.False(t, res.Cacheable)
	require.Equal(t, "application/javascript", res.Header.Get("Content-Type"))
}

func TestFetchTransformsImagesForLegacyTargets(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		w.Write([]byte("RIFFxxxxWEBP"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/pic.webp",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.True(t, res.Transformed)
	require.Equal(t, "image/jpeg", res.Header.Get("Content-Type"))
	require.Equal(t, "jpeg:RIFFxxxxWEBP", string(res.Body))
}

func TestFetchHonorsTransformToggles(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Write([]byte("const x = 1;"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	cfg := config.Default()
	cfg.TransformJS = false
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/app.js",
		Config: cfg,
	})
	require.NoError(t, err)
	require.False(t, res.Transformed)
	require.Equal(t, "const x = 1;", string(res.Body))
}

func TestFetchSkipsTransformOnErrorPages(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("<html>not found</html>"))
	}))
	t.Cleanup(upstream.Close)

	engine := newTestEngine(t, nil)
	res, err := engine.Do(context.Background(), &Request{
		URL:    upstream.URL + "/missing",
		Config: config.Default(),
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.False(t, res.Transformed)
	require.Equal(t, "<html>not found</html>", string(res.Body))
}

func TestDecompress(t *testing.T) {
	t.Parallel()

	t.Run("identity", func(t *testing.T) {
		out, err := Decompress([]byte("plain"), "")
		require.NoError(t, err)
		require.Nil(t, out)
	})
	t.Run("gzip", func(t *testing.T) {
		out, err := Decompress(gzipBytes(t, "hello"), "gzip")
		require.NoError(t, err)
		require.Equal(t, "hello", string(out))
	})
	t.Run("deflate raw", func(t *testing.T) {
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		require.NoError(t, err)
		_, err = fw.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, fw.Close())

		out, err := Decompress(buf.Bytes(), "deflate")
		require.NoError(t, err)
		require.Equal(t, "hello", string(out))
	})
	t.Run("deflate zlib", func(t *testing.T) {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		_, err := zw.Write([]byte("hello"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		out, err := Decompress(buf.Bytes(), "deflate")
		require.NoError(t, err)
		require.Equal(t, "hello", string(out))
	})
	t.Run("unknown encoding", func(t *testing.T) {
		_, err := Decompress([]byte("x"), "zstd")
		require.Error(t, err)
	})
	t.Run("truncated gzip", func(t *testing.T) {
		full := gzipBytes(t, strings.Repeat("hello", 100))
		_, err := Decompress(full[:len(full)/2], "gzip")
		require.Error(t, err)
	})
}
