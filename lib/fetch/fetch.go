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

// Package fetch performs the upstream half of an intercepted exchange: it
// issues the HTTP/1.1 request, reads and decompresses the body, classifies
// the payload and hands it to the configured transformers.
package fetch

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/cache"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/transform"
	"github.com/revampproxy/revamp/lib/utils"
)

// RoundTripper is the part of http.Client the engine depends on. Tests swap
// in recorded transports.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RedirectMarker records URLs whose upstream answer was a redirect so the
// caller never caches them.
type RedirectMarker interface {
	MarkRedirect(url string)
}

// EngineConfig configures the upstream fetch engine.
type EngineConfig struct {
	// Transport issues the upstream requests. Defaults to an HTTP/1.1-only
	// transport with upstream certificate verification disabled.
	Transport RoundTripper
	// Text rewrites js, css and html payloads.
	Text transform.Text
	// Images transcodes webp and avif payloads.
	Images transform.Image
	// Redirects receives redirect URL marks. Optional.
	Redirects RedirectMarker
	// Recorder receives bandwidth and transform counters. Optional.
	Recorder *metrics.Recorder
	// MaxBodySize caps the upstream body accumulated in memory.
	MaxBodySize int64
	// Timeout bounds one whole upstream exchange.
	Timeout time.Duration
	// Clock is used to time exchanges.
	Clock clockwork.Clock
	// Logger emits fetch diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *EngineConfig) CheckAndSetDefaults() error {
	if c.Transport == nil {
		c.Transport = NewTransport()
	}
	if c.Text == nil {
		c.Text = transform.NewIdentity()
	}
	if c.Images == nil {
		c.Images = transform.NewIdentity()
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaults.MaxUpstreamBodySize
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.UpstreamRequestTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentFetch)
	}
	return nil
}

// Engine fetches upstream resources and runs them through the transformers.
type Engine struct {
	cfg EngineConfig
}

// NewEngine returns an engine ready for use.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Engine{cfg: cfg}, nil
}

// NewTransport returns the upstream transport: HTTP/1.1 only, since the
// responses are re-serialized onto HTTP/1.1 client connections, and with
// upstream certificate verification disabled because interception already
// exposes the plaintext.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   defaults.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
		},
		ForceAttemptHTTP2:   false,
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		MaxIdleConns:        100,
		IdleConnTimeout:     defaults.IdleConnTimeout,
		TLSHandshakeTimeout: defaults.TLSHandshakeTimeout,
	}
}

// Request is one upstream fetch job, already past filtering and cache
// lookup.
type Request struct {
	// Method is the HTTP method, GET when empty.
	Method string
	// URL is the absolute upstream URL.
	URL string
	// Header carries the client request headers. The engine scrubs a copy,
	// the caller's map is never mutated.
	Header http.Header
	// Body is the request body, nil for bodyless methods.
	Body []byte
	// Config is the effective per-request configuration.
	Config config.Config
}

// Result is the outcome of one fetch, transformed when eligible.
type Result struct {
	// StatusCode is the upstream status.
	StatusCode int
	// Header carries the response headers after scrubbing and Content-Type
	// rewriting.
	Header http.Header
	// Body is the final body, decompressed and transformed when eligible.
	Body []byte
	// ContentType is the classified payload type.
	ContentType transform.ContentType
	// Transformed reports whether a transformer rewrote the body.
	Transformed bool
	// Redirect reports whether the upstream answered with a redirect
	// status. Redirect results must not be cached.
	Redirect bool
	// Cacheable reports whether the result may enter the transformation
	// cache.
	Cacheable bool
	// RawSize is the body length as received, before decompression.
	RawSize int64
}

// CacheEntry converts the result into a cache entry for the given key.
func (r *Result) CacheEntry(key cache.Key, url string) *cache.Entry {
	return &cache.Entry{
		Key:                 key,
		URL:                 url,
		ContentType:         r.ContentType,
		ResponseContentType: r.Header.Get("Content-Type"),
		Body:                r.Body,
	}
}

// Do performs one upstream exchange. Transport failures surface as errors:
// trace.ConnectionProblem wrapping context.DeadlineExceeded for timeouts,
// trace.ConnectionProblem for unreachable upstreams and trace.LimitExceeded
// for over-sized bodies. Decompression and transform failures do not fail
// the fetch, the body is forwarded untouched instead.
func (e *Engine) Do(ctx context.Context, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	outReq, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return nil, trace.BadParameter("invalid upstream URL %q: %v", req.URL, err)
	}
	if len(req.Body) > 0 {
		outReq.Body = io.NopCloser(bytes.NewReader(req.Body))
		outReq.ContentLength = int64(len(req.Body))
	}
	outReq.Header = scrubRequestHeader(req.Header, req.URL, &req.Config)

	start := e.cfg.Clock.Now()
	resp, err := e.cfg.Transport.RoundTrip(outReq)
	if err != nil {
		return nil, trace.Wrap(classifyTransportError(err, req.URL))
	}
	defer resp.Body.Close()

	raw, err := utils.ReadAtMost(resp.Body, e.cfg.MaxBodySize)
	if err != nil {
		if trace.IsLimitExceeded(err) {
			return nil, trace.Wrap(err, "upstream body for %v exceeds %v bytes", req.URL, e.cfg.MaxBodySize)
		}
		return nil, trace.Wrap(classifyTransportError(err, req.URL))
	}
	elapsed := e.cfg.Clock.Since(start)

	res := &Result{
		StatusCode: resp.StatusCode,
		Header:     utils.CloneHeader(resp.Header),
		Body:       raw,
		RawSize:    int64(len(raw)),
	}
	utils.StripHopHeaders(res.Header)

	if utils.IsRedirectStatus(resp.StatusCode) {
		res.Redirect = true
		if e.cfg.Redirects != nil {
			e.cfg.Redirects.MarkRedirect(req.URL)
		}
		e.record(res)
		e.cfg.Logger.DebugContext(ctx, "Forwarding upstream redirect.",
			"url", req.URL,
			"status", resp.StatusCode,
			"location", res.Header.Get("Location"),
		)
		return res, nil
	}

	body, decodeErr := Decompress(raw, res.Header.Get("Content-Encoding"))
	if decodeErr != nil {
		// The declared encoding does not decode. Forward the body exactly
		// as received so the client can take its own view of it.
		e.cfg.Logger.WarnContext(ctx, "Failed to decode upstream body, forwarding verbatim.",
			"url", req.URL,
			"content_encoding", res.Header.Get("Content-Encoding"),
			"error", decodeErr,
		)
		e.record(res)
		return res, nil
	}
	if body != nil {
		res.Body = body
		res.Header.Del("Content-Encoding")
		res.Header.Del("Content-Length")
	}

	res.ContentType = transform.Classify(res.Header.Get("Content-Type"), req.URL)
	e.transformBody(ctx, req, res)
	e.record(res)

	e.cfg.Logger.DebugContext(ctx, "Fetched upstream resource.",
		"url", req.URL,
		"status", res.StatusCode,
		"content_type", string(res.ContentType),
		"raw_bytes", res.RawSize,
		"final_bytes", len(res.Body),
		"transformed", res.Transformed,
		"elapsed", elapsed,
	)
	return res, nil
}

// transformBody dispatches the decompressed body to the text or image
// transformer when the effective config and targets call for it. Only 200
// responses are rewritten, error pages go through untouched.
func (e *Engine) transformBody(ctx context.Context, req *Request, res *Result) {
	if res.StatusCode != http.StatusOK {
		return
	}
	cfg := &req.Config

	switch {
	case res.ContentType.IsImage() && transform.NeedsImageTransform(cfg.Targets, res.ContentType):
		out, err := e.cfg.Images.TransformImage(ctx, transform.ImageRequest{
			URL:         req.URL,
			ContentType: res.ContentType,
			Targets:     cfg.Targets,
			Body:        res.Body,
		})
		if err != nil {
			e.cfg.Logger.WarnContext(ctx, "Image transform failed, forwarding original.",
				"url", req.URL, "error", err)
			return
		}
		res.Body = out.Body
		if out.ContentType != "" {
			res.Header.Set("Content-Type", out.ContentType)
		}
		res.Transformed = true
		res.Cacheable = true

	case res.ContentType.IsText() && wantsTextTransform(cfg, res.ContentType):
		out, err := e.cfg.Text.TransformText(ctx, transform.TextRequest{
			URL:                req.URL,
			ContentType:        res.ContentType,
			Charset:            transform.CharsetFromContentType(res.Header.Get("Content-Type")),
			Targets:            cfg.Targets,
			InjectPolyfills:    cfg.InjectPolyfills && res.ContentType == transform.ContentTypeHTML,
			BundleESModules:    cfg.BundleESModules,
			SpoofUserAgentInJS: cfg.SpoofUserAgentInJS,
			UserAgent:          cfg.UserAgent,
			Body:               res.Body,
		})
		if err != nil {
			e.cfg.Logger.WarnContext(ctx, "Text transform failed, forwarding original.",
				"url", req.URL, "content_type", string(res.ContentType), "error", err)
			return
		}
		res.Body = out
		res.Header.Set("Content-Type", rewriteCharset(res.Header.Get("Content-Type"), res.ContentType))
		res.Transformed = true
		res.Cacheable = true
	}

	if res.Transformed && e.cfg.Recorder != nil {
		e.cfg.Recorder.RecordTransform(res.ContentType)
	}
}

func (e *Engine) record(res *Result) {
	if e.cfg.Recorder == nil {
		return
	}
	e.cfg.Recorder.RecordBandwidth(res.RawSize, int64(len(res.Body)))
}

// wantsTextTransform maps the classified type onto the per-type config
// toggles.
func wantsTextTransform(cfg *config.Config, ctype transform.ContentType) bool {
	switch ctype {
	case transform.ContentTypeJS:
		return cfg.TransformJS
	case transform.ContentTypeCSS:
		return cfg.TransformCSS
	case transform.ContentTypeHTML:
		return cfg.TransformHTML
	}
	return false
}

// scrubRequestHeader builds the outgoing header set from the client's. Hop
// and proxy headers go, conditional headers on script and stylesheet URLs go
// so upstream always returns a full body to transform, and the accepted
// encodings are pinned to the ones the engine can decode natively.
func scrubRequestHeader(in http.Header, rawURL string, cfg *config.Config) http.Header {
	out := utils.CloneHeader(in)
	utils.StripProxyHeaders(out)
	utils.StripHopHeaders(out)

	if cfg.SpoofUserAgent && cfg.UserAgent != "" {
		out.Set("User-Agent", cfg.UserAgent)
	}
	if transform.LooksLikeScript(rawURL) || transform.LooksLikeStylesheet(rawURL) {
		out.Del("If-None-Match")
		out.Del("If-Modified-Since")
	}
	// Brotli is left out on purpose: upstream answers stay limited to
	// encodings the engine decodes without external help. Misbehaving
	// servers that send br anyway are still handled by Decompress.
	out.Set("Accept-Encoding", "gzip, deflate")
	return out
}

// rewriteCharset normalizes the Content-Type of a transformed body to UTF-8,
// which is what the transformers emit regardless of the source charset.
func rewriteCharset(contentType string, ctype transform.ContentType) string {
	mediaType := contentType
	if i := strings.Index(mediaType, ";"); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(mediaType)
	if mediaType == "" {
		switch ctype {
		case transform.ContentTypeJS:
			mediaType = "application/javascript"
		case transform.ContentTypeCSS:
			mediaType = "text/css"
		default:
			mediaType = "text/html"
		}
	}
	return mediaType + "; charset=UTF-8"
}

// classifyTransportError folds transport failures into the two classes the
// proxy reports upstream problems as: timeouts and everything unreachable.
func classifyTransportError(err error, url string) error {
	switch {
	case err == nil:
		return nil
	case utils.IsTimeoutError(err):
		return trace.ConnectionProblem(context.DeadlineExceeded, "upstream request to %v timed out", url)
	default:
		return trace.ConnectionProblem(err, "upstream %v unreachable", url)
	}
}

// IsUpstreamTimeout reports whether the fetch failed on the upstream
// deadline. Callers map this to 504.
func IsUpstreamTimeout(err error) bool {
	return trace.IsConnectionProblem(err) && errors.Is(err, context.DeadlineExceeded)
}
