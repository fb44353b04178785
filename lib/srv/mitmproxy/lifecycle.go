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

package mitmproxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/cache"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/fetch"
	"github.com/revampproxy/revamp/lib/filter"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/plugin"
	"github.com/revampproxy/revamp/lib/transform"
	"github.com/revampproxy/revamp/lib/utils"
)

// RequestContext carries one request through the lifecycle steps. The
// request:pre hook chain receives it as input and may mutate the URL, the
// header and the plugin scratchpad in place.
type RequestContext struct {
	// RequestID is the identifier minted when the request entered the
	// lifecycle.
	RequestID string
	// Method is the HTTP method.
	Method string
	// URL is the absolute request URL. Hooks may rewrite it.
	URL *url.URL
	// Header carries the client request headers.
	Header http.Header
	// Body is the request body, nil for bodyless methods.
	Body []byte
	// ClientIP is the requesting client, without port.
	ClientIP string
	// Hostname is the request host, without port.
	Hostname string
	// IsHTTPS reports whether the request arrived over an intercepted TLS
	// connection.
	IsHTTPS bool
	// EffectiveConfig is the configuration resolved for (ClientIP, Hostname).
	EffectiveConfig config.Config
	// MatchedProfile is the domain profile that contributed to the effective
	// config, nil when none matched.
	MatchedProfile *config.DomainProfile
	// StartTime is when the request entered the lifecycle.
	StartTime time.Time
	// PluginData is a scratchpad that lives for the duration of the request.
	// Hook handlers may stash values here for later hooks to read.
	PluginData map[string]any
}

// ResponseContext is the input to the response:post hook chain. Handlers may
// replace StatusCode, Header and Body in place.
type ResponseContext struct {
	// Request is the context the response answers.
	Request *RequestContext
	// StatusCode is the response status.
	StatusCode int
	// Header carries the response headers.
	Header http.Header
	// Body is the response body.
	Body []byte
	// ContentType is the classified payload type.
	ContentType transform.ContentType
	// OriginalSize is the body length as received from upstream, before
	// decompression and transformation.
	OriginalSize int64
	// Duration is the time spent in the lifecycle so far.
	Duration time.Duration
}

// Response is the controller output, fully buffered. Buffering is what keeps
// the cache-write-before-flush ordering: by the time a frontend writes the
// first byte to the client, every cache store for the request has completed.
type Response struct {
	// StatusCode is the HTTP status.
	StatusCode int
	// Header carries the response headers.
	Header http.Header
	// Body is the response body.
	Body []byte
}

// ControllerConfig configures the request lifecycle controller.
type ControllerConfig struct {
	// Resolver computes the effective config per request.
	Resolver *config.Resolver
	// Engine performs upstream fetches.
	Engine *fetch.Engine
	// Recorder receives request metrics.
	Recorder *metrics.Recorder
	// Internal serves requests addressed to the proxy itself.
	Internal http.Handler
	// Filter is the built-in ad and tracker blocker.
	Filter *filter.Filter
	// Cache is the transformation cache. Nil disables caching.
	Cache *cache.Store
	// Hooks runs the lifecycle hook chains. Optional.
	Hooks *plugin.Executor
	// Clock times requests.
	Clock clockwork.Clock
	// Logger emits per-request diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ControllerConfig) CheckAndSetDefaults() error {
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Engine == nil {
		return trace.BadParameter("missing parameter Engine")
	}
	if c.Recorder == nil {
		return trace.BadParameter("missing parameter Recorder")
	}
	if c.Internal == nil {
		return trace.BadParameter("missing parameter Internal")
	}
	if c.Filter == nil {
		c.Filter = filter.New()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentLifecycle)
	}
	return nil
}

// Controller orders the steps every proxied request goes through: intercept
// internal paths, resolve config, filter, run hook chains, consult the cache,
// fetch upstream and assemble the response. Both frontends feed it.
type Controller struct {
	cfg ControllerConfig
}

// NewController creates a Controller.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Controller{cfg: cfg}, nil
}

// errUncacheable marks a fetch whose result must not enter the cache. It
// never escapes the controller.
var errUncacheable = errors.New("response is not cacheable")

// Handle runs one request through the lifecycle and returns the buffered
// response. It never returns nil: every failure maps to an error response.
func (c *Controller) Handle(ctx context.Context, req *http.Request, clientIP string, isHTTPS bool) *Response {
	start := c.cfg.Clock.Now()
	requestID := uuid.NewString()
	c.cfg.Recorder.RecordRequest()
	defer func() {
		c.cfg.Recorder.RecordDuration(c.cfg.Clock.Since(start))
	}()

	if isInternalRequest(req.URL.Hostname(), req.URL.Path) {
		return serveHandler(c.cfg.Internal, req)
	}

	rc, resp := c.newRequestContext(ctx, req, requestID, clientIP, isHTTPS, start)
	if resp != nil {
		return resp
	}

	if blocked := c.filterStep(ctx, rc); blocked != nil {
		return blocked
	}

	if resp, done := c.requestPreStep(ctx, rc); done {
		return resp
	}

	resp, cacheHit, errored := c.fetchStep(ctx, rc)
	if !cacheHit && !errored && c.cfg.Hooks != nil {
		resp = c.responsePostStep(ctx, rc, resp, start)
	}

	c.cfg.Logger.DebugContext(ctx, "Handled request.",
		"id", requestID,
		"method", rc.Method,
		"url", rc.URL.String(),
		"status", resp.StatusCode,
		"cache_hit", cacheHit,
		"duration", c.cfg.Clock.Since(start))
	return resp
}

// newRequestContext reads the request body, resolves the effective config
// and builds the lifecycle context. The second return value is non-nil when
// the request cannot proceed.
func (c *Controller) newRequestContext(ctx context.Context, req *http.Request, requestID, clientIP string, isHTTPS bool, start time.Time) (*RequestContext, *Response) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = utils.ReadAtMost(req.Body, defaults.MaxUpstreamBodySize)
		if err != nil {
			return nil, errorResponse(http.StatusRequestEntityTooLarge, "request body too large")
		}
	}

	hostname := req.URL.Hostname()
	res, err := c.cfg.Resolver.Resolve(ctx, clientIP, hostname)
	if err != nil {
		c.cfg.Logger.WarnContext(ctx, "Config resolution failed.",
			"id", requestID, "host", hostname, "error", err)
		return nil, errorResponse(http.StatusBadGateway, "configuration resolution failed")
	}

	return &RequestContext{
		RequestID:       requestID,
		Method:          req.Method,
		URL:             req.URL,
		Header:          req.Header.Clone(),
		Body:            body,
		ClientIP:        clientIP,
		Hostname:        hostname,
		IsHTTPS:         isHTTPS,
		EffectiveConfig: res.Config,
		MatchedProfile:  res.Profile,
		StartTime:       start,
		PluginData:      make(map[string]any),
	}, nil
}

// filterStep runs the filter:decision hook chain, then the built-in rules.
// A hook that stops the chain decides alone: its verdict blocks or allows
// without consulting the built-in rules. It returns the synthetic block
// response, or nil to continue.
func (c *Controller) filterStep(ctx context.Context, rc *RequestContext) *Response {
	if c.cfg.Hooks != nil {
		result := c.cfg.Hooks.RunChain(ctx, plugin.HookFilterDecision, rc, nil)
		if result.Err != nil {
			return errorResponse(http.StatusBadGateway, "filter hook failed")
		}
		if result.Stopped {
			decision, ok := decisionFromHook(result.Value)
			if !ok || !decision.Block {
				return nil
			}
			return c.blockResponse(ctx, rc, decision)
		}
	}

	decision := c.cfg.Filter.Decide(rc.URL)
	if !decision.Block || !filterCategoryEnabled(decision.Category, rc.EffectiveConfig) {
		return nil
	}
	return c.blockResponse(ctx, rc, decision)
}

func decisionFromHook(value any) (filter.Decision, bool) {
	switch d := value.(type) {
	case filter.Decision:
		return d, true
	case *filter.Decision:
		if d != nil {
			return *d, true
		}
	}
	return filter.Decision{}, false
}

func filterCategoryEnabled(category filter.Category, cfg config.Config) bool {
	switch category {
	case filter.CategoryAds:
		return cfg.RemoveAds
	case filter.CategoryTracking:
		return cfg.RemoveTracking
	}
	return true
}

// blockResponse synthesizes the reply for a blocked request: an empty script
// for script-like URLs so page code awaiting the load event keeps running,
// an empty 204 for everything else.
func (c *Controller) blockResponse(ctx context.Context, rc *RequestContext, decision filter.Decision) *Response {
	c.cfg.Recorder.RecordBlocked()
	c.cfg.Logger.DebugContext(ctx, "Blocked request.",
		"id", rc.RequestID, "url", rc.URL.String(), "rule", decision.Rule)

	header := make(http.Header)
	header.Set("Cache-Control", "no-store")
	if decision.Kind == filter.KindScript {
		header.Set("Content-Type", "application/javascript; charset=UTF-8")
		return &Response{StatusCode: http.StatusOK, Header: header, Body: []byte{}}
	}
	return &Response{StatusCode: http.StatusNoContent, Header: header}
}

// requestPreStep runs the request:pre chain. Handlers mutate the context in
// place; a handler that stops with a *Response substitutes it for the rest of
// the lifecycle, and a failing handler turns into a 502. done reports whether
// the lifecycle should return resp without fetching.
func (c *Controller) requestPreStep(ctx context.Context, rc *RequestContext) (resp *Response, done bool) {
	if c.cfg.Hooks == nil {
		return nil, false
	}
	result := c.cfg.Hooks.RunChain(ctx, plugin.HookRequestPre, rc, nil)
	if result.Err != nil {
		c.cfg.Logger.WarnContext(ctx, "Request hook chain failed.",
			"id", rc.RequestID, "plugin", result.StoppedBy, "error", result.Err)
		return errorResponse(http.StatusBadGateway, "request hook failed"), true
	}
	if result.Stopped {
		if substituted, ok := result.Value.(*Response); ok && substituted != nil {
			return substituted, true
		}
	}
	return nil, false
}

// fetchStep consults the cache and fetches upstream on a miss. Concurrent
// misses for the same key share one fetch; cacheable fills are stored before
// anything is returned, so the entry is visible the moment any caller can
// observe the response. errored reports a fetch failure the lifecycle turned
// into a synthetic error response.
func (c *Controller) fetchStep(ctx context.Context, rc *RequestContext) (resp *Response, cacheHit, errored bool) {
	// The key has no method component, so only GETs may share entries.
	if c.cfg.Cache == nil || !rc.EffectiveConfig.CacheEnabled || rc.Method != http.MethodGet {
		res, err := c.cfg.Engine.Do(ctx, fetchRequest(rc))
		if err != nil {
			return c.fetchErrorResponse(ctx, rc, err), false, true
		}
		return resultResponse(res), false, false
	}

	key := c.cacheKey(rc)
	var direct *fetch.Result
	entry, hit, err := c.cfg.Cache.GetOrFill(ctx, key, func(ctx context.Context) (*cache.Entry, error) {
		res, ferr := c.cfg.Engine.Do(ctx, fetchRequest(rc))
		if ferr != nil {
			return nil, trace.Wrap(ferr)
		}
		if res.Cacheable && !res.Redirect {
			return res.CacheEntry(key, rc.URL.String()), nil
		}
		direct = res
		return nil, errUncacheable
	})

	switch {
	case err == nil && hit:
		c.cfg.Recorder.RecordCacheHit()
		c.cfg.Recorder.RecordBandwidth(0, int64(len(entry.Body)))
		return entryResponse(entry), true, false
	case err == nil:
		c.cfg.Recorder.RecordCacheMiss()
		return entryResponse(entry), false, false
	case errors.Is(err, errUncacheable):
		c.cfg.Recorder.RecordCacheMiss()
		if direct == nil {
			// A single-flight waiter rode along on a fill that turned out
			// uncacheable. Fetch independently; there is nothing to share.
			res, ferr := c.cfg.Engine.Do(ctx, fetchRequest(rc))
			if ferr != nil {
				return c.fetchErrorResponse(ctx, rc, ferr), false, true
			}
			direct = res
		}
		return resultResponse(direct), false, false
	default:
		c.cfg.Recorder.RecordCacheMiss()
		return c.fetchErrorResponse(ctx, rc, err), false, true
	}
}

// cacheKey derives the cache key for the request. Classification uses the
// URL alone so the key is computable before the response exists; the stored
// entry is addressed the same way on every later request.
func (c *Controller) cacheKey(rc *RequestContext) cache.Key {
	fingerprint := cache.ClientFingerprint(rc.ClientIP, rc.EffectiveConfig.TransformSignature())
	ctype := transform.Classify("", rc.URL.String())
	return cache.NewKey(rc.URL.String(), ctype, fingerprint)
}

func fetchRequest(rc *RequestContext) *fetch.Request {
	return &fetch.Request{
		Method: rc.Method,
		URL:    rc.URL.String(),
		Header: rc.Header,
		Body:   rc.Body,
		Config: rc.EffectiveConfig,
	}
}

func (c *Controller) fetchErrorResponse(ctx context.Context, rc *RequestContext, err error) *Response {
	c.cfg.Recorder.RecordError()
	status := http.StatusBadGateway
	message := "upstream request failed"
	if fetch.IsUpstreamTimeout(err) {
		status = http.StatusGatewayTimeout
		message = "upstream request timed out"
	}
	c.cfg.Logger.WarnContext(ctx, "Upstream fetch failed.",
		"id", rc.RequestID, "url", rc.URL.String(), "error", err)
	return errorResponse(status, message)
}

// responsePostStep runs the response:post chain over a mutable view of the
// response and folds the mutations back in. A failing handler turns into a
// 502; a stop just ends the chain early.
func (c *Controller) responsePostStep(ctx context.Context, rc *RequestContext, resp *Response, start time.Time) *Response {
	respCtx := &ResponseContext{
		Request:      rc,
		StatusCode:   resp.StatusCode,
		Header:       resp.Header,
		Body:         resp.Body,
		ContentType:  transform.Classify(resp.Header.Get("Content-Type"), rc.URL.String()),
		OriginalSize: int64(len(resp.Body)),
		Duration:     c.cfg.Clock.Since(start),
	}
	result := c.cfg.Hooks.RunChain(ctx, plugin.HookResponsePost, respCtx, nil)
	if result.Err != nil {
		c.cfg.Logger.WarnContext(ctx, "Response hook chain failed.",
			"id", rc.RequestID, "plugin", result.StoppedBy, "error", result.Err)
		return errorResponse(http.StatusBadGateway, "response hook failed")
	}
	return &Response{StatusCode: respCtx.StatusCode, Header: respCtx.Header, Body: respCtx.Body}
}

// isInternalRequest reports whether the request belongs to the proxy itself:
// the reserved hostname with any path, or the reserved path prefix under any
// host. The prefix wins over upstream content unconditionally.
func isInternalRequest(hostname, path string) bool {
	return strings.EqualFold(hostname, revamp.InternalHostname) ||
		strings.HasPrefix(path, revamp.InternalAPIPrefix)
}

func resultResponse(res *fetch.Result) *Response {
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: res.Body}
}

func entryResponse(entry *cache.Entry) *Response {
	header := make(http.Header)
	if entry.ResponseContentType != "" {
		header.Set("Content-Type", entry.ResponseContentType)
	}
	return &Response{StatusCode: http.StatusOK, Header: header, Body: entry.Body}
}

func errorResponse(status int, message string) *Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=UTF-8")
	return &Response{StatusCode: status, Header: header, Body: []byte(message + "\n")}
}

// serveHandler runs an http.Handler against a buffered response writer and
// returns the captured response.
func serveHandler(h http.Handler, req *http.Request) *Response {
	buf := newResponseBuffer()
	h.ServeHTTP(buf, req)
	return buf.response()
}

// responseBuffer is an http.ResponseWriter that accumulates the response in
// memory so it can be replayed onto a raw connection.
type responseBuffer struct {
	status int
	header http.Header
	body   bytes.Buffer
	wrote  bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{status: http.StatusOK, header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(status int) {
	if !b.wrote {
		b.status = status
		b.wrote = true
	}
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.wrote = true
	return b.body.Write(p)
}

func (b *responseBuffer) response() *Response {
	return &Response{StatusCode: b.status, Header: b.header, Body: b.body.Bytes()}
}

// writeResponse serializes a buffered response onto a raw client connection
// as HTTP/1.1. Content-Length is always explicit so keep-alive clients can
// frame the next response.
func writeResponse(w io.Writer, req *http.Request, resp *Response) error {
	header := resp.Header
	if header == nil {
		header = make(http.Header)
	}
	out := &http.Response{
		StatusCode:    resp.StatusCode,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
	return trace.Wrap(out.Write(w))
}

// writeBufferedResponse replays a buffered response onto a native
// http.ResponseWriter.
func writeBufferedResponse(w http.ResponseWriter, resp *Response) {
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if resp.StatusCode != http.StatusNoContent {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
}
