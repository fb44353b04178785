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

// Package web implements the internal API under /__revamp__/ and the captive
// portal pages. The same handler is served on the portal port and spliced
// into intercepted proxy traffic addressed to the internal hostname.
package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/roundtrip"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/cache"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/plugin"
	"github.com/revampproxy/revamp/lib/transform"
)

// maxRequestBody caps bodies read by the JSON endpoints.
const maxRequestBody = 1 << 20

// Config holds the dependencies of the internal API handler.
type Config struct {
	// Store reads and persists the base config and domain profiles.
	Store *config.Store
	// Metrics supplies the snapshot behind the metrics endpoints.
	Metrics *metrics.Recorder
	// Cache is consulted for dashboard statistics. Optional.
	Cache *cache.Store
	// Plugins backs the plugin CRUD endpoints. Optional, the endpoints
	// answer 404 without it.
	Plugins *plugin.Manager
	// CAPEM is the root certificate served for download. Optional.
	CAPEM []byte
	// Bundler flattens service worker module graphs.
	Bundler transform.Bundler
	// Clock is used for uptime arithmetic.
	Clock clockwork.Clock
	// Logger emits request diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("missing parameter Store")
	}
	if c.Metrics == nil {
		return trace.BadParameter("missing parameter Metrics")
	}
	if c.Bundler == nil {
		c.Bundler = transform.NewIdentity()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentWeb)
	}
	return nil
}

// Handler is the internal API router.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler returns a handler with all internal API routes bound.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}
	h.RedirectTrailingSlash = true
	// Required for the Allow header on 405 responses.
	h.HandleMethodNotAllowed = true

	const prefix = revamp.InternalAPIPrefix

	// Effective configuration.
	h.GET(prefix+"/config", h.makeHandler(h.getConfig))
	h.POST(prefix+"/config", h.makeHandler(h.updateConfig))
	h.DELETE(prefix+"/config", h.makeHandler(h.resetConfig))

	// Domain profiles.
	h.GET(prefix+"/domains", h.makeHandler(h.listDomains))
	h.POST(prefix+"/domains", h.makeHandler(h.upsertDomain))
	h.GET(prefix+"/domains/:id", h.makeHandler(h.getDomain))
	h.DELETE(prefix+"/domains/:id", h.makeHandler(h.deleteDomain))

	// Metrics: JSON snapshot, HTML dashboard and Prometheus exposition.
	h.GET(prefix+"/metrics/json", h.makeHandler(h.metricsJSON))
	h.GET(prefix+"/metrics", h.makeHandler(h.dashboard))
	h.GET(prefix+"/metrics/dashboard", h.makeHandler(h.dashboard))
	h.Handler(http.MethodGet, prefix+"/metrics/prometheus", promhttp.Handler())

	// Proxy auto-config.
	h.GET(prefix+"/pac/socks5", h.makeHandler(h.pacSOCKS5))
	h.GET(prefix+"/pac/http", h.makeHandler(h.pacHTTP))
	h.GET(prefix+"/pac/combined", h.makeHandler(h.pacCombined))

	// Service worker bridge.
	h.GET(prefix+"/sw/bundle", h.makeHandler(h.swBundle))
	h.POST(prefix+"/sw/inline", h.makeHandler(h.swInline))

	// Plugin lifecycle plus routes plugins expose themselves.
	h.GET(prefix+"/plugins", h.makeHandler(h.listPlugins))
	h.POST(prefix+"/plugins", h.makeHandler(h.loadPlugin))
	h.GET(prefix+"/plugins/:id", h.makeHandler(h.getPlugin))
	h.DELETE(prefix+"/plugins/:id", h.makeHandler(h.unloadPlugin))
	h.POST(prefix+"/plugins/:id/activate", h.makeHandler(h.activatePlugin))
	h.POST(prefix+"/plugins/:id/deactivate", h.makeHandler(h.deactivatePlugin))
	h.POST(prefix+"/plugins/:id/reload", h.makeHandler(h.reloadPlugin))
	h.POST(prefix+"/plugins/:id/configure", h.makeHandler(h.configurePlugin))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		h.Handle(method, prefix+"/plugins/:id/routes/*route", h.makeHandler(h.pluginRoute))
	}

	h.GET(prefix+"/ca", h.makeHandler(h.caPEM))
	h.GET(prefix+"/healthz", h.makeHandler(h.healthz))

	// Captive portal landing page.
	h.GET("/", h.makeHandler(h.portal))

	h.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		replyJSONError(w, http.StatusNotFound, "path not found")
	})
	h.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The router fills in the Allow header before calling us.
		replyJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return h, nil
}

// ServeHTTP decorates every response with permissive CORS headers and
// answers preflight requests before routing. The callers are pages loaded
// from arbitrary origins, so the internal API must be reachable from all of
// them.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORSHeaders(w.Header())
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h.Router.ServeHTTP(w, r)
}

func setCORSHeaders(header http.Header) {
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
	header.Set("Access-Control-Max-Age", "86400")
}

// handlerFunc is the signature route handlers implement: return a value to
// be JSON-encoded, or write to w directly and return nil.
type handlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error)

// makeHandler adapts a handlerFunc onto the router, converting returned
// errors into the API's JSON error envelope.
func (h *Handler) makeHandler(fn handlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			h.cfg.Logger.DebugContext(r.Context(), "API request failed.",
				"method", r.Method, "path", r.URL.Path, "error", err)
			replyError(w, err)
			return
		}
		if out != nil {
			roundtrip.ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// replyError maps error classes onto the API's status vocabulary.
func replyError(w http.ResponseWriter, err error) {
	switch {
	case trace.IsNotFound(err):
		replyJSONError(w, http.StatusNotFound, trace.UserMessage(err))
	case trace.IsBadParameter(err), trace.IsAlreadyExists(err), trace.IsAccessDenied(err):
		replyJSONError(w, http.StatusBadRequest, trace.UserMessage(err))
	default:
		replyJSONError(w, http.StatusInternalServerError, trace.UserMessage(err))
	}
}

func replyJSONError(w http.ResponseWriter, code int, message string) {
	roundtrip.ReplyJSON(w, code, map[string]string{"error": message})
}

// readJSON decodes the request body into val, bounding the body size.
func readJSON(w http.ResponseWriter, r *http.Request, val any) error {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		return trace.BadParameter("failed to read request body: %v", err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid JSON: %v", err)
	}
	return nil
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.cfg.Store.Base(), nil
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var p config.PartialConfig
	if err := readJSON(w, r, &p); err != nil {
		return nil, trace.Wrap(err)
	}
	cfg, err := h.cfg.Store.UpdateOverrides(&p)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Updated configuration overrides.")
	return cfg, nil
}

func (h *Handler) resetConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	cfg, err := h.cfg.Store.ResetOverrides()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Reset configuration overrides.")
	return cfg, nil
}

func (h *Handler) listDomains(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.cfg.Store.Profiles(), nil
}

func (h *Handler) getDomain(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	profile, err := h.cfg.Store.Profile(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return profile, nil
}

func (h *Handler) upsertDomain(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var profile config.DomainProfile
	if err := readJSON(w, r, &profile); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Store.UpsertProfile(profile); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Stored domain profile.", "profile", profile.ID)
	return profile, nil
}

func (h *Handler) deleteDomain(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	if err := h.cfg.Store.DeleteProfile(p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	h.cfg.Logger.InfoContext(r.Context(), "Deleted domain profile.", "profile", p.ByName("id"))
	return map[string]string{"status": "deleted"}, nil
}

func (h *Handler) metricsJSON(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return h.cfg.Metrics.Snapshot(), nil
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func (h *Handler) caPEM(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	if len(h.cfg.CAPEM) == 0 {
		return nil, trace.NotFound("certificate authority is not configured")
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", `attachment; filename="revamp-ca.pem"`)
	w.Write(h.cfg.CAPEM)
	return nil, nil
}

func (h *Handler) listPlugins(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return manager.List(), nil
}

func (h *Handler) getPlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Get(p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (h *Handler) loadPlugin(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var req struct {
		Dir string `json:"dir"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Dir == "" {
		return nil, trace.BadParameter("missing required parameter %q", "dir")
	}
	status, err := manager.Load(r.Context(), req.Dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (h *Handler) unloadPlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := manager.Unload(r.Context(), p.ByName("id")); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"status": "unloaded"}, nil
}

func (h *Handler) activatePlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.pluginAction(r.Context(), p.ByName("id"), (*plugin.Manager).Activate)
}

func (h *Handler) deactivatePlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.pluginAction(r.Context(), p.ByName("id"), (*plugin.Manager).Deactivate)
}

func (h *Handler) reloadPlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	return h.pluginAction(r.Context(), p.ByName("id"), (*plugin.Manager).Reload)
}

func (h *Handler) pluginAction(ctx context.Context, id string, action func(*plugin.Manager, context.Context, string) error) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := action(manager, ctx, id); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Get(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

func (h *Handler) configurePlugin(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var cfg map[string]any
	if err := readJSON(w, r, &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	id := p.ByName("id")
	if err := manager.Configure(r.Context(), id, cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	status, err := manager.Get(id)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return status, nil
}

// pluginRoute dispatches to a handler the plugin registered through its
// host. The plugin owns the response wire format.
func (h *Handler) pluginRoute(w http.ResponseWriter, r *http.Request, p httprouter.Params) (any, error) {
	manager, err := h.plugins()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	id := p.ByName("id")
	route := p.ByName("route")
	handler, ok := manager.Routes().Lookup(id, route)
	if !ok {
		return nil, trace.NotFound("plugin %q does not serve %q", id, route)
	}
	handler.ServeHTTP(w, r)
	return nil, nil
}

func (h *Handler) plugins() (*plugin.Manager, error) {
	if h.cfg.Plugins == nil {
		return nil, trace.NotFound("plugin system is not enabled")
	}
	return h.cfg.Plugins, nil
}
