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
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/revampproxy/revamp/lib/transform"
)

const swContentType = "application/javascript; charset=UTF-8"

// swBundle fetches a service worker script, flattens its module graph and
// rewrites it for the target browsers. Bundling failures never break the
// page's service worker registration: the endpoint still answers 200 with a
// fallback script that reports the failure in the browser console.
func (h *Handler) swBundle(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	url := r.URL.Query().Get("url")
	if url == "" {
		// The message is part of the client contract, the bridge shim
		// matches on it.
		return nil, trace.BadParameter("Missing required parameter %q", "url")
	}
	cfg := h.cfg.Store.Base()
	if cfg.RemoteServiceWorkers {
		return nil, trace.BadParameter("service worker bundling is delegated to a remote endpoint, the local bundler is disabled")
	}
	scope := r.URL.Query().Get("scope")

	code, err := h.cfg.Bundler.Bundle(r.Context(), transform.BundleRequest{
		URL:     url,
		Scope:   scope,
		Targets: cfg.Targets,
	})
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "Service worker bundling failed.",
			"url", url, "error", err)
		code = swFallback(url, err)
	}
	w.Header().Set("Content-Type", swContentType)
	w.Write(code)
	return nil, nil
}

// swInline transforms inline service worker code posted by the bridge shim.
func (h *Handler) swInline(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	var req struct {
		Code  string `json:"code"`
		Scope string `json:"scope"`
	}
	if err := readJSON(w, r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if req.Code == "" {
		return nil, trace.BadParameter("Missing required parameter %q", "code")
	}
	cfg := h.cfg.Store.Base()

	code, err := h.cfg.Bundler.Bundle(r.Context(), transform.BundleRequest{
		Scope:   req.Scope,
		Code:    []byte(req.Code),
		Targets: cfg.Targets,
	})
	if err != nil {
		h.cfg.Logger.WarnContext(r.Context(), "Inline service worker transform failed.",
			"error", err)
		code = swFallback("inline", err)
	}
	w.Header().Set("Content-Type", swContentType)
	w.Write(code)
	return nil, nil
}

// swFallback is served in place of a bundle that failed to build. It keeps
// the registration alive and surfaces the reason where page authors look.
func swFallback(source string, err error) []byte {
	return []byte(fmt.Sprintf(
		"/* service worker bundling failed, serving inert worker */\n"+
			"self.addEventListener('install', function () { self.skipWaiting(); });\n"+
			"if (typeof console !== 'undefined' && console.warn) {\n"+
			"\tconsole.warn('revamp: failed to bundle service worker %s: %s');\n"+
			"}\n",
		jsEscape(source), jsEscape(trace.UserMessage(err))))
}

// jsEscape makes a string safe inside a single-quoted JS literal.
func jsEscape(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\'', '\\':
			out = append(out, '\\', c)
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}
