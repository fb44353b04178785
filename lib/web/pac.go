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
	"net"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/utils"
)

// pacContentType is what legacy browsers expect for auto-config scripts.
const pacContentType = "application/x-ns-proxy-autoconfig"

func (h *Handler) pacSOCKS5(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	cfg := h.cfg.Store.Base()
	h.writePAC(w, r, fmt.Sprintf("SOCKS5 %v:%v", h.pacHost(r), cfg.SOCKS5Port))
	return nil, nil
}

func (h *Handler) pacHTTP(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	cfg := h.cfg.Store.Base()
	h.writePAC(w, r, fmt.Sprintf("PROXY %v:%v", h.pacHost(r), cfg.HTTPProxyPort))
	return nil, nil
}

func (h *Handler) pacCombined(w http.ResponseWriter, r *http.Request, _ httprouter.Params) (any, error) {
	cfg := h.cfg.Store.Base()
	host := h.pacHost(r)
	h.writePAC(w, r, fmt.Sprintf("SOCKS5 %v:%v; PROXY %v:%v; DIRECT",
		host, cfg.SOCKS5Port, host, cfg.HTTPProxyPort))
	return nil, nil
}

func (h *Handler) writePAC(w http.ResponseWriter, r *http.Request, directive string) {
	w.Header().Set("Content-Type", pacContentType)
	fmt.Fprintf(w, `function FindProxyForURL(url, host) {
	if (isPlainHostName(host) || shExpMatch(host, "localhost") || shExpMatch(host, "127.*")) {
		return "DIRECT";
	}
	return %q;
}
`, directive)
}

// pacHost is the proxy address the PAC file points clients at: the address
// this request arrived on. The internal hostname only resolves through the
// proxy itself, so requests addressed to it fall back to the first
// non-loopback local IP.
func (h *Handler) pacHost(r *http.Request) string {
	host := r.Host
	if splitHost, _, err := net.SplitHostPort(host); err == nil {
		host = splitHost
	}
	if host != "" && host != revamp.InternalHostname {
		return host
	}
	if ip, err := utils.GuessHostIP(); err == nil && ip != nil {
		return ip.String()
	}
	return host
}
