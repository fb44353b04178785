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
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/utils"
)

const connectionEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// ServeHTTP makes the Proxy the handler of the HTTP frontend. CONNECT opens
// a tunnel under the same policy as the SOCKS5 frontend. Absolute-form
// requests enter the lifecycle controller. Origin-form requests are served
// only under the internal prefix.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}

	clientIP := utils.ClientIPFromAddr(r.RemoteAddr)
	if r.URL.IsAbs() {
		r.Header.Del("Proxy-Connection")
		r.Header.Del("Proxy-Authorization")
		resp := p.cfg.Controller.Handle(r.Context(), r, clientIP, r.URL.Scheme == "https")
		writeBufferedResponse(w, resp)
		return
	}

	if strings.HasPrefix(r.URL.Path, revamp.InternalAPIPrefix) {
		p.cfg.Internal.ServeHTTP(w, r)
		return
	}
	http.Error(w, "proxy requests must use CONNECT or an absolute URL", http.StatusBadRequest)
}

// handleConnect hijacks the connection, confirms the tunnel and applies the
// interception policy. Local destinations are answered without dialing.
func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	host, port, err := splitConnectAddr(r.Host)
	if err != nil {
		http.Error(w, "malformed CONNECT destination", http.StatusBadRequest)
		return
	}
	clientIP := utils.ClientIPFromAddr(r.RemoteAddr)

	var upstream net.Conn
	if !p.isLocalHost(host) {
		upstream, err = p.dialUpstream(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			p.cfg.Logger.DebugContext(ctx, "CONNECT dial failed.", "host", r.Host, "error", err)
			http.Error(w, "upstream unreachable", http.StatusBadGateway)
			return
		}
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		if upstream != nil {
			_ = upstream.Close()
		}
		http.Error(w, "connection hijacking not supported", http.StatusInternalServerError)
		return
	}
	clientConn, bufrw, err := hijacker.Hijack()
	if err != nil {
		if upstream != nil {
			_ = upstream.Close()
		}
		http.Error(w, "failed to hijack connection", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()
	untrack := p.trackConn(clientConn)
	defer untrack()
	defer p.recoverConnPanic(ctx, clientConn)

	// Bytes the server read ahead of us, like an eager ClientHello, must
	// stay part of the stream.
	if n := bufrw.Reader.Buffered(); n > 0 {
		peeked, _ := bufrw.Reader.Peek(n)
		clientConn = newBufferedConn(clientConn, bytes.NewReader(peeked))
	}

	if _, err := clientConn.Write([]byte(connectionEstablished)); err != nil {
		if upstream != nil {
			_ = upstream.Close()
		}
		return
	}

	if upstream == nil {
		if err := p.serveLocal(ctx, clientConn, host, clientIP); err != nil && !utils.IsOKNetworkError(err) {
			p.cfg.Logger.DebugContext(ctx, "Failed to serve local tunnel.", "host", r.Host, "error", err)
		}
		return
	}
	if err := p.interceptOrSplice(ctx, clientConn, upstream, host, port, clientIP); err != nil && !utils.IsOKNetworkError(err) {
		p.cfg.Logger.DebugContext(ctx, "Failed to serve tunnel.", "host", r.Host, "error", err)
	}
}

// splitConnectAddr parses a CONNECT destination. A missing port defaults
// to 443.
func splitConnectAddr(addr string) (string, int, error) {
	if !strings.Contains(addr, ":") {
		return addr, 443, nil
	}
	return splitAddr(addr)
}
