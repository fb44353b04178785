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
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/utils"
)

// serveMITM terminates the client's TLS with a minted leaf and serves the
// decrypted HTTP/1.1 requests in order. Local connections (internal == true)
// go straight to the internal handler; everything else enters the lifecycle
// controller. upstream, when non-nil, is the already-dialed destination used
// for the raw fallback when the handshake fails before any byte was written
// back; on a successful handshake it is closed, the fetch engine makes its
// own connections.
func (p *Proxy) serveMITM(ctx context.Context, clientConn net.Conn, upstream net.Conn, host, clientIP string, internal bool) error {
	recording := newRecordingConn(clientConn)
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serverName := hello.ServerName
			if serverName == "" {
				serverName = host
			}
			return p.cfg.Certs.TLSCertificate(ctx, serverName)
		},
	}

	tlsConn := tls.Server(recording, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		if upstream != nil && !recording.wroteBytes() {
			// The stream never was terminable TLS. Hand the recorded bytes
			// and the rest of the stream to the upstream untouched.
			p.cfg.Logger.DebugContext(ctx, "TLS handshake failed, falling back to raw tunnel.",
				"host", host, "error", err)
			return trace.Wrap(p.splice(ctx, recording.replay(), upstream))
		}
		if upstream != nil {
			_ = upstream.Close()
		}
		return trace.Wrap(err)
	}
	if upstream != nil {
		_ = upstream.Close()
	}
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || utils.IsOKNetworkError(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		req = req.WithContext(ctx)

		var resp *Response
		if internal {
			resp = serveHandler(p.cfg.Internal, req)
		} else {
			req.URL.Scheme = "https"
			if req.URL.Host == "" {
				req.URL.Host = req.Host
			}
			if req.URL.Host == "" {
				req.URL.Host = host
			}
			resp = p.cfg.Controller.Handle(ctx, req, clientIP, true)
		}
		drainRequestBody(req)

		if err := writeResponse(tlsConn, req, resp); err != nil {
			return trace.Wrap(err)
		}
		if req.Close {
			return nil
		}
	}
}
