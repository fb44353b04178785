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
	"context"
	"net"
	"strconv"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/utils"
	"github.com/revampproxy/revamp/lib/utils/socks"
)

// ServeSOCKS5 accepts SOCKS5 clients on the listener until it closes or the
// context is canceled. Each connection is served on its own goroutine.
func (p *Proxy) ServeSOCKS5(ctx context.Context, listener net.Listener) error {
	context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	for {
		conn, err := listener.Accept()
		if err != nil {
			if utils.IsOKNetworkError(err) || ctx.Err() != nil {
				return nil
			}
			return trace.Wrap(err)
		}
		go func() {
			defer p.recoverConnPanic(ctx, conn)
			if err := p.handleSOCKS5Conn(ctx, conn); err != nil && !utils.IsOKNetworkError(err) {
				p.cfg.Logger.DebugContext(ctx, "Failed to serve SOCKS5 connection.",
					"remote_addr", conn.RemoteAddr(), "error", err)
			}
		}()
	}
}

// handleSOCKS5Conn negotiates one SOCKS5 CONNECT and routes the resulting
// stream: answered locally, intercepted, or spliced.
func (p *Proxy) handleSOCKS5Conn(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	untrack := p.trackConn(conn)
	defer untrack()

	req, err := socks.ReadRequest(conn)
	if err != nil {
		return trace.Wrap(err)
	}
	host, port, err := splitAddr(req.Addr)
	if err != nil {
		_ = socks.SendReply(conn, socks.ReplyAddressNotSupported)
		return trace.Wrap(err)
	}
	clientIP := utils.ClientIPFromAddr(conn.RemoteAddr().String())

	if p.isLocalHost(host) {
		if err := socks.SendReply(conn, socks.ReplySucceeded); err != nil {
			return trace.Wrap(err)
		}
		return trace.Wrap(p.serveLocal(ctx, conn, host, clientIP))
	}

	upstream, err := p.dialUpstream(ctx, req.Addr)
	if err != nil {
		if sendErr := socks.SendReply(conn, socks.ReplyForDialError(trace.Unwrap(err))); sendErr != nil {
			return trace.NewAggregate(err, sendErr)
		}
		return trace.Wrap(err)
	}
	if err := socks.SendReply(conn, socks.ReplySucceeded); err != nil {
		_ = upstream.Close()
		return trace.Wrap(err)
	}

	return trace.Wrap(p.interceptOrSplice(ctx, conn, upstream, host, port, clientIP))
}

func splitAddr(addr string) (host string, port int, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, trace.BadParameter("malformed destination address %q", addr)
	}
	port, err = strconv.Atoi(portStr)
	if err != nil {
		return "", 0, trace.BadParameter("malformed destination port %q", portStr)
	}
	return host, port, nil
}
