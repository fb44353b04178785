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

// Package mitmproxy implements the proxy ingress: the SOCKS5 and HTTP
// frontends, the TLS interception layer that terminates HTTPS with minted
// leaf certificates, the raw splice tunnel for traffic left alone, and the
// request lifecycle controller both frontends feed.
package mitmproxy

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/config"
	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/metrics"
	"github.com/revampproxy/revamp/lib/tlsca"
	"github.com/revampproxy/revamp/lib/transform"
	"github.com/revampproxy/revamp/lib/utils"
)

// tlsRecordHandshake is the first byte of a TLS ClientHello.
const tlsRecordHandshake = 0x16

// ContextDialer dials upstream destinations.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// ProxyConfig configures the proxy frontends.
type ProxyConfig struct {
	// Controller runs the request lifecycle for intercepted requests.
	Controller *Controller
	// Certs mints leaf certificates for intercepted TLS connections.
	Certs *tlsca.Factory
	// Resolver computes the effective config driving the MITM decision.
	Resolver *config.Resolver
	// Recorder receives tunnel metrics.
	Recorder *metrics.Recorder
	// Internal serves decrypted requests addressed to the proxy itself.
	Internal http.Handler
	// LocalHosts are additional hostnames and IPs answered locally, on top
	// of localhost, loopback addresses and the reserved internal hostname.
	LocalHosts []string
	// TLSPorts are the destination ports treated as TLS for the interception
	// decision. Defaults to 443.
	TLSPorts []int
	// DialTimeout bounds upstream TCP dials.
	DialTimeout time.Duration
	// Dialer dials upstream destinations. Defaults to a direct TCP dialer.
	Dialer ContextDialer
	// Clock is used for peek deadlines.
	Clock clockwork.Clock
	// Logger emits connection diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ProxyConfig) CheckAndSetDefaults() error {
	if c.Controller == nil {
		return trace.BadParameter("missing parameter Controller")
	}
	if c.Certs == nil {
		return trace.BadParameter("missing parameter Certs")
	}
	if c.Resolver == nil {
		return trace.BadParameter("missing parameter Resolver")
	}
	if c.Recorder == nil {
		return trace.BadParameter("missing parameter Recorder")
	}
	if c.Internal == nil {
		return trace.BadParameter("missing parameter Internal")
	}
	if len(c.TLSPorts) == 0 {
		c.TLSPorts = []int{443}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DialTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{Timeout: c.DialTimeout, KeepAlive: defaults.KeepAlivePeriod}
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentMITM)
	}
	return nil
}

// Proxy accepts client connections on the SOCKS5 and HTTP frontends and
// routes each one: answered locally, TLS-intercepted, or spliced raw.
type Proxy struct {
	cfg        ProxyConfig
	localHosts map[string]struct{}

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewProxy creates a Proxy.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	localHosts := make(map[string]struct{}, len(cfg.LocalHosts))
	for _, host := range cfg.LocalHosts {
		localHosts[strings.ToLower(host)] = struct{}{}
	}
	return &Proxy{
		cfg:        cfg,
		localHosts: localHosts,
		conns:      make(map[net.Conn]struct{}),
	}, nil
}

// isLocalHost reports whether a destination hostname names the proxy itself.
func (p *Proxy) isLocalHost(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" || h == revamp.InternalHostname {
		return true
	}
	if ip := net.ParseIP(strings.Trim(h, "[]")); ip != nil && ip.IsLoopback() {
		return true
	}
	_, ok := p.localHosts[h]
	return ok
}

func (p *Proxy) isTLSPort(port int) bool {
	for _, candidate := range p.cfg.TLSPorts {
		if port == candidate {
			return true
		}
	}
	return false
}

// shouldTransform reports whether the effective config enables anything an
// interception could deliver. When it returns false the tunnel is spliced
// untouched.
func shouldTransform(cfg config.Config) bool {
	return cfg.TransformsText() || transform.NeedsLegacyImages(cfg.Targets)
}

func (p *Proxy) dialUpstream(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := p.cfg.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return conn, nil
}

// interceptOrSplice applies the interception policy to an established
// tunnel: TLS ports with a transform-enabled effective config are MITM'd,
// everything else is spliced raw.
func (p *Proxy) interceptOrSplice(ctx context.Context, clientConn, upstream net.Conn, host string, port int, clientIP string) error {
	if p.isTLSPort(port) {
		res, err := p.cfg.Resolver.Resolve(ctx, clientIP, host)
		if err != nil {
			p.cfg.Logger.WarnContext(ctx, "Config resolution failed, splicing without interception.",
				"host", host, "error", err)
		} else if shouldTransform(res.Config) {
			return trace.Wrap(p.serveMITM(ctx, clientConn, upstream, host, clientIP, false))
		}
	}
	return trace.Wrap(p.splice(ctx, clientConn, upstream))
}

// serveLocal answers a tunnel whose destination is the proxy itself. The
// first byte decides: a TLS ClientHello is MITM'd and the decrypted requests
// go to the internal handler, a plain HTTP stream is served directly for
// internal paths, anything else closes.
func (p *Proxy) serveLocal(ctx context.Context, conn net.Conn, host, clientIP string) error {
	_ = conn.SetReadDeadline(p.cfg.Clock.Now().Add(defaults.ReadHeadersTimeout))
	first := make([]byte, 1)
	if _, err := io.ReadFull(conn, first); err != nil {
		return trace.Wrap(err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	buffered := newBufferedConn(conn, bytes.NewReader(first))
	if first[0] == tlsRecordHandshake {
		return trace.Wrap(p.serveMITM(ctx, buffered, nil, host, clientIP, true))
	}
	return trace.Wrap(p.serveLocalHTTP(ctx, buffered))
}

// serveLocalHTTP serves plain HTTP requests arriving inside a local tunnel.
// Only internal paths are answered; any other path ends the connection.
func (p *Proxy) serveLocalHTTP(ctx context.Context, conn net.Conn) error {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			if errors.Is(err, io.EOF) || utils.IsOKNetworkError(err) {
				return nil
			}
			return trace.Wrap(err)
		}
		if !strings.HasPrefix(req.URL.Path, revamp.InternalAPIPrefix) {
			return nil
		}
		req = req.WithContext(ctx)
		resp := serveHandler(p.cfg.Internal, req)
		drainRequestBody(req)
		if err := writeResponse(conn, req, resp); err != nil {
			return trace.Wrap(err)
		}
		if req.Close {
			return nil
		}
	}
}

// trackConn registers an open client connection for forced shutdown and
// returns its release function.
func (p *Proxy) trackConn(conn net.Conn) func() {
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
	}
}

// ActiveConnections returns the number of client connections being served.
func (p *Proxy) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// CloseActiveConnections force-closes every tracked client connection. Used
// when the shutdown grace window runs out.
func (p *Proxy) CloseActiveConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		_ = conn.Close()
	}
}

// recoverConnPanic keeps a panicking connection goroutine from taking the
// process down. The connection is closed, the rest of the proxy is
// unaffected.
func (p *Proxy) recoverConnPanic(ctx context.Context, conn net.Conn) {
	if r := recover(); r != nil {
		p.cfg.Logger.ErrorContext(ctx, "Recovered panic while serving connection.",
			"panic", r, "stack", string(debug.Stack()))
		_ = conn.Close()
	}
}

func drainRequestBody(req *http.Request) {
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}
}
