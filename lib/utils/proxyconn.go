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

package utils

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/gravitational/trace"
)

// ProxyConnStats reports how many bytes crossed a spliced tunnel in each
// direction. Safe to read after ProxyConn returns, including on cancellation.
type ProxyConnStats struct {
	clientToServer atomic.Int64
	serverToClient atomic.Int64
}

// ClientToServer is the number of bytes copied from the client towards the
// server.
func (s *ProxyConnStats) ClientToServer() int64 { return s.clientToServer.Load() }

// ServerToClient is the number of bytes copied from the server towards the
// client.
func (s *ProxyConnStats) ServerToClient() int64 { return s.serverToClient.Load() }

type countingWriter struct {
	w io.Writer
	n *atomic.Int64
}

func (c countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(int64(n))
	return n, err
}

// ProxyConn launches a double-copy loop that proxies traffic between the
// provided client and server connections.
//
// Exits when one or both copies stop, or when the context is canceled, and
// closes both connections. Either copy finishing closes both ends so the
// opposite direction unblocks.
func ProxyConn(ctx context.Context, client, server io.ReadWriteCloser, stats *ProxyConnStats) error {
	if stats == nil {
		stats = &ProxyConnStats{}
	}
	errCh := make(chan error, 2)

	defer server.Close()
	defer client.Close()

	go func() {
		defer server.Close()
		defer client.Close()
		_, err := io.Copy(countingWriter{w: server, n: &stats.clientToServer}, client)
		errCh <- err
	}()

	go func() {
		defer server.Close()
		defer client.Close()
		_, err := io.Copy(countingWriter{w: client, n: &stats.serverToClient}, server)
		errCh <- err
	}()

	var errors []error
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil && !IsOKNetworkError(err) {
				errors = append(errors, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return trace.NewAggregate(errors...)
}
