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
	"io"
	"net"
)

// newBufferedConn prepends already-read bytes to a connection so the next
// reader observes the stream from the start. Used after peeking the first
// byte of a tunneled stream and after a CONNECT hijack left bytes in the
// server's read buffer.
func newBufferedConn(conn net.Conn, header io.Reader) *bufferedConn {
	return &bufferedConn{
		Conn: conn,
		r:    io.MultiReader(header, conn),
	}
}

// bufferedConn is a net.Conn that drains an injected reader before reading
// from the underlying connection.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

// NetConn returns the underlying net.Conn.
func (c *bufferedConn) NetConn() net.Conn { return c.Conn }

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// newRecordingConn wraps a connection so everything read from it is kept and
// writes are counted. When a TLS handshake fails before the server wrote
// anything, the recorded bytes can be replayed into a raw tunnel as if the
// handshake had never been attempted.
func newRecordingConn(conn net.Conn) *recordingConn {
	return &recordingConn{Conn: conn}
}

type recordingConn struct {
	net.Conn
	buf     bytes.Buffer
	written int64
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.buf.Write(p[:n])
	}
	return n, err
}

func (c *recordingConn) Write(p []byte) (int, error) {
	c.written += int64(len(p))
	return c.Conn.Write(p)
}

// wroteBytes reports whether anything reached the client since recording
// started. Once it has, a raw replay is no longer coherent.
func (c *recordingConn) wroteBytes() bool { return c.written > 0 }

// replay returns the connection with every recorded byte prepended.
func (c *recordingConn) replay() net.Conn {
	return newBufferedConn(c.Conn, bytes.NewReader(c.buf.Bytes()))
}
