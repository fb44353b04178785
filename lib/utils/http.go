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
	"bytes"
	"io"
	"net/http"

	"github.com/gravitational/trace"
)

// GetAndReplaceRequestBody returns the request body and replaces the drained
// body reader with an [io.NopCloser] allowing for further body processing by
// http transport.
func GetAndReplaceRequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return []byte{}, nil
	}
	defer req.Body.Close()

	payload, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Body = io.NopCloser(bytes.NewReader(payload))
	return payload, nil
}

// ReadAtMost reads up to limit bytes from r. It returns trace.LimitExceeded
// when the reader holds more than limit bytes.
func ReadAtMost(r io.Reader, limit int64) ([]byte, error) {
	limitedReader := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(limitedReader)
	if err != nil {
		return data, trace.Wrap(err)
	}
	if int64(len(data)) > limit {
		return data[:limit], trace.LimitExceeded("exceeded the maximum size of %d bytes", limit)
	}
	return data, nil
}

// IsRedirectStatus returns true when the status code instructs the client to
// fetch a different URL.
func IsRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently,
		http.StatusFound,
		http.StatusSeeOther,
		http.StatusTemporaryRedirect,
		http.StatusPermanentRedirect:
		return true
	}
	return false
}

// proxyHeaders are meaningful only on the hop between the client and the
// proxy and are never forwarded upstream.
var proxyHeaders = []string{
	"Proxy-Connection",
	"Proxy-Authorization",
	"Proxy-Authenticate",
}

// hopHeaders are the RFC 9110 connection-scoped headers.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripProxyHeaders removes headers addressed to the proxy itself.
func StripProxyHeaders(header http.Header) {
	for _, h := range proxyHeaders {
		header.Del(h)
	}
}

// StripHopHeaders removes connection-scoped headers before a message is
// re-framed on another connection.
func StripHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// CloneHeader returns a deep copy of the provided header.
func CloneHeader(header http.Header) http.Header {
	out := make(http.Header, len(header))
	for k, vv := range header {
		out[k] = append([]string(nil), vv...)
	}
	return out
}
