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

package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gravitational/trace"
)

// Decompress decodes body according to the Content-Encoding header value.
// It returns (nil, nil) when the encoding is identity or empty, the decoded
// bytes on success, and an error when the body does not decode as declared.
// Multiple encodings ("gzip, br") are undone right to left.
func Decompress(body []byte, contentEncoding string) ([]byte, error) {
	encodings := splitEncodings(contentEncoding)
	if len(encodings) == 0 {
		return nil, nil
	}
	out := body
	decoded := false
	for i := len(encodings) - 1; i >= 0; i-- {
		var err error
		switch encodings[i] {
		case "identity", "":
			continue
		case "gzip", "x-gzip":
			out, err = decodeGzip(out)
		case "deflate":
			out, err = decodeDeflate(out)
		case "br":
			out, err = decodeBrotli(out)
		default:
			return nil, trace.BadParameter("unsupported content encoding %q", encodings[i])
		}
		if err != nil {
			return nil, trace.Wrap(err, "decoding %q body", encodings[i])
		}
		decoded = true
	}
	if !decoded {
		return nil, nil
	}
	return out, nil
}

func splitEncodings(contentEncoding string) []string {
	if contentEncoding == "" {
		return nil
	}
	parts := strings.Split(contentEncoding, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func decodeGzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

// decodeDeflate handles both meanings of "deflate" seen in the wild: the
// RFC 9110 zlib-wrapped stream and the raw DEFLATE stream some servers send
// instead.
func decodeDeflate(body []byte) ([]byte, error) {
	if r, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
		defer r.Close()
		if out, err := io.ReadAll(r); err == nil {
			return out, nil
		}
	}
	r := flate.NewReader(bytes.NewReader(body))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}

func decodeBrotli(body []byte) ([]byte, error) {
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return out, nil
}
