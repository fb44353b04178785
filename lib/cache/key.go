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

// Package cache implements the two-tier content-addressed store for
// transformed responses. Entries are keyed by source URL, classified content
// type and client fingerprint, so clients with different effective configs
// never share artifacts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/revampproxy/revamp/lib/transform"
)

// Key addresses one cached artifact.
type Key [sha256.Size]byte

// NewKey derives the cache key for a source URL, its classified content
// type and the requesting client's fingerprint. The three inputs are
// NUL-separated so no two triples collide by concatenation.
func NewKey(url string, contentType transform.ContentType, clientFingerprint string) Key {
	h := sha256.New()
	h.Write([]byte(url))
	h.Write([]byte{0})
	h.Write([]byte(contentType))
	h.Write([]byte{0})
	h.Write([]byte(clientFingerprint))
	var key Key
	copy(key[:], h.Sum(nil))
	return key
}

// String returns the full hex form of the key.
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// FileName returns the disk tier file name, the first 128 bits of the key
// in hex.
func (k Key) FileName() string { return hex.EncodeToString(k[:16]) }

// ClientFingerprint derives the stable per-client identity mixed into cache
// keys: the client IP and a digest of the effective transform configuration.
// Two clients whose configs transform differently get different
// fingerprints.
func ClientFingerprint(clientIP string, transformSignature []byte) string {
	configHash := sha256.Sum256(transformSignature)
	h := sha256.New()
	h.Write([]byte(clientIP))
	h.Write([]byte{0})
	h.Write(configHash[:])
	return hex.EncodeToString(h.Sum(nil))
}
