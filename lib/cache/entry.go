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

package cache

import (
	"time"

	"github.com/revampproxy/revamp/lib/transform"
)

// Entry is one cached transformed artifact. The body is the transformer
// output, never the raw upstream bytes, keyed by the source URL.
type Entry struct {
	// Key addresses the entry.
	Key Key
	// URL is the source URL, kept for invalidation by URL.
	URL string
	// ContentType is the classified type the artifact was transformed as.
	ContentType transform.ContentType
	// ResponseContentType is the Content-Type header value served on a hit.
	ResponseContentType string
	// Body is the transformed output.
	Body []byte
	// StoredAt is when the entry was written.
	StoredAt time.Time
}

// size is the budget charge of the entry: body plus bookkeeping strings.
func (e *Entry) size() int64 {
	return int64(len(e.Body) + len(e.URL) + len(e.ResponseContentType) + 64)
}
