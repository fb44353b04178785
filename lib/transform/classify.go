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

package transform

import (
	"mime"
	"regexp"
	"strings"
)

// mimeTypes maps normalized media types to classified content types.
var mimeTypes = map[string]ContentType{
	"application/javascript":   ContentTypeJS,
	"application/x-javascript": ContentTypeJS,
	"text/javascript":          ContentTypeJS,
	"text/ecmascript":          ContentTypeJS,
	"application/ecmascript":   ContentTypeJS,
	"text/css":                 ContentTypeCSS,
	"text/html":                ContentTypeHTML,
	"application/xhtml+xml":    ContentTypeHTML,
	"image/webp":               ContentTypeImageWebP,
	"image/avif":               ContentTypeImageAVIF,
}

// suffixTypes maps URL path suffixes to classified content types, consulted
// when the MIME type is absent or unrecognized.
var suffixTypes = []struct {
	suffix string
	ctype  ContentType
}{
	{".js", ContentTypeJS},
	{".mjs", ContentTypeJS},
	{".cjs", ContentTypeJS},
	{".jsx", ContentTypeJS},
	{".css", ContentTypeCSS},
	{".html", ContentTypeHTML},
	{".htm", ContentTypeHTML},
	{".webp", ContentTypeImageWebP},
	{".avif", ContentTypeImageAVIF},
}

// scriptPathPattern catches script URLs that carry no telltale suffix, like
// bundler endpoints. Checked only after the cheap suffix pass misses.
var scriptPathPattern = regexp.MustCompile(`(?i)\.(m|c)?jsx?$|/js/|[?&]module=|\bbundle\b`)

// Classify determines the content type of a response from the declared MIME
// type first and the URL path suffix second. The first hit wins.
func Classify(contentType, rawURL string) ContentType {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if ctype, ok := mimeTypes[strings.ToLower(mediaType)]; ok {
				return ctype
			}
		}
	}

	path := urlPath(rawURL)
	for _, s := range suffixTypes {
		if strings.HasSuffix(path, s.suffix) {
			return s.ctype
		}
	}

	return ContentTypeOther
}

// LooksLikeScript reports whether the URL path alone suggests JavaScript.
// Used by the fetch engine to scrub conditional request headers before the
// response MIME type is known.
func LooksLikeScript(rawURL string) bool {
	path := urlPath(rawURL)
	if strings.HasSuffix(path, ".js") || strings.HasSuffix(path, ".mjs") ||
		strings.HasSuffix(path, ".cjs") || strings.HasSuffix(path, ".jsx") {
		return true
	}
	return scriptPathPattern.MatchString(path)
}

// LooksLikeStylesheet reports whether the URL path alone suggests CSS.
func LooksLikeStylesheet(rawURL string) bool {
	return strings.HasSuffix(urlPath(rawURL), ".css")
}

// urlPath strips scheme, query and fragment and lowercases what remains.
func urlPath(rawURL string) string {
	path := rawURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if i := strings.Index(path, "://"); i >= 0 {
		path = path[i+3:]
	}
	return strings.ToLower(path)
}
