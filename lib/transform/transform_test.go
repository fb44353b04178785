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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		contentType string
		url         string
		want        ContentType
	}{
		{
			name:        "mime wins over suffix",
			contentType: "text/css; charset=utf-8",
			url:         "https://example.com/styles.js",
			want:        ContentTypeCSS,
		},
		{
			name:        "javascript mime",
			contentType: "application/javascript",
			url:         "https://example.com/app",
			want:        ContentTypeJS,
		},
		{
			name:        "legacy javascript mime",
			contentType: "application/x-javascript",
			url:         "https://example.com/app",
			want:        ContentTypeJS,
		},
		{
			name:        "html mime",
			contentType: "text/html; charset=ISO-8859-1",
			url:         "https://example.com/",
			want:        ContentTypeHTML,
		},
		{
			name:        "webp mime",
			contentType: "image/webp",
			url:         "https://example.com/hero",
			want:        ContentTypeImageWebP,
		},
		{
			name:        "avif mime",
			contentType: "image/avif",
			url:         "https://example.com/hero",
			want:        ContentTypeImageAVIF,
		},
		{
			name:        "suffix fallback js",
			contentType: "application/octet-stream",
			url:         "https://example.com/bundle.js?v=3",
			want:        ContentTypeJS,
		},
		{
			name:        "suffix fallback mjs",
			contentType: "",
			url:         "https://example.com/mod.mjs",
			want:        ContentTypeJS,
		},
		{
			name:        "suffix fallback css with fragment",
			contentType: "",
			url:         "https://example.com/site.css#section",
			want:        ContentTypeCSS,
		},
		{
			name:        "suffix fallback html",
			contentType: "",
			url:         "https://example.com/index.HTML",
			want:        ContentTypeHTML,
		},
		{
			name:        "no hit",
			contentType: "application/json",
			url:         "https://example.com/api/data",
			want:        ContentTypeOther,
		},
		{
			name:        "plain text is not transformable",
			contentType: "text/plain",
			url:         "https://example.com/readme.txt",
			want:        ContentTypeOther,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.contentType, tt.url))
		})
	}
}

func TestContentTypePredicates(t *testing.T) {
	t.Parallel()

	require.True(t, ContentTypeJS.IsText())
	require.True(t, ContentTypeCSS.IsText())
	require.True(t, ContentTypeHTML.IsText())
	require.False(t, ContentTypeImageWebP.IsText())
	require.True(t, ContentTypeImageWebP.IsImage())
	require.True(t, ContentTypeImageAVIF.IsImage())
	require.False(t, ContentTypeOther.IsText())
	require.False(t, ContentTypeOther.IsImage())
	require.False(t, ContentTypeESMBundle.IsText())
}

func TestLooksLikeScript(t *testing.T) {
	t.Parallel()

	require.True(t, LooksLikeScript("https://cdn.example.com/app.js"))
	require.True(t, LooksLikeScript("https://cdn.example.com/mod.mjs?x=1"))
	require.True(t, LooksLikeScript("https://cdn.example.com/js/runtime"))
	require.False(t, LooksLikeScript("https://example.com/photo.png"))
	require.False(t, LooksLikeScript("https://example.com/"))
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	target, err := ParseTarget("safari 9")
	require.NoError(t, err)
	require.Equal(t, Target{Family: "safari", Version: 9}, target)

	target, err = ParseTarget("ios_saf 9.0-9.2")
	require.NoError(t, err)
	require.Equal(t, "ios_saf", target.Family)
	require.InDelta(t, 9.0, target.Version, 0.001)

	_, err = ParseTarget("safari")
	require.Error(t, err)

	_, err = ParseTarget("safari nine")
	require.Error(t, err)
}

func TestNeedsLegacyImages(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		targets []string
		want    bool
	}{
		{name: "safari 9 cannot decode either", targets: []string{"safari 9"}, want: true},
		{name: "safari 14 still lacks avif", targets: []string{"safari 14"}, want: true},
		{name: "safari 17 decodes both", targets: []string{"safari 17"}, want: false},
		{name: "mixed list needs the weakest", targets: []string{"chrome 120", "ios_saf 9"}, want: true},
		{name: "empty list needs nothing", targets: nil, want: false},
		{name: "malformed entries are skipped", targets: []string{"not-a-target"}, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, NeedsLegacyImages(tt.targets))
		})
	}
}

func TestNeedsImageTransform(t *testing.T) {
	t.Parallel()

	require.True(t, NeedsImageTransform([]string{"safari 9"}, ContentTypeImageWebP))
	require.True(t, NeedsImageTransform([]string{"safari 14"}, ContentTypeImageAVIF))
	require.False(t, NeedsImageTransform([]string{"safari 14"}, ContentTypeImageWebP))
	require.False(t, NeedsImageTransform([]string{"safari 9"}, ContentTypeJS))
}

func TestCharsetFromContentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "utf-8", CharsetFromContentType("text/html; charset=utf-8"))
	require.Equal(t, "iso-8859-1", CharsetFromContentType("text/html; charset=ISO-8859-1"))
	require.Empty(t, CharsetFromContentType("text/html"))
	require.Empty(t, CharsetFromContentType(""))
}
