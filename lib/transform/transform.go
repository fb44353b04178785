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

// Package transform defines the content classification and the contracts the
// proxy uses to talk to the external transformers (transpiler, autoprefixer,
// HTML rewriter, image transcoder, module bundler). The transformers
// themselves live outside this codebase.
package transform

import (
	"context"
	"mime"
	"strings"
)

// ContentType is the classified type of an upstream body.
type ContentType string

const (
	// ContentTypeJS is JavaScript in any flavor (classic, module, worker).
	ContentTypeJS ContentType = "js"
	// ContentTypeCSS is a stylesheet.
	ContentTypeCSS ContentType = "css"
	// ContentTypeHTML is a full or partial HTML document.
	ContentTypeHTML ContentType = "html"
	// ContentTypeImageWebP is a WebP image.
	ContentTypeImageWebP ContentType = "image_webp"
	// ContentTypeImageAVIF is an AVIF image.
	ContentTypeImageAVIF ContentType = "image_avif"
	// ContentTypeOther is anything the proxy passes through untouched.
	ContentTypeOther ContentType = "other"

	// ContentTypeESMBundle keys bundled module graphs into their own cache
	// namespace. Never produced by classification.
	ContentTypeESMBundle ContentType = "esm-bundle"
)

// IsText reports whether the type goes through the text transformer.
func (c ContentType) IsText() bool {
	return c == ContentTypeJS || c == ContentTypeCSS || c == ContentTypeHTML
}

// IsImage reports whether the type goes through the image transformer.
func (c ContentType) IsImage() bool {
	return c == ContentTypeImageWebP || c == ContentTypeImageAVIF
}

// TextRequest is one text transformation job.
type TextRequest struct {
	// URL is the source URL of the body, used for source maps and relative
	// module resolution.
	URL string
	// ContentType is the classified type, one of js, css, html.
	ContentType ContentType
	// Charset is the declared charset, empty when unknown.
	Charset string
	// Targets is the Browserslist-style target list.
	Targets []string
	// InjectPolyfills asks for the polyfill preamble on html documents.
	InjectPolyfills bool
	// BundleESModules asks for module scripts to be rewritten to classic ones.
	BundleESModules bool
	// SpoofUserAgentInJS asks for navigator.userAgent patching.
	SpoofUserAgentInJS bool
	// UserAgent is the value SpoofUserAgentInJS patches in.
	UserAgent string
	// Body is the decompressed source.
	Body []byte
}

// Text rewrites JS, CSS and HTML for the target browsers.
type Text interface {
	TransformText(ctx context.Context, req TextRequest) ([]byte, error)
}

// ImageRequest is one image transcoding job.
type ImageRequest struct {
	// URL is the source URL of the image.
	URL string
	// ContentType is image_webp or image_avif.
	ContentType ContentType
	// Targets is the Browserslist-style target list.
	Targets []string
	// Body is the raw image.
	Body []byte
}

// ImageResult is the outcome of one image transcoding job. An empty
// ContentType means the body was returned unchanged and the original
// Content-Type header still applies.
type ImageResult struct {
	// Body is the transcoded image.
	Body []byte
	// ContentType is the MIME type of Body, like "image/jpeg".
	ContentType string
}

// Image transcodes modern image formats into ones legacy browsers decode.
type Image interface {
	TransformImage(ctx context.Context, req ImageRequest) (ImageResult, error)
}

// BundleRequest is one ES module bundling job.
type BundleRequest struct {
	// URL is the entry point. Empty for inline code.
	URL string
	// Scope is the service worker scope the bundle runs under, optional.
	Scope string
	// Code is the inline source when URL is empty.
	Code []byte
	// Targets is the Browserslist-style target list.
	Targets []string
}

// Bundler flattens a module graph into a single legacy-compatible script.
type Bundler interface {
	Bundle(ctx context.Context, req BundleRequest) ([]byte, error)
}

// Identity implements all transformer contracts by returning the input
// unchanged. Installed when no external transformer is wired in, which keeps
// the proxy path exercisable end to end.
type Identity struct{}

// NewIdentity returns the pass-through transformer.
func NewIdentity() Identity { return Identity{} }

// TransformText returns the body unchanged.
func (Identity) TransformText(_ context.Context, req TextRequest) ([]byte, error) {
	return req.Body, nil
}

// TransformImage returns the body unchanged.
func (Identity) TransformImage(_ context.Context, req ImageRequest) (ImageResult, error) {
	return ImageResult{Body: req.Body}, nil
}

// Bundle returns the inline code unchanged, or an empty body for URL jobs.
func (Identity) Bundle(_ context.Context, req BundleRequest) ([]byte, error) {
	return req.Code, nil
}

// CharsetFromContentType extracts the charset parameter from a Content-Type
// header value, normalized to lower case. Returns empty when absent or
// unparsable.
func CharsetFromContentType(contentType string) string {
	if contentType == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(params["charset"])
}
