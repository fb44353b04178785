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

// Package config holds the proxy configuration model: the recognized options,
// domain profiles with hostname patterns, the persisted stores, and the
// per-request configuration resolver.
package config

import (
	"encoding/json"
	"slices"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/defaults"
)

// Config is the full set of recognized options. A Config resolved for a
// request is immutable; mutation happens on copies during resolution.
type Config struct {
	// TransformJS enables JavaScript transpilation for the target browsers.
	TransformJS bool `json:"transformJs" yaml:"transform_js"`
	// TransformCSS enables stylesheet rewriting.
	TransformCSS bool `json:"transformCss" yaml:"transform_css"`
	// TransformHTML enables HTML document rewriting.
	TransformHTML bool `json:"transformHtml" yaml:"transform_html"`
	// InjectPolyfills prepends the polyfill bundle to HTML documents.
	InjectPolyfills bool `json:"injectPolyfills" yaml:"inject_polyfills"`
	// BundleESModules rewrites module scripts into classic scripts.
	BundleESModules bool `json:"bundleEsModules" yaml:"bundle_es_modules"`
	// RemoveAds blocks requests matching the built-in ad rules.
	RemoveAds bool `json:"removeAds" yaml:"remove_ads"`
	// RemoveTracking blocks requests matching the built-in tracker rules.
	RemoveTracking bool `json:"removeTracking" yaml:"remove_tracking"`
	// EmulateServiceWorkers serves the bundled service-worker bridge.
	EmulateServiceWorkers bool `json:"emulateServiceWorkers" yaml:"emulate_service_workers"`
	// RemoteServiceWorkers delegates SW bundling to a remote endpoint
	// instead of the local bundler.
	RemoteServiceWorkers bool `json:"remoteServiceWorkers" yaml:"remote_service_workers"`
	// SpoofUserAgent overwrites the User-Agent sent upstream.
	SpoofUserAgent bool `json:"spoofUserAgent" yaml:"spoof_user_agent"`
	// SpoofUserAgentInJS patches navigator.userAgent in transformed scripts.
	SpoofUserAgentInJS bool `json:"spoofUserAgentInJs" yaml:"spoof_user_agent_in_js"`
	// CacheEnabled turns the transformation cache on.
	CacheEnabled bool `json:"cacheEnabled" yaml:"cache_enabled"`

	// SOCKS5Port is the SOCKS5 ingress port.
	SOCKS5Port int `json:"socks5Port" yaml:"socks5_port"`
	// HTTPProxyPort is the HTTP proxy ingress port.
	HTTPProxyPort int `json:"httpProxyPort" yaml:"http_proxy_port"`
	// CaptivePortalPort is the captive portal port.
	CaptivePortalPort int `json:"captivePortalPort" yaml:"captive_portal_port"`

	// Targets is the Browserslist-style target list.
	Targets []string `json:"targets" yaml:"targets"`
	// UserAgent is the value used when SpoofUserAgent is on.
	UserAgent string `json:"userAgent" yaml:"user_agent"`
}

// Default returns the built-in base configuration.
func Default() Config {
	return Config{
		TransformJS:           true,
		TransformCSS:          true,
		TransformHTML:         true,
		InjectPolyfills:       true,
		BundleESModules:       true,
		RemoveAds:             true,
		RemoveTracking:        true,
		EmulateServiceWorkers: true,
		RemoteServiceWorkers:  false,
		SpoofUserAgent:        true,
		SpoofUserAgentInJS:    true,
		CacheEnabled:          true,
		SOCKS5Port:            defaults.SOCKS5Port,
		HTTPProxyPort:         defaults.HTTPProxyPort,
		CaptivePortalPort:     defaults.CaptivePortalPort,
		Targets:               defaults.Targets(),
		UserAgent:             defaults.SpoofedUserAgent,
	}
}

// Check validates the configuration.
func (c *Config) Check() error {
	for _, port := range []int{c.SOCKS5Port, c.HTTPProxyPort, c.CaptivePortalPort} {
		if port < 1 || port > 65535 {
			return trace.BadParameter("port %v is out of range", port)
		}
	}
	if c.SOCKS5Port == c.HTTPProxyPort || c.SOCKS5Port == c.CaptivePortalPort ||
		c.HTTPProxyPort == c.CaptivePortalPort {
		return trace.BadParameter("listening ports must be distinct, got %v, %v and %v",
			c.SOCKS5Port, c.HTTPProxyPort, c.CaptivePortalPort)
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.Targets = slices.Clone(c.Targets)
	return out
}

// TransformsText reports whether any text transform is enabled.
func (c *Config) TransformsText() bool {
	return c.TransformJS || c.TransformCSS || c.TransformHTML
}

// TransformSignature returns a canonical encoding of every option that can
// change transformed output bytes. Cache fingerprints hash it, so clients
// whose settings produce identical bytes share cache entries and any
// settings change rolls the client to fresh keys.
func (c *Config) TransformSignature() []byte {
	// Struct fields marshal in declaration order, which keeps the
	// encoding canonical.
	sig := struct {
		TransformJS           bool     `json:"transformJs"`
		TransformCSS          bool     `json:"transformCss"`
		TransformHTML         bool     `json:"transformHtml"`
		InjectPolyfills       bool     `json:"injectPolyfills"`
		BundleESModules       bool     `json:"bundleEsModules"`
		EmulateServiceWorkers bool     `json:"emulateServiceWorkers"`
		SpoofUserAgent        bool     `json:"spoofUserAgent"`
		SpoofUserAgentInJS    bool     `json:"spoofUserAgentInJs"`
		Targets               []string `json:"targets"`
		UserAgent             string   `json:"userAgent"`
	}{
		TransformJS:           c.TransformJS,
		TransformCSS:          c.TransformCSS,
		TransformHTML:         c.TransformHTML,
		InjectPolyfills:       c.InjectPolyfills,
		BundleESModules:       c.BundleESModules,
		EmulateServiceWorkers: c.EmulateServiceWorkers,
		SpoofUserAgent:        c.SpoofUserAgent,
		SpoofUserAgentInJS:    c.SpoofUserAgentInJS,
		Targets:               c.Targets,
		UserAgent:             c.UserAgent,
	}
	data, err := json.Marshal(sig)
	if err != nil {
		// Marshaling a struct of bools and strings cannot fail.
		panic(err)
	}
	return data
}

// PartialConfig mirrors Config with pointer fields. A nil field means "not
// set here"; profiles and API updates only override what they mention.
type PartialConfig struct {
	TransformJS           *bool `json:"transformJs,omitempty"`
	TransformCSS          *bool `json:"transformCss,omitempty"`
	TransformHTML         *bool `json:"transformHtml,omitempty"`
	InjectPolyfills       *bool `json:"injectPolyfills,omitempty"`
	BundleESModules       *bool `json:"bundleEsModules,omitempty"`
	RemoveAds             *bool `json:"removeAds,omitempty"`
	RemoveTracking        *bool `json:"removeTracking,omitempty"`
	EmulateServiceWorkers *bool `json:"emulateServiceWorkers,omitempty"`
	RemoteServiceWorkers  *bool `json:"remoteServiceWorkers,omitempty"`
	SpoofUserAgent        *bool `json:"spoofUserAgent,omitempty"`
	SpoofUserAgentInJS    *bool `json:"spoofUserAgentInJs,omitempty"`
	CacheEnabled          *bool `json:"cacheEnabled,omitempty"`

	SOCKS5Port        *int `json:"socks5Port,omitempty"`
	HTTPProxyPort     *int `json:"httpProxyPort,omitempty"`
	CaptivePortalPort *int `json:"captivePortalPort,omitempty"`

	Targets   []string `json:"targets,omitempty"`
	UserAgent *string  `json:"userAgent,omitempty"`
}

// IsZero reports whether nothing is set.
func (p *PartialConfig) IsZero() bool {
	if p == nil {
		return true
	}
	return p.TransformJS == nil && p.TransformCSS == nil && p.TransformHTML == nil &&
		p.InjectPolyfills == nil && p.BundleESModules == nil &&
		p.RemoveAds == nil && p.RemoveTracking == nil &&
		p.EmulateServiceWorkers == nil && p.RemoteServiceWorkers == nil &&
		p.SpoofUserAgent == nil && p.SpoofUserAgentInJS == nil &&
		p.CacheEnabled == nil &&
		p.SOCKS5Port == nil && p.HTTPProxyPort == nil && p.CaptivePortalPort == nil &&
		p.Targets == nil && p.UserAgent == nil
}

// Apply overlays the set fields of p onto c and returns the result.
func (p *PartialConfig) Apply(c Config) Config {
	out := c.Clone()
	if p == nil {
		return out
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setBool(&out.TransformJS, p.TransformJS)
	setBool(&out.TransformCSS, p.TransformCSS)
	setBool(&out.TransformHTML, p.TransformHTML)
	setBool(&out.InjectPolyfills, p.InjectPolyfills)
	setBool(&out.BundleESModules, p.BundleESModules)
	setBool(&out.RemoveAds, p.RemoveAds)
	setBool(&out.RemoveTracking, p.RemoveTracking)
	setBool(&out.EmulateServiceWorkers, p.EmulateServiceWorkers)
	setBool(&out.RemoteServiceWorkers, p.RemoteServiceWorkers)
	setBool(&out.SpoofUserAgent, p.SpoofUserAgent)
	setBool(&out.SpoofUserAgentInJS, p.SpoofUserAgentInJS)
	setBool(&out.CacheEnabled, p.CacheEnabled)
	if p.SOCKS5Port != nil {
		out.SOCKS5Port = *p.SOCKS5Port
	}
	if p.HTTPProxyPort != nil {
		out.HTTPProxyPort = *p.HTTPProxyPort
	}
	if p.CaptivePortalPort != nil {
		out.CaptivePortalPort = *p.CaptivePortalPort
	}
	if p.Targets != nil {
		out.Targets = slices.Clone(p.Targets)
	}
	if p.UserAgent != nil {
		out.UserAgent = *p.UserAgent
	}
	return out
}

// Merge overlays the set fields of other onto p.
func (p *PartialConfig) Merge(other *PartialConfig) {
	if other == nil {
		return
	}
	mergeBool := func(dst **bool, src *bool) {
		if src != nil {
			v := *src
			*dst = &v
		}
	}
	mergeBool(&p.TransformJS, other.TransformJS)
	mergeBool(&p.TransformCSS, other.TransformCSS)
	mergeBool(&p.TransformHTML, other.TransformHTML)
	mergeBool(&p.InjectPolyfills, other.InjectPolyfills)
	mergeBool(&p.BundleESModules, other.BundleESModules)
	mergeBool(&p.RemoveAds, other.RemoveAds)
	mergeBool(&p.RemoveTracking, other.RemoveTracking)
	mergeBool(&p.EmulateServiceWorkers, other.EmulateServiceWorkers)
	mergeBool(&p.RemoteServiceWorkers, other.RemoteServiceWorkers)
	mergeBool(&p.SpoofUserAgent, other.SpoofUserAgent)
	mergeBool(&p.SpoofUserAgentInJS, other.SpoofUserAgentInJS)
	mergeBool(&p.CacheEnabled, other.CacheEnabled)
	if other.SOCKS5Port != nil {
		v := *other.SOCKS5Port
		p.SOCKS5Port = &v
	}
	if other.HTTPProxyPort != nil {
		v := *other.HTTPProxyPort
		p.HTTPProxyPort = &v
	}
	if other.CaptivePortalPort != nil {
		v := *other.CaptivePortalPort
		p.CaptivePortalPort = &v
	}
	if other.Targets != nil {
		p.Targets = slices.Clone(other.Targets)
	}
	if other.UserAgent != nil {
		v := *other.UserAgent
		p.UserAgent = &v
	}
}
