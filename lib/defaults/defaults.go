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

// Package defaults holds the default values shared across the proxy.
package defaults

import "time"

const (
	// SOCKS5Port is the default port of the SOCKS5 ingress.
	SOCKS5Port = 1080

	// HTTPProxyPort is the default port of the HTTP proxy ingress.
	HTTPProxyPort = 8080

	// CaptivePortalPort is the default port of the captive portal, which
	// serves the internal API directly without proxying.
	CaptivePortalPort = 8888

	// ListenAddress is the address the frontends bind by default.
	ListenAddress = "0.0.0.0"

	// Localhost is the loopback hostname.
	Localhost = "127.0.0.1"
)

const (
	// DialTimeout is how long to wait for an upstream TCP connection.
	DialTimeout = 30 * time.Second

	// UpstreamRequestTimeout bounds a whole upstream exchange, connect
	// through final body byte.
	UpstreamRequestTimeout = 60 * time.Second

	// ReadHeadersTimeout is how long the HTTP frontend waits for request
	// headers before giving up on the connection.
	ReadHeadersTimeout = 10 * time.Second

	// KeepAlivePeriod is the TCP keep-alive period for upstream connections.
	KeepAlivePeriod = 30 * time.Second

	// TLSHandshakeTimeout bounds the upstream TLS handshake.
	TLSHandshakeTimeout = 10 * time.Second

	// IdleConnTimeout is how long pooled upstream connections stay open.
	IdleConnTimeout = 90 * time.Second

	// HTTPMaxIdleConns is the upstream connection pool size.
	HTTPMaxIdleConns = 100

	// HTTPMaxIdleConnsPerHost bounds pooled connections per upstream host.
	HTTPMaxIdleConnsPerHost = 8

	// ShutdownGraceWindow is how long shutdown waits for active connections
	// to drain before force-closing them.
	ShutdownGraceWindow = 15 * time.Second

	// HookTimeout bounds a single plugin hook handler invocation.
	HookTimeout = 5 * time.Second
)

const (
	// MaxUpstreamBodySize caps the upstream body accumulated in memory.
	// Responses above the cap fail the request.
	MaxUpstreamBodySize = 32 * 1024 * 1024

	// MemoryCacheSize is the byte budget of the in-memory cache tier.
	MemoryCacheSize = 128 * 1024 * 1024

	// MemoryCacheEntries bounds the entry count of the in-memory tier.
	MemoryCacheEntries = 8192

	// DiskCacheSize is the byte budget of the on-disk cache tier.
	DiskCacheSize = 1024 * 1024 * 1024

	// RedirectSetSize caps the redirect-exclusion set.
	RedirectSetSize = 65536
)

const (
	// CertCacheSize is the size of the leaf certificate LRU.
	CertCacheSize = 4096

	// CertTTL is the validity span of a minted leaf certificate.
	CertTTL = 30 * 24 * time.Hour

	// CertBackdate is subtracted from the leaf's NotBefore to tolerate
	// clients with skewed clocks.
	CertBackdate = 5 * time.Minute

	// CertRenewBefore is how close to expiry a cached leaf gets reminted.
	CertRenewBefore = 24 * time.Hour

	// CATTL is the validity span of a freshly generated root CA.
	CATTL = 10 * 365 * 24 * time.Hour

	// CAKeyBits is the RSA modulus size for generated keys.
	CAKeyBits = 2048
)

const (
	// DataDirEnv overrides the data directory when set.
	DataDirEnv = "REVAMP_DATA_DIR"

	// DebugEnv enables debug logging when set to a non-empty value.
	DebugEnv = "REVAMP_DEBUG"

	// DataDirName is the directory created under $XDG_DATA_HOME.
	DataDirName = "revamp"

	// FallbackDataDir is used when no XDG base directory is available.
	FallbackDataDir = "./data"

	// CacheDirName is the disk cache directory under the data directory.
	CacheDirName = "cache"

	// PluginsDirName is the default plugin manifest directory under the
	// data directory.
	PluginsDirName = "plugins"

	// ConfigFileName holds persisted base config overrides.
	ConfigFileName = "config.json"

	// DomainsFileName holds persisted domain profiles.
	DomainsFileName = "domains.json"

	// PluginsFileName holds persisted plugin settings.
	PluginsFileName = "plugins.json"

	// CACertFileName holds the root CA certificate.
	CACertFileName = "ca.pem"

	// CAKeyFileName holds the root CA private key.
	CAKeyFileName = "ca.key"
)

const (
	// DirMode is the permission mode of directories under the data dir.
	DirMode = 0o700

	// FileMode is the permission mode of regular state files.
	FileMode = 0o600
)

// SpoofedUserAgent is the User-Agent presented to upstreams when spoofing is
// enabled. Kept on a modern Safari so upstreams serve current content rather
// than legacy-degraded pages.
const SpoofedUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) " +
	"AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

// Targets returns the default Browserslist-style target list.
func Targets() []string {
	return []string{"safari 9", "ios_saf 9"}
}
