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

// Package revamp holds constants shared across the whole project.
package revamp

import "strings"

// Version is the semantic version of the revamp binary.
const Version = "0.9.0"

// ComponentKey is the name of the structured logging attribute that carries
// the component emitting the log line.
const ComponentKey = "revamp"

const (
	// ComponentProcess is the process-level supervisor.
	ComponentProcess = "proc"

	// ComponentSOCKS5 is the SOCKS5 ingress frontend.
	ComponentSOCKS5 = "socks5"

	// ComponentHTTPProxy is the HTTP proxy ingress frontend.
	ComponentHTTPProxy = "httpproxy"

	// ComponentMITM is the TLS interception layer.
	ComponentMITM = "mitm"

	// ComponentCerts is the certificate authority and leaf factory.
	ComponentCerts = "certs"

	// ComponentFetch is the upstream fetch engine.
	ComponentFetch = "fetch"

	// ComponentCache is the transformation cache.
	ComponentCache = "cache"

	// ComponentPlugins is the plugin host and hook executor.
	ComponentPlugins = "plugins"

	// ComponentWeb is the internal API and captive portal.
	ComponentWeb = "web"

	// ComponentFilter is the ad and tracker filter.
	ComponentFilter = "filter"

	// ComponentLifecycle is the request lifecycle controller.
	ComponentLifecycle = "lifecycle"
)

// Component generates a composite component name from its parts,
// for example Component(ComponentMITM, "handshake") returns "mitm:handshake".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

// InternalAPIPrefix is the path prefix reserved for the proxy's own API.
// No upstream host is ever served under it.
const InternalAPIPrefix = "/__revamp__"

// InternalHostname is a reserved hostname that always resolves to the proxy
// itself, regardless of DNS.
const InternalHostname = "revamp.internal"

const (
	// MetricRequestsTotal counts requests entering the lifecycle controller.
	MetricRequestsTotal = "revamp_requests_total"

	// MetricRequestsBlocked counts requests answered by the ad/tracker filter.
	MetricRequestsBlocked = "revamp_requests_blocked_total"

	// MetricRequestsErrored counts requests that failed upstream.
	MetricRequestsErrored = "revamp_requests_errored_total"

	// MetricCacheHits counts transformation cache hits.
	MetricCacheHits = "revamp_cache_hits_total"

	// MetricCacheMisses counts transformation cache misses.
	MetricCacheMisses = "revamp_cache_misses_total"

	// MetricBytesIn counts raw bytes received from upstreams.
	MetricBytesIn = "revamp_bytes_in_total"

	// MetricBytesOut counts bytes written to clients.
	MetricBytesOut = "revamp_bytes_out_total"

	// MetricTransforms counts transformer invocations by content type.
	MetricTransforms = "revamp_transforms_total"

	// MetricTunnels counts raw spliced tunnels (no interception).
	MetricTunnels = "revamp_tunnels_total"

	// MetricCertsMinted counts leaf certificates minted by the factory.
	MetricCertsMinted = "revamp_certs_minted_total"

	// MetricRequestDuration observes end to end request latency.
	MetricRequestDuration = "revamp_request_duration_seconds"

	// MetricHookInvocations counts plugin hook handler invocations.
	MetricHookInvocations = "revamp_hook_invocations_total"
)
