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

// Package metrics implements the proxy usage counters. Every counter feeds
// both a Prometheus collector (scraped from the internal API) and an atomic
// shadow used to build the JSON snapshot, since Prometheus counters cannot
// be read back cheaply.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/transform"
)

var (
	requestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricRequestsTotal,
		Help: "Number of requests entering the lifecycle controller",
	})
	requestsBlocked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricRequestsBlocked,
		Help: "Number of requests answered by the ad and tracker filter",
	})
	requestsErrored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricRequestsErrored,
		Help: "Number of requests that failed upstream",
	})
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricCacheHits,
		Help: "Number of transformation cache hits",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricCacheMisses,
		Help: "Number of transformation cache misses",
	})
	bytesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricBytesIn,
		Help: "Raw bytes received from upstreams",
	})
	bytesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricBytesOut,
		Help: "Bytes written to clients",
	})
	transformsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: revamp.MetricTransforms,
		Help: "Transformer invocations by classified content type",
	}, []string{"content_type"})
	tunnelsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricTunnels,
		Help: "Raw spliced tunnels with no interception",
	})
	certsMinted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: revamp.MetricCertsMinted,
		Help: "Leaf certificates minted by the certificate factory",
	})
	requestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: revamp.MetricRequestDuration,
		Help: "End to end request latency",
		// 1ms up to ~32s.
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
	})

	prometheusCollectors = []prometheus.Collector{
		requestsTotal, requestsBlocked, requestsErrored,
		cacheHits, cacheMisses,
		bytesIn, bytesOut,
		transformsTotal, tunnelsTotal, certsMinted, requestDuration,
	}
)

// RegisterPrometheusCollectors is a wrapper around prometheus.Register that
// ignores collectors that are already registered, so two components sharing
// a collector do not fail startup.
func RegisterPrometheusCollectors(collectors ...prometheus.Collector) error {
	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return trace.Wrap(err)
		}
	}
	return nil
}

// Recorder aggregates the process-wide counters. It is owned by the proxy
// root and handed to every component that emits metrics; all methods are
// safe for concurrent use.
type Recorder struct {
	clock   clockwork.Clock
	started time.Time

	requests atomic.Int64
	blocked  atomic.Int64
	errored  atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	in       atomic.Int64
	out      atomic.Int64
	tunnels  atomic.Int64
	tunnelUp atomic.Int64
	tunnelDn atomic.Int64
	minted   atomic.Int64

	mu         sync.Mutex
	transforms map[transform.ContentType]int64
}

// NewRecorder creates a Recorder and registers the Prometheus collectors.
func NewRecorder(clock clockwork.Clock) (*Recorder, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if err := RegisterPrometheusCollectors(prometheusCollectors...); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Recorder{
		clock:      clock,
		started:    clock.Now(),
		transforms: make(map[transform.ContentType]int64),
	}, nil
}

// RecordRequest counts a request entering the lifecycle controller.
func (r *Recorder) RecordRequest() {
	r.requests.Add(1)
	requestsTotal.Inc()
}

// RecordBlocked counts a request answered by the filter.
func (r *Recorder) RecordBlocked() {
	r.blocked.Add(1)
	requestsBlocked.Inc()
}

// RecordError counts a request that failed upstream.
func (r *Recorder) RecordError() {
	r.errored.Add(1)
	requestsErrored.Inc()
}

// RecordCacheHit counts a transformation cache hit.
func (r *Recorder) RecordCacheHit() {
	r.hits.Add(1)
	cacheHits.Inc()
}

// RecordCacheMiss counts a transformation cache miss.
func (r *Recorder) RecordCacheMiss() {
	r.misses.Add(1)
	cacheMisses.Inc()
}

// RecordBandwidth adds one exchange to the bandwidth totals: in is the raw
// body length received from upstream, out the final length written to the
// client. Polyfill injection makes out larger than in, so saved bytes can
// go negative.
func (r *Recorder) RecordBandwidth(in, out int64) {
	if in > 0 {
		r.in.Add(in)
		bytesIn.Add(float64(in))
	}
	if out > 0 {
		r.out.Add(out)
		bytesOut.Add(float64(out))
	}
}

// RecordTunnel counts one raw spliced tunnel. The downstream direction is
// what upstream sent and what the client received, so it feeds both
// bandwidth totals; the upstream direction is tracked on the tunnel itself.
func (r *Recorder) RecordTunnel(up, down int64) {
	r.tunnels.Add(1)
	tunnelsTotal.Inc()
	r.tunnelUp.Add(up)
	r.tunnelDn.Add(down)
	r.RecordBandwidth(down, down)
}

// RecordTransform counts one transformer invocation for the content type.
func (r *Recorder) RecordTransform(ctype transform.ContentType) {
	r.mu.Lock()
	r.transforms[ctype]++
	r.mu.Unlock()
	transformsTotal.WithLabelValues(string(ctype)).Inc()
}

// RecordCertMinted counts one minted leaf certificate.
func (r *Recorder) RecordCertMinted() {
	r.minted.Add(1)
	certsMinted.Inc()
}

// RecordDuration observes one end to end request latency.
func (r *Recorder) RecordDuration(d time.Duration) {
	requestDuration.Observe(d.Seconds())
}

// RequestStats is the request section of a snapshot.
type RequestStats struct {
	Total       int64 `json:"total"`
	Blocked     int64 `json:"blocked"`
	Errored     int64 `json:"errored"`
	CacheHits   int64 `json:"cacheHits"`
	CacheMisses int64 `json:"cacheMisses"`
}

// BandwidthStats is the bandwidth section of a snapshot.
type BandwidthStats struct {
	TotalBytesIn  int64 `json:"totalBytesIn"`
	TotalBytesOut int64 `json:"totalBytesOut"`
	// SavedBytes is in minus out; negative when transformation enlarges
	// the output.
	SavedBytes int64 `json:"savedBytes"`
}

// TunnelStats is the tunnel section of a snapshot.
type TunnelStats struct {
	Total     int64 `json:"total"`
	BytesUp   int64 `json:"bytesUp"`
	BytesDown int64 `json:"bytesDown"`
}

// Snapshot is the JSON shape served by the internal metrics API.
type Snapshot struct {
	StartedAt     time.Time        `json:"startedAt"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
	Requests      RequestStats     `json:"requests"`
	Bandwidth     BandwidthStats   `json:"bandwidth"`
	Transforms    map[string]int64 `json:"transforms"`
	Tunnels       TunnelStats      `json:"tunnels"`
	CertsMinted   int64            `json:"certsMinted"`
}

// Snapshot returns a point-in-time copy of all counters.
func (r *Recorder) Snapshot() Snapshot {
	in, out := r.in.Load(), r.out.Load()

	transforms := make(map[string]int64)
	r.mu.Lock()
	for ctype, n := range r.transforms {
		transforms[string(ctype)] = n
	}
	r.mu.Unlock()

	return Snapshot{
		StartedAt:     r.started,
		UptimeSeconds: int64(r.clock.Since(r.started).Seconds()),
		Requests: RequestStats{
			Total:       r.requests.Load(),
			Blocked:     r.blocked.Load(),
			Errored:     r.errored.Load(),
			CacheHits:   r.hits.Load(),
			CacheMisses: r.misses.Load(),
		},
		Bandwidth: BandwidthStats{
			TotalBytesIn:  in,
			TotalBytesOut: out,
			SavedBytes:    in - out,
		},
		Transforms:  transforms,
		Tunnels:     TunnelStats{Total: r.tunnels.Load(), BytesUp: r.tunnelUp.Load(), BytesDown: r.tunnelDn.Load()},
		CertsMinted: r.minted.Load(),
	}
}
