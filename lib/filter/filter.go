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

// Package filter implements the built-in ad and tracker blocker. Rules are
// precompiled at startup; a decision is a host-suffix map walk and a few
// substring checks before any regex runs.
package filter

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/revampproxy/revamp/lib/transform"
)

// Category says which config toggle a rule belongs to.
type Category string

const (
	// CategoryAds groups rules controlled by the removeAds option.
	CategoryAds Category = "ads"
	// CategoryTracking groups rules controlled by the removeTracking option.
	CategoryTracking Category = "tracking"
)

// Kind selects the synthetic response served for a blocked request.
type Kind string

const (
	// KindPixel answers with an empty 204, the shape tracking pixels expect.
	KindPixel Kind = "pixel"
	// KindScript answers with a 200 empty script so page code that awaits
	// the load event keeps running.
	KindScript Kind = "script"
)

// Decision is the outcome of matching one URL against the rules.
type Decision struct {
	// Block is true when a rule matched.
	Block bool
	// Rule names the matched rule, for logs and hook input.
	Rule string
	// Category is the toggle the rule belongs to.
	Category Category
	// Kind selects the synthetic response.
	Kind Kind
}

type hostRule struct {
	name     string
	category Category
}

type pathRule struct {
	substring string
	name      string
	category  Category
}

type regexpRule struct {
	pattern  *regexp.Regexp
	name     string
	category Category
}

// Filter holds the precompiled rule set.
type Filter struct {
	hosts   map[string]hostRule
	paths   []pathRule
	regexps []regexpRule
}

// New compiles the built-in rule set.
func New() *Filter {
	f := &Filter{hosts: make(map[string]hostRule)}

	adHosts := []string{
		"doubleclick.net",
		"googlesyndication.com",
		"googleadservices.com",
		"adservice.google.com",
		"amazon-adsystem.com",
		"adnxs.com",
		"adsrvr.org",
		"criteo.com",
		"criteo.net",
		"outbrain.com",
		"taboola.com",
		"rubiconproject.com",
		"pubmatic.com",
		"openx.net",
		"adsafeprotected.com",
		"moatads.com",
		"smartadserver.com",
		"yieldmo.com",
	}
	trackingHosts := []string{
		"google-analytics.com",
		"googletagmanager.com",
		"googletagservices.com",
		"scorecardresearch.com",
		"quantserve.com",
		"quantcount.com",
		"hotjar.com",
		"mixpanel.com",
		"segment.io",
		"segment.com",
		"amplitude.com",
		"fullstory.com",
		"mouseflow.com",
		"crazyegg.com",
		"nr-data.net",
		"branch.io",
		"chartbeat.com",
		"newrelic.com",
	}
	for _, h := range adHosts {
		f.hosts[h] = hostRule{name: "host:" + h, category: CategoryAds}
	}
	for _, h := range trackingHosts {
		f.hosts[h] = hostRule{name: "host:" + h, category: CategoryTracking}
	}

	f.paths = []pathRule{
		{substring: "/adserver/", name: "path:/adserver/", category: CategoryAds},
		{substring: "/adsales/", name: "path:/adsales/", category: CategoryAds},
		{substring: "/banners/", name: "path:/banners/", category: CategoryAds},
		{substring: "/popunder", name: "path:/popunder", category: CategoryAds},
		{substring: "/analytics.js", name: "path:analytics.js", category: CategoryTracking},
		{substring: "/gtag/js", name: "path:gtag", category: CategoryTracking},
		{substring: "/fbevents.js", name: "path:fbevents.js", category: CategoryTracking},
		{substring: "/__utm.gif", name: "path:utm.gif", category: CategoryTracking},
		{substring: "/track.gif", name: "path:track.gif", category: CategoryTracking},
		{substring: "/pixel.gif", name: "path:pixel.gif", category: CategoryTracking},
		{substring: "/beacon", name: "path:beacon", category: CategoryTracking},
		{substring: "/telemetry/", name: "path:telemetry", category: CategoryTracking},
	}

	f.regexps = []regexpRule{
		{
			pattern:  regexp.MustCompile(`(?i)^ad(s|server|img|srv)?[0-9]*\.`),
			name:     "regexp:ad-subdomain",
			category: CategoryAds,
		},
		{
			pattern:  regexp.MustCompile(`(?i)^(stats?|metrics|telemetry|beacons?|pixel)[0-9]*\.`),
			name:     "regexp:tracker-subdomain",
			category: CategoryTracking,
		},
	}

	return f
}

// Decide matches the URL against the rules. Host suffixes are checked
// first, then path substrings, then the regexps.
func (f *Filter) Decide(u *url.URL) Decision {
	host := strings.ToLower(u.Hostname())

	for h := host; h != ""; {
		if r, ok := f.hosts[h]; ok {
			return f.block(r.name, r.category, u)
		}
		i := strings.IndexByte(h, '.')
		if i < 0 {
			break
		}
		h = h[i+1:]
	}

	path := strings.ToLower(u.Path)
	for _, r := range f.paths {
		if strings.Contains(path, r.substring) {
			return f.block(r.name, r.category, u)
		}
	}

	for _, r := range f.regexps {
		if r.pattern.MatchString(host) {
			return f.block(r.name, r.category, u)
		}
	}

	return Decision{}
}

func (f *Filter) block(rule string, category Category, u *url.URL) Decision {
	kind := KindPixel
	if transform.LooksLikeScript(u.String()) {
		kind = KindScript
	}
	return Decision{Block: true, Rule: rule, Category: category, Kind: kind}
}
