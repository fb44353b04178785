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

package config

import (
	"regexp"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// DomainProfile overrides parts of the configuration for hostnames matching
// one of its glob patterns.
type DomainProfile struct {
	// ID identifies the profile in the API and in domains.json.
	ID string `json:"id"`
	// Description is free-form operator text.
	Description string `json:"description,omitempty"`
	// Patterns are hostname globs, e.g. "*.example.com". A '*' matches any
	// run of characters; matching is case-insensitive over the full
	// hostname.
	Patterns []string `json:"patterns"`
	// Priority orders profiles; higher wins.
	Priority int `json:"priority"`
	// Config holds the overrides applied on match.
	Config PartialConfig `json:"config"`
}

// CheckAndSetDefaults validates the profile.
func (p *DomainProfile) CheckAndSetDefaults() error {
	if p.ID == "" {
		return trace.BadParameter("missing profile id")
	}
	if len(p.Patterns) == 0 {
		return trace.BadParameter("profile %q needs at least one pattern", p.ID)
	}
	for _, pattern := range p.Patterns {
		if _, err := compileHostPattern(pattern); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// Match returns the specificity of the most specific pattern matching
// hostname, or -1 when no pattern matches. Specificity is the number of
// literal (non-wildcard) characters in the pattern, so "cdn.example.com"
// beats "*.example.com" beats "*".
func (p *DomainProfile) Match(hostname string) int {
	best := -1
	for _, pattern := range p.Patterns {
		re, err := compileHostPattern(pattern)
		if err != nil {
			continue
		}
		if !re.MatchString(hostname) {
			continue
		}
		if s := patternSpecificity(pattern); s > best {
			best = s
		}
	}
	return best
}

// SelectProfile returns the matching profile with the highest priority,
// breaking ties by pattern specificity and then by ID for determinism.
// Returns nil when nothing matches.
func SelectProfile(profiles []DomainProfile, hostname string) *DomainProfile {
	var selected *DomainProfile
	bestPriority, bestSpecificity := 0, -1
	for i := range profiles {
		p := &profiles[i]
		specificity := p.Match(hostname)
		if specificity < 0 {
			continue
		}
		switch {
		case selected == nil:
		case p.Priority != bestPriority:
			if p.Priority < bestPriority {
				continue
			}
		case specificity != bestSpecificity:
			if specificity < bestSpecificity {
				continue
			}
		default:
			if p.ID >= selected.ID {
				continue
			}
		}
		selected = p
		bestPriority = p.Priority
		bestSpecificity = specificity
	}
	return selected
}

// hostPatterns caches compiled globs; profile matching runs on every
// request.
var hostPatterns sync.Map // pattern string -> *regexp.Regexp

// compileHostPattern converts a hostname glob into an anchored
// case-insensitive regexp. Literal segments are quoted, so "." in a pattern
// only matches ".".
func compileHostPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, trace.BadParameter("empty hostname pattern")
	}
	if cached, ok := hostPatterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	re, err := regexp.Compile(`(?i)^` + strings.Join(parts, ".*") + `$`)
	if err != nil {
		return nil, trace.BadParameter("invalid hostname pattern %q: %v", pattern, err)
	}
	hostPatterns.Store(pattern, re)
	return re, nil
}

func patternSpecificity(pattern string) int {
	return len(pattern) - strings.Count(pattern, "*")
}
