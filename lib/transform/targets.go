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
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Target is one parsed Browserslist-style target, like "safari 9".
type Target struct {
	// Family is the lowercased browser family name.
	Family string
	// Version is the leading numeric version. For ranges like "9.0-9.2" it
	// is the lower bound.
	Version float64
}

// firstWebPVersion is the first version of each family able to decode WebP.
// Families absent from the table never gained support.
var firstWebPVersion = map[string]float64{
	"chrome":  32,
	"and_chr": 32,
	"edge":    18,
	"firefox": 65,
	"opera":   19,
	"safari":  14,
	"ios_saf": 14,
	"samsung": 4,
}

// firstAVIFVersion is the first version of each family able to decode AVIF.
var firstAVIFVersion = map[string]float64{
	"chrome":  85,
	"and_chr": 85,
	"edge":    121,
	"firefox": 93,
	"opera":   71,
	"safari":  16,
	"ios_saf": 16,
	"samsung": 14,
}

// ParseTarget parses a single "family version" pair.
func ParseTarget(s string) (Target, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) != 2 {
		return Target{}, trace.BadParameter("malformed target %q, expected \"family version\"", s)
	}
	version := fields[1]
	if i := strings.IndexByte(version, '-'); i > 0 {
		version = version[:i]
	}
	v, err := strconv.ParseFloat(version, 64)
	if err != nil {
		return Target{}, trace.BadParameter("malformed target version %q", s)
	}
	return Target{Family: fields[0], Version: v}, nil
}

// ParseTargets parses a target list, skipping entries it cannot parse.
// An empty or fully malformed list yields no targets.
func ParseTargets(targets []string) []Target {
	out := make([]Target, 0, len(targets))
	for _, s := range targets {
		t, err := ParseTarget(s)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out
}

// SupportsWebP reports whether the target browser decodes WebP natively.
func (t Target) SupportsWebP() bool {
	min, ok := firstWebPVersion[t.Family]
	return ok && t.Version >= min
}

// SupportsAVIF reports whether the target browser decodes AVIF natively.
func (t Target) SupportsAVIF() bool {
	min, ok := firstAVIFVersion[t.Family]
	return ok && t.Version >= min
}

// NeedsLegacyImages reports whether any target in the list cannot decode
// WebP or AVIF, which makes image responses transformable.
func NeedsLegacyImages(targets []string) bool {
	for _, t := range ParseTargets(targets) {
		if !t.SupportsWebP() || !t.SupportsAVIF() {
			return true
		}
	}
	return false
}

// NeedsImageTransform reports whether the classified image type must be
// transcoded for the given target list.
func NeedsImageTransform(targets []string, ctype ContentType) bool {
	parsed := ParseTargets(targets)
	switch ctype {
	case ContentTypeImageWebP:
		for _, t := range parsed {
			if !t.SupportsWebP() {
				return true
			}
		}
	case ContentTypeImageAVIF:
		for _, t := range parsed {
			if !t.SupportsAVIF() {
				return true
			}
		}
	}
	return false
}
