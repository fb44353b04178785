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
	"context"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/plugin"
)

// ResolutionContext is the input to config:resolution handlers. Handlers
// read the accumulated Config and return PartialConfig values to overlay;
// a Stop freezes the config after its value is applied.
type ResolutionContext struct {
	// ClientIP is the requesting client, without port.
	ClientIP string
	// Hostname is the request host, without port.
	Hostname string
	// Config is the configuration accumulated so far.
	Config Config
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	// Base supplies the current base configuration.
	Base func() Config
	// Profiles supplies the current domain profiles.
	Profiles func() []DomainProfile
	// Hooks runs the config:resolution chain. Optional.
	Hooks *plugin.Executor
}

// CheckAndSetDefaults validates the config.
func (c *ResolverConfig) CheckAndSetDefaults() error {
	if c.Base == nil {
		return trace.BadParameter("missing parameter Base")
	}
	return nil
}

// Resolver computes the effective configuration for one request. It is
// pure given stable inputs: base, profiles and hook behavior determine the
// result, nothing is memoized across requests.
type Resolver struct {
	cfg ResolverConfig
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Resolver{cfg: cfg}, nil
}

// Resolution is the resolver output: the frozen effective config and the
// matched profile, if any.
type Resolution struct {
	Config  Config
	Profile *DomainProfile
}

// Resolve computes the effective config for (clientIP, hostname): base
// config, then the first matching profile by (priority desc, specificity
// desc), then the config:resolution hook chain.
func (r *Resolver) Resolve(ctx context.Context, clientIP, hostname string) (*Resolution, error) {
	cfg := r.cfg.Base()

	var matched *DomainProfile
	if r.cfg.Profiles != nil {
		if matched = SelectProfile(r.cfg.Profiles(), hostname); matched != nil {
			cfg = matched.Config.Apply(cfg)
		}
	}

	if r.cfg.Hooks != nil {
		rc := &ResolutionContext{ClientIP: clientIP, Hostname: hostname, Config: cfg}
		result := r.cfg.Hooks.RunChain(ctx, plugin.HookConfigResolution, rc, func(value any) {
			if p, ok := value.(*PartialConfig); ok {
				rc.Config = p.Apply(rc.Config)
			}
		})
		if result.Err != nil {
			return nil, trace.Wrap(result.Err)
		}
		cfg = rc.Config
	}

	return &Resolution{Config: cfg, Profile: matched}, nil
}
