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
	"path/filepath"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/utils"
)

// Store keeps the persisted base-config overrides and domain profiles,
// mirrored to config.json and domains.json under the data directory. All
// writes go through an atomic write-then-rename, so a crash leaves either
// the old or the new file, never a torn one.
type Store struct {
	mu          sync.RWMutex
	configPath  string
	domainsPath string
	static      Config
	overrides   PartialConfig
	profiles    []DomainProfile
}

// NewStore loads (or initializes) the store rooted at dataDir. The static
// config is what file and CLI settings produced; persisted overrides stack
// on top of it.
func NewStore(dataDir string, static Config) (*Store, error) {
	if dataDir == "" {
		return nil, trace.BadParameter("missing data directory")
	}
	if err := static.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := utils.EnsureDir(dataDir, defaults.DirMode); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Store{
		configPath:  filepath.Join(dataDir, defaults.ConfigFileName),
		domainsPath: filepath.Join(dataDir, defaults.DomainsFileName),
		static:      static,
	}
	if err := utils.ReadJSON(s.configPath, &s.overrides); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if err := utils.ReadJSON(s.domainsPath, &s.profiles); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	for i := range s.profiles {
		if err := s.profiles[i].CheckAndSetDefaults(); err != nil {
			return nil, trace.Wrap(err, "reading %v", s.domainsPath)
		}
	}
	return s, nil
}

// Base returns the effective base configuration: the static config with
// the persisted overrides applied.
func (s *Store) Base() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrides.Apply(s.static)
}

// Overrides returns a copy of the persisted overrides.
func (s *Store) Overrides() PartialConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := PartialConfig{}
	out.Merge(&s.overrides)
	return out
}

// UpdateOverrides merges p into the persisted overrides, validates the
// resulting configuration and writes config.json. Returns the new base
// config.
func (s *Store) UpdateOverrides(p *PartialConfig) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := PartialConfig{}
	merged.Merge(&s.overrides)
	merged.Merge(p)
	cfg := merged.Apply(s.static)
	if err := cfg.Check(); err != nil {
		return Config{}, trace.Wrap(err)
	}
	if err := utils.WriteJSONAtomic(s.configPath, merged, defaults.FileMode); err != nil {
		return Config{}, trace.Wrap(err)
	}
	s.overrides = merged
	return cfg, nil
}

// ResetOverrides drops all persisted overrides and returns to the static
// config.
func (s *Store) ResetOverrides() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	empty := PartialConfig{}
	if err := utils.WriteJSONAtomic(s.configPath, empty, defaults.FileMode); err != nil {
		return Config{}, trace.Wrap(err)
	}
	s.overrides = empty
	return s.static, nil
}

// Profiles returns a copy of all domain profiles.
func (s *Store) Profiles() []DomainProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.profiles)
}

// Profile returns the profile with the given id.
func (s *Store) Profile(id string) (DomainProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return DomainProfile{}, trace.NotFound("domain profile %q not found", id)
}

// UpsertProfile creates or replaces a profile and writes domains.json.
func (s *Store) UpsertProfile(p DomainProfile) error {
	if err := p.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := slices.Clone(s.profiles)
	replaced := false
	for i := range next {
		if next[i].ID == p.ID {
			next[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		next = append(next, p)
	}
	if err := utils.WriteJSONAtomic(s.domainsPath, next, defaults.FileMode); err != nil {
		return trace.Wrap(err)
	}
	s.profiles = next
	return nil
}

// DeleteProfile removes a profile and writes domains.json.
func (s *Store) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := slices.DeleteFunc(slices.Clone(s.profiles), func(p DomainProfile) bool {
		return p.ID == id
	})
	if len(next) == len(s.profiles) {
		return trace.NotFound("domain profile %q not found", id)
	}
	if err := utils.WriteJSONAtomic(s.domainsPath, next, defaults.FileMode); err != nil {
		return trace.Wrap(err)
	}
	s.profiles = next
	return nil
}
