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

package plugin

import (
	"maps"
	"path/filepath"
	"sync"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/utils"
)

// Settings is the persisted shape of plugins.json.
type Settings struct {
	// Enabled turns the whole plugin system on.
	Enabled bool `json:"enabled"`
	// HotReload reloads plugins when their directory changes.
	HotReload bool `json:"hotReload"`
	// PluginsDir overrides the plugins directory.
	PluginsDir string `json:"pluginsDir,omitempty"`
	// Plugins holds per-plugin enablement and config.
	Plugins map[string]PluginSettings `json:"plugins"`
}

// PluginSettings is the persisted per-plugin state.
type PluginSettings struct {
	Enabled bool           `json:"enabled"`
	Config  map[string]any `json:"config,omitempty"`
}

// DefaultSettings returns the settings used when plugins.json is missing.
func DefaultSettings() Settings {
	return Settings{
		Enabled:   true,
		HotReload: true,
		Plugins:   map[string]PluginSettings{},
	}
}

// SettingsStore persists Settings to plugins.json with atomic writes.
type SettingsStore struct {
	mu      sync.Mutex
	path    string
	current Settings
}

// NewSettingsStore loads (or initializes) the store under dataDir.
func NewSettingsStore(dataDir string) (*SettingsStore, error) {
	if dataDir == "" {
		return nil, trace.BadParameter("missing data directory")
	}
	s := &SettingsStore{
		path:    filepath.Join(dataDir, defaults.PluginsFileName),
		current: DefaultSettings(),
	}
	if err := utils.ReadJSON(s.path, &s.current); err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	if s.current.Plugins == nil {
		s.current.Plugins = map[string]PluginSettings{}
	}
	return s, nil
}

// Get returns a copy of the current settings.
func (s *SettingsStore) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.current
	out.Plugins = maps.Clone(s.current.Plugins)
	return out
}

// Plugin returns the settings for one plugin; zero value when absent.
func (s *SettingsStore) Plugin(id string) PluginSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Plugins[id]
}

// SetPluginEnabled flips a plugin's enabled flag and persists.
func (s *SettingsStore) SetPluginEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.current.Plugins[id]
	ps.Enabled = enabled
	s.current.Plugins[id] = ps
	return trace.Wrap(s.saveLocked())
}

// SetPluginConfig replaces a plugin's config and persists.
func (s *SettingsStore) SetPluginConfig(id string, config map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps := s.current.Plugins[id]
	ps.Config = config
	s.current.Plugins[id] = ps
	return trace.Wrap(s.saveLocked())
}

// RemovePlugin forgets a plugin and persists.
func (s *SettingsStore) RemovePlugin(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.current.Plugins, id)
	return trace.Wrap(s.saveLocked())
}

// Update applies fn to the settings and persists the result.
func (s *SettingsStore) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.current)
	if s.current.Plugins == nil {
		s.current.Plugins = map[string]PluginSettings{}
	}
	return trace.Wrap(s.saveLocked())
}

func (s *SettingsStore) saveLocked() error {
	return trace.Wrap(utils.WriteJSONAtomic(s.path, s.current, defaults.FileMode))
}
