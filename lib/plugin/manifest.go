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
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"

	"github.com/coreos/go-semver/semver"
	"github.com/gravitational/trace"
	"github.com/mitchellh/mapstructure"
)

// ManifestFileName is the manifest file inside a plugin directory.
const ManifestFileName = "plugin.json"

// Manifest describes a plugin: its identity, entry point and the hooks it
// intends to register for.
type Manifest struct {
	// ID is the unique plugin identifier, e.g. "noscript-shield".
	ID string `json:"id"`
	// Name is the human-readable plugin name. Defaults to the ID.
	Name string `json:"name,omitempty"`
	// Version is the plugin semver.
	Version string `json:"version"`
	// Main is the entry point within the plugin directory.
	Main string `json:"main"`
	// Description is free-form text shown in the plugin API.
	Description string `json:"description,omitempty"`
	// Permissions lists coarse capabilities the plugin asks for.
	Permissions []string `json:"permissions,omitempty"`
	// Hooks lists the hooks the plugin registers handlers for. Activation
	// rejects registrations outside this list.
	Hooks []string `json:"hooks,omitempty"`
}

var pluginIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// CheckAndSetDefaults validates the manifest.
func (m *Manifest) CheckAndSetDefaults() error {
	if m.ID == "" {
		return trace.BadParameter("missing plugin id")
	}
	if !pluginIDPattern.MatchString(m.ID) {
		return trace.BadParameter("invalid plugin id %q", m.ID)
	}
	if m.Version == "" {
		return trace.BadParameter("plugin %q: missing version", m.ID)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return trace.BadParameter("plugin %q: malformed version %q: %v", m.ID, m.Version, err)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	if m.Main == "" {
		m.Main = "index.js"
	}
	for _, h := range m.Hooks {
		if err := Hook(h).Check(); err != nil {
			return trace.Wrap(err, "plugin %q", m.ID)
		}
	}
	return nil
}

// AllowsHook reports whether the manifest declares the hook. An empty Hooks
// list allows everything.
func (m *Manifest) AllowsHook(hook Hook) bool {
	if len(m.Hooks) == 0 {
		return true
	}
	for _, h := range m.Hooks {
		if Hook(h) == hook {
			return true
		}
	}
	return false
}

// ParseManifest decodes a manifest from loosely-typed JSON data. Unknown
// keys are ignored so manifests written for newer versions still load.
func ParseManifest(raw map[string]any) (*Manifest, error) {
	var m Manifest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &m,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, trace.BadParameter("invalid plugin manifest: %v", err)
	}
	if err := m.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &m, nil
}

// ReadManifest loads and validates the manifest from a plugin directory.
func ReadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, trace.NotFound("no %v in %v", ManifestFileName, dir)
		}
		return nil, trace.ConvertSystemError(err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, trace.BadParameter("malformed %v: %v", path, err)
	}
	m, err := ParseManifest(raw)
	if err != nil {
		return nil, trace.Wrap(err, "reading %v", path)
	}
	return m, nil
}
