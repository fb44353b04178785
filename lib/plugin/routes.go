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
	"net/http"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// RouteTable holds HTTP handlers plugins expose under their slice of the
// internal API. Routes live exactly as long as the plugin is active, the
// manager clears them on deactivation.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]map[string]http.Handler
}

// NewRouteTable creates an empty table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]map[string]http.Handler)}
}

func cleanRoutePath(path string) string {
	return strings.Trim(path, "/")
}

func (t *RouteTable) register(pluginID, path string, handler http.Handler) error {
	path = cleanRoutePath(path)
	if path == "" {
		return trace.BadParameter("plugin route path is empty")
	}
	if handler == nil {
		return trace.BadParameter("plugin route handler is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	byPath := t.routes[pluginID]
	if byPath == nil {
		byPath = make(map[string]http.Handler)
		t.routes[pluginID] = byPath
	}
	if _, ok := byPath[path]; ok {
		return trace.AlreadyExists("plugin %q already serves %q", pluginID, path)
	}
	byPath[path] = handler
	return nil
}

// Lookup returns the handler the plugin registered for path.
func (t *RouteTable) Lookup(pluginID, path string) (http.Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handler, ok := t.routes[pluginID][cleanRoutePath(path)]
	return handler, ok
}

// Paths returns the route paths the plugin serves, for its status listing.
func (t *RouteTable) Paths(pluginID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.routes[pluginID]))
	for path := range t.routes[pluginID] {
		out = append(out, path)
	}
	return out
}

// RemovePlugin drops every route the plugin registered.
func (t *RouteTable) RemovePlugin(pluginID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.routes, pluginID)
}
