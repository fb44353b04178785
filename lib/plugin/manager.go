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
	"cmp"
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp"
)

// State is a plugin lifecycle state.
type State string

const (
	// StateLoaded means the manifest was read and validated.
	StateLoaded State = "loaded"
	// StateInitialized means the instance was constructed and configured.
	StateInitialized State = "initialized"
	// StateActive means the plugin's handlers are registered.
	StateActive State = "active"
	// StateDeactivated means the handlers were unregistered.
	StateDeactivated State = "deactivated"
	// StateError means a lifecycle transition failed; see Status.Error.
	StateError State = "error"
)

// Instance is the in-process runtime behind a plugin. Built-in plugins
// implement it directly; sandboxed runtimes attach through an adapter.
type Instance interface {
	// Init prepares the instance and registers its handlers on the host.
	Init(ctx context.Context, host *Host) error
	// Close releases instance resources after its handlers are gone.
	Close(ctx context.Context) error
}

// Factory constructs an Instance for a manifest with the plugin's settings
// config.
type Factory func(manifest Manifest, config map[string]any) (Instance, error)

// Host is handed to an Instance during Init; it scopes hook registration to
// the owning plugin and its manifest's declared hooks.
type Host struct {
	manifest *Manifest
	registry *Registry
	routes   *RouteTable
	config   map[string]any
}

// RegisterHook registers a handler under the host's plugin.
func (h *Host) RegisterHook(hook Hook, priority int, handler Handler) error {
	if !h.manifest.AllowsHook(hook) {
		return trace.AccessDenied("plugin %q does not declare hook %v", h.manifest.ID, hook)
	}
	if _, err := h.registry.Register(h.manifest.ID, hook, priority, handler); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// HandlePath exposes an HTTP handler under the plugin's sub-path of the
// internal API. The path is relative, "status" ends up served at
// /__revamp__/plugins/<id>/routes/status.
func (h *Host) HandlePath(path string, handler http.Handler) error {
	return trace.Wrap(h.routes.register(h.manifest.ID, path, handler))
}

// Config returns the plugin's settings config.
func (h *Host) Config() map[string]any { return h.config }

// Status describes a plugin to the API.
type Status struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description,omitempty"`
	State       State          `json:"state"`
	Error       string         `json:"error,omitempty"`
	Hooks       []string       `json:"hooks,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Stats       []HookStats    `json:"stats,omitempty"`
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// PluginsDir holds one subdirectory per plugin.
	PluginsDir string
	// Registry receives hook registrations from active plugins.
	Registry *Registry
	// Routes receives HTTP route registrations from active plugins.
	Routes *RouteTable
	// Stats supplies per-plugin counters for Status.
	Stats *StatsSink
	// Settings persists enablement and per-plugin config.
	Settings *SettingsStore
	// Factories maps plugin IDs to in-process instance constructors.
	// Plugins without a factory are tracked for state only.
	Factories map[string]Factory
	// Logger emits lifecycle diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.PluginsDir == "" {
		return trace.BadParameter("missing parameter PluginsDir")
	}
	if c.Registry == nil {
		return trace.BadParameter("missing parameter Registry")
	}
	if c.Settings == nil {
		return trace.BadParameter("missing parameter Settings")
	}
	if c.Routes == nil {
		c.Routes = NewRouteTable()
	}
	if c.Stats == nil {
		c.Stats = NewStatsSink()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentPlugins)
	}
	return nil
}

// Manager tracks plugin lifecycle. Transitions are serialized: concurrent
// API calls against the same plugin observe consistent states.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	plugins map[string]*pluginRecord
}

type pluginRecord struct {
	manifest *Manifest
	dir      string
	state    State
	stateErr string
	config   map[string]any
	instance Instance
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		cfg:     cfg,
		plugins: make(map[string]*pluginRecord),
	}, nil
}

// LoadAll scans the plugins directory, loads every plugin with a manifest
// and activates the ones enabled in settings. Individual plugin failures
// are recorded on the plugin and never abort the scan.
func (m *Manager) LoadAll(ctx context.Context) error {
	if !m.cfg.Settings.Get().Enabled {
		m.cfg.Logger.InfoContext(ctx, "Plugin system is disabled")
		return nil
	}
	entries, err := os.ReadDir(m.cfg.PluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(m.cfg.PluginsDir, entry.Name())
		status, err := m.Load(ctx, dir)
		if err != nil {
			if trace.IsNotFound(err) {
				continue
			}
			m.cfg.Logger.WarnContext(ctx, "Failed to load plugin",
				"dir", dir, "error", err)
			continue
		}
		settings := m.cfg.Settings.Plugin(status.ID)
		if settings.Enabled {
			if err := m.Activate(ctx, status.ID); err != nil {
				m.cfg.Logger.WarnContext(ctx, "Failed to activate plugin",
					"plugin", status.ID, "error", err)
			}
		}
	}
	return nil
}

// Load reads the manifest in dir and registers the plugin as loaded.
func (m *Manager) Load(ctx context.Context, dir string) (*Status, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.plugins[manifest.ID]; ok && existing.state == StateActive {
		return nil, trace.AlreadyExists("plugin %q is already active", manifest.ID)
	}
	rec := &pluginRecord{
		manifest: manifest,
		dir:      dir,
		state:    StateLoaded,
		config:   m.cfg.Settings.Plugin(manifest.ID).Config,
	}
	m.plugins[manifest.ID] = rec
	m.cfg.Logger.InfoContext(ctx, "Loaded plugin",
		"plugin", manifest.ID, "version", manifest.Version)
	return m.statusLocked(rec), nil
}

// Activate constructs the plugin instance and registers its handlers.
func (m *Manager) Activate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return trace.NotFound("plugin %q not found", id)
	}
	switch rec.state {
	case StateActive:
		return trace.AlreadyExists("plugin %q is already active", id)
	case StateLoaded, StateInitialized, StateDeactivated, StateError:
	default:
		return trace.BadParameter("plugin %q cannot activate from state %v", id, rec.state)
	}

	instance, err := m.buildInstance(rec)
	if err != nil {
		return m.failLocked(ctx, rec, err)
	}
	rec.instance = instance
	rec.state = StateInitialized

	host := &Host{manifest: rec.manifest, registry: m.cfg.Registry, routes: m.cfg.Routes, config: rec.config}
	if err := instance.Init(ctx, host); err != nil {
		m.cfg.Registry.UnregisterPlugin(id)
		m.cfg.Routes.RemovePlugin(id)
		return m.failLocked(ctx, rec, err)
	}
	rec.state = StateActive
	rec.stateErr = ""
	if err := m.cfg.Settings.SetPluginEnabled(id, true); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Logger.InfoContext(ctx, "Activated plugin", "plugin", id)
	return nil
}

// Deactivate unregisters the plugin's handlers and closes its instance.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return trace.NotFound("plugin %q not found", id)
	}
	if rec.state != StateActive {
		return trace.BadParameter("plugin %q is not active", id)
	}
	m.deactivateLocked(ctx, rec)
	if err := m.cfg.Settings.SetPluginEnabled(id, false); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Logger.InfoContext(ctx, "Deactivated plugin", "plugin", id)
	return nil
}

// Reload re-reads the manifest from disk and restarts the plugin if it was
// active.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return trace.NotFound("plugin %q not found", id)
	}
	wasActive := rec.state == StateActive
	if wasActive {
		m.deactivateLocked(ctx, rec)
	}
	manifest, err := ReadManifest(rec.dir)
	if err != nil {
		return m.failLocked(ctx, rec, err)
	}
	if manifest.ID != id {
		return m.failLocked(ctx, rec, trace.BadParameter(
			"manifest in %v changed id from %q to %q", rec.dir, id, manifest.ID))
	}
	rec.manifest = manifest
	rec.state = StateLoaded
	if !wasActive {
		return nil
	}

	instance, err := m.buildInstance(rec)
	if err != nil {
		return m.failLocked(ctx, rec, err)
	}
	rec.instance = instance
	host := &Host{manifest: rec.manifest, registry: m.cfg.Registry, routes: m.cfg.Routes, config: rec.config}
	if err := instance.Init(ctx, host); err != nil {
		m.cfg.Registry.UnregisterPlugin(id)
		m.cfg.Routes.RemovePlugin(id)
		return m.failLocked(ctx, rec, err)
	}
	rec.state = StateActive
	rec.stateErr = ""
	m.cfg.Logger.InfoContext(ctx, "Reloaded plugin",
		"plugin", id, "version", manifest.Version)
	return nil
}

// ReloadByDir reloads whatever plugin was loaded from dir, or loads the
// directory fresh when it is new. Used by the hot-reload watcher, which
// only knows directories.
func (m *Manager) ReloadByDir(ctx context.Context, dir string) error {
	m.mu.Lock()
	var id string
	for pid, rec := range m.plugins {
		if rec.dir == dir {
			id = pid
			break
		}
	}
	m.mu.Unlock()
	if id == "" {
		_, err := m.Load(ctx, dir)
		return trace.Wrap(err)
	}
	return trace.Wrap(m.Reload(ctx, id))
}

// Configure replaces the plugin's config and persists it. An active plugin
// is restarted so the instance observes the new config.
func (m *Manager) Configure(ctx context.Context, id string, config map[string]any) error {
	m.mu.Lock()
	rec, ok := m.plugins[id]
	if !ok {
		m.mu.Unlock()
		return trace.NotFound("plugin %q not found", id)
	}
	rec.config = config
	wasActive := rec.state == StateActive
	m.mu.Unlock()

	if err := m.cfg.Settings.SetPluginConfig(id, config); err != nil {
		return trace.Wrap(err)
	}
	if wasActive {
		return trace.Wrap(m.Reload(ctx, id))
	}
	return nil
}

// Unload deactivates the plugin if needed and forgets it.
func (m *Manager) Unload(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return trace.NotFound("plugin %q not found", id)
	}
	if rec.state == StateActive {
		m.deactivateLocked(ctx, rec)
	}
	delete(m.plugins, id)
	if err := m.cfg.Settings.RemovePlugin(id); err != nil {
		return trace.Wrap(err)
	}
	m.cfg.Logger.InfoContext(ctx, "Unloaded plugin", "plugin", id)
	return nil
}

// Routes returns the table plugins register HTTP sub-paths on.
func (m *Manager) Routes() *RouteTable {
	return m.cfg.Routes
}

// Get returns the status of one plugin.
func (m *Manager) Get(id string) (*Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.plugins[id]
	if !ok {
		return nil, trace.NotFound("plugin %q not found", id)
	}
	return m.statusLocked(rec), nil
}

// List returns all plugin statuses sorted by ID.
func (m *Manager) List() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.plugins))
	for _, rec := range m.plugins {
		out = append(out, *m.statusLocked(rec))
	}
	slices.SortFunc(out, func(a, b Status) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Close deactivates every active plugin.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.plugins {
		if rec.state == StateActive {
			m.deactivateLocked(ctx, rec)
		}
	}
}

func (m *Manager) buildInstance(rec *pluginRecord) (Instance, error) {
	factory, ok := m.cfg.Factories[rec.manifest.ID]
	if !ok {
		return inertInstance{}, nil
	}
	instance, err := factory(*rec.manifest, rec.config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return instance, nil
}

// failLocked parks the plugin in the error state. Other plugins are never
// affected by one plugin's lifecycle failure.
func (m *Manager) failLocked(ctx context.Context, rec *pluginRecord, err error) error {
	rec.state = StateError
	rec.stateErr = err.Error()
	rec.instance = nil
	m.cfg.Logger.WarnContext(ctx, "Plugin lifecycle failure",
		"plugin", rec.manifest.ID, "error", err)
	return trace.Wrap(err)
}

func (m *Manager) deactivateLocked(ctx context.Context, rec *pluginRecord) {
	m.cfg.Registry.UnregisterPlugin(rec.manifest.ID)
	m.cfg.Routes.RemovePlugin(rec.manifest.ID)
	if rec.instance != nil {
		if err := rec.instance.Close(ctx); err != nil {
			m.cfg.Logger.WarnContext(ctx, "Plugin close failed",
				"plugin", rec.manifest.ID, "error", err)
		}
		rec.instance = nil
	}
	rec.state = StateDeactivated
}

func (m *Manager) statusLocked(rec *pluginRecord) *Status {
	return &Status{
		ID:          rec.manifest.ID,
		Name:        rec.manifest.Name,
		Version:     rec.manifest.Version,
		Description: rec.manifest.Description,
		State:       rec.state,
		Error:       rec.stateErr,
		Hooks:       slices.Clone(rec.manifest.Hooks),
		Config:      rec.config,
		Stats:       m.cfg.Stats.Snapshot(rec.manifest.ID),
	}
}

// inertInstance backs plugins without an in-process factory; their handlers
// live in external runtimes.
type inertInstance struct{}

func (inertInstance) Init(context.Context, *Host) error { return nil }
func (inertInstance) Close(context.Context) error       { return nil }
