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
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp"
)

// watchDebounce coalesces bursts of filesystem events (editors write
// several times per save) into one reload.
const watchDebounce = 500 * time.Millisecond

// Watcher reloads plugins when files under their directories change.
type Watcher struct {
	manager *Manager
	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// NewWatcher starts watching the plugins directory for hot reload. The
// caller must run Run and Close it on shutdown.
func NewWatcher(manager *Manager, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, trace.ConvertSystemError(err)
	}
	return &Watcher{
		manager: manager,
		dir:     dir,
		watcher: fsw,
		log:     slog.With(revamp.ComponentKey, revamp.ComponentPlugins),
	}, nil
}

// Run processes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(watchDebounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WarnContext(ctx, "Plugin watcher error", "error", err)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if name := w.pluginDir(event.Name); name != "" {
				pending[name] = time.Now().Add(watchDebounce)
			}
		case <-ticker.C:
			now := time.Now()
			for name, due := range pending {
				if now.Before(due) {
					continue
				}
				delete(pending, name)
				dir := filepath.Join(w.dir, name)
				if err := w.manager.ReloadByDir(ctx, dir); err != nil && !trace.IsNotFound(err) {
					w.log.WarnContext(ctx, "Plugin hot reload failed",
						"dir", dir, "error", err)
					continue
				}
				w.log.InfoContext(ctx, "Plugin hot reloaded", "dir", dir)
			}
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return trace.Wrap(w.watcher.Close())
}

// pluginDir maps a changed path to the plugin directory it belongs to. Only
// first-level entries of the plugins dir count; the watch is not recursive.
func (w *Watcher) pluginDir(path string) string {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) == 0 || parts[0] == "." || parts[0] == "" {
		return ""
	}
	return parts[0]
}
