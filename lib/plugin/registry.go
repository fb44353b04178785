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
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
)

// Registration binds a handler to a hook on behalf of a plugin.
type Registration struct {
	// PluginID is the owning plugin.
	PluginID string
	// Hook is the interception point.
	Hook Hook
	// Priority orders chain execution; higher runs first.
	Priority int
	// Handler is invoked by the executor.
	Handler Handler

	// seq breaks priority ties by registration order.
	seq uint64
}

// Registry holds hook registrations. Mutations build a fresh snapshot and
// swap it in atomically, so executors iterate immutable slices: a plugin
// deactivating mid-request never mutates a chain that is already running.
type Registry struct {
	mu       sync.Mutex
	seq      uint64
	snapshot atomic.Pointer[map[Hook][]Registration]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[Hook][]Registration{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds a handler and returns a function that removes it.
func (r *Registry) Register(pluginID string, hook Hook, priority int, handler Handler) (func(), error) {
	if err := hook.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	if pluginID == "" {
		return nil, trace.BadParameter("missing plugin id")
	}
	if handler == nil {
		return nil, trace.BadParameter("missing handler for hook %v", hook)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	reg := Registration{
		PluginID: pluginID,
		Hook:     hook,
		Priority: priority,
		Handler:  handler,
		seq:      r.seq,
	}
	next := r.clone()
	regs := append(slices.Clone(next[hook]), reg)
	slices.SortStableFunc(regs, func(a, b Registration) int {
		if a.Priority != b.Priority {
			// Higher priority runs first.
			if a.Priority > b.Priority {
				return -1
			}
			return 1
		}
		// Earlier registration runs first.
		if a.seq < b.seq {
			return -1
		}
		return 1
	})
	next[hook] = regs
	r.snapshot.Store(&next)

	seq := reg.seq
	return func() { r.remove(hook, seq) }, nil
}

// UnregisterPlugin removes every registration owned by pluginID.
func (r *Registry) UnregisterPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.clone()
	for hook, regs := range next {
		next[hook] = slices.DeleteFunc(slices.Clone(regs), func(reg Registration) bool {
			return reg.PluginID == pluginID
		})
	}
	r.snapshot.Store(&next)
}

// Snapshot returns the registrations for a hook in execution order. The
// returned slice is an immutable snapshot, safe to iterate without locks.
func (r *Registry) Snapshot(hook Hook) []Registration {
	return (*r.snapshot.Load())[hook]
}

// Len returns the total number of registrations across all hooks.
func (r *Registry) Len() int {
	total := 0
	for _, regs := range *r.snapshot.Load() {
		total += len(regs)
	}
	return total
}

func (r *Registry) remove(hook Hook, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := r.clone()
	next[hook] = slices.DeleteFunc(slices.Clone(next[hook]), func(reg Registration) bool {
		return reg.seq == seq
	})
	r.snapshot.Store(&next)
}

// clone copies the snapshot map. Buckets are shared until rewritten, and
// every rewrite above clones the bucket first.
func (r *Registry) clone() map[Hook][]Registration {
	cur := *r.snapshot.Load()
	next := make(map[Hook][]Registration, len(cur))
	for hook, regs := range cur {
		next[hook] = regs
	}
	return next
}
