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
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// hookCounters tracks one (plugin, hook) pair. All fields are atomics so
// concurrent invocations update them without locking.
type hookCounters struct {
	invocations atomic.Int64
	successes   atomic.Int64
	failures    atomic.Int64
	timeouts    atomic.Int64
	durationNS  atomic.Int64
}

// HookStats is an immutable snapshot of one (plugin, hook) pair.
type HookStats struct {
	Hook        Hook    `json:"hook"`
	Invocations int64   `json:"count"`
	Successes   int64   `json:"success"`
	Failures    int64   `json:"fail"`
	Timeouts    int64   `json:"timeouts"`
	AvgDuration float64 `json:"avgDurationMs"`
}

// StatsSink records hook invocation outcomes per plugin.
type StatsSink struct {
	mu       sync.Mutex
	counters map[string]map[Hook]*hookCounters
}

// NewStatsSink creates an empty sink.
func NewStatsSink() *StatsSink {
	return &StatsSink{counters: make(map[string]map[Hook]*hookCounters)}
}

func (s *StatsSink) get(pluginID string, hook Hook) *hookCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	byHook := s.counters[pluginID]
	if byHook == nil {
		byHook = make(map[Hook]*hookCounters)
		s.counters[pluginID] = byHook
	}
	c := byHook[hook]
	if c == nil {
		c = &hookCounters{}
		byHook[hook] = c
	}
	return c
}

// RecordSuccess counts a completed invocation.
func (s *StatsSink) RecordSuccess(pluginID string, hook Hook, d time.Duration) {
	c := s.get(pluginID, hook)
	c.invocations.Add(1)
	c.successes.Add(1)
	c.durationNS.Add(int64(d))
}

// RecordFailure counts an invocation that returned an error or panicked.
func (s *StatsSink) RecordFailure(pluginID string, hook Hook, d time.Duration) {
	c := s.get(pluginID, hook)
	c.invocations.Add(1)
	c.failures.Add(1)
	c.durationNS.Add(int64(d))
}

// RecordTimeout counts an invocation cancelled at the hook deadline.
func (s *StatsSink) RecordTimeout(pluginID string, hook Hook, d time.Duration) {
	c := s.get(pluginID, hook)
	c.invocations.Add(1)
	c.timeouts.Add(1)
	c.durationNS.Add(int64(d))
}

// Timeouts returns the timeout count for one (plugin, hook) pair.
func (s *StatsSink) Timeouts(pluginID string, hook Hook) int64 {
	return s.get(pluginID, hook).timeouts.Load()
}

// Snapshot returns per-hook stats for a plugin, sorted by hook name.
func (s *StatsSink) Snapshot(pluginID string) []HookStats {
	s.mu.Lock()
	byHook := s.counters[pluginID]
	hooks := make([]Hook, 0, len(byHook))
	for hook := range byHook {
		hooks = append(hooks, hook)
	}
	s.mu.Unlock()

	out := make([]HookStats, 0, len(hooks))
	for _, hook := range hooks {
		c := s.get(pluginID, hook)
		stat := HookStats{
			Hook:        hook,
			Invocations: c.invocations.Load(),
			Successes:   c.successes.Load(),
			Failures:    c.failures.Load(),
			Timeouts:    c.timeouts.Load(),
		}
		if stat.Invocations > 0 {
			stat.AvgDuration = float64(c.durationNS.Load()) / float64(stat.Invocations) / float64(time.Millisecond)
		}
		out = append(out, stat)
	}
	slices.SortFunc(out, func(a, b HookStats) int {
		return cmp.Compare(a.Hook, b.Hook)
	})
	return out
}
