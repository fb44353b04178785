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

package cache

import (
	"sync"
	"sync/atomic"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
)

// memoryTier is the first cache tier: an LRU bounded by entry count and by
// a byte budget. Entries larger than the whole budget skip the tier.
type memoryTier struct {
	maxBytes int64
	bytes    atomic.Int64
	entries  *lru.Cache[Key, *Entry]

	// addMu serializes writes so the byte accounting of replaced entries
	// stays exact. Reads go straight to the LRU.
	addMu sync.Mutex
}

func newMemoryTier(maxEntries int, maxBytes int64) (*memoryTier, error) {
	t := &memoryTier{maxBytes: maxBytes}
	entries, err := lru.NewWithEvict[Key, *Entry](maxEntries, func(_ Key, e *Entry) {
		t.bytes.Add(-e.size())
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	t.entries = entries
	return t, nil
}

func (t *memoryTier) get(key Key) (*Entry, bool) {
	return t.entries.Get(key)
}

func (t *memoryTier) add(e *Entry) {
	if e.size() > t.maxBytes {
		return
	}
	t.addMu.Lock()
	defer t.addMu.Unlock()

	// Replacing an existing key does not fire the evict callback, so the
	// old charge is released by hand.
	if old, ok := t.entries.Peek(e.Key); ok {
		t.bytes.Add(-old.size())
	}
	t.entries.Add(e.Key, e)
	t.bytes.Add(e.size())

	for t.bytes.Load() > t.maxBytes {
		if _, _, ok := t.entries.RemoveOldest(); !ok {
			break
		}
	}
}

func (t *memoryTier) remove(key Key) {
	t.addMu.Lock()
	defer t.addMu.Unlock()
	t.entries.Remove(key)
}

func (t *memoryTier) purge() {
	t.addMu.Lock()
	defer t.addMu.Unlock()
	t.entries.Purge()
}

// removeURL drops every entry for the given source URL and reports how many
// were dropped.
func (t *memoryTier) removeURL(url string) int {
	removed := 0
	for _, key := range t.entries.Keys() {
		if e, ok := t.entries.Peek(key); ok && e.URL == url {
			t.remove(key)
			removed++
		}
	}
	return removed
}

func (t *memoryTier) stats() (entries int, bytes int64) {
	return t.entries.Len(), t.bytes.Load()
}
