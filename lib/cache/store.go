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
	"context"
	"log/slog"

	"github.com/gravitational/trace"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/revampproxy/revamp"
	"github.com/revampproxy/revamp/lib/defaults"
)

// StoreConfig configures the two-tier store.
type StoreConfig struct {
	// Dir is the disk tier directory.
	Dir string
	// MemoryMaxEntries bounds the memory tier entry count.
	MemoryMaxEntries int
	// MemoryMaxBytes is the memory tier byte budget.
	MemoryMaxBytes int64
	// DiskMaxBytes is the disk tier byte budget.
	DiskMaxBytes int64
	// RedirectSetSize caps the redirect-exclusion set.
	RedirectSetSize int
	// Clock stamps stored entries.
	Clock clockwork.Clock
	// Logger emits cache diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.MemoryMaxEntries == 0 {
		c.MemoryMaxEntries = defaults.MemoryCacheEntries
	}
	if c.MemoryMaxBytes == 0 {
		c.MemoryMaxBytes = defaults.MemoryCacheSize
	}
	if c.DiskMaxBytes == 0 {
		c.DiskMaxBytes = defaults.DiskCacheSize
	}
	if c.RedirectSetSize == 0 {
		c.RedirectSetSize = defaults.RedirectSetSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(revamp.ComponentKey, revamp.ComponentCache)
	}
	return nil
}

// Store is the transformation cache: a memory tier over a disk tier, with
// single-flighted fills and a redirect-exclusion set. Safe for concurrent
// use.
type Store struct {
	cfg       StoreConfig
	memory    *memoryTier
	disk      *diskTier
	flights   singleflight.Group
	redirects *lru.Cache[string, struct{}]
}

// NewStore opens the store, seeding the disk tier index from the cache
// directory.
func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	memory, err := newMemoryTier(cfg.MemoryMaxEntries, cfg.MemoryMaxBytes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	disk, err := newDiskTier(cfg.Dir, cfg.DiskMaxBytes, cfg.Logger)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	redirects, err := lru.New[string, struct{}](cfg.RedirectSetSize)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg, memory: memory, disk: disk, redirects: redirects}, nil
}

// Get returns the entry for key, consulting memory then disk and promoting
// disk hits.
func (s *Store) Get(ctx context.Context, key Key) (*Entry, bool) {
	if entry, ok := s.memory.get(key); ok {
		return entry, true
	}
	if entry, ok := s.disk.get(ctx, key); ok {
		s.memory.add(entry)
		return entry, true
	}
	return nil, false
}

// Set writes the entry to the memory tier and stages the disk write. The
// entry is visible to Get before Set returns. URLs marked as redirecting
// are never stored.
func (s *Store) Set(ctx context.Context, entry *Entry) {
	if entry == nil || s.IsRedirect(entry.URL) {
		return
	}
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.cfg.Clock.Now()
	}
	s.memory.add(entry)
	s.disk.put(entry)
}

// GetOrFill returns the cached entry for key, or runs fill to produce and
// store it. Concurrent callers for the same missing key share one fill; on
// fill failure every waiter observes the same error. The hit result is true
// only when the entry came from the cache without running or awaiting fill.
func (s *Store) GetOrFill(ctx context.Context, key Key, fill func(context.Context) (*Entry, error)) (*Entry, bool, error) {
	if entry, ok := s.Get(ctx, key); ok {
		return entry, true, nil
	}

	entryI, err, _ := s.flights.Do(key.String(), func() (any, error) {
		if entry, ok := s.Get(ctx, key); ok {
			return entry, nil
		}
		entry, err := fill(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if entry == nil {
			return nil, trace.BadParameter("cache fill returned no entry")
		}
		s.Set(ctx, entry)
		return entry, nil
	})
	if err != nil {
		return nil, false, trace.Wrap(err)
	}
	return entryI.(*Entry), false, nil
}

// InvalidateURL drops every cached artifact for the source URL across both
// tiers, best effort, and reports how many entries were dropped.
func (s *Store) InvalidateURL(ctx context.Context, url string) int {
	s.disk.flush()
	n := s.memory.removeURL(url)
	n += s.disk.removeURL(url)
	s.cfg.Logger.DebugContext(ctx, "Invalidated cache entries.", "url", url, "entries", n)
	return n
}

// InvalidateAll empties both tiers.
func (s *Store) InvalidateAll(ctx context.Context) {
	s.disk.flush()
	s.memory.purge()
	s.disk.purge()
	s.cfg.Logger.InfoContext(ctx, "Cache invalidated.")
}

// MarkRedirect records that the URL answered with a redirect. The set is
// capped; the least recently marked URLs fall out first.
func (s *Store) MarkRedirect(url string) {
	s.redirects.Add(url, struct{}{})
}

// IsRedirect reports whether the URL is in the redirect-exclusion set.
func (s *Store) IsRedirect(url string) bool {
	_, ok := s.redirects.Get(url)
	return ok
}

// Stats describes the store occupancy.
type Stats struct {
	MemoryEntries int   `json:"memoryEntries"`
	MemoryBytes   int64 `json:"memoryBytes"`
	DiskEntries   int   `json:"diskEntries"`
	DiskBytes     int64 `json:"diskBytes"`
	RedirectURLs  int   `json:"redirectUrls"`
}

// Stats returns the current occupancy of both tiers.
func (s *Store) Stats() Stats {
	memEntries, memBytes := s.memory.stats()
	diskEntries, diskBytes := s.disk.stats()
	return Stats{
		MemoryEntries: memEntries,
		MemoryBytes:   memBytes,
		DiskEntries:   diskEntries,
		DiskBytes:     diskBytes,
		RedirectURLs:  s.redirects.Len(),
	}
}

// Flush blocks until all staged disk writes are applied. Used by tests and
// shutdown.
func (s *Store) Flush() {
	s.disk.flush()
}

// Close flushes staged writes and stops the disk writer.
func (s *Store) Close() error {
	s.disk.close()
	return nil
}
