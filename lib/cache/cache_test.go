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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"

	"github.com/revampproxy/revamp/lib/transform"
	logutils "github.com/revampproxy/revamp/lib/utils/log"
)

func newTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{
		Dir:    dir,
		Logger: logutils.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func testEntry(url string, fingerprint string, body string) *Entry {
	return &Entry{
		Key:                 NewKey(url, transform.ContentTypeJS, fingerprint),
		URL:                 url,
		ContentType:         transform.ContentTypeJS,
		ResponseContentType: "application/javascript; charset=UTF-8",
		Body:                []byte(body),
	}
}

func TestKeyDeterminism(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/app.js"
	fpA := ClientFingerprint("10.0.0.1", []byte(`{"transformJs":true}`))
	fpB := ClientFingerprint("10.0.0.2", []byte(`{"transformJs":true}`))
	fpC := ClientFingerprint("10.0.0.1", []byte(`{"transformJs":false}`))

	require.Equal(t, NewKey(url, transform.ContentTypeJS, fpA), NewKey(url, transform.ContentTypeJS, fpA))
	require.NotEqual(t, NewKey(url, transform.ContentTypeJS, fpA), NewKey(url, transform.ContentTypeJS, fpB))
	require.NotEqual(t, NewKey(url, transform.ContentTypeJS, fpA), NewKey(url, transform.ContentTypeJS, fpC))
	require.NotEqual(t, NewKey(url, transform.ContentTypeJS, fpA), NewKey(url, transform.ContentTypeCSS, fpA))
	require.NotEqual(t, NewKey(url, transform.ContentTypeJS, fpA), NewKey(url+"?v=2", transform.ContentTypeJS, fpA))

	// The NUL separators keep shifted concatenations apart.
	require.NotEqual(t, NewKey("https://a/bc", transform.ContentTypeJS, fpA), NewKey("https://a/b", transform.ContentTypeJS, "c"+fpA))
}

func TestSetVisibleBeforeFlush(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	entry := testEntry("https://example.com/app.js", "fp", "var a = 1;")
	store.Set(ctx, entry)

	got, ok := store.Get(ctx, entry.Key)
	require.True(t, ok)
	require.Equal(t, entry.Body, got.Body)
}

func TestDiskPromotion(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	entry := testEntry("https://example.com/app.js", "fp", "var a = 1;")
	store.Set(ctx, entry)
	store.Flush()

	// Drop the memory tier so the next read must come from disk.
	store.memory.purge()
	memEntries, _ := store.memory.stats()
	require.Zero(t, memEntries)

	got, ok := store.Get(ctx, entry.Key)
	require.True(t, ok)
	require.Equal(t, entry.Body, got.Body)
	require.Equal(t, entry.URL, got.URL)
	require.Equal(t, entry.ContentType, got.ContentType)
	require.Equal(t, entry.ResponseContentType, got.ResponseContentType)

	// The hit must have promoted the entry back to memory.
	memEntries, _ = store.memory.stats()
	require.Equal(t, 1, memEntries)
}

func TestPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	first := newTestStore(t, dir)
	entry := testEntry("https://example.com/app.js", "fp", "var a = 1;")
	first.Set(ctx, entry)
	first.Flush()

	reopened := newTestStore(t, dir)
	stats := reopened.Stats()
	require.Equal(t, 1, stats.DiskEntries)

	got, ok := reopened.Get(ctx, entry.Key)
	require.True(t, ok)
	require.Equal(t, entry.Body, got.Body)
}

func TestCorruptFileEvicted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	entry := testEntry("https://example.com/app.js", "fp", "var a = 1;")
	store.Set(ctx, entry)
	store.Flush()
	store.memory.purge()

	path := filepath.Join(dir, entry.Key.FileName())
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))

	_, ok := store.Get(ctx, entry.Key)
	require.False(t, ok)
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestGetOrFillSingleFlight(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	entry := testEntry("https://example.com/app.js", "fp", "var a = 1;")
	var fills atomic.Int64
	release := make(chan struct{})

	const waiters = 16
	results := make([][]byte, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := store.GetOrFill(ctx, entry.Key, func(context.Context) (*Entry, error) {
				fills.Add(1)
				<-release
				return entry, nil
			})
			if err == nil {
				results[i] = got.Body
			}
		}()
	}

	close(release)
	wg.Wait()

	require.Equal(t, int64(1), fills.Load())
	for _, body := range results {
		require.Equal(t, entry.Body, body)
	}

	// Once cached, no further fills happen.
	before := fills.Load()
	_, hit, err := store.GetOrFill(ctx, entry.Key, func(context.Context) (*Entry, error) {
		fills.Add(1)
		return entry, nil
	})
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, before, fills.Load())
}

func TestGetOrFillSharesFailure(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()
	key := NewKey("https://example.com/broken.js", transform.ContentTypeJS, "fp")

	_, _, err := store.GetOrFill(ctx, key, func(context.Context) (*Entry, error) {
		return nil, trace.ConnectionProblem(nil, "upstream unreachable")
	})
	require.Error(t, err)
	require.True(t, trace.IsConnectionProblem(err))

	// The failure is not cached.
	_, ok := store.Get(ctx, key)
	require.False(t, ok)
}

func TestRedirectsNeverStored(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	const url = "https://example.com/x"
	store.MarkRedirect(url)
	require.True(t, store.IsRedirect(url))
	require.False(t, store.IsRedirect("https://example.com/y"))

	entry := testEntry(url, "fp", "moved")
	store.Set(ctx, entry)
	store.Flush()

	_, ok := store.Get(ctx, entry.Key)
	require.False(t, ok)
	stats := store.Stats()
	require.Zero(t, stats.MemoryEntries)
	require.Zero(t, stats.DiskEntries)
}

func TestRedirectSetCapped(t *testing.T) {
	t.Parallel()

	store, err := NewStore(StoreConfig{
		Dir:             t.TempDir(),
		RedirectSetSize: 4,
		Logger:          logutils.Discard(),
	})
	require.NoError(t, err)
	defer store.Close()

	urls := []string{"u1", "u2", "u3", "u4", "u5"}
	for _, u := range urls {
		store.MarkRedirect(u)
	}
	require.False(t, store.IsRedirect("u1"))
	require.True(t, store.IsRedirect("u5"))
	require.Equal(t, 4, store.Stats().RedirectURLs)
}

func TestDiskEvictionByBudget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStore(StoreConfig{
		Dir:          dir,
		DiskMaxBytes: 2048,
		Logger:       logutils.Discard(),
	})
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	first := testEntry("https://example.com/1.js", "fp", string(make([]byte, 900)))
	second := testEntry("https://example.com/2.js", "fp", string(make([]byte, 900)))
	third := testEntry("https://example.com/3.js", "fp", string(make([]byte, 900)))
	for _, e := range []*Entry{first, second, third} {
		store.Set(ctx, e)
	}
	store.Flush()

	// The oldest staged entry must have been evicted from disk.
	_, diskBytes := store.disk.stats()
	require.LessOrEqual(t, diskBytes, int64(2048))
	_, err = os.Stat(filepath.Join(dir, first.Key.FileName()))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, third.Key.FileName()))
	require.NoError(t, err)
}

func TestInvalidateURL(t *testing.T) {
	t.Parallel()

	store := newTestStore(t, t.TempDir())
	ctx := context.Background()

	const url = "https://example.com/app.js"
	perClient := []*Entry{
		testEntry(url, "fp-1", "var a = 1;"),
		testEntry(url, "fp-2", "var a = 1;"),
	}
	other := testEntry("https://example.com/other.js", "fp-1", "var b = 2;")
	for _, e := range append(perClient, other) {
		store.Set(ctx, e)
	}
	store.Flush()

	removed := store.InvalidateURL(ctx, url)
	require.Equal(t, 2, removed)

	for _, e := range perClient {
		_, ok := store.Get(ctx, e.Key)
		require.False(t, ok)
	}
	_, ok := store.Get(ctx, other.Key)
	require.True(t, ok)
}

func TestInvalidateAll(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := newTestStore(t, dir)
	ctx := context.Background()

	store.Set(ctx, testEntry("https://example.com/1.js", "fp", "one"))
	store.Set(ctx, testEntry("https://example.com/2.js", "fp", "two"))
	store.Flush()

	store.InvalidateAll(ctx)

	stats := store.Stats()
	require.Zero(t, stats.MemoryEntries)
	require.Zero(t, stats.DiskEntries)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, files)
}
