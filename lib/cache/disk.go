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
	"container/list"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/revampproxy/revamp/lib/defaults"
	"github.com/revampproxy/revamp/lib/transform"
	"github.com/revampproxy/revamp/lib/utils"
)

const (
	// diskMagic prefixes every cache file.
	diskMagic = "RVC1"
	// maxHeaderSize bounds the header length field of a cache file; anything
	// above it is treated as corruption.
	maxHeaderSize = 1 << 20
)

// diskHeader is the JSON header stored in front of the body in every cache
// file.
type diskHeader struct {
	URL                 string    `json:"url"`
	ContentType         string    `json:"contentType"`
	ResponseContentType string    `json:"responseContentType"`
	StoredAt            time.Time `json:"storedAt"`
	BodySize            int64     `json:"bodySize"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	header, err := json.Marshal(diskHeader{
		URL:                 e.URL,
		ContentType:         string(e.ContentType),
		ResponseContentType: e.ResponseContentType,
		StoredAt:            e.StoredAt,
		BodySize:            int64(len(e.Body)),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	buf := make([]byte, 0, len(diskMagic)+4+len(header)+len(e.Body))
	buf = append(buf, diskMagic...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(header)))
	buf = append(buf, header...)
	buf = append(buf, e.Body...)
	return buf, nil
}

func decodeEntry(key Key, data []byte) (*Entry, error) {
	if len(data) < len(diskMagic)+4 || string(data[:4]) != diskMagic {
		return nil, trace.BadParameter("malformed cache file")
	}
	headerLen := binary.BigEndian.Uint32(data[4:8])
	if headerLen > maxHeaderSize || 8+int(headerLen) > len(data) {
		return nil, trace.BadParameter("malformed cache file header")
	}
	var header diskHeader
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, trace.BadParameter("failed to decode cache file header: %v", err)
	}
	body := data[8+headerLen:]
	if int64(len(body)) != header.BodySize {
		return nil, trace.BadParameter("cache file body size mismatch")
	}
	return &Entry{
		Key:                 key,
		URL:                 header.URL,
		ContentType:         transform.ContentType(header.ContentType),
		ResponseContentType: header.ResponseContentType,
		Body:                body,
		StoredAt:            header.StoredAt,
	}, nil
}

// diskTier is the second cache tier: one flat directory, one file per
// entry, no index file. Last-access order is tracked in process and seeded
// from file modification times on startup; writes are staged through a
// single background goroutine using atomic write-rename.
type diskTier struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger

	mu         sync.Mutex
	index      map[string]*diskIndexEntry
	order      *list.List // front is most recently used
	totalBytes int64

	jobs    chan *Entry
	stop    chan struct{}
	done    chan struct{}
	pending sync.WaitGroup

	closeMu sync.RWMutex
	closed  bool
}

type diskIndexEntry struct {
	name string
	url  string
	size int64
	elem *list.Element
}

func newDiskTier(dir string, maxBytes int64, logger *slog.Logger) (*diskTier, error) {
	if err := utils.EnsureDir(dir, defaults.DirMode); err != nil {
		return nil, trace.Wrap(err)
	}
	t := &diskTier{
		dir:      dir,
		maxBytes: maxBytes,
		logger:   logger,
		index:    make(map[string]*diskIndexEntry),
		order:    list.New(),
		jobs:     make(chan *Entry, 512),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := t.load(); err != nil {
		return nil, trace.Wrap(err)
	}
	go t.run()
	return t, nil
}

// load seeds the in-process index from the cache directory. Files that fail
// the header check are removed.
func (t *diskTier) load() error {
	dirEntries, err := os.ReadDir(t.dir)
	if err != nil {
		return trace.ConvertSystemError(err)
	}

	type seed struct {
		name  string
		url   string
		size  int64
		mtime time.Time
	}
	var seeds []seed
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(t.dir, de.Name())
		// Leftovers from writes interrupted mid-stage.
		if strings.Contains(de.Name(), ".tmp-") {
			os.Remove(path)
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		header, headerLen, err := t.readHeader(de.Name())
		if err != nil || info.Size() != 8+headerLen+header.BodySize {
			os.Remove(path)
			continue
		}
		seeds = append(seeds, seed{name: de.Name(), url: header.URL, size: info.Size(), mtime: info.ModTime()})
	}

	sort.Slice(seeds, func(i, j int) bool { return seeds[i].mtime.Before(seeds[j].mtime) })
	for _, s := range seeds {
		elem := t.order.PushFront(s.name)
		t.index[s.name] = &diskIndexEntry{name: s.name, url: s.url, size: s.size, elem: elem}
		t.totalBytes += s.size
	}
	return nil
}

func (t *diskTier) readHeader(name string) (*diskHeader, int64, error) {
	f, err := os.Open(filepath.Join(t.dir, name))
	if err != nil {
		return nil, 0, trace.ConvertSystemError(err)
	}
	defer f.Close()

	prefix := make([]byte, 8)
	if _, err := io.ReadFull(f, prefix); err != nil {
		return nil, 0, trace.BadParameter("truncated cache file")
	}
	if string(prefix[:4]) != diskMagic {
		return nil, 0, trace.BadParameter("malformed cache file")
	}
	headerLen := binary.BigEndian.Uint32(prefix[4:8])
	if headerLen > maxHeaderSize {
		return nil, 0, trace.BadParameter("malformed cache file header")
	}
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, 0, trace.BadParameter("truncated cache file header")
	}
	var header diskHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, 0, trace.BadParameter("failed to decode cache file header: %v", err)
	}
	return &header, int64(headerLen), nil
}

func (t *diskTier) get(ctx context.Context, key Key) (*Entry, bool) {
	name := key.FileName()
	t.mu.Lock()
	_, ok := t.index[name]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(t.dir, name))
	if err != nil {
		t.drop(name)
		return nil, false
	}
	entry, err := decodeEntry(key, data)
	if err != nil {
		t.logger.DebugContext(ctx, "Evicting corrupt cache file.", "name", name, "error", err)
		t.drop(name)
		return nil, false
	}
	t.touch(name)
	return entry, true
}

// put stages the entry for an asynchronous write. When the staging queue is
// full the write is dropped; the cache is best effort.
func (t *diskTier) put(e *Entry) {
	t.closeMu.RLock()
	defer t.closeMu.RUnlock()
	if t.closed {
		return
	}
	t.pending.Add(1)
	select {
	case t.jobs <- e:
	default:
		t.pending.Done()
	}
}

func (t *diskTier) run() {
	defer close(t.done)
	for {
		select {
		case e := <-t.jobs:
			t.write(e)
			t.pending.Done()
		case <-t.stop:
			return
		}
	}
}

func (t *diskTier) write(e *Entry) {
	ctx := context.Background()
	data, err := encodeEntry(e)
	if err != nil {
		t.logger.WarnContext(ctx, "Failed to encode cache entry.", "url", e.URL, "error", err)
		return
	}
	name := e.Key.FileName()
	if err := utils.WriteFileAtomic(filepath.Join(t.dir, name), data, defaults.FileMode); err != nil {
		t.logger.WarnContext(ctx, "Failed to stage cache entry to disk.", "name", name, "error", err)
		return
	}

	t.mu.Lock()
	if de, ok := t.index[name]; ok {
		t.totalBytes += int64(len(data)) - de.size
		de.size = int64(len(data))
		de.url = e.URL
		t.order.MoveToFront(de.elem)
	} else {
		elem := t.order.PushFront(name)
		t.index[name] = &diskIndexEntry{name: name, url: e.URL, size: int64(len(data)), elem: elem}
		t.totalBytes += int64(len(data))
	}

	var evicted []string
	for t.totalBytes > t.maxBytes && t.order.Len() > 1 {
		back := t.order.Back()
		victim := t.index[back.Value.(string)]
		t.order.Remove(back)
		delete(t.index, victim.name)
		t.totalBytes -= victim.size
		evicted = append(evicted, victim.name)
	}
	t.mu.Unlock()

	for _, name := range evicted {
		os.Remove(filepath.Join(t.dir, name))
	}
}

func (t *diskTier) touch(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if de, ok := t.index[name]; ok {
		t.order.MoveToFront(de.elem)
	}
}

func (t *diskTier) drop(name string) {
	t.mu.Lock()
	if de, ok := t.index[name]; ok {
		t.order.Remove(de.elem)
		delete(t.index, name)
		t.totalBytes -= de.size
	}
	t.mu.Unlock()
	os.Remove(filepath.Join(t.dir, name))
}

func (t *diskTier) removeURL(url string) int {
	t.mu.Lock()
	var victims []string
	for name, de := range t.index {
		if de.url == url {
			victims = append(victims, name)
		}
	}
	for _, name := range victims {
		de := t.index[name]
		t.order.Remove(de.elem)
		delete(t.index, name)
		t.totalBytes -= de.size
	}
	t.mu.Unlock()

	for _, name := range victims {
		os.Remove(filepath.Join(t.dir, name))
	}
	return len(victims)
}

func (t *diskTier) purge() {
	t.mu.Lock()
	victims := make([]string, 0, len(t.index))
	for name := range t.index {
		victims = append(victims, name)
	}
	t.index = make(map[string]*diskIndexEntry)
	t.order.Init()
	t.totalBytes = 0
	t.mu.Unlock()

	for _, name := range victims {
		os.Remove(filepath.Join(t.dir, name))
	}
}

func (t *diskTier) stats() (entries int, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index), t.totalBytes
}

// flush blocks until every staged write has been applied.
func (t *diskTier) flush() {
	t.pending.Wait()
}

func (t *diskTier) close() {
	t.closeMu.Lock()
	if t.closed {
		t.closeMu.Unlock()
		return
	}
	t.closed = true
	t.closeMu.Unlock()

	close(t.stop)
	<-t.done
	// Apply whatever was staged but not yet written.
	for {
		select {
		case e := <-t.jobs:
			t.write(e)
			t.pending.Done()
		default:
			return
		}
	}
}
