// Package postercache is a content-addressed on-disk byte cache for proxied
// poster images, with an in-memory LRU in front of it. Fetches are
// best-effort: a failed or in-flight prefetch never blocks the caller, which
// always has the proxy-through URL as fallback.
package postercache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/swipearr/server/internal/provider"
)

const (
	metaFile = "posters.meta.json"
	// eviction drains usage to this fraction of the ceiling
	evictTarget = 0.8
	hotEntries  = 256
)

type metaEntry struct {
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"lastAccess"`
}

type metadata struct {
	Entries    map[string]*metaEntry `json:"entries"`
	TotalBytes int64                 `json:"totalBytes"`
}

type Cache struct {
	dir      string
	maxBytes int64
	fetcher  provider.PosterFetcher
	logger   *slog.Logger

	mem *lru.Cache[string, []byte]

	mu   sync.Mutex
	meta *metadata

	flight singleflight.Group
}

func New(dir string, maxBytes int64, fetcher provider.PosterFetcher, logger *slog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	mem, err := lru.New[string, []byte](hotEntries)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		dir:      dir,
		maxBytes: maxBytes,
		fetcher:  fetcher,
		logger:   logger,
		mem:      mem,
		meta:     &metadata{Entries: make(map[string]*metaEntry)},
	}
	c.loadMeta()
	return c, nil
}

// Key hashes (source, normalized path) into the on-disk file name.
func Key(source, path string) string {
	path = strings.TrimPrefix(strings.SplitN(path, "?", 2)[0], "/")
	sum := sha1.Sum([]byte(source + "|" + path))
	return hex.EncodeToString(sum[:])
}

func (c *Cache) loadMeta() {
	data, err := os.ReadFile(filepath.Join(c.dir, metaFile))
	if err != nil {
		return
	}
	var m metadata
	if err := json.Unmarshal(data, &m); err != nil {
		c.logger.Warn("poster metadata unreadable, starting fresh", "error", err)
		return
	}
	if m.Entries == nil {
		m.Entries = make(map[string]*metaEntry)
	}
	c.meta = &m
}

// saveMeta is called with c.mu held.
func (c *Cache) saveMeta() {
	data, err := json.Marshal(c.meta)
	if err != nil {
		return
	}
	if err := os.WriteFile(filepath.Join(c.dir, metaFile), data, 0o644); err != nil {
		c.logger.Warn("failed to write poster metadata", "error", err)
	}
}

// Get returns cached poster bytes, consulting the in-memory LRU first and the
// disk store second. Misses return false without fetching.
func (c *Cache) Get(source, path string) ([]byte, bool) {
	key := Key(source, path)
	if data, ok := c.mem.Get(key); ok {
		c.touch(key)
		return data, true
	}

	c.mu.Lock()
	_, known := c.meta.Entries[key]
	c.mu.Unlock()
	if !known {
		return nil, false
	}

	data, err := os.ReadFile(filepath.Join(c.dir, key))
	if err != nil {
		// sidecar said we had it; drop the stale record
		c.mu.Lock()
		c.dropLocked(key)
		c.saveMeta()
		c.mu.Unlock()
		return nil, false
	}
	c.mem.Add(key, data)
	c.touch(key)
	return data, true
}

func (c *Cache) touch(key string) {
	c.mu.Lock()
	if e, ok := c.meta.Entries[key]; ok {
		e.LastAccess = time.Now()
		c.saveMeta()
	}
	c.mu.Unlock()
}

// Prefetch fetches and stores a poster in the background. Concurrent
// prefetches of the same key share one flight; errors are logged and
// swallowed.
func (c *Cache) Prefetch(source, path string) {
	key := Key(source, path)
	if _, ok := c.mem.Get(key); ok {
		return
	}
	c.mu.Lock()
	_, known := c.meta.Entries[key]
	c.mu.Unlock()
	if known {
		return
	}

	go func() {
		_, _, _ = c.flight.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			data, err := c.fetcher.FetchPoster(ctx, source, path)
			if err != nil {
				c.logger.Debug("poster prefetch failed", "source", source, "path", path, "error", err)
				return nil, err
			}
			c.put(key, data)
			return nil, nil
		})
	}()
}

func (c *Cache) put(key string, data []byte) {
	if err := os.WriteFile(filepath.Join(c.dir, key), data, 0o644); err != nil {
		c.logger.Warn("failed to store poster", "error", err)
		return
	}
	c.mem.Add(key, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.meta.Entries[key]; ok {
		c.meta.TotalBytes -= prev.Size
	}
	c.meta.Entries[key] = &metaEntry{Size: int64(len(data)), LastAccess: time.Now()}
	c.meta.TotalBytes += int64(len(data))
	c.evictLocked()
	c.saveMeta()
}

// evictLocked removes least-recently-accessed entries until usage falls to
// the eviction target. Called with c.mu held.
func (c *Cache) evictLocked() {
	if c.maxBytes <= 0 || c.meta.TotalBytes <= c.maxBytes {
		return
	}
	type aged struct {
		key  string
		last time.Time
	}
	order := make([]aged, 0, len(c.meta.Entries))
	for key, e := range c.meta.Entries {
		order = append(order, aged{key, e.LastAccess})
	}
	sort.Slice(order, func(i, j int) bool { return order[i].last.Before(order[j].last) })

	target := int64(float64(c.maxBytes) * evictTarget)
	for _, victim := range order {
		if c.meta.TotalBytes <= target {
			break
		}
		c.dropLocked(victim.key)
	}
}

// dropLocked removes one entry from disk, memory and the sidecar. Called with
// c.mu held.
func (c *Cache) dropLocked(key string) {
	if e, ok := c.meta.Entries[key]; ok {
		c.meta.TotalBytes -= e.Size
		delete(c.meta.Entries, key)
	}
	c.mem.Remove(key)
	if err := os.Remove(filepath.Join(c.dir, key)); err != nil && !os.IsNotExist(err) {
		c.logger.Debug("failed to remove poster file", "error", err)
	}
}

// TotalBytes reports current on-disk usage.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meta.TotalBytes
}
