// Package discovery caches paginated candidate pages from the external
// catalog, keyed by normalized filter set, so every room with equivalent
// filters shares one upstream stream. Refreshes are single-flight per key and
// the default (no-filter) key is kept warm in the background.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/provider"
)

// ErrExhausted reports that the key has no pages beyond what is buffered and
// upstream returned no further results.
var ErrExhausted = errors.New("discovery: filter set exhausted")

type Config struct {
	// TTL after which a key's buffered pages are discarded and rewarmed from
	// page one instead of extended.
	TTL time.Duration
	// DefaultPrefetchPages is the read-ahead budget for the no-filter key.
	DefaultPrefetchPages int
	// PrefetchPages is the read-ahead budget for every other key.
	PrefetchPages int
	// RefreshTimeout bounds a single refresh flight. On expiry the in-flight
	// reference is discarded and the call retried once, so a hung upstream
	// call cannot leave a key permanently busy.
	RefreshTimeout time.Duration
	// WarmInterval is the period of the background warm cycle for the
	// default key.
	WarmInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TTL <= 0 {
		out.TTL = 24 * time.Hour
	}
	if out.DefaultPrefetchPages <= 0 {
		out.DefaultPrefetchPages = 5
	}
	if out.PrefetchPages <= 0 {
		out.PrefetchPages = 2
	}
	if out.RefreshTimeout <= 0 {
		out.RefreshTimeout = 30 * time.Second
	}
	if out.WarmInterval <= 0 {
		out.WarmInterval = 30 * time.Minute
	}
	return out
}

type entry struct {
	pages           map[int][]domain.MovieSummary
	lastFetchedPage int
	exhausted       bool
	refreshedAt     time.Time
}

type Cache struct {
	source provider.CandidateSource
	logger *slog.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group
}

func New(source provider.CandidateSource, logger *slog.Logger, cfg Config) *Cache {
	return &Cache{
		source:  source,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
	}
}

func (c *Cache) budget(filters *domain.Filters) int {
	if filters.IsDefault() {
		return c.cfg.DefaultPrefetchPages
	}
	return c.cfg.PrefetchPages
}

// entryFor returns the live entry for the key, resetting it when stale.
func (c *Cache) entryFor(key string) *entry {
	e, ok := c.entries[key]
	if ok && time.Since(e.refreshedAt) > c.cfg.TTL {
		c.logger.Debug("discovery cache entry expired", "key", key)
		ok = false
	}
	if !ok {
		e = &entry{pages: make(map[int][]domain.MovieSummary), refreshedAt: time.Now()}
		c.entries[key] = e
	}
	return e
}

// Page returns the requested page for the filter set, fetching any missing
// pages from upstream first. Returns ErrExhausted once the key has no page at
// that index and upstream is done.
func (c *Cache) Page(ctx context.Context, filters *domain.Filters, page int) ([]domain.MovieSummary, error) {
	if page < 1 {
		page = 1
	}
	key := filters.CacheKey()

	c.mu.Lock()
	e := c.entryFor(key)
	if buffered, ok := e.pages[page]; ok {
		exhausted := e.exhausted
		lastFetched := e.lastFetchedPage
		c.mu.Unlock()
		// read-ahead so the next request is already buffered
		if !exhausted && page+c.budget(filters) > lastFetched {
			go c.prefetch(filters, page+c.budget(filters))
		}
		return buffered, nil
	}
	if e.exhausted {
		c.mu.Unlock()
		return nil, ErrExhausted
	}
	c.mu.Unlock()

	if err := c.ensure(ctx, filters, key, page); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e = c.entryFor(key)
	if buffered, ok := e.pages[page]; ok {
		return buffered, nil
	}
	return nil, ErrExhausted
}

// ensure fetches pages until the requested index is buffered or the key is
// exhausted. Pages are fetched one at a time so every caller makes progress
// through the same single flight.
func (c *Cache) ensure(ctx context.Context, filters *domain.Filters, key string, upTo int) error {
	for {
		c.mu.Lock()
		e := c.entryFor(key)
		if e.exhausted || e.lastFetchedPage >= upTo {
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()

		if err := c.fetchNext(ctx, filters, key); err != nil {
			return err
		}
	}
}

// fetchNext fetches the single next unfetched page for the key. Concurrent
// callers join one flight per key, so a (key, page) pair is fetched from
// upstream at most once. A hung flight is raced against RefreshTimeout,
// forgotten on expiry and retried once.
func (c *Cache) fetchNext(ctx context.Context, filters *domain.Filters, key string) error {
	for attempt := 0; attempt < 2; attempt++ {
		ch := c.group.DoChan(key, func() (any, error) {
			c.mu.Lock()
			e := c.entryFor(key)
			if e.exhausted {
				c.mu.Unlock()
				return nil, nil
			}
			next := e.lastFetchedPage + 1
			c.mu.Unlock()

			page, err := c.source.FetchPage(ctx, filters, next)
			if err != nil {
				return nil, fmt.Errorf("failed to fetch page %d: %w", next, err)
			}

			c.mu.Lock()
			e = c.entryFor(key)
			e.lastFetchedPage = next
			if len(page) == 0 {
				e.exhausted = true
			} else {
				e.pages[next] = page
			}
			c.mu.Unlock()
			return nil, nil
		})

		timer := time.NewTimer(c.cfg.RefreshTimeout)
		select {
		case res := <-ch:
			timer.Stop()
			return res.Err
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			c.group.Forget(key)
			c.logger.Warn("discovery refresh timed out, retrying", "key", key)
		}
	}
	return fmt.Errorf("discovery refresh for %q timed out", key)
}

func (c *Cache) prefetch(filters *domain.Filters, upTo int) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTimeout)
	defer cancel()
	if err := c.ensure(ctx, filters, filters.CacheKey(), upTo); err != nil {
		c.logger.Debug("discovery prefetch failed", "error", err)
	}
}

// Warm refreshes the first read-ahead budget of the default key. The app runs
// it on a ticker so the common no-filter case is always hot.
func (c *Cache) Warm(ctx context.Context) error {
	filters := &domain.Filters{}
	return c.ensure(ctx, filters, filters.CacheKey(), c.cfg.DefaultPrefetchPages)
}

// RunWarmLoop warms the default key immediately and then on every
// WarmInterval tick until the context is cancelled.
func (c *Cache) RunWarmLoop(ctx context.Context) {
	if err := c.Warm(ctx); err != nil {
		c.logger.Warn("initial discovery warm failed", "error", err)
	}
	ticker := time.NewTicker(c.cfg.WarmInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Warm(ctx); err != nil {
				c.logger.Warn("discovery warm failed", "error", err)
			}
		}
	}
}
