package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/provider"
)

type fakeSource struct {
	mu        sync.Mutex
	fetches   map[string]int
	pageCount int
	pageSize  int
	delay     time.Duration
}

func newFakeSource(pageCount, pageSize int) *fakeSource {
	return &fakeSource{fetches: make(map[string]int), pageCount: pageCount, pageSize: pageSize}
}

func (f *fakeSource) FetchPage(ctx context.Context, filters *domain.Filters, page int) ([]domain.MovieSummary, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.fetches[fmt.Sprintf("%s#%d", filters.CacheKey(), page)]++
	f.mu.Unlock()

	if page > f.pageCount {
		return nil, nil
	}
	out := make([]domain.MovieSummary, 0, f.pageSize)
	for i := 0; i < f.pageSize; i++ {
		out = append(out, domain.MovieSummary{
			Guid:  fmt.Sprintf("tmdb://%d", page*100+i),
			Title: fmt.Sprintf("Movie %d-%d", page, i),
		})
	}
	return out, nil
}

func (f *fakeSource) FetchLibraryCandidate(ctx context.Context, filters *domain.Filters) (*domain.MovieSummary, error) {
	return nil, provider.ErrExhausted
}

func (f *fakeSource) fetchCount(filters *domain.Filters, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[fmt.Sprintf("%s#%d", filters.CacheKey(), page)]
}

func newTestCache(src *fakeSource, cfg Config) *Cache {
	return New(src, slog.Default(), cfg)
}

func TestPageFetchesAndBuffers(t *testing.T) {
	src := newFakeSource(3, 4)
	c := newTestCache(src, Config{})
	ctx := context.Background()
	filters := &domain.Filters{Genres: []string{"Action"}}

	page, err := c.Page(ctx, filters, 2)
	require.NoError(t, err)
	assert.Len(t, page, 4)
	// pages 1 and 2 were each fetched exactly once
	assert.Equal(t, 1, src.fetchCount(filters, 1))
	assert.Equal(t, 1, src.fetchCount(filters, 2))

	// second read is served from the buffer
	_, err = c.Page(ctx, filters, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetchCount(filters, 2))
}

func TestExhaustionIsPermanentUntilTTL(t *testing.T) {
	src := newFakeSource(1, 2)
	c := newTestCache(src, Config{})
	ctx := context.Background()
	filters := &domain.Filters{}

	_, err := c.Page(ctx, filters, 1)
	require.NoError(t, err)

	_, err = c.Page(ctx, filters, 2)
	require.ErrorIs(t, err, ErrExhausted)
	upstreamCalls := src.fetchCount(filters, 2)

	// further requests make no upstream calls
	_, err = c.Page(ctx, filters, 2)
	require.ErrorIs(t, err, ErrExhausted)
	_, err = c.Page(ctx, filters, 3)
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, upstreamCalls, src.fetchCount(filters, 2))
	assert.Equal(t, 0, src.fetchCount(filters, 3))
}

func TestTTLResetsAndRewarms(t *testing.T) {
	src := newFakeSource(3, 2)
	c := newTestCache(src, Config{TTL: 10 * time.Millisecond})
	ctx := context.Background()
	filters := &domain.Filters{}

	_, err := c.Page(ctx, filters, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, src.fetchCount(filters, 1))

	time.Sleep(20 * time.Millisecond)

	// stale entry is reset and page one fetched again from scratch
	_, err = c.Page(ctx, filters, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.fetchCount(filters, 1))
}

func TestConcurrentCallersShareOneFlight(t *testing.T) {
	src := newFakeSource(2, 3)
	src.delay = 5 * time.Millisecond
	c := newTestCache(src, Config{})
	filters := &domain.Filters{Languages: []string{"en"}}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Page(context.Background(), filters, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, src.fetchCount(filters, 1), "page 1 fetched more than once")
}

func TestEquivalentFilterSetsShareAKey(t *testing.T) {
	a := &domain.Filters{Genres: []string{"Drama", "Action"}, Languages: []string{"EN"}}
	b := &domain.Filters{Genres: []string{"action", "drama"}, Languages: []string{"en"}}
	assert.Equal(t, a.CacheKey(), b.CacheKey())

	c := &domain.Filters{Genres: []string{"action"}}
	assert.NotEqual(t, a.CacheKey(), c.CacheKey())
}

func TestWarmBuffersDefaultKey(t *testing.T) {
	src := newFakeSource(10, 2)
	c := newTestCache(src, Config{DefaultPrefetchPages: 3})
	require.NoError(t, c.Warm(context.Background()))

	filters := &domain.Filters{}
	for page := 1; page <= 3; page++ {
		_, err := c.Page(context.Background(), filters, page)
		require.NoError(t, err)
		assert.Equal(t, 1, src.fetchCount(filters, page))
	}
}
