package postercache

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	calls atomic.Int64
	data  []byte
	err   error
}

func (f *fakeFetcher) FetchPoster(ctx context.Context, source, path string) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.data != nil {
		return f.data, nil
	}
	return []byte(source + ":" + path), nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestKeyNormalizesPath(t *testing.T) {
	assert.Equal(t, Key("plex", "/library/metadata/1/thumb"), Key("plex", "library/metadata/1/thumb?X-Token=abc"))
	assert.NotEqual(t, Key("plex", "a"), Key("tmdb", "a"))
}

func TestPrefetchThenGet(t *testing.T) {
	f := &fakeFetcher{}
	c, err := New(t.TempDir(), 1<<20, f, slog.Default())
	require.NoError(t, err)

	_, ok := c.Get("plex", "/poster/1")
	assert.False(t, ok)

	c.Prefetch("plex", "/poster/1")
	waitFor(t, func() bool {
		_, ok := c.Get("plex", "/poster/1")
		return ok
	})

	data, ok := c.Get("plex", "/poster/1")
	require.True(t, ok)
	assert.Equal(t, []byte("plex:poster/1"), data)
}

func TestPrefetchIsIdempotentOnceCached(t *testing.T) {
	f := &fakeFetcher{}
	c, err := New(t.TempDir(), 1<<20, f, slog.Default())
	require.NoError(t, err)

	c.Prefetch("plex", "/poster/2")
	waitFor(t, func() bool {
		_, ok := c.Get("plex", "/poster/2")
		return ok
	})
	before := f.calls.Load()

	c.Prefetch("plex", "/poster/2")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, f.calls.Load())
}

func TestFailedFetchDoesNotPoisonCache(t *testing.T) {
	f := &fakeFetcher{err: fmt.Errorf("upstream down")}
	c, err := New(t.TempDir(), 1<<20, f, slog.Default())
	require.NoError(t, err)

	c.Prefetch("plex", "/poster/3")
	waitFor(t, func() bool { return f.calls.Load() >= 1 })
	_, ok := c.Get("plex", "/poster/3")
	assert.False(t, ok)
}

func TestEvictionDrainsToTarget(t *testing.T) {
	f := &fakeFetcher{data: bytes.Repeat([]byte("x"), 100)}
	c, err := New(t.TempDir(), 500, f, slog.Default())
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		c.Prefetch("plex", fmt.Sprintf("/poster/%d", i))
		waitFor(t, func() bool { return f.calls.Load() >= int64(i+1) })
		// wait for the write to land before the next one
		waitFor(t, func() bool {
			_, ok := c.Get("plex", fmt.Sprintf("/poster/%d", i))
			return ok || c.TotalBytes() <= 500
		})
	}

	assert.LessOrEqual(t, c.TotalBytes(), int64(500))
	// drained to 80% of the ceiling after overflow
	assert.LessOrEqual(t, c.TotalBytes(), int64(400))
}

func TestMetadataSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	f := &fakeFetcher{}
	c, err := New(dir, 1<<20, f, slog.Default())
	require.NoError(t, err)

	c.Prefetch("tmdb", "/p/1")
	waitFor(t, func() bool {
		_, ok := c.Get("tmdb", "/p/1")
		return ok
	})

	reopened, err := New(dir, 1<<20, f, slog.Default())
	require.NoError(t, err)
	data, ok := reopened.Get("tmdb", "/p/1")
	require.True(t, ok)
	assert.Equal(t, []byte("tmdb:p/1"), data)
	assert.Equal(t, c.TotalBytes(), reopened.TotalBytes())
}
