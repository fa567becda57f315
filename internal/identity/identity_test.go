package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swipearr/server/internal/domain"
)

func boolPtr(b bool) *bool  { return &b }
func idPtr(id int64) *int64 { return &id }

func TestTmdbId(t *testing.T) {
	tests := []struct {
		guid string
		id   int64
		ok   bool
	}{
		{"tmdb://27205", 27205, true},
		{"tmdb://27205?lang=en", 27205, true},
		{"com.plexapp.agents.themoviedb://603?lang=en", 603, true},
		{"com.plexapp.agents.imdb://tt1375666?lang=en", 0, false},
		{"plex://movie/5d7768258718ba001e311d7f", 0, false},
		{"", 0, false},
		{"tmdb://notanumber", 0, false},
	}
	for _, tt := range tests {
		id, ok := TmdbId(tt.guid)
		assert.Equal(t, tt.ok, ok, tt.guid)
		assert.Equal(t, tt.id, id, tt.guid)
	}
}

func TestFromMovieFallbacks(t *testing.T) {
	// guid wins
	id, ok := FromMovie(&domain.MediaItem{Guid: "tmdb://11", TmdbId: idPtr(22)})
	require.True(t, ok)
	assert.Equal(t, int64(11), id)

	// explicit field next
	id, ok = FromMovie(&domain.MediaItem{Guid: "plex://movie/abc", TmdbId: idPtr(22)})
	require.True(t, ok)
	assert.Equal(t, int64(22), id)

	// link last
	id, ok = FromMovie(&domain.MediaItem{
		Guid:     "com.plexapp.agents.imdb://tt1375666",
		TmdbLink: "https://www.themoviedb.org/movie/27205-inception",
	})
	require.True(t, ok)
	assert.Equal(t, int64(27205), id)

	_, ok = FromMovie(&domain.MediaItem{Guid: "plex://movie/abc"})
	assert.False(t, ok)
}

func TestKeyFallsBackToGuid(t *testing.T) {
	assert.Equal(t, "tmdb:27205", Key("tmdb://27205", nil))
	assert.Equal(t, "tmdb:9", Key("plex://movie/abc", idPtr(9)))
	assert.Equal(t, "guid:plex://movie/abc", Key("plex://movie/abc", nil))
}

func TestBestGuid(t *testing.T) {
	known := func(guid string) bool { return guid == "plex://movie/abc" }

	// known guid preferred over unknown
	assert.Equal(t, "plex://movie/abc", BestGuid("plex://movie/abc", "tmdb://1", known))
	assert.Equal(t, "plex://movie/abc", BestGuid("tmdb://1", "plex://movie/abc", known))

	// both unknown: canonical-bearing guid wins
	assert.Equal(t, "tmdb://1", BestGuid("plex://movie/zzz", "tmdb://1", known))

	// tie keeps the current one
	assert.Equal(t, "tmdb://1", BestGuid("tmdb://1", "tmdb://1?lang=en", nil))

	assert.Equal(t, "tmdb://1", BestGuid("", "tmdb://1", nil))
	assert.Equal(t, "tmdb://1", BestGuid("tmdb://1", "", nil))
}

func TestDedupeMergesSameCanonicalId(t *testing.T) {
	responses := []*domain.Response{
		{Guid: "tmdb://27205", WantsToWatch: boolPtr(true)},
		{Guid: "com.plexapp.agents.themoviedb://27205?lang=en", WantsToWatch: boolPtr(false)},
		{Guid: "plex://movie/abc", WantsToWatch: boolPtr(true)},
	}
	out := Dedupe(responses, nil)
	require.Len(t, out, 2)

	// later verdict wins on the merged entry
	require.NotNil(t, out[0].WantsToWatch)
	assert.False(t, *out[0].WantsToWatch)
	require.NotNil(t, out[0].TmdbId)
	assert.Equal(t, int64(27205), *out[0].TmdbId)

	// unresolvable guid kept separately
	assert.Equal(t, "plex://movie/abc", out[1].Guid)
	assert.Nil(t, out[1].TmdbId)
}

func TestDedupeIsStableUnderReplay(t *testing.T) {
	responses := []*domain.Response{
		{Guid: "tmdb://1", WantsToWatch: boolPtr(true)},
		{Guid: "tmdb://1", WantsToWatch: boolPtr(true)},
	}
	out := Dedupe(responses, nil)
	require.Len(t, out, 1)
	out = Dedupe(out, nil)
	require.Len(t, out, 1)
}

func TestSameMovie(t *testing.T) {
	assert.True(t, SameMovie("tmdb://5", "com.plexapp.agents.themoviedb://5"))
	assert.False(t, SameMovie("tmdb://5", "tmdb://6"))
	assert.True(t, SameMovie("plex://movie/a", "plex://movie/a"))
	// one side resolves, the other does not: not comparable
	assert.False(t, SameMovie("tmdb://5", "plex://movie/a"))
}
