// Package identity derives the canonical TMDb id from the various guid
// encodings a movie can be referenced by, and merges records that turn out to
// be the same title. Pure functions, no I/O; every component that needs
// identity equality calls through here instead of parsing guids itself.
package identity

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/swipearr/server/internal/domain"
)

var (
	tmdbGuidRe  = regexp.MustCompile(`^tmdb://(\d+)`)
	tmdbAgentRe = regexp.MustCompile(`^com\.plexapp\.agents\.themoviedb://(\d+)`)
	tmdbLinkRe  = regexp.MustCompile(`themoviedb\.org/movie/(\d+)`)
)

// TmdbId extracts the canonical numeric id from a guid string. Returns false
// for schemes that do not embed one (imdb agent guids, opaque plex:// guids).
func TmdbId(guid string) (int64, bool) {
	for _, re := range []*regexp.Regexp{tmdbGuidRe, tmdbAgentRe} {
		if m := re.FindStringSubmatch(guid); m != nil {
			id, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil {
				return id, true
			}
		}
	}
	return 0, false
}

// FromMovie resolves a movie's canonical id from, in order: its guid, its
// explicit TmdbId field, and its TMDb link.
func FromMovie(m *domain.MediaItem) (int64, bool) {
	if m == nil {
		return 0, false
	}
	if id, ok := TmdbId(m.Guid); ok {
		return id, true
	}
	if m.TmdbId != nil {
		return *m.TmdbId, true
	}
	return fromLink(m.TmdbLink)
}

// FromSummary resolves a raw candidate's canonical id the same way.
func FromSummary(s *domain.MovieSummary) (int64, bool) {
	if s == nil {
		return 0, false
	}
	if id, ok := TmdbId(s.Guid); ok {
		return id, true
	}
	if s.TmdbId != nil {
		return *s.TmdbId, true
	}
	return fromLink(s.TmdbLink)
}

// FromResponse resolves a response's canonical id from its guid or its stored
// TmdbId field.
func FromResponse(r *domain.Response) (int64, bool) {
	if r == nil {
		return 0, false
	}
	if id, ok := TmdbId(r.Guid); ok {
		return id, true
	}
	if r.TmdbId != nil {
		return *r.TmdbId, true
	}
	return 0, false
}

func fromLink(link string) (int64, bool) {
	if link == "" {
		return 0, false
	}
	if m := tmdbLinkRe.FindStringSubmatch(link); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err == nil {
			return id, true
		}
	}
	return 0, false
}

// Key is the identity key used for like-set and match lookups: the canonical
// id when one resolves, otherwise exact-guid equality as the degraded
// fallback.
func Key(guid string, tmdbId *int64) string {
	if id, ok := TmdbId(guid); ok {
		return "tmdb:" + strconv.FormatInt(id, 10)
	}
	if tmdbId != nil {
		return "tmdb:" + strconv.FormatInt(*tmdbId, 10)
	}
	return "guid:" + guid
}

// MovieKey is Key applied to a MediaItem.
func MovieKey(m *domain.MediaItem) string {
	if id, ok := FromMovie(m); ok {
		return "tmdb:" + strconv.FormatInt(id, 10)
	}
	return "guid:" + m.Guid
}

// BestGuid picks the guid to keep when two identifiers reference the same
// movie: prefer whichever currently resolves to a known media item, then
// whichever embeds a canonical id, then the existing one.
func BestGuid(current, incoming string, known func(guid string) bool) string {
	if incoming == "" {
		return current
	}
	if current == "" {
		return incoming
	}
	if known != nil {
		switch {
		case known(current) && !known(incoming):
			return current
		case known(incoming) && !known(current):
			return incoming
		}
	}
	_, curOk := TmdbId(current)
	_, incOk := TmdbId(incoming)
	if incOk && !curOk {
		return incoming
	}
	return current
}

// Dedupe merges a user's response list so that no two entries resolve to the
// same canonical id (or, lacking one, the same guid). Later entries win the
// verdict; the kept guid follows BestGuid and a resolved id is retained on
// the survivor.
func Dedupe(responses []*domain.Response, known func(guid string) bool) []*domain.Response {
	out := make([]*domain.Response, 0, len(responses))
	byKey := make(map[string]*domain.Response, len(responses))
	for _, r := range responses {
		if r == nil || r.Guid == "" {
			continue
		}
		if id, ok := FromResponse(r); ok && r.TmdbId == nil {
			r.TmdbId = &id
		}
		key := Key(r.Guid, r.TmdbId)
		if prev, ok := byKey[key]; ok {
			prev.Guid = BestGuid(prev.Guid, r.Guid, known)
			prev.WantsToWatch = r.WantsToWatch
			if prev.TmdbId == nil {
				prev.TmdbId = r.TmdbId
			}
			continue
		}
		byKey[key] = r
		out = append(out, r)
	}
	return out
}

// SameMovie reports whether a guid pair references the same movie under the
// canonical-id rule, degrading to exact-guid equality when neither side
// resolves.
func SameMovie(a, b string) bool {
	idA, okA := TmdbId(a)
	idB, okB := TmdbId(b)
	if okA && okB {
		return idA == idB
	}
	if !okA && !okB {
		return strings.TrimSpace(a) == strings.TrimSpace(b)
	}
	return false
}
