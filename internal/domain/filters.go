package domain

import (
	"sort"
	"strings"

	"github.com/goccy/go-json"
)

// Filters is the client-supplied filter set for batch generation. Every field
// is optional; the zero value means "no filtering" and is the default cache
// key shared by every unfiltered room.
type Filters struct {
	YearFrom       int      `json:"yearFrom,omitempty" validate:"omitempty,min=1870"`
	YearTo         int      `json:"yearTo,omitempty" validate:"omitempty,min=1870"`
	Genres         []string `json:"genres,omitempty"`
	ContentRatings []string `json:"contentRatings,omitempty"`
	MinRating      float64  `json:"minRating,omitempty" validate:"omitempty,min=0,max=10"`
	MinAudience    float64  `json:"minAudience,omitempty" validate:"omitempty,min=0,max=10"`
	Languages      []string `json:"languages,omitempty"`
	Countries      []string `json:"countries,omitempty"`
	RuntimeFrom    int      `json:"runtimeFrom,omitempty" validate:"omitempty,min=0"`
	RuntimeTo      int      `json:"runtimeTo,omitempty" validate:"omitempty,min=0"`
	MinVotes       int      `json:"minVotes,omitempty" validate:"omitempty,min=0"`
	SortBy         string   `json:"sortBy,omitempty"`
	LibraryOnly    bool     `json:"libraryOnly,omitempty"`
	StreamingOn    []string `json:"streamingOn,omitempty"`
}

// IsDefault reports whether the filter set is the unfiltered default.
func (f *Filters) IsDefault() bool {
	return f == nil || f.CacheKey() == (&Filters{}).CacheKey()
}

// CacheKey normalizes the filter set into a stable string: list values are
// lowercased and sorted so equivalent filter sets from different rooms share
// one cache entry.
func (f *Filters) CacheKey() string {
	if f == nil {
		f = &Filters{}
	}
	n := *f
	n.Genres = normalizeList(f.Genres)
	n.ContentRatings = normalizeList(f.ContentRatings)
	n.Languages = normalizeList(f.Languages)
	n.Countries = normalizeList(f.Countries)
	n.StreamingOn = normalizeList(f.StreamingOn)
	// struct marshal order is fixed, so the encoded form is canonical
	b, _ := json.Marshal(&n)
	return string(b)
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
