package domain

// MediaItem is the canonical movie record. It is identified primarily by its
// discovery-time guid and indexed globally by TmdbId when that is resolvable.
// Items are created when first surfaced in a batch, updated by enrichment and
// availability refresh, and never deleted: historical responses keep pointing
// at them.
type MediaItem struct {
	Guid          string   `json:"guid"`
	Title         string   `json:"title"`
	Year          int      `json:"year,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	PosterURL     string   `json:"posterUrl,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	Directors     []string `json:"directors,omitempty"`
	Actors        []string `json:"actors,omitempty"`
	ContentRating string   `json:"contentRating,omitempty"`
	Runtime       int      `json:"runtime,omitempty"`
	Rating        string   `json:"rating,omitempty"`
	VoteCount     int      `json:"voteCount,omitempty"`
	Language      string   `json:"language,omitempty"`
	Country       string   `json:"country,omitempty"`
	StreamingOn   []string `json:"streamingOn,omitempty"`
	TmdbLink      string   `json:"tmdbLink,omitempty"`

	// TmdbId is the canonical numeric id; nil when no source could derive one.
	TmdbId *int64 `json:"tmdbId,omitempty"`

	InLibrary      bool `json:"inLibrary,omitempty"`
	InRequestQueue bool `json:"inRequestQueue,omitempty"`
}

// MovieSummary is the raw candidate shape produced by the catalog source
// before enrichment.
type MovieSummary struct {
	Guid      string   `json:"guid"`
	Title     string   `json:"title"`
	Year      int      `json:"year,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	PosterURL string   `json:"posterUrl,omitempty"`
	Genres    []string `json:"genres,omitempty"`
	Language  string   `json:"language,omitempty"`
	TmdbId    *int64   `json:"tmdbId,omitempty"`
	TmdbLink  string   `json:"tmdbLink,omitempty"`
}
