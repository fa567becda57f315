package domain

// Response records one user's verdict on one movie. WantsToWatch is true for
// a like, false for a pass and nil for "marked seen without rating". A user
// holds at most one Response per canonical movie; duplicates arriving under
// different guids are merged by the identity resolver.
type Response struct {
	Guid         string `json:"guid"`
	WantsToWatch *bool  `json:"wantsToWatch"`
	TmdbId       *int64 `json:"tmdbId,omitempty"`
}

// Liked reports whether this response is a like.
func (r *Response) Liked() bool {
	return r.WantsToWatch != nil && *r.WantsToWatch
}

// User is a participant in a room. Identity is the name string, case
// sensitive; there is no account system. Users are never deleted.
type User struct {
	Name      string      `json:"name"`
	Responses []*Response `json:"responses"`
}
