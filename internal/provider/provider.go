// Package provider declares the narrow contracts the matching engine consumes
// from the external catalog, enrichment, availability and request services.
// The concrete API clients live outside this core and are injected at wiring
// time.
package provider

import (
	"context"
	"errors"

	"github.com/swipearr/server/internal/domain"
)

// ErrExhausted signals that a source has no further candidates for the given
// filter set. It is a normal end-of-stream condition, not a failure.
var ErrExhausted = errors.New("provider: candidate source exhausted")

// CandidateSource supplies raw movie candidates, either as discovery pages
// from the catalog or one at a time from the user's own library.
type CandidateSource interface {
	FetchPage(ctx context.Context, filters *domain.Filters, page int) ([]domain.MovieSummary, error)
	FetchLibraryCandidate(ctx context.Context, filters *domain.Filters) (*domain.MovieSummary, error)
}

// EnrichRequest identifies a title for the enrichment lookup.
type EnrichRequest struct {
	Title      string
	Year       int
	NativeGuid string
	TmdbId     *int64
}

// Enrichment is the auxiliary data merged into a candidate before it is
// offered to a room. A nil result means the title could not be enriched.
type Enrichment struct {
	Summary       string
	Rating        string
	CriticScore   float64
	AudienceScore float64
	VoteCount     int
	Genres        []string
	Directors     []string
	Actors        []string
	Runtime       int
	ContentRating string
	Language      string
	Country       string
	StreamingOn   []string
	PosterURL     string
	TmdbId        *int64
}

// Enricher augments a bare candidate with plot, ratings and availability
// metadata.
type Enricher interface {
	Enrich(ctx context.Context, req EnrichRequest) (*Enrichment, error)
}

// AvailabilityQuery identifies a title for library membership checks.
type AvailabilityQuery struct {
	TmdbId *int64
	Guid   string
	Title  string
	Year   int
}

// Availability answers whether a title is already present in the user's
// library or request queue. Ready reports whether the backing cache has
// warmed; logins are refused until it has.
type Availability interface {
	Ready() bool
	InLibrary(ctx context.Context, q AvailabilityQuery) (bool, error)
	InRequestQueue(ctx context.Context, tmdbId int64) (bool, error)
}

// RequestResult is the outcome of submitting a title to the request service.
type RequestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Requester submits a movie to the media-request service. Optional; wiring
// may leave it nil.
type Requester interface {
	RequestMovie(ctx context.Context, tmdbId int64) (RequestResult, error)
}

// PosterFetcher retrieves raw poster bytes for the poster cache.
type PosterFetcher interface {
	FetchPoster(ctx context.Context, source, path string) ([]byte, error)
}
