package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/swipearr/server/internal/discovery"
	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/identity"
	"github.com/swipearr/server/internal/provider"
)

// queue tracks the session's read position in one filter set's discovery
// stream. Guarded by batchMu.
type queue struct {
	page      int
	offset    int
	buffer    []domain.MovieSummary
	exhausted bool
}

// SendNextBatch produces the next candidate batch for the room and sends each
// connected user their unrated subset. Candidates already served this session
// or rated by every member are excluded; enrichment failures skip the
// candidate and never abort the batch. An exhausted source ends the batch
// early with whatever was accumulated, possibly empty.
func (s *Session) SendNextBatch(ctx context.Context, filters *domain.Filters) error {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()

	r := s.registry
	batchSize := r.deps.BatchSize
	maxAttempts := batchSize * 10

	r.mu.Lock()
	excluded := s.exclusionsLocked()
	r.mu.Unlock()

	accepted := make([]*domain.MediaItem, 0, batchSize)
	acceptedKeys := make(map[string]struct{})

	stream, stop := s.startStream(ctx, filters)
	defer stop()

	for attempts := 0; attempts < maxAttempts && len(accepted) < batchSize; attempts++ {
		res, ok := <-stream
		if !ok {
			break
		}
		if res.err != nil {
			if errors.Is(res.err, provider.ErrExhausted) || errors.Is(res.err, discovery.ErrExhausted) {
				break
			}
			s.logger.Warn("candidate fetch failed, skipping", "error", res.err)
			continue
		}
		cand := res.candidate

		if s.excludedCandidate(cand, excluded, acceptedKeys) {
			continue
		}

		movie, err := s.produce(ctx, cand, filters)
		if err != nil {
			s.logger.Debug("candidate rejected", "guid", cand.Guid, "reason", err)
			continue
		}

		// enrichment may have revealed a canonical id the raw candidate lacked
		key := movieKey(movie)
		if _, dup := acceptedKeys[key]; dup {
			continue
		}
		if _, was := excluded[key]; was {
			continue
		}

		accepted = append(accepted, movie)
		acceptedKeys[key] = struct{}{}
		acceptedKeys["guid:"+movie.Guid] = struct{}{}
	}

	s.dispatch(accepted)
	return nil
}

// exclusionsLocked returns the hard exclusion set: identity keys served this
// session plus keys every room member has already rated. Called with the
// registry mutex held.
func (s *Session) exclusionsLocked() map[string]struct{} {
	out := make(map[string]struct{}, len(s.served))
	for key := range s.served {
		out[key] = struct{}{}
	}
	if len(s.room.Users) == 0 {
		return out
	}

	counts := make(map[string]int)
	for _, user := range s.room.Users {
		seen := make(map[string]struct{})
		for _, resp := range user.Responses {
			key := identity.Key(resp.Guid, resp.TmdbId)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			counts[key]++
		}
	}
	for key, n := range counts {
		if n == len(s.room.Users) {
			out[key] = struct{}{}
		}
	}
	return out
}

func (s *Session) excludedCandidate(cand *domain.MovieSummary, excluded, acceptedKeys map[string]struct{}) bool {
	keys := []string{"guid:" + cand.Guid}
	if id, ok := identity.FromSummary(cand); ok {
		keys = append(keys, "tmdb:"+strconv.FormatInt(id, 10))
	}
	for _, key := range keys {
		if _, ok := excluded[key]; ok {
			return true
		}
		if _, ok := acceptedKeys[key]; ok {
			return true
		}
	}
	return false
}

type streamResult struct {
	candidate *domain.MovieSummary
	err       error
}

// startStream launches the producer goroutine that pulls candidates from the
// source, one ahead of the consumer, so the next candidate is already in
// flight while the current one is being enriched.
func (s *Session) startStream(ctx context.Context, filters *domain.Filters) (<-chan streamResult, func()) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan streamResult, 1)

	go func() {
		defer close(ch)
		for {
			cand, err := s.pull(ctx, filters)
			select {
			case ch <- streamResult{candidate: cand, err: err}:
			case <-ctx.Done():
				return
			}
			// transient failures are reported and retried; only exhaustion
			// or cancellation ends the stream
			if errors.Is(err, provider.ErrExhausted) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
		}
	}()

	stop := func() {
		cancel()
		// drain so the producer exits before the next batch starts, and put
		// an unconsumed read-ahead candidate back on the queue
		unread := 0
		for res := range ch {
			if res.err == nil && res.candidate != nil {
				unread++
			}
		}
		if unread > 0 && (filters == nil || !filters.LibraryOnly) {
			if q, ok := s.queues[filters.CacheKey()]; ok && q.offset >= unread {
				q.offset -= unread
			}
		}
	}
	return ch, stop
}

// pull returns the next raw candidate: from the library source in
// library-only mode, otherwise from the shared discovery cache through this
// session's queue position.
func (s *Session) pull(ctx context.Context, filters *domain.Filters) (*domain.MovieSummary, error) {
	if filters != nil && filters.LibraryOnly {
		cand, err := s.registry.deps.Source.FetchLibraryCandidate(ctx, filters)
		if err != nil {
			return nil, err
		}
		if cand == nil {
			return nil, provider.ErrExhausted
		}
		return cand, nil
	}

	key := filters.CacheKey()
	q, ok := s.queues[key]
	if !ok {
		q = &queue{page: 1}
		s.queues[key] = q
	}
	if q.exhausted {
		return nil, provider.ErrExhausted
	}

	for q.offset >= len(q.buffer) {
		page, err := s.registry.deps.Discovery.Page(ctx, filters, q.page)
		if err != nil {
			if errors.Is(err, discovery.ErrExhausted) {
				q.exhausted = true
				return nil, provider.ErrExhausted
			}
			return nil, err
		}
		q.page++
		q.offset = 0
		q.buffer = page
	}

	cand := q.buffer[q.offset]
	q.offset++
	return &cand, nil
}

// produce turns a raw candidate into a dispatchable media item: enrich it,
// require a usable poster and title, apply the filter set and tag library
// availability.
func (s *Session) produce(ctx context.Context, cand *domain.MovieSummary, filters *domain.Filters) (*domain.MediaItem, error) {
	movie := &domain.MediaItem{
		Guid:      cand.Guid,
		Title:     cand.Title,
		Year:      cand.Year,
		Summary:   cand.Summary,
		PosterURL: cand.PosterURL,
		Genres:    cand.Genres,
		Language:  cand.Language,
		TmdbId:    cand.TmdbId,
		TmdbLink:  cand.TmdbLink,
	}

	enrichment, err := s.enrich(ctx, provider.EnrichRequest{
		Title:      cand.Title,
		Year:       cand.Year,
		NativeGuid: cand.Guid,
		TmdbId:     cand.TmdbId,
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment failed: %w", err)
	}
	if enrichment != nil {
		applyEnrichment(movie, enrichment)
	}

	if movie.Title == "" || movie.PosterURL == "" {
		return nil, errors.New("no usable poster or title")
	}
	if !matchesFilters(movie, enrichment, filters) {
		return nil, errors.New("filtered out")
	}

	s.tagAvailability(ctx, movie)
	return movie, nil
}

// enrich performs the enrichment lookup with per-key result caching and
// single-flight coalescing, so an in-flight identical request is never
// duplicated upstream.
func (s *Session) enrich(ctx context.Context, req provider.EnrichRequest) (*provider.Enrichment, error) {
	enricher := s.registry.deps.Enricher
	if enricher == nil {
		return nil, nil
	}

	key := enrichKey(req)
	if cached, ok := s.enrichCache.Get(key); ok {
		e, _ := cached.(*provider.Enrichment)
		return e, nil
	}

	result, err, _ := s.enrichFlight.Do(key, func() (any, error) {
		e, err := enricher.Enrich(ctx, req)
		if err != nil {
			return nil, err
		}
		s.enrichCache.Set(key, e, gocache.DefaultExpiration)
		return e, nil
	})
	if err != nil {
		return nil, err
	}
	e, _ := result.(*provider.Enrichment)
	return e, nil
}

func enrichKey(req provider.EnrichRequest) string {
	if id, ok := identity.TmdbId(req.NativeGuid); ok {
		return "tmdb:" + strconv.FormatInt(id, 10)
	}
	if req.TmdbId != nil {
		return "tmdb:" + strconv.FormatInt(*req.TmdbId, 10)
	}
	return req.Title + "|" + strconv.Itoa(req.Year)
}

func applyEnrichment(m *domain.MediaItem, e *provider.Enrichment) {
	if m.Summary == "" {
		m.Summary = e.Summary
	}
	if e.Rating != "" {
		m.Rating = e.Rating
	}
	if e.VoteCount > 0 {
		m.VoteCount = e.VoteCount
	}
	if len(e.Genres) > 0 {
		m.Genres = e.Genres
	}
	if len(e.Directors) > 0 {
		m.Directors = e.Directors
	}
	if len(e.Actors) > 0 {
		m.Actors = e.Actors
	}
	if e.Runtime > 0 {
		m.Runtime = e.Runtime
	}
	if e.ContentRating != "" {
		m.ContentRating = e.ContentRating
	}
	if e.Language != "" && m.Language == "" {
		m.Language = e.Language
	}
	if e.Country != "" {
		m.Country = e.Country
	}
	if len(e.StreamingOn) > 0 {
		m.StreamingOn = e.StreamingOn
	}
	if e.PosterURL != "" && m.PosterURL == "" {
		m.PosterURL = e.PosterURL
	}
	if e.TmdbId != nil && m.TmdbId == nil {
		m.TmdbId = e.TmdbId
	}
}

// matchesFilters applies every requested filter. Genre, rating, language and
// country membership is case-insensitive by name.
func matchesFilters(m *domain.MediaItem, e *provider.Enrichment, filters *domain.Filters) bool {
	if filters == nil {
		return true
	}
	if filters.YearFrom > 0 && m.Year > 0 && m.Year < filters.YearFrom {
		return false
	}
	if filters.YearTo > 0 && m.Year > 0 && m.Year > filters.YearTo {
		return false
	}
	if filters.RuntimeFrom > 0 && m.Runtime > 0 && m.Runtime < filters.RuntimeFrom {
		return false
	}
	if filters.RuntimeTo > 0 && m.Runtime > 0 && m.Runtime > filters.RuntimeTo {
		return false
	}
	if filters.MinVotes > 0 && m.VoteCount < filters.MinVotes {
		return false
	}
	if len(filters.Genres) > 0 && !overlaps(filters.Genres, m.Genres) {
		return false
	}
	if len(filters.ContentRatings) > 0 && !contains(filters.ContentRatings, m.ContentRating) {
		return false
	}
	if len(filters.Languages) > 0 && !contains(filters.Languages, m.Language) {
		return false
	}
	if len(filters.Countries) > 0 && !contains(filters.Countries, m.Country) {
		return false
	}
	if len(filters.StreamingOn) > 0 && !overlaps(filters.StreamingOn, m.StreamingOn) {
		return false
	}
	if e != nil {
		if filters.MinRating > 0 && e.CriticScore < filters.MinRating {
			return false
		}
		if filters.MinAudience > 0 && e.AudienceScore < filters.MinAudience {
			return false
		}
	}
	return true
}

func contains(haystack []string, needle string) bool {
	needle = strings.ToLower(strings.TrimSpace(needle))
	for _, h := range haystack {
		if strings.ToLower(strings.TrimSpace(h)) == needle {
			return true
		}
	}
	return false
}

func overlaps(wanted, got []string) bool {
	for _, g := range got {
		if contains(wanted, g) {
			return true
		}
	}
	return false
}

// tagAvailability marks library badges, best effort.
func (s *Session) tagAvailability(ctx context.Context, m *domain.MediaItem) {
	availability := s.registry.deps.Availability
	if availability == nil {
		return
	}
	inLib, err := availability.InLibrary(ctx, provider.AvailabilityQuery{
		TmdbId: m.TmdbId,
		Guid:   m.Guid,
		Title:  m.Title,
		Year:   m.Year,
	})
	if err != nil {
		s.logger.Debug("library availability check failed", "guid", m.Guid, "error", err)
	} else {
		m.InLibrary = inLib
	}
	if m.TmdbId != nil {
		queued, err := availability.InRequestQueue(ctx, *m.TmdbId)
		if err != nil {
			s.logger.Debug("request queue check failed", "guid", m.Guid, "error", err)
		} else {
			m.InRequestQueue = queued
		}
	}
}

// dispatch registers the accepted movies durably, marks them served, and
// sends each connected user their unrated subset. With several users in the
// room the subset is reordered, not narrowed: titles other members already
// liked or saw sort first. An empty batch is sent as-is so the client gets an
// explicit end-of-candidates signal.
func (s *Session) dispatch(accepted []*domain.MediaItem) {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, movie := range accepted {
		if existing, ok := r.state.MovieIndex[movie.Guid]; ok {
			*existing = *movie
			accepted[i] = existing
		} else {
			r.indexLocked(movie)
		}
		s.served[movieKey(movie)] = struct{}{}
		s.served["guid:"+movie.Guid] = struct{}{}
	}
	if len(accepted) > 0 {
		r.persistLocked()
	}

	for name, conn := range s.conns {
		subset := s.subsetForLocked(name, accepted)
		if err := conn.WriteJSON(&Message{Type: "batch", Payload: subset}); err != nil {
			s.logger.Warn("batch write failed", "user", name, "error", err)
		}
	}
}

// subsetForLocked filters out the user's own rated movies and, with more than
// one member, floats shared-interest candidates to the front. Called with the
// registry mutex held.
func (s *Session) subsetForLocked(name string, accepted []*domain.MediaItem) []*domain.MediaItem {
	user := s.userLocked(name)

	rated := make(map[string]struct{})
	if user != nil {
		for _, resp := range user.Responses {
			rated[identity.Key(resp.Guid, resp.TmdbId)] = struct{}{}
			rated["guid:"+resp.Guid] = struct{}{}
		}
	}

	othersSeen := make(map[string]struct{})
	if len(s.room.Users) > 1 {
		for _, other := range s.room.Users {
			if other.Name == name {
				continue
			}
			for _, resp := range other.Responses {
				// a pass is negative interest; only likes and seen-marks float
				if resp.WantsToWatch != nil && !*resp.WantsToWatch {
					continue
				}
				othersSeen[identity.Key(resp.Guid, resp.TmdbId)] = struct{}{}
			}
		}
	}

	subset := make([]*domain.MediaItem, 0, len(accepted))
	for _, movie := range accepted {
		key := movieKey(movie)
		if _, own := rated[key]; own {
			continue
		}
		if _, own := rated["guid:"+movie.Guid]; own {
			continue
		}
		subset = append(subset, movie)
	}

	if len(othersSeen) == 0 {
		return subset
	}
	shared := make([]*domain.MediaItem, 0, len(subset))
	rest := make([]*domain.MediaItem, 0, len(subset))
	for _, movie := range subset {
		if _, ok := othersSeen[movieKey(movie)]; ok {
			shared = append(shared, movie)
		} else {
			rest = append(rest, movie)
		}
	}
	return append(shared, rest...)
}
