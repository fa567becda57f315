// Package session implements the per-room matching engine: it tracks which
// user likes which movie across the room, reconciles the same title arriving
// under different guid schemes, broadcasts matches the moment a second user
// likes a title, and produces deduplicated, filtered candidate batches from
// the discovery cache.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/exp/maps"
	"golang.org/x/sync/singleflight"

	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/identity"
	"github.com/swipearr/server/internal/store"
)

// Conn is the live client connection the session writes to.
// *websocket.Conn satisfies it; tests use an in-memory recorder.
type Conn interface {
	WriteJSON(v any) error
}

// Message is the server-to-client wire envelope.
type Message struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type likeSet struct {
	movie *domain.MediaItem
	users map[string]struct{}
}

// Session owns one room's live state. All fields are guarded by the registry
// mutex; see Registry.
type Session struct {
	code     string
	logger   *slog.Logger
	registry *Registry

	room    *store.Room
	conns   map[string]Conn
	liked   map[string]*likeSet      // identity key -> who likes it
	matches map[string]*domain.Match // identity key -> match record
	queues  map[string]*queue        // filter cache key -> read position
	served  map[string]struct{}      // identity keys offered this session

	enrichCache  *gocache.Cache
	enrichFlight singleflight.Group

	// batchMu serializes batch generation for the room; rating updates are
	// not blocked by it.
	batchMu sync.Mutex
}

func newSession(code string, room *store.Room, registry *Registry) *Session {
	return &Session{
		code:        code,
		logger:      registry.deps.Logger.With("room", code),
		registry:    registry,
		room:        room,
		conns:       make(map[string]Conn),
		liked:       make(map[string]*likeSet),
		matches:     make(map[string]*domain.Match),
		queues:      make(map[string]*queue),
		served:      make(map[string]struct{}),
		enrichCache: gocache.New(registry.deps.EnrichTTL, 10*time.Minute),
	}
}

func (s *Session) Code() string { return s.code }

func movieKey(m *domain.MediaItem) string { return identity.MovieKey(m) }

// rehydrateLocked rebuilds the liked-movie map and match records from the
// persisted responses. Called with the registry mutex held, at construction.
func (s *Session) rehydrateLocked() {
	now := time.Now()
	for _, user := range s.room.Users {
		user.Responses = identity.Dedupe(user.Responses, s.knownGuidLocked)
		for _, resp := range user.Responses {
			if !resp.Liked() {
				continue
			}
			key := identity.Key(resp.Guid, resp.TmdbId)
			set, ok := s.liked[key]
			if !ok {
				set = &likeSet{movie: s.movieForLocked(key, resp.Guid), users: make(map[string]struct{})}
				s.liked[key] = set
			}
			set.users[user.Name] = struct{}{}
		}
	}
	for key, set := range s.liked {
		if len(set.users) >= 2 {
			s.matches[key] = &domain.Match{
				Movie:     set.movie,
				Users:     sortedNames(set.users),
				CreatedAt: now,
			}
		}
	}
}

func (s *Session) knownGuidLocked(guid string) bool {
	_, ok := s.registry.state.MovieIndex[guid]
	return ok
}

// movieForLocked finds the media item for an identity key, falling back to a
// bare record carrying only the guid when the index has never seen it.
func (s *Session) movieForLocked(key, guid string) *domain.MediaItem {
	if m, ok := s.registry.state.MovieIndex[guid]; ok {
		return m
	}
	if m := s.registry.movieLocked(key); m != nil {
		return m
	}
	return &domain.MediaItem{Guid: guid}
}

// Add registers a user's live connection, creating the user on first login
// to the room. Membership is written through to the store.
func (s *Session) Add(name string, conn Conn) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, online := s.conns[name]; online {
		return ErrNameTaken
	}

	if s.userLocked(name) == nil {
		s.room.Users = append(s.room.Users, &domain.User{Name: name})
		r.persistLocked()
	}
	s.conns[name] = conn
	s.logger.Info("user connected", "user", name, "online", len(s.conns))
	return nil
}

// Remove drops a user's connection. When the last connection closes the
// session is removed from the registry; persisted data stays.
func (s *Session) Remove(name string) {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := s.conns[name]; !ok {
		return
	}
	delete(s.conns, name)
	s.logger.Info("user disconnected", "user", name, "online", len(s.conns))
	if len(s.conns) == 0 {
		r.removeLocked(s.code)
	}
}

func (s *Session) userLocked(name string) *domain.User {
	for _, u := range s.room.Users {
		if u.Name == name {
			return u
		}
	}
	return nil
}

// HandleResponse records a user's verdict for a movie, updates the liked-set
// and match records, and persists. Replaying the same (guid, verdict) pair is
// a no-op for the stored state.
func (s *Session) HandleResponse(name, guid string, wantsToWatch *bool) error {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	user := s.userLocked(name)
	if user == nil {
		return ErrUnknownUser
	}

	var tmdbId *int64
	if id, ok := identity.TmdbId(guid); ok {
		tmdbId = &id
	} else if m, ok := s.registry.state.MovieIndex[guid]; ok {
		if id, ok := identity.FromMovie(m); ok {
			tmdbId = &id
		}
	}
	key := identity.Key(guid, tmdbId)

	// update in place when the user already answered this movie under any guid
	var resp *domain.Response
	for _, existing := range user.Responses {
		if existing.Guid == guid || identity.Key(existing.Guid, existing.TmdbId) == key {
			resp = existing
			break
		}
	}
	oldKey := ""
	if resp == nil {
		resp = &domain.Response{Guid: guid}
		user.Responses = append(user.Responses, resp)
	} else {
		oldKey = identity.Key(resp.Guid, resp.TmdbId)
	}
	resp.Guid = identity.BestGuid(resp.Guid, guid, s.knownGuidLocked)
	resp.WantsToWatch = wantsToWatch
	if resp.TmdbId == nil {
		resp.TmdbId = tmdbId
	}

	// safety net against historical duplicates
	user.Responses = identity.Dedupe(user.Responses, s.knownGuidLocked)

	// a late-resolved canonical id moves the movie to a new identity key;
	// carry the like-set and match record along so this verdict still finds them
	if oldKey != "" && oldKey != key {
		s.migrateKeyLocked(oldKey, key)
	}
	s.updateLikedLocked(key, guid, name, resp.Liked())
	r.persistLocked()
	return nil
}

// migrateKeyLocked moves the like-set and match record from a stale identity
// key to the one the movie resolves to now. Called with the registry mutex
// held.
func (s *Session) migrateKeyLocked(oldKey, newKey string) {
	set, ok := s.liked[oldKey]
	if ok {
		if dst, exists := s.liked[newKey]; exists {
			for name := range dst.users {
				set.users[name] = struct{}{}
			}
		}
		s.liked[newKey] = set
		delete(s.liked, oldKey)
	}
	if match, ok := s.matches[oldKey]; ok {
		delete(s.matches, oldKey)
		if _, exists := s.matches[newKey]; !exists {
			s.matches[newKey] = match
		}
	}
	// two previously separate like-sets can add up to a match
	if ok && len(set.users) >= 2 {
		if _, exists := s.matches[newKey]; !exists {
			s.handleMatchLocked(newKey, set)
		}
	}
}

// updateLikedLocked applies one verdict to the liked map and reconciles the
// match record for the key. Called with the registry mutex held.
func (s *Session) updateLikedLocked(key, guid, name string, liked bool) {
	set := s.liked[key]

	if liked {
		if set == nil {
			set = &likeSet{movie: s.movieForLocked(key, guid), users: make(map[string]struct{})}
			s.liked[key] = set
		}
		if _, already := set.users[name]; already {
			return
		}
		set.users[name] = struct{}{}
		if len(set.users) >= 2 {
			s.handleMatchLocked(key, set)
		}
		return
	}

	if set == nil {
		return
	}
	if _, had := set.users[name]; !had {
		return
	}
	delete(set.users, name)
	if match, ok := s.matches[key]; ok {
		if len(set.users) < 2 {
			delete(s.matches, key)
			s.broadcastLocked(&Message{Type: "matchRemoved", Payload: map[string]any{
				"guid": match.Movie.Guid,
			}})
		} else {
			match.Users = sortedNames(set.users)
			s.broadcastLocked(&Message{Type: "match", Payload: match})
		}
	}
	if len(set.users) == 0 {
		delete(s.liked, key)
	}
}

// handleMatchLocked creates or updates the match record for a key, keeping
// the original CreatedAt, and tells every socket in the room.
func (s *Session) handleMatchLocked(key string, set *likeSet) {
	match, ok := s.matches[key]
	if !ok {
		match = &domain.Match{Movie: set.movie, CreatedAt: time.Now()}
		s.matches[key] = match
	}
	match.Users = sortedNames(set.users)
	s.logger.Info("match", "movie", match.Movie.Title, "users", match.Users)
	s.broadcastLocked(&Message{Type: "match", Payload: match})
}

// Matches returns the match records the user participates in with at least
// one other member, newest first.
func (s *Session) Matches(name string) []*domain.Match {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.matchesLocked(name)
}

func (s *Session) matchesLocked(name string) []*domain.Match {
	out := make([]*domain.Match, 0, len(s.matches))
	for _, match := range s.matches {
		if len(match.Users) < 2 {
			continue
		}
		for _, u := range match.Users {
			if u == name {
				out = append(out, match)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Rated returns the guids the user has already answered, for login replay.
func (s *Session) Rated(name string) []string {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	user := s.userLocked(name)
	if user == nil {
		return nil
	}
	out := make([]string, 0, len(user.Responses))
	for _, resp := range user.Responses {
		out = append(out, resp.Guid)
	}
	return out
}

// RatedMovies returns the indexed media items behind the user's rated guids,
// so a reconnecting client can render its rating history.
func (s *Session) RatedMovies(name string) []*domain.MediaItem {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	user := s.userLocked(name)
	if user == nil {
		return nil
	}
	out := make([]*domain.MediaItem, 0, len(user.Responses))
	for _, resp := range user.Responses {
		if m, ok := r.state.MovieIndex[resp.Guid]; ok {
			out = append(out, m)
		}
	}
	return out
}

// RequestMovie submits a movie to the media-request service.
func (s *Session) RequestMovie(ctx context.Context, guid string) (success bool, message string, err error) {
	requester := s.registry.deps.Requester
	if requester == nil {
		return false, "", ErrNoRequester
	}

	r := s.registry
	r.mu.Lock()
	tmdbId, ok := identity.TmdbId(guid)
	if !ok {
		if m, found := r.state.MovieIndex[guid]; found {
			tmdbId, ok = identity.FromMovie(m)
		}
	}
	r.mu.Unlock()
	if !ok {
		return false, "", ErrUnknownMovie
	}

	result, err := requester.RequestMovie(ctx, tmdbId)
	if err != nil {
		return false, "", err
	}
	return result.Success, result.Message, nil
}

// broadcastLocked writes a message to every connected socket. A failed write
// only loses that one client; the connection reader will notice and detach
// it. Called with the registry mutex held, which also serializes writes per
// socket.
func (s *Session) broadcastLocked(msg *Message) {
	for name, conn := range s.conns {
		if err := conn.WriteJSON(msg); err != nil {
			s.logger.Warn("broadcast write failed", "user", name, "error", err)
		}
	}
}

func sortedNames(users map[string]struct{}) []string {
	out := maps.Keys(users)
	sort.Strings(out)
	return out
}
