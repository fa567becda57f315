package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swipearr/server/internal/discovery"
	"github.com/swipearr/server/internal/domain"
	"github.com/swipearr/server/internal/provider"
	"github.com/swipearr/server/internal/store"
)

var (
	ErrNameTaken    = errors.New("session: name already active in room")
	ErrUnknownUser  = errors.New("session: unknown user")
	ErrNoRequester  = errors.New("session: no request service configured")
	ErrUnknownMovie = errors.New("session: unknown movie")
	ErrNotReady     = errors.New("session: availability cache not warm yet")
)

// Deps are the process-wide collaborators injected into every session.
type Deps struct {
	Logger       *slog.Logger
	Store        *store.Store
	Discovery    *discovery.Cache
	Source       provider.CandidateSource
	Enricher     provider.Enricher
	Availability provider.Availability
	Requester    provider.Requester

	BatchSize int
	EnrichTTL time.Duration
}

// Registry is the process-wide map from room code to live session. Sessions
// are created lazily on first login, rehydrated from the persistence store,
// and removed from memory when their last connection closes; persisted room
// data is never deleted.
//
// The registry mutex guards the persisted state document and every session's
// mutable maps. The engine was ported from a cooperative single-threaded
// design; one coarse lock keeps its read-modify-write sequences atomic.
// Writing the state file is the one blocking operation that runs under it;
// enrichment, availability and all other upstream calls run outside.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	state    *store.State
	sessions map[string]*Session
}

func NewRegistry(deps Deps) (*Registry, error) {
	state, err := deps.Store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted state: %w", err)
	}
	if deps.BatchSize <= 0 {
		deps.BatchSize = 25
	}
	if deps.EnrichTTL <= 0 {
		deps.EnrichTTL = 6 * time.Hour
	}
	return &Registry{
		deps:     deps,
		state:    state,
		sessions: make(map[string]*Session),
	}, nil
}

// GetOrCreate returns the live session for the room code, rehydrating one
// from persisted state when none is active.
func (r *Registry) GetOrCreate(code string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[code]; ok {
		return s
	}

	room, ok := r.state.Rooms[code]
	if !ok {
		room = &store.Room{}
		r.state.Rooms[code] = room
	}
	s := newSession(code, room, r)
	s.rehydrateLocked()
	r.sessions[code] = s
	r.deps.Logger.Info("session created", "room", code, "users", len(room.Users))
	return s
}

// Active reports whether the name currently holds a live connection anywhere
// in the room.
func (r *Registry) Active(code, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[code]
	if !ok {
		return false
	}
	_, online := s.conns[name]
	return online
}

// removeLocked drops an empty session from memory. Called with r.mu held.
func (r *Registry) removeLocked(code string) {
	delete(r.sessions, code)
	r.deps.Logger.Info("session removed", "room", code)
}

// persistLocked writes the state document through the store. Called with
// r.mu held; the store serializes the actual file write.
func (r *Registry) persistLocked() {
	if err := r.deps.Store.Save(r.state); err != nil {
		// in-memory state stays authoritative until the next successful save
		r.deps.Logger.Error("failed to persist state", "error", err)
	}
}

// movieLocked finds a movie in the global index by guid or canonical
// identity. Called with r.mu held.
func (r *Registry) movieLocked(key string) *domain.MediaItem {
	for _, m := range r.state.MovieIndex {
		if movieKey(m) == key {
			return m
		}
	}
	return nil
}

// indexLocked registers a movie in the global index. Called with r.mu held.
func (r *Registry) indexLocked(m *domain.MediaItem) {
	if m == nil || m.Guid == "" {
		return
	}
	r.state.MovieIndex[m.Guid] = m
}
