// Package store owns the single JSON document that is the durable source of
// truth: room membership with per-user rating history, plus the global
// guid-indexed movie record. In-memory sessions are a rebuildable view over
// this file.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/swipearr/server/internal/domain"
)

var (
	ErrVerifyFailed = errors.New("store: written file does not match state")
)

// Room is the persisted shape of one room.
type Room struct {
	Users []*domain.User `json:"users"`
}

// UnmarshalJSON tolerates the legacy on-disk shape where users was a
// name-keyed object instead of an array.
func (r *Room) UnmarshalJSON(data []byte) error {
	var current struct {
		Users []*domain.User `json:"users"`
	}
	if err := json.Unmarshal(data, &current); err == nil && current.Users != nil {
		r.Users = current.Users
		return nil
	}

	var legacy struct {
		Users map[string]*domain.User `json:"users"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	r.Users = make([]*domain.User, 0, len(legacy.Users))
	for name, user := range legacy.Users {
		if user == nil {
			continue
		}
		if user.Name == "" {
			user.Name = name
		}
		r.Users = append(r.Users, user)
	}
	return nil
}

// State is the whole persisted document.
type State struct {
	Rooms      map[string]*Room             `json:"rooms"`
	MovieIndex map[string]*domain.MediaItem `json:"movieIndex"`
}

func NewState() *State {
	return &State{
		Rooms:      make(map[string]*Room),
		MovieIndex: make(map[string]*domain.MediaItem),
	}
}

type Store struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

func New(path string, logger *slog.Logger) *Store {
	return &Store{path: path, logger: logger}
}

// backupName returns the timestamped sibling path for the next backup.
func (s *Store) backupName() string {
	return fmt.Sprintf("%s.%s.bak", s.path, time.Now().UTC().Format("20060102T150405Z"))
}

// Load reads the last durable state. A missing file yields an empty state;
// each room's user list is normalized from legacy shapes and deduplicated on
// the way in so no caller ever sees a duplicate response.
func (s *Store) Load() (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}

	state := NewState()
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if state.Rooms == nil {
		state.Rooms = make(map[string]*Room)
	}
	if state.MovieIndex == nil {
		state.MovieIndex = make(map[string]*domain.MediaItem)
	}
	return state, nil
}

// Save durably writes the state: back up the current file under a timestamped
// sibling name, write the new document to a temp file, verify it byte for
// byte, then rename it over the target. Only the latest backup is kept. A
// failed write restores the backup before returning the error.
func (s *Store) Save(state *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	backup := ""
	if prev, err := os.ReadFile(s.path); err == nil {
		backup = s.backupName()
		if err := os.WriteFile(backup, prev, 0o644); err != nil {
			return fmt.Errorf("failed to write backup: %w", err)
		}
		s.pruneBackupsLocked(backup)
	}

	if err := s.writeVerified(data); err != nil {
		if backup != "" {
			if restoreErr := s.restoreBackup(backup); restoreErr != nil {
				s.logger.Error("failed to restore backup", "error", restoreErr)
			}
		}
		return err
	}
	return nil
}

// pruneBackupsLocked removes every backup except the one just written. Called
// with s.mu held.
func (s *Store) pruneBackupsLocked(keep string) {
	matches, err := filepath.Glob(s.path + ".*.bak")
	if err != nil {
		return
	}
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.logger.Warn("failed to remove old backup", "path", m, "error", err)
		}
	}
}

func (s *Store) writeVerified(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName)
	if err != nil {
		return fmt.Errorf("failed to read back temp file: %w", err)
	}
	if !bytes.Equal(written, data) {
		return ErrVerifyFailed
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func (s *Store) restoreBackup(backup string) error {
	data, err := os.ReadFile(backup)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to restore backup: %w", err)
	}
	return nil
}
