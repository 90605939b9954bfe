// Package memory is an in-process store.Store used by tests and by servers
// started without a database.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/DoyleJ11/pong-sync/internal/store"
)

type user struct {
	id    store.UserID
	name  string
	hash  string
	stats store.Stats
}

type resultKey struct {
	match string
	user  store.UserID
}

type Store struct {
	mu      sync.Mutex
	nextID  store.UserID
	byName  map[string]*user
	byID    map[store.UserID]*user
	results map[resultKey]store.Outcome
	failN   int
}

func New() *Store {
	return &Store{
		nextID:  1,
		byName:  make(map[string]*user),
		byID:    make(map[store.UserID]*user),
		results: make(map[resultKey]store.Outcome),
	}
}

// FailNext makes the next n calls return store.ErrUnavailable.
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failN = n
}

func (s *Store) fail() error {
	if s.failN > 0 {
		s.failN--
		return store.ErrUnavailable
	}
	return nil
}

func (s *Store) Authenticate(ctx context.Context, username, credential string) (store.UserID, bool, error) {
	s.mu.Lock()
	if err := s.fail(); err != nil {
		s.mu.Unlock()
		return 0, false, err
	}
	u, ok := s.byName[username]
	s.mu.Unlock()
	if !ok {
		return 0, false, store.ErrNotFound
	}
	// bcrypt is slow; compare outside the lock.
	return u.id, store.CheckCredential(u.hash, credential), nil
}

func (s *Store) Register(ctx context.Context, username, credential string) (store.UserID, error) {
	hash, err := store.HashCredential(credential)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return 0, err
	}
	if _, ok := s.byName[username]; ok {
		return 0, fmt.Errorf("register %q: %w", username, store.ErrUsernameTaken)
	}
	u := &user{id: s.nextID, name: username, hash: hash}
	s.nextID++
	s.byName[username] = u
	s.byID[u.id] = u
	return u.id, nil
}

func (s *Store) RecordResult(ctx context.Context, id store.UserID, r store.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	u, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("record result for %d: %w", id, store.ErrNotFound)
	}
	key := resultKey{match: r.MatchID, user: id}
	if _, seen := s.results[key]; seen {
		return nil
	}
	s.results[key] = r.Outcome
	wins, losses := r.Outcome.Counts()
	u.stats.Games++
	u.stats.Wins += wins
	u.stats.Losses += losses
	return nil
}

func (s *Store) GetStats(ctx context.Context, id store.UserID) (store.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return store.Stats{}, err
	}
	u, ok := s.byID[id]
	if !ok {
		return store.Stats{}, fmt.Errorf("stats for %d: %w", id, store.ErrNotFound)
	}
	return u.stats, nil
}
