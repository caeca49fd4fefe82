// Package session keeps the score currently under review, one per session.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/james-see/sheetscan/pkg/notation"
)

const (
	DefaultCapacity = 256
	DefaultTTL      = 2 * time.Hour
)

// ErrNotFound is returned for unknown or expired session IDs
var ErrNotFound = errors.New("session: not found")

// Session is one analyzed page. Model is what the vision model read;
// Overrides are the user's corrections from the review step.
type Session struct {
	ID        string                 `json:"id"`
	Model     notation.ScoreMetadata `json:"model"`
	Overrides notation.ScoreMetadata `json:"overrides"`
	Notes     []notation.Note        `json:"notes"`
	Notation  string                 `json:"notation,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

// Metadata is the effective metadata, user edits first
func (s Session) Metadata() notation.ScoreMetadata {
	return notation.MergeMetadata(s.Model, s.Overrides)
}

// Score assembles the compiler input
func (s Session) Score() notation.Score {
	return notation.Score{Metadata: s.Metadata(), Notes: s.Notes}
}

func (s Session) clone() Session {
	if s.Notes != nil {
		s.Notes = append([]notation.Note(nil), s.Notes...)
	}
	return s
}

// Store is a bounded in-memory session table; entries expire after TTL
type Store struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, Session]
	now   func() time.Time
}

// NewStore creates a store. Non-positive arguments take the defaults.
func NewStore(capacity int, ttl time.Duration) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		cache: expirable.NewLRU[string, Session](capacity, nil, ttl),
		now:   time.Now,
	}
}

// Create stores a new session and returns a copy of it
func (s *Store) Create(model notation.ScoreMetadata, notes []notation.Note, abc string) Session {
	now := s.now()
	sess := Session{
		ID:        uuid.NewString(),
		Model:     model,
		Notes:     notes,
		Notation:  abc,
		CreatedAt: now,
		UpdatedAt: now,
	}.clone()

	s.mu.Lock()
	s.cache.Add(sess.ID, sess)
	s.mu.Unlock()
	return sess.clone()
}

// Get returns a copy of the session
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess.clone(), nil
}

// Replace swaps in a freshly analyzed score. Nothing from the previous
// score survives, including the user's overrides.
func (s *Store) Replace(id string, model notation.ScoreMetadata, notes []notation.Note, abc string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	sess := Session{
		ID:        id,
		Model:     model,
		Notes:     notes,
		Notation:  abc,
		CreatedAt: old.CreatedAt,
		UpdatedAt: s.now(),
	}.clone()
	s.cache.Add(id, sess)
	return sess.clone(), nil
}

// UpdateOverrides records the user's corrections
func (s *Store) UpdateOverrides(id string, overrides notation.ScoreMetadata) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.cache.Get(id)
	if !ok {
		return Session{}, ErrNotFound
	}
	sess.Overrides = overrides
	sess.UpdatedAt = s.now()
	s.cache.Add(id, sess)
	return sess.clone(), nil
}

// Delete drops the session
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cache.Remove(id) {
		return ErrNotFound
	}
	return nil
}

// Len reports the number of live sessions
func (s *Store) Len() int {
	return s.cache.Len()
}
