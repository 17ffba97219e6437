// Package inmem provides in-memory store implementations used by unit tests
// and by single-process development runs.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SessionStore is a mutex-guarded map implementation of store.SessionStore.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[models.SessionKey]*models.SessionState
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[models.SessionKey]*models.SessionState)}
}

// Get implements store.SessionStore.
func (s *SessionStore) Get(_ context.Context, key models.SessionKey) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return state.Clone(), nil
}

// CreateIfAbsent implements store.SessionStore.
func (s *SessionStore) CreateIfAbsent(_ context.Context, state *models.SessionState) (*models.SessionState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[state.Key]; ok {
		return existing.Clone(), false, nil
	}
	cp := state.Clone()
	cp.Version = 1
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.sessions[cp.Key] = cp
	return cp.Clone(), true, nil
}

// CompareAndSwap implements store.SessionStore.
func (s *SessionStore) CompareAndSwap(_ context.Context, state *models.SessionState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[state.Key]
	if !ok {
		return store.ErrNotFound
	}
	if existing.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	cp := state.Clone()
	cp.Version = expectedVersion + 1
	cp.UpdatedAt = time.Now().UTC()
	s.sessions[cp.Key] = cp
	state.Version = cp.Version
	return nil
}

// ListIdle implements store.SessionStore.
func (s *SessionStore) ListIdle(_ context.Context, status models.SessionStatus, olderThan time.Time, limit int) ([]*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.SessionState
	for _, state := range s.sessions {
		if state.Status != status {
			continue
		}
		if !state.LastTurnAt.IsZero() && state.LastTurnAt.Before(olderThan) {
			out = append(out, state.Clone())
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
