package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

type identityKey struct {
	tenantID      string
	agentID       string
	channel       string
	channelUserID string
}

// IdentityStore is an in-memory implementation of store.IdentityStore.
type IdentityStore struct {
	mu            sync.Mutex
	interlocutors map[string]*models.Interlocutor
	identities    map[identityKey]string // -> interlocutor id
	scope         map[string]identityKey // interlocutor id -> tenant/agent scope sample
}

// NewIdentityStore creates an empty in-memory identity store.
func NewIdentityStore() *IdentityStore {
	return &IdentityStore{
		interlocutors: make(map[string]*models.Interlocutor),
		identities:    make(map[identityKey]string),
		scope:         make(map[string]identityKey),
	}
}

// ResolveOrCreate implements store.IdentityStore.
func (s *IdentityStore) ResolveOrCreate(_ context.Context, tenantID, agentID, channel, channelUserID string) (*models.Interlocutor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := identityKey{tenantID, agentID, channel, channelUserID}
	if id, ok := s.identities[key]; ok {
		return s.cloneLocked(id), false, nil
	}

	now := time.Now().UTC()
	in := &models.Interlocutor{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		AgentID:  agentID,
		Type:     models.InterlocutorHuman,
		Identities: []models.ChannelIdentity{{
			Channel:       channel,
			ChannelUserID: channelUserID,
			LinkedAt:      now,
		}},
		CreatedAt: now,
	}
	s.interlocutors[in.ID] = in
	s.identities[key] = in.ID
	s.scope[in.ID] = key
	return s.cloneLocked(in.ID), true, nil
}

// Link implements store.IdentityStore.
func (s *IdentityStore) Link(_ context.Context, interlocutorID, channel, channelUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interlocutors[interlocutorID]
	if !ok {
		return store.ErrNotFound
	}
	key := identityKey{in.TenantID, in.AgentID, channel, channelUserID}
	if owner, exists := s.identities[key]; exists {
		if owner == interlocutorID {
			return nil
		}
		return store.ErrIdentityConflict
	}
	s.identities[key] = interlocutorID
	in.Identities = append(in.Identities, models.ChannelIdentity{
		Channel:       channel,
		ChannelUserID: channelUserID,
		LinkedAt:      time.Now().UTC(),
	})
	return nil
}

// Unlink implements store.IdentityStore.
func (s *IdentityStore) Unlink(_ context.Context, interlocutorID, channel, channelUserID string, createNew bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in, ok := s.interlocutors[interlocutorID]
	if !ok {
		return "", store.ErrNotFound
	}
	key := identityKey{in.TenantID, in.AgentID, channel, channelUserID}
	if s.identities[key] != interlocutorID {
		return "", store.ErrNotFound
	}
	delete(s.identities, key)
	for i, ident := range in.Identities {
		if ident.Channel == channel && ident.ChannelUserID == channelUserID {
			in.Identities = append(in.Identities[:i], in.Identities[i+1:]...)
			break
		}
	}
	if !createNew {
		return "", nil
	}

	now := time.Now().UTC()
	fresh := &models.Interlocutor{
		ID:       uuid.NewString(),
		TenantID: in.TenantID,
		AgentID:  in.AgentID,
		Type:     in.Type,
		Identities: []models.ChannelIdentity{{
			Channel:       channel,
			ChannelUserID: channelUserID,
			LinkedAt:      now,
		}},
		CreatedAt: now,
	}
	s.interlocutors[fresh.ID] = fresh
	s.identities[key] = fresh.ID
	return fresh.ID, nil
}

// FindByContact implements store.IdentityStore.
func (s *IdentityStore) FindByContact(_ context.Context, tenantID, agentID, phone, email string) (*models.Interlocutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, in := range s.interlocutors {
		if in.TenantID != tenantID || in.AgentID != agentID {
			continue
		}
		if phone != "" && in.Phone == phone {
			return s.cloneLocked(id), nil
		}
		if email != "" && in.Email == email {
			return s.cloneLocked(id), nil
		}
	}
	return nil, store.ErrNotFound
}

// Get implements store.IdentityStore.
func (s *IdentityStore) Get(_ context.Context, interlocutorID string) (*models.Interlocutor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interlocutors[interlocutorID]; !ok {
		return nil, store.ErrNotFound
	}
	return s.cloneLocked(interlocutorID), nil
}

// SetContact implements store.IdentityStore.
func (s *IdentityStore) SetContact(_ context.Context, interlocutorID, phone, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interlocutors[interlocutorID]
	if !ok {
		return store.ErrNotFound
	}
	if phone != "" {
		in.Phone = phone
	}
	if email != "" {
		in.Email = email
	}
	return nil
}

func (s *IdentityStore) cloneLocked(id string) *models.Interlocutor {
	in := s.interlocutors[id]
	cp := *in
	cp.Identities = append([]models.ChannelIdentity(nil), in.Identities...)
	return &cp
}
