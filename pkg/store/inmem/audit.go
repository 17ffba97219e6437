package inmem

import (
	"context"
	"sync"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// AuditStore is an in-memory append-only event log.
type AuditStore struct {
	mu     sync.RWMutex
	events []*models.Event
}

// NewAuditStore creates an empty in-memory audit store.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

// Append implements store.AuditStore.
func (s *AuditStore) Append(_ context.Context, events []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		cp := *e
		s.events = append(s.events, &cp)
	}
	return nil
}

// List implements store.AuditStore.
func (s *AuditStore) List(_ context.Context, filter store.AuditFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, e := range s.events {
		if filter.TenantID != "" && e.TenantID != filter.TenantID {
			continue
		}
		if filter.SessionKey != "" && e.SessionKey != filter.SessionKey {
			continue
		}
		if filter.LogicalTurnID != "" && e.LogicalTurnID != filter.LogicalTurnID {
			continue
		}
		if filter.EventType != "" && e.Type != filter.EventType {
			continue
		}
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && e.Timestamp.After(filter.Until) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
