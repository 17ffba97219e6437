package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SubscriptionStore is an in-memory implementation of store.SubscriptionStore.
type SubscriptionStore struct {
	mu   sync.Mutex
	subs map[string]*models.WebhookSubscription
}

// NewSubscriptionStore creates an empty in-memory subscription store.
func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{subs: make(map[string]*models.WebhookSubscription)}
}

// Create implements store.SubscriptionStore.
func (s *SubscriptionStore) Create(_ context.Context, sub *models.WebhookSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.subs[cp.ID] = &cp
	return nil
}

// Get implements store.SubscriptionStore.
func (s *SubscriptionStore) Get(_ context.Context, id string) (*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

// ListActive implements store.SubscriptionStore.
func (s *SubscriptionStore) ListActive(_ context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.WebhookSubscription
	for _, sub := range s.subs {
		if sub.TenantID == tenantID && sub.Status == models.SubscriptionActive {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus implements store.SubscriptionStore.
func (s *SubscriptionStore) UpdateStatus(_ context.Context, id string, status models.SubscriptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordSuccess implements store.SubscriptionStore.
func (s *SubscriptionStore) RecordSuccess(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return store.ErrNotFound
	}
	sub.ConsecutiveFailures = 0
	t := at
	sub.LastSuccessAt = &t
	sub.UpdatedAt = time.Now().UTC()
	return nil
}

// RecordFailure implements store.SubscriptionStore.
func (s *SubscriptionStore) RecordFailure(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return 0, store.ErrNotFound
	}
	sub.ConsecutiveFailures++
	t := at
	sub.LastFailureAt = &t
	sub.UpdatedAt = time.Now().UTC()
	return sub.ConsecutiveFailures, nil
}

// DeliveryStore is an in-memory implementation of store.DeliveryStore.
type DeliveryStore struct {
	mu         sync.Mutex
	deliveries map[string]*models.WebhookDelivery
	claimedBy  map[string]string
}

// NewDeliveryStore creates an empty in-memory delivery store.
func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{
		deliveries: make(map[string]*models.WebhookDelivery),
		claimedBy:  make(map[string]string),
	}
}

// Create implements store.DeliveryStore.
func (s *DeliveryStore) Create(_ context.Context, d *models.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.deliveries[cp.ID] = &cp
	return nil
}

// Get implements store.DeliveryStore.
func (s *DeliveryStore) Get(_ context.Context, id string) (*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp, nil
}

// ClaimDue implements store.DeliveryStore.
func (s *DeliveryStore) ClaimDue(_ context.Context, podID string, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.WebhookDelivery
	for _, d := range s.deliveries {
		if d.Status != models.DeliveryPending {
			continue
		}
		if d.NextRetryAt != nil && d.NextRetryAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool {
		ti, tj := due[i].CreatedAt, due[j].CreatedAt
		if due[i].NextRetryAt != nil {
			ti = *due[i].NextRetryAt
		}
		if due[j].NextRetryAt != nil {
			tj = *due[j].NextRetryAt
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.WebhookDelivery, 0, len(due))
	for _, d := range due {
		d.Status = models.DeliveryInFlight
		d.UpdatedAt = time.Now().UTC()
		s.claimedBy[d.ID] = podID
		cp := *d
		cp.Payload = append([]byte(nil), d.Payload...)
		out = append(out, &cp)
	}
	return out, nil
}

// MarkDelivered implements store.DeliveryStore.
func (s *DeliveryStore) MarkDelivered(_ context.Context, id string, statusCode, responseTimeMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = models.DeliveryDelivered
	d.AttemptCount++
	d.ResponseStatusCode = &statusCode
	d.ResponseTimeMs = &responseTimeMs
	d.NextRetryAt = nil
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// ScheduleRetry implements store.DeliveryStore.
func (s *DeliveryStore) ScheduleRetry(_ context.Context, id string, nextRetryAt time.Time, lastError string, statusCode, responseTimeMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = models.DeliveryPending
	d.AttemptCount++
	d.NextRetryAt = &nextRetryAt
	d.LastError = lastError
	if statusCode != 0 {
		d.ResponseStatusCode = &statusCode
	}
	if responseTimeMs != 0 {
		d.ResponseTimeMs = &responseTimeMs
	}
	d.UpdatedAt = time.Now().UTC()
	delete(s.claimedBy, id)
	return nil
}

// MarkFailed implements store.DeliveryStore.
func (s *DeliveryStore) MarkFailed(_ context.Context, id string, lastError string, statusCode, responseTimeMs int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = models.DeliveryFailed
	d.AttemptCount++
	d.LastError = lastError
	if statusCode != 0 {
		d.ResponseStatusCode = &statusCode
	}
	if responseTimeMs != 0 {
		d.ResponseTimeMs = &responseTimeMs
	}
	d.NextRetryAt = nil
	d.UpdatedAt = time.Now().UTC()
	delete(s.claimedBy, id)
	return nil
}

// MarkExhausted implements store.DeliveryStore.
func (s *DeliveryStore) MarkExhausted(_ context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = models.DeliveryExhausted
	d.AttemptCount++
	d.LastError = lastError
	d.NextRetryAt = nil
	d.UpdatedAt = time.Now().UTC()
	delete(s.claimedBy, id)
	return nil
}
