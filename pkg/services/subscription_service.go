package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// timeNow is stubbed in tests.
var timeNow = time.Now

// Challenger verifies endpoint ownership before a subscription activates.
// Implemented by the webhooks package.
type Challenger interface {
	Challenge(ctx context.Context, sub *models.WebhookSubscription) error
}

// SubscriptionService manages webhook subscriptions. New subscriptions start
// pending and activate only after the endpoint answers the challenge.
type SubscriptionService struct {
	cfg        *config.WebhookConfig
	subs       store.SubscriptionStore
	challenger Challenger
}

// NewSubscriptionService creates a SubscriptionService. challenger may be nil
// in tests; subscriptions then activate immediately.
func NewSubscriptionService(cfg *config.WebhookConfig, subs store.SubscriptionStore, challenger Challenger) *SubscriptionService {
	return &SubscriptionService{cfg: cfg, subs: subs, challenger: challenger}
}

// CreateInput is the subscription registration request.
type CreateInput struct {
	TenantID      string
	URL           string
	Secret        string
	EventPatterns []string
	AgentIDs      []string
	TimeoutMs     int
	MaxRetries    int
}

// Create validates, stores and challenges a new subscription. The returned
// subscription is active when the challenge succeeded, pending otherwise.
func (s *SubscriptionService) Create(ctx context.Context, in CreateInput) (*models.WebhookSubscription, error) {
	if in.TenantID == "" {
		return nil, NewValidationError("tenant_id", "required")
	}
	if err := config.ValidateSubscriptionURL(in.URL, s.cfg.HTTPSRequired()); err != nil {
		return nil, NewValidationError("url", err.Error())
	}
	if len(in.Secret) < models.MinWebhookSecretLen {
		return nil, NewValidationError("secret",
			fmt.Sprintf("must be at least %d bytes", models.MinWebhookSecretLen))
	}
	if len(in.EventPatterns) == 0 {
		return nil, NewValidationError("event_patterns", "at least one pattern is required")
	}
	for _, p := range in.EventPatterns {
		if !events.ValidPattern(p) {
			return nil, NewValidationError("event_patterns", fmt.Sprintf("malformed pattern %q", p))
		}
	}

	sub := &models.WebhookSubscription{
		ID:            uuid.NewString(),
		TenantID:      in.TenantID,
		URL:           in.URL,
		Secret:        in.Secret,
		EventPatterns: in.EventPatterns,
		AgentIDs:      in.AgentIDs,
		Status:        models.SubscriptionPending,
		TimeoutMs:     in.TimeoutMs,
		MaxRetries:    in.MaxRetries,
	}
	if sub.TimeoutMs <= 0 {
		sub.TimeoutMs = s.cfg.DefaultTimeoutMs
	}
	if sub.MaxRetries <= 0 {
		sub.MaxRetries = s.cfg.MaxRetries
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if s.challenger != nil {
		if err := s.challenger.Challenge(ctx, sub); err != nil {
			slog.Warn("Subscription challenge failed; left pending",
				"subscription_id", sub.ID, "error", err)
			return sub, nil
		}
	}
	if err := s.subs.UpdateStatus(ctx, sub.ID, models.SubscriptionActive); err != nil {
		return nil, fmt.Errorf("failed to activate subscription: %w", err)
	}
	sub.Status = models.SubscriptionActive
	return sub, nil
}

// Get returns a subscription by id.
func (s *SubscriptionService) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	sub, err := s.subs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Pause suspends delivery without losing the subscription.
func (s *SubscriptionService) Pause(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.SubscriptionPaused)
}

// Resume re-activates a paused or auto-disabled subscription and resets its
// failure streak.
func (s *SubscriptionService) Resume(ctx context.Context, id string) error {
	if err := s.setStatus(ctx, id, models.SubscriptionActive); err != nil {
		return err
	}
	// A resumed subscription starts with a clean failure count.
	if err := s.subs.RecordSuccess(ctx, id, timeNow()); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("Failed to reset failure streak on resume", "subscription_id", id, "error", err)
	}
	return nil
}

// Disable turns a subscription off.
func (s *SubscriptionService) Disable(ctx context.Context, id string) error {
	return s.setStatus(ctx, id, models.SubscriptionDisabled)
}

func (s *SubscriptionService) setStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	if err := s.subs.UpdateStatus(ctx, id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	return nil
}
