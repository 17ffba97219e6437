package webhooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// Dispatcher fans emitted events into the durable delivery queue. It
// implements the router's webhook sink; Dispatch never blocks on network IO,
// the delivery pool does the actual sending.
type Dispatcher struct {
	subs       store.SubscriptionStore
	deliveries store.DeliveryStore
	logger     *slog.Logger
	now        func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(subs store.SubscriptionStore, deliveries store.DeliveryStore, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{subs: subs, deliveries: deliveries, logger: logger, now: time.Now}
}

// Dispatch implements events.WebhookSink: one delivery row per matching
// active subscription, with the payload frozen at dispatch time.
func (d *Dispatcher) Dispatch(ctx context.Context, e *models.Event) {
	if e.TenantID == "" {
		return
	}
	subs, err := d.subs.ListActive(ctx, e.TenantID)
	if err != nil {
		d.logger.Error("Failed to list webhook subscriptions",
			slog.String("tenant_id", e.TenantID), slog.String("error", err.Error()))
		return
	}

	for _, sub := range subs {
		if !matches(sub, e) {
			continue
		}
		body, err := json.Marshal(payloadFor(sub, e))
		if err != nil {
			d.logger.Error("Failed to marshal webhook payload",
				slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
			continue
		}
		delivery := &models.WebhookDelivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			EventID:        e.ID,
			EventType:      e.Type,
			Status:         models.DeliveryPending,
			Payload:        body,
			CreatedAt:      d.now().UTC(),
		}
		if err := d.deliveries.Create(ctx, delivery); err != nil {
			d.logger.Error("Failed to enqueue webhook delivery",
				slog.String("subscription_id", sub.ID), slog.String("error", err.Error()))
		}
	}
}

func matches(sub *models.WebhookSubscription, e *models.Event) bool {
	if len(sub.AgentIDs) > 0 && !slices.Contains(sub.AgentIDs, e.AgentID) {
		return false
	}
	return events.MatchAny(sub.EventPatterns, e.Type)
}

func payloadFor(sub *models.WebhookSubscription, e *models.Event) *models.WebhookPayload {
	return &models.WebhookPayload{
		WebhookID:     sub.ID,
		Timestamp:     e.Timestamp,
		EventType:     e.Type,
		EventID:       e.ID,
		TenantID:      e.TenantID,
		AgentID:       e.AgentID,
		SessionKey:    string(e.SessionKey),
		LogicalTurnID: e.LogicalTurnID,
		Payload:       e.Payload,
		SchemaVersion: models.WebhookPayloadSchemaVersion,
	}
}
