package models

import "time"

// SubscriptionStatus is the lifecycle state of a webhook subscription.
type SubscriptionStatus string

// Subscription status values. Subscriptions start pending, become active on
// challenge-response, and may be auto-disabled after repeated failures.
const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionPaused   SubscriptionStatus = "paused"
	SubscriptionDisabled SubscriptionStatus = "disabled"
)

// MinWebhookSecretLen is the minimum accepted secret length in bytes.
const MinWebhookSecretLen = 32

// WebhookSubscription registers a tenant endpoint for signed event delivery.
type WebhookSubscription struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	URL      string `json:"url"`
	Secret   string `json:"-"` // never serialized

	EventPatterns []string `json:"event_patterns"`
	// AgentIDs restricts matching to these agents; empty means all agents.
	AgentIDs []string `json:"agent_ids,omitempty"`

	Status     SubscriptionStatus `json:"status"`
	TimeoutMs  int                `json:"timeout_ms"`
	MaxRetries int                `json:"max_retries"`

	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time `json:"last_failure_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeliveryStatus is the lifecycle state of one webhook delivery.
type DeliveryStatus string

// Delivery status values.
const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryInFlight  DeliveryStatus = "in_flight"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// WebhookDelivery tracks one at-least-once delivery of an event to a
// subscription, including its durable retry schedule.
type WebhookDelivery struct {
	ID             string         `json:"id"`
	SubscriptionID string         `json:"subscription_id"`
	EventID        string         `json:"event_id"`
	EventType      string         `json:"event_type"`
	Status         DeliveryStatus `json:"status"`
	AttemptCount   int            `json:"attempt_count"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`

	// Payload is the serialized WebhookPayload; frozen at dispatch time so
	// retries re-send exactly the same body under a new signature timestamp.
	Payload []byte `json:"-"`

	ResponseStatusCode *int       `json:"response_status_code,omitempty"`
	ResponseTimeMs     *int       `json:"response_time_ms,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// WebhookPayloadSchemaVersion is the schema_version stamped on payloads.
const WebhookPayloadSchemaVersion = "1.0"

// WebhookPayload is the body POSTed to tenant endpoints.
type WebhookPayload struct {
	WebhookID     string         `json:"webhook_id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	EventID       string         `json:"event_id"`
	TenantID      string         `json:"tenant_id"`
	AgentID       string         `json:"agent_id,omitempty"`
	SessionKey    string         `json:"session_key,omitempty"`
	LogicalTurnID string         `json:"logical_turn_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	SchemaVersion string         `json:"schema_version"`
}
