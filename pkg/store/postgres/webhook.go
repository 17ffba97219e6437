package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SubscriptionStore implements store.SubscriptionStore on the
// webhook_subscriptions table.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore creates a SubscriptionStore backed by the given pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

const subscriptionColumns = `subscription_id, tenant_id, url, secret, event_patterns,
	agent_ids, status, timeout_ms, max_retries, consecutive_failures,
	last_success_at, last_failure_at, created_at, updated_at`

// Create implements store.SubscriptionStore.
func (s *SubscriptionStore) Create(ctx context.Context, sub *models.WebhookSubscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (subscription_id, tenant_id, url, secret,
			event_patterns, agent_ids, status, timeout_ms, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sub.ID, sub.TenantID, sub.URL, sub.Secret,
		sub.EventPatterns, sub.AgentIDs, string(sub.Status), sub.TimeoutMs, sub.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// Get implements store.SubscriptionStore.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (*models.WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE subscription_id = $1`, id)
	return scanSubscription(row)
}

// ListActive implements store.SubscriptionStore.
func (s *SubscriptionStore) ListActive(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		 WHERE tenant_id = $1 AND status = 'active'
		 ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookSubscription
	for rows.Next() {
		sub, scanErr := scanSubscription(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// UpdateStatus implements store.SubscriptionStore.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, id string, status models.SubscriptionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE webhook_subscriptions SET status = $2, updated_at = now()
		 WHERE subscription_id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("failed to update subscription status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordSuccess implements store.SubscriptionStore.
func (s *SubscriptionStore) RecordSuccess(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE webhook_subscriptions SET
			consecutive_failures = 0,
			last_success_at = $2,
			updated_at = now()
		WHERE subscription_id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to record delivery success: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordFailure implements store.SubscriptionStore.
func (s *SubscriptionStore) RecordFailure(ctx context.Context, id string, at time.Time) (int, error) {
	var failures int
	err := s.pool.QueryRow(ctx, `
		UPDATE webhook_subscriptions SET
			consecutive_failures = consecutive_failures + 1,
			last_failure_at = $2,
			updated_at = now()
		WHERE subscription_id = $1
		RETURNING consecutive_failures`, id, at.UTC()).Scan(&failures)
	if err != nil {
		if isNoRows(err) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return failures, nil
}

func scanSubscription(row rowScanner) (*models.WebhookSubscription, error) {
	var (
		sub    models.WebhookSubscription
		status string
	)
	err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Secret, &sub.EventPatterns,
		&sub.AgentIDs, &status, &sub.TimeoutMs, &sub.MaxRetries, &sub.ConsecutiveFailures,
		&sub.LastSuccessAt, &sub.LastFailureAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	sub.Status = models.SubscriptionStatus(status)
	return &sub, nil
}

// DeliveryStore implements store.DeliveryStore on the webhook_deliveries
// table. ClaimDue uses FOR UPDATE SKIP LOCKED on the due index so concurrent
// delivery pools never pick the same row.
type DeliveryStore struct {
	pool *pgxpool.Pool
}

// NewDeliveryStore creates a DeliveryStore backed by the given pool.
func NewDeliveryStore(pool *pgxpool.Pool) *DeliveryStore {
	return &DeliveryStore{pool: pool}
}

// Create implements store.DeliveryStore.
func (s *DeliveryStore) Create(ctx context.Context, d *models.WebhookDelivery) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (delivery_id, subscription_id, event_id, event_type,
			status, attempt_count, next_retry_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.SubscriptionID, d.EventID, d.EventType,
		string(d.Status), d.AttemptCount, d.NextRetryAt, d.Payload)
	if err != nil {
		return fmt.Errorf("failed to create delivery: %w", err)
	}
	return nil
}

const deliveryColumns = `delivery_id, subscription_id, event_id, event_type, status,
	attempt_count, next_retry_at, payload, response_status_code, response_time_ms,
	last_error, created_at, updated_at`

// Get implements store.DeliveryStore.
func (s *DeliveryStore) Get(ctx context.Context, id string) (*models.WebhookDelivery, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE delivery_id = $1`, id)
	return scanDelivery(row)
}

// ClaimDue implements store.DeliveryStore.
func (s *DeliveryStore) ClaimDue(ctx context.Context, podID string, now time.Time, limit int) ([]*models.WebhookDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE webhook_deliveries SET status = 'in_flight', claimed_by = $1, updated_at = now()
		WHERE delivery_id IN (
			SELECT delivery_id FROM webhook_deliveries
			WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= $2)
			ORDER BY next_retry_at ASC NULLS FIRST
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING `+deliveryColumns,
		podID, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim deliveries: %w", err)
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		d, scanErr := scanDelivery(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// MarkDelivered implements store.DeliveryStore.
func (s *DeliveryStore) MarkDelivered(ctx context.Context, id string, statusCode, responseTimeMs int) error {
	return s.finish(ctx, id, `
		UPDATE webhook_deliveries SET
			status = 'delivered',
			attempt_count = attempt_count + 1,
			response_status_code = $2,
			response_time_ms = $3,
			next_retry_at = NULL,
			claimed_by = NULL,
			updated_at = now()
		WHERE delivery_id = $1`, statusCode, responseTimeMs)
}

// ScheduleRetry implements store.DeliveryStore.
func (s *DeliveryStore) ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string, statusCode, responseTimeMs int) error {
	return s.finish(ctx, id, `
		UPDATE webhook_deliveries SET
			status = 'pending',
			attempt_count = attempt_count + 1,
			next_retry_at = $2,
			last_error = $3,
			response_status_code = NULLIF($4, 0),
			response_time_ms = NULLIF($5, 0),
			claimed_by = NULL,
			updated_at = now()
		WHERE delivery_id = $1`, nextRetryAt.UTC(), lastError, statusCode, responseTimeMs)
}

// MarkFailed implements store.DeliveryStore.
func (s *DeliveryStore) MarkFailed(ctx context.Context, id string, lastError string, statusCode, responseTimeMs int) error {
	return s.finish(ctx, id, `
		UPDATE webhook_deliveries SET
			status = 'failed',
			attempt_count = attempt_count + 1,
			last_error = $2,
			response_status_code = NULLIF($3, 0),
			response_time_ms = NULLIF($4, 0),
			next_retry_at = NULL,
			claimed_by = NULL,
			updated_at = now()
		WHERE delivery_id = $1`, lastError, statusCode, responseTimeMs)
}

// MarkExhausted implements store.DeliveryStore.
func (s *DeliveryStore) MarkExhausted(ctx context.Context, id string, lastError string) error {
	return s.finish(ctx, id, `
		UPDATE webhook_deliveries SET
			status = 'exhausted',
			attempt_count = attempt_count + 1,
			last_error = $2,
			next_retry_at = NULL,
			claimed_by = NULL,
			updated_at = now()
		WHERE delivery_id = $1`, lastError)
}

func (s *DeliveryStore) finish(ctx context.Context, id, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanDelivery(row rowScanner) (*models.WebhookDelivery, error) {
	var (
		d         models.WebhookDelivery
		status    string
		lastError *string
	)
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &d.EventType, &status,
		&d.AttemptCount, &d.NextRetryAt, &d.Payload, &d.ResponseStatusCode,
		&d.ResponseTimeMs, &lastError, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.Status = models.DeliveryStatus(status)
	if lastError != nil {
		d.LastError = *lastError
	}
	return &d, nil
}
