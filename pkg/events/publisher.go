package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// notifyLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes), with a
// safety margin. Larger payloads are replaced by a routing envelope and the
// client fetches the full event over REST or catchup.
const notifyLimit = 7900

// Publisher broadcasts live events. Persistent events are stored in the
// events table then broadcast via NOTIFY in one transaction (pg_notify is
// transactional, held until COMMIT); transient events skip the table.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a Publisher. The db parameter should be the *sql.DB
// from database.Client.DB().
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Publish broadcasts payload on the given channel. When persistent is true
// the payload is also stored for catchup, and the NOTIFY copy carries the
// db_event_id clients use to resume.
func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte, persistent bool) error {
	if !persistent {
		return p.notifyOnly(ctx, channel, payload)
	}
	return p.persistAndNotify(ctx, channel, payload)
}

// PublishBoth persists on the session channel and sends a transient copy on
// the global channel. Best-effort: both publishes are attempted and the
// first error is returned.
func (p *Publisher) PublishBoth(ctx context.Context, sessionChannel string, payload []byte) error {
	var firstErr error
	if err := p.persistAndNotify(ctx, sessionChannel, payload); err != nil {
		slog.Warn("Failed to publish to session channel",
			"channel", sessionChannel, "error", err)
		firstErr = err
	}
	if err := p.notifyOnly(ctx, GlobalChannel, payload); err != nil {
		slog.Warn("Failed to publish to global channel", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) persistAndNotify(ctx context.Context, channel string, payload []byte) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, payload, created_at) VALUES ($1, $2, $3) RETURNING id`,
		channel, payload, time.Now(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	notifyPayload, err := injectDBEventID(payload, eventID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

func (p *Publisher) notifyOnly(ctx context.Context, channel string, payload []byte) error {
	notifyPayload, err := truncateIfNeeded(string(payload))
	if err != nil {
		return err
	}
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

// injectDBEventID adds db_event_id to the NOTIFY copy so clients can track
// their catchup position, then applies the size cap.
func injectDBEventID(payload []byte, dbEventID int64) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", fmt.Errorf("failed to unmarshal payload for db_event_id injection: %w", err)
	}
	m["db_event_id"] = dbEventID

	enriched, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to marshal enriched NOTIFY payload: %w", err)
	}
	return truncateIfNeeded(string(enriched))
}

// truncateIfNeeded returns the payload as-is when it fits the NOTIFY limit,
// otherwise a minimal envelope holding only the routing fields a client needs
// to fetch the full event.
func truncateIfNeeded(payload string) (string, error) {
	if len(payload) <= notifyLimit {
		return payload, nil
	}

	var routing struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		SessionKey string `json:"session_key"`
		DBEventID  *int64 `json:"db_event_id,omitempty"`
	}
	if err := json.Unmarshal([]byte(payload), &routing); err != nil {
		return "", fmt.Errorf("failed to extract routing fields for truncation: %w", err)
	}

	envelope := map[string]any{
		"type":        routing.Type,
		"id":          routing.ID,
		"session_key": routing.SessionKey,
		"truncated":   true,
	}
	if routing.DBEventID != nil {
		envelope["db_event_id"] = *routing.DBEventID
	}
	out, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated payload: %w", err)
	}
	return string(out), nil
}
