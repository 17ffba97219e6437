package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// AuditStore implements store.AuditStore on the audit_events table. The
// BIGSERIAL seq column preserves append order without trusting client clocks.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore backed by the given pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// Append implements store.AuditStore.
func (s *AuditStore) Append(ctx context.Context, events []*models.Event) error {
	if len(events) == 0 {
		return nil
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, e := range events {
			payload, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("failed to encode event payload: %w", err)
			}
			if e.Payload == nil {
				payload = []byte("{}")
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO audit_events (event_id, tenant_id, agent_id, session_key,
					logical_turn_id, event_type, payload, created_at)
				VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8)
				ON CONFLICT (event_id) DO NOTHING`,
				e.ID, e.TenantID, e.AgentID, string(e.SessionKey),
				e.LogicalTurnID, e.Type, payload, e.Timestamp.UTC())
			if err != nil {
				return fmt.Errorf("failed to append event: %w", err)
			}
		}
		return nil
	})
}

// List implements store.AuditStore.
func (s *AuditStore) List(ctx context.Context, filter store.AuditFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.SessionKey != "" {
		add("session_key = $%d", string(filter.SessionKey))
	}
	if filter.LogicalTurnID != "" {
		add("logical_turn_id = $%d", filter.LogicalTurnID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until.UTC())
	}

	query := `SELECT event_id, tenant_id, agent_id, session_key, logical_turn_id,
		event_type, payload, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			e          models.Event
			agentID    *string
			sessionKey *string
			turnID     *string
			payload    []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &agentID, &sessionKey, &turnID,
			&e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if agentID != nil {
			e.AgentID = *agentID
		}
		if sessionKey != nil {
			e.SessionKey = models.SessionKey(*sessionKey)
		}
		if turnID != nil {
			e.LogicalTurnID = *turnID
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode event payload: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
