package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// StoredEvents implements CatchupQuerier on the events table.
type StoredEvents struct {
	pool *pgxpool.Pool
}

// NewStoredEvents creates a StoredEvents backed by the given pool.
func NewStoredEvents(pool *pgxpool.Pool) *StoredEvents {
	return &StoredEvents{pool: pool}
}

// CatchupEvents implements CatchupQuerier.
func (s *StoredEvents) CatchupEvents(ctx context.Context, channel string, sinceID, limit int) ([]CatchupEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, payload FROM events
		 WHERE channel = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query catchup events: %w", err)
	}
	defer rows.Close()

	var out []CatchupEvent
	for rows.Next() {
		var (
			evt     CatchupEvent
			payload []byte
		)
		if err := rows.Scan(&evt.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan catchup event: %w", err)
		}
		if err := json.Unmarshal(payload, &evt.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode catchup payload: %w", err)
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
