package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// TurnStore implements store.TurnStore on the inbound_messages and
// logical_turns tables.
//
// Claim discipline: pending messages carry a pre-assigned turn id so ingress
// can answer with the id before any worker exists. ClaimNext turns that id
// into a logical_turns row; the partial unique index on active turns is the
// mutex, and FOR UPDATE SKIP LOCKED keeps concurrent pools off the same rows.
type TurnStore struct {
	pool *pgxpool.Pool
}

// NewTurnStore creates a TurnStore backed by the given pool.
func NewTurnStore(pool *pgxpool.Pool) *TurnStore {
	return &TurnStore{pool: pool}
}

// EnqueueMessage implements store.TurnStore.
func (s *TurnStore) EnqueueMessage(ctx context.Context, key models.SessionKey, msg *models.RawMessage) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	var turnID string
	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Join the accumulating turn if one is open.
		err := tx.QueryRow(ctx,
			`SELECT turn_id FROM logical_turns
			 WHERE session_key = $1 AND state = 'accumulating'`,
			string(key)).Scan(&turnID)
		if err != nil && !isNoRows(err) {
			return fmt.Errorf("failed to find accumulating turn: %w", err)
		}

		if turnID == "" {
			// Otherwise share the provisional id of the unclaimed pending
			// batch, allocating one for the first message.
			err = tx.QueryRow(ctx,
				`SELECT m.absorbed_turn_id FROM inbound_messages m
				 WHERE m.session_key = $1 AND m.status = 'pending'
				   AND NOT EXISTS (
					SELECT 1 FROM logical_turns t WHERE t.turn_id = m.absorbed_turn_id)
				 LIMIT 1`,
				string(key)).Scan(&turnID)
			if err != nil && !isNoRows(err) {
				return fmt.Errorf("failed to find pending batch: %w", err)
			}
			if turnID == "" {
				turnID = uuid.NewString()
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO inbound_messages (message_id, session_key, tenant_id, agent_id, channel,
				payload, provider_message_id, received_at, status, absorbed_turn_id)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, 'pending', $9)`,
			msg.ID, string(key), msg.TenantID, msg.AgentID, msg.Channel,
			payload, msg.ProviderMessageID, msg.ReceivedAt.UTC(), turnID)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return turnID, nil
}

// PendingCount implements store.TurnStore.
func (s *TurnStore) PendingCount(ctx context.Context, key models.SessionKey, after time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM inbound_messages
		 WHERE session_key = $1 AND status = 'pending' AND received_at > $2`,
		string(key), after.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// PendingBatchID implements store.TurnStore.
func (s *TurnStore) PendingBatchID(ctx context.Context, key models.SessionKey) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		`SELECT m.absorbed_turn_id FROM inbound_messages m
		 WHERE m.session_key = $1 AND m.status = 'pending'
		   AND NOT EXISTS (
			SELECT 1 FROM logical_turns t WHERE t.turn_id = m.absorbed_turn_id)
		 LIMIT 1`,
		string(key)).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to find pending batch: %w", err)
	}
	return id, nil
}

// ClaimNext implements store.TurnStore.
func (s *TurnStore) ClaimNext(ctx context.Context, podID string) (*models.LogicalTurn, error) {
	var turn *models.LogicalTurn
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			key      string
			batchID  string
			tenantID string
			agentID  string
		)
		err := tx.QueryRow(ctx, `
			SELECT m.session_key, m.absorbed_turn_id, m.tenant_id, m.agent_id
			FROM inbound_messages m
			WHERE m.status = 'pending'
			  AND NOT EXISTS (
				SELECT 1 FROM logical_turns t
				WHERE t.session_key = m.session_key
				  AND t.state IN ('accumulating', 'running'))
			ORDER BY m.received_at ASC
			LIMIT 1
			FOR UPDATE OF m SKIP LOCKED`).Scan(&key, &batchID, &tenantID, &agentID)
		if err != nil {
			if isNoRows(err) {
				return store.ErrNoWork
			}
			return fmt.Errorf("failed to select due session: %w", err)
		}

		// The batch id is normally fresh, but orphan recovery can release
		// messages whose id already names a terminal turn. Restamp then.
		var taken bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM logical_turns WHERE turn_id = $1)`,
			batchID).Scan(&taken); err != nil {
			return fmt.Errorf("failed to check turn id: %w", err)
		}
		if taken {
			batchID = uuid.NewString()
			if _, err := tx.Exec(ctx,
				`UPDATE inbound_messages SET absorbed_turn_id = $2
				 WHERE session_key = $1 AND status = 'pending'`,
				key, batchID); err != nil {
				return fmt.Errorf("failed to restamp batch: %w", err)
			}
		}

		now := time.Now().UTC()
		_, err = tx.Exec(ctx, `
			INSERT INTO logical_turns (turn_id, session_key, tenant_id, agent_id,
				state, pod_id, heartbeat_at, started_at)
			VALUES ($1, $2, $3, $4, 'accumulating', $5, $6, $6)`,
			batchID, key, tenantID, agentID, podID, now)
		if err != nil {
			if isUniqueViolation(err) {
				// Another pool won the slot between our checks.
				return store.ErrNoWork
			}
			return fmt.Errorf("failed to insert turn: %w", err)
		}

		turn = &models.LogicalTurn{
			ID:         batchID,
			SessionKey: models.SessionKey(key),
			TenantID:   tenantID,
			AgentID:    agentID,
			State:      models.TurnStateAccumulating,
			StartedAt:  now,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turn, nil
}

// AbsorbPending implements store.TurnStore.
func (s *TurnStore) AbsorbPending(ctx context.Context, turnID string, key models.SessionKey, limit int) ([]models.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE inbound_messages SET status = 'absorbed', absorbed_turn_id = $2
		WHERE message_id IN (
			SELECT message_id FROM inbound_messages
			WHERE session_key = $1 AND status = 'pending'
			ORDER BY received_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED)
		RETURNING payload`,
		string(key), turnID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to absorb messages: %w", err)
	}
	defer rows.Close()

	var absorbed []models.RawMessage
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		var msg models.RawMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		absorbed = append(absorbed, msg)
	}
	return absorbed, rows.Err()
}

// MarkRunning implements store.TurnStore.
func (s *TurnStore) MarkRunning(ctx context.Context, turn *models.LogicalTurn) error {
	messages, err := json.Marshal(turn.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE logical_turns SET state = 'running', messages = $2, heartbeat_at = now()
		WHERE turn_id = $1 AND state = 'accumulating'`,
		turn.ID, messages)
	if err != nil {
		return fmt.Errorf("failed to mark turn running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Heartbeat implements store.TurnStore.
func (s *TurnStore) Heartbeat(ctx context.Context, turnID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE logical_turns SET heartbeat_at = now()
		 WHERE turn_id = $1 AND state IN ('accumulating', 'running')`, turnID)
	if err != nil {
		return fmt.Errorf("failed to heartbeat turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// SetCommitReached implements store.TurnStore.
func (s *TurnStore) SetCommitReached(ctx context.Context, turnID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE logical_turns SET commit_reached = TRUE WHERE turn_id = $1`, turnID)
	if err != nil {
		return fmt.Errorf("failed to set commit point: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendAttemptedTool implements store.TurnStore.
func (s *TurnStore) AppendAttemptedTool(ctx context.Context, turnID string, attempt models.AttemptedTool) error {
	encoded, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("failed to encode tool attempt: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE logical_turns SET attempted_tools = attempted_tools || $2::jsonb
		 WHERE turn_id = $1`, turnID, encoded)
	if err != nil {
		return fmt.Errorf("failed to append tool attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RequestCancel implements store.TurnStore.
func (s *TurnStore) RequestCancel(ctx context.Context, key models.SessionKey) (string, bool, error) {
	var turnID string
	err := s.pool.QueryRow(ctx, `
		UPDATE logical_turns SET cancel_requested = TRUE
		WHERE session_key = $1 AND state IN ('accumulating', 'running')
		  AND commit_reached = FALSE
		RETURNING turn_id`,
		string(key)).Scan(&turnID)
	if err == nil {
		return turnID, true, nil
	}
	if !isNoRows(err) {
		return "", false, fmt.Errorf("failed to request cancel: %w", err)
	}

	// Either no active turn, or its commit point blocks cancellation.
	err = s.pool.QueryRow(ctx,
		`SELECT turn_id FROM logical_turns
		 WHERE session_key = $1 AND state IN ('accumulating', 'running')`,
		string(key)).Scan(&turnID)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to find active turn: %w", err)
	}
	return turnID, false, nil
}

// CancelRequested implements store.TurnStore.
func (s *TurnStore) CancelRequested(ctx context.Context, turnID string) (bool, error) {
	var requested bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM logical_turns WHERE turn_id = $1`, turnID).Scan(&requested)
	if err != nil {
		if isNoRows(err) {
			return false, store.ErrNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return requested, nil
}

// Finish implements store.TurnStore.
func (s *TurnStore) Finish(ctx context.Context, turn *models.LogicalTurn) error {
	if !turn.State.Terminal() {
		return fmt.Errorf("finish requires a terminal state, got %q", turn.State)
	}
	tools, err := json.Marshal(turn.AttemptedTools)
	if err != nil {
		return fmt.Errorf("failed to encode tool attempts: %w", err)
	}
	if turn.AttemptedTools == nil {
		tools = []byte("[]")
	}
	return withTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE logical_turns SET
				state = $2,
				commit_reached = $3,
				attempted_tools = $4,
				superseded_by = NULLIF($5, ''),
				error_code = NULLIF($6, ''),
				error_message = NULLIF($7, ''),
				completed_at = now()
			WHERE turn_id = $1 AND state IN ('accumulating', 'running')`,
			turn.ID, string(turn.State), turn.CommitReached, tools,
			turn.SupersededBy, turn.ErrorCode, turn.ErrorMessage)
		if err != nil {
			return fmt.Errorf("failed to finish turn: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if turn.State != models.TurnStateSuperseded {
			return nil
		}

		// The successor answers the superseded turn's messages too, so they
		// go back to pending, restamped onto the successor batch.
		successor := turn.SupersededBy
		if successor == "" {
			successor = uuid.NewString()
		}
		if _, err := tx.Exec(ctx,
			`UPDATE inbound_messages SET status = 'pending', absorbed_turn_id = $2
			 WHERE absorbed_turn_id = $1 AND status = 'absorbed'`,
			turn.ID, successor); err != nil {
			return fmt.Errorf("failed to release superseded messages: %w", err)
		}
		return nil
	})
}

// Get implements store.TurnStore.
func (s *TurnStore) Get(ctx context.Context, turnID string) (*models.LogicalTurn, error) {
	var (
		turn         models.LogicalTurn
		key          string
		state        string
		messages     []byte
		tools        []byte
		supersededBy *string
		errorCode    *string
		errorMessage *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT turn_id, session_key, tenant_id, agent_id, state, commit_reached,
			messages, attempted_tools, superseded_by, error_code, error_message, started_at
		FROM logical_turns WHERE turn_id = $1`, turnID).Scan(
		&turn.ID, &key, &turn.TenantID, &turn.AgentID, &state, &turn.CommitReached,
		&messages, &tools, &supersededBy, &errorCode, &errorMessage, &turn.StartedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	turn.SessionKey = models.SessionKey(key)
	turn.State = models.TurnState(state)
	if supersededBy != nil {
		turn.SupersededBy = *supersededBy
	}
	if errorCode != nil {
		turn.ErrorCode = *errorCode
	}
	if errorMessage != nil {
		turn.ErrorMessage = *errorMessage
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &turn.Messages); err != nil {
			return nil, fmt.Errorf("failed to decode messages: %w", err)
		}
	}
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &turn.AttemptedTools); err != nil {
			return nil, fmt.Errorf("failed to decode tool attempts: %w", err)
		}
	}
	return &turn, nil
}

// RunningCount implements store.TurnStore.
func (s *TurnStore) RunningCount(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM logical_turns WHERE state = 'running'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count running turns: %w", err)
	}
	return n, nil
}

// RequeueOrphans implements store.TurnStore.
func (s *TurnStore) RequeueOrphans(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.requeueWhere(ctx,
		`state = 'running' AND heartbeat_at < $1`, cutoff.UTC())
}

// ReleasePodTurns implements store.TurnStore.
func (s *TurnStore) ReleasePodTurns(ctx context.Context, podID string) ([]string, error) {
	return s.requeueWhere(ctx,
		`pod_id = $1 AND state IN ('accumulating', 'running')`, podID)
}

func (s *TurnStore) requeueWhere(ctx context.Context, where string, arg any) ([]string, error) {
	var ids []string
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE logical_turns SET
				state = 'failed',
				error_code = 'orphaned',
				error_message = 'turn abandoned by worker',
				completed_at = now()
			WHERE `+where+`
			RETURNING turn_id`, arg)
		if err != nil {
			return fmt.Errorf("failed to fail orphaned turns: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan turn id: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		// Release absorbed messages so the next claim picks them up again.
		if _, err := tx.Exec(ctx,
			`UPDATE inbound_messages SET status = 'pending'
			 WHERE absorbed_turn_id = ANY($1) AND status = 'absorbed'`, ids); err != nil {
			return fmt.Errorf("failed to release messages: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
