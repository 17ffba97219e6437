package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SessionStore implements store.SessionStore on the sessions table. Writes go
// through a conditional UPDATE on the version column; a zero-row result means
// the caller lost the compare-and-swap.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore backed by the given pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `session_key, version, tenant_id, agent_id, interlocutor_id, channel,
	active_scenario_id, active_scenario_version, active_step_id,
	step_history, relocalization_count, last_turn_at, turn_count, status,
	variables, created_at, updated_at`

// Get implements store.SessionStore.
func (s *SessionStore) Get(ctx context.Context, key models.SessionKey) (*models.SessionState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_key = $1`, string(key))
	return scanSession(row)
}

// CreateIfAbsent implements store.SessionStore.
func (s *SessionStore) CreateIfAbsent(ctx context.Context, state *models.SessionState) (*models.SessionState, bool, error) {
	history, variables, err := marshalSessionJSON(state)
	if err != nil {
		return nil, false, err
	}
	now := time.Now().UTC()

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (session_key, version, tenant_id, agent_id, interlocutor_id, channel,
			active_scenario_id, active_scenario_version, active_step_id,
			step_history, relocalization_count, last_turn_at, turn_count, status,
			variables, created_at, updated_at)
		VALUES ($1, 1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, 0), NULLIF($8, ''),
			$9, $10, $11, $12, $13, $14, $15, $15)
		ON CONFLICT (session_key) DO NOTHING`,
		string(state.Key), state.TenantID, state.AgentID, state.InterlocutorID, state.Channel,
		state.ActiveScenarioID, state.ActiveScenarioVersion, state.ActiveStepID,
		history, state.RelocalizationCount, nullTime(state.LastTurnAt), state.TurnCount,
		string(state.Status), variables, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	current, getErr := s.Get(ctx, state.Key)
	if getErr != nil {
		return nil, false, getErr
	}
	return current, tag.RowsAffected() == 1, nil
}

// CompareAndSwap implements store.SessionStore.
func (s *SessionStore) CompareAndSwap(ctx context.Context, state *models.SessionState, expectedVersion int64) error {
	history, variables, err := marshalSessionJSON(state)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			version = version + 1,
			active_scenario_id = NULLIF($3, ''),
			active_scenario_version = NULLIF($4, 0),
			active_step_id = NULLIF($5, ''),
			step_history = $6,
			relocalization_count = $7,
			last_turn_at = $8,
			turn_count = $9,
			status = $10,
			variables = $11,
			updated_at = now()
		WHERE session_key = $1 AND version = $2`,
		string(state.Key), expectedVersion,
		state.ActiveScenarioID, state.ActiveScenarioVersion, state.ActiveStepID,
		history, state.RelocalizationCount, nullTime(state.LastTurnAt), state.TurnCount,
		string(state.Status), variables)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a lost CAS from a missing row.
		var exists bool
		if checkErr := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM sessions WHERE session_key = $1)`,
			string(state.Key)).Scan(&exists); checkErr != nil {
			return fmt.Errorf("failed to check session existence: %w", checkErr)
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrVersionConflict
	}
	state.Version = expectedVersion + 1
	return nil
}

// ListIdle implements store.SessionStore.
func (s *SessionStore) ListIdle(ctx context.Context, status models.SessionStatus, olderThan time.Time, limit int) ([]*models.SessionState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = $1 AND last_turn_at IS NOT NULL AND last_turn_at < $2
		 ORDER BY last_turn_at ASC
		 LIMIT $3`,
		string(status), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionState
	for rows.Next() {
		state, scanErr := scanSession(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, state)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionState, error) {
	var (
		state           models.SessionState
		key             string
		scenarioID      *string
		scenarioVersion *int
		stepID          *string
		history         []byte
		variables       []byte
		lastTurnAt      *time.Time
		status          string
	)
	err := row.Scan(&key, &state.Version, &state.TenantID, &state.AgentID,
		&state.InterlocutorID, &state.Channel,
		&scenarioID, &scenarioVersion, &stepID,
		&history, &state.RelocalizationCount, &lastTurnAt, &state.TurnCount, &status,
		&variables, &state.CreatedAt, &state.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}
	state.Key = models.SessionKey(key)
	if scenarioID != nil {
		state.ActiveScenarioID = *scenarioID
	}
	if scenarioVersion != nil {
		state.ActiveScenarioVersion = *scenarioVersion
	}
	if stepID != nil {
		state.ActiveStepID = *stepID
	}
	if lastTurnAt != nil {
		state.LastTurnAt = *lastTurnAt
	}
	state.Status = models.SessionStatus(status)
	if len(history) > 0 {
		if err := json.Unmarshal(history, &state.StepHistory); err != nil {
			return nil, fmt.Errorf("failed to decode step history: %w", err)
		}
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &state.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode session variables: %w", err)
		}
	}
	return &state, nil
}

func marshalSessionJSON(state *models.SessionState) (history, variables []byte, err error) {
	history, err = json.Marshal(state.StepHistory)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode step history: %w", err)
	}
	if state.StepHistory == nil {
		history = []byte("[]")
	}
	variables, err = json.Marshal(state.Variables)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode session variables: %w", err)
	}
	if state.Variables == nil {
		variables = []byte("{}")
	}
	return history, variables, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
