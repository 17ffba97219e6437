package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// IdentityStore implements store.IdentityStore on the interlocutors and
// channel_identities tables.
type IdentityStore struct {
	pool *pgxpool.Pool
}

// NewIdentityStore creates an IdentityStore backed by the given pool.
func NewIdentityStore(pool *pgxpool.Pool) *IdentityStore {
	return &IdentityStore{pool: pool}
}

// ResolveOrCreate implements store.IdentityStore. The fast path is a single
// lookup on the channel_identities primary key; the create path races under
// the same key, and the loser of the race re-selects the winner's row.
func (s *IdentityStore) ResolveOrCreate(ctx context.Context, tenantID, agentID, channel, channelUserID string) (*models.Interlocutor, bool, error) {
	id, err := s.lookup(ctx, tenantID, agentID, channel, channelUserID)
	if err == nil {
		in, getErr := s.Get(ctx, id)
		return in, false, getErr
	}
	if err != store.ErrNotFound {
		return nil, false, err
	}

	newID := uuid.NewString()
	err = withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO interlocutors (interlocutor_id, tenant_id, agent_id, type)
			VALUES ($1, $2, $3, $4)`,
			newID, tenantID, agentID, string(models.InterlocutorHuman)); err != nil {
			return fmt.Errorf("failed to create interlocutor: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_identities (tenant_id, agent_id, channel, channel_user_id, interlocutor_id)
			VALUES ($1, $2, $3, $4, $5)`,
			tenantID, agentID, channel, channelUserID, newID); err != nil {
			return fmt.Errorf("failed to create identity: %w", err)
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Concurrent resolve won; adopt its interlocutor.
			id, lookupErr := s.lookup(ctx, tenantID, agentID, channel, channelUserID)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			in, getErr := s.Get(ctx, id)
			return in, false, getErr
		}
		return nil, false, err
	}

	in, err := s.Get(ctx, newID)
	return in, true, err
}

// Link implements store.IdentityStore.
func (s *IdentityStore) Link(ctx context.Context, interlocutorID, channel, channelUserID string) error {
	var tenantID, agentID string
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, agent_id FROM interlocutors WHERE interlocutor_id = $1`,
		interlocutorID).Scan(&tenantID, &agentID)
	if err != nil {
		if isNoRows(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("failed to load interlocutor: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO channel_identities (tenant_id, agent_id, channel, channel_user_id, interlocutor_id)
		VALUES ($1, $2, $3, $4, $5)`,
		tenantID, agentID, channel, channelUserID, interlocutorID)
	if err == nil {
		return nil
	}
	if !isUniqueViolation(err) {
		return fmt.Errorf("failed to link identity: %w", err)
	}

	// Idempotent when the identity already points at this interlocutor.
	existing, lookupErr := s.lookup(ctx, tenantID, agentID, channel, channelUserID)
	if lookupErr != nil {
		return lookupErr
	}
	if existing == interlocutorID {
		return nil
	}
	return store.ErrIdentityConflict
}

// Unlink implements store.IdentityStore.
func (s *IdentityStore) Unlink(ctx context.Context, interlocutorID, channel, channelUserID string, createNew bool) (string, error) {
	var freshID string
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		var tenantID, agentID, interType string
		err := tx.QueryRow(ctx,
			`SELECT tenant_id, agent_id, type FROM interlocutors WHERE interlocutor_id = $1`,
			interlocutorID).Scan(&tenantID, &agentID, &interType)
		if err != nil {
			if isNoRows(err) {
				return store.ErrNotFound
			}
			return fmt.Errorf("failed to load interlocutor: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			DELETE FROM channel_identities
			WHERE tenant_id = $1 AND agent_id = $2 AND channel = $3
			  AND channel_user_id = $4 AND interlocutor_id = $5`,
			tenantID, agentID, channel, channelUserID, interlocutorID)
		if err != nil {
			return fmt.Errorf("failed to unlink identity: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		if !createNew {
			return nil
		}

		freshID = uuid.NewString()
		if _, err := tx.Exec(ctx, `
			INSERT INTO interlocutors (interlocutor_id, tenant_id, agent_id, type)
			VALUES ($1, $2, $3, $4)`,
			freshID, tenantID, agentID, interType); err != nil {
			return fmt.Errorf("failed to create interlocutor: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO channel_identities (tenant_id, agent_id, channel, channel_user_id, interlocutor_id)
			VALUES ($1, $2, $3, $4, $5)`,
			tenantID, agentID, channel, channelUserID, freshID); err != nil {
			return fmt.Errorf("failed to re-home identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return freshID, nil
}

// FindByContact implements store.IdentityStore.
func (s *IdentityStore) FindByContact(ctx context.Context, tenantID, agentID, phone, email string) (*models.Interlocutor, error) {
	if phone == "" && email == "" {
		return nil, store.ErrNotFound
	}
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT interlocutor_id FROM interlocutors
		WHERE tenant_id = $1 AND agent_id = $2
		  AND (($3 != '' AND phone = $3) OR ($4 != '' AND email = $4))
		ORDER BY created_at ASC
		LIMIT 1`,
		tenantID, agentID, phone, email).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find interlocutor by contact: %w", err)
	}
	return s.Get(ctx, id)
}

// Get implements store.IdentityStore.
func (s *IdentityStore) Get(ctx context.Context, interlocutorID string) (*models.Interlocutor, error) {
	var (
		in    models.Interlocutor
		phone *string
		email *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT interlocutor_id, tenant_id, agent_id, type, phone, email, created_at
		FROM interlocutors WHERE interlocutor_id = $1`, interlocutorID).Scan(
		&in.ID, &in.TenantID, &in.AgentID, (*string)(&in.Type), &phone, &email, &in.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get interlocutor: %w", err)
	}
	if phone != nil {
		in.Phone = *phone
	}
	if email != nil {
		in.Email = *email
	}

	rows, err := s.pool.Query(ctx, `
		SELECT channel, channel_user_id, linked_at FROM channel_identities
		WHERE interlocutor_id = $1
		ORDER BY linked_at ASC`, interlocutorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ident models.ChannelIdentity
		var linkedAt time.Time
		if err := rows.Scan(&ident.Channel, &ident.ChannelUserID, &linkedAt); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		ident.LinkedAt = linkedAt
		in.Identities = append(in.Identities, ident)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &in, nil
}

// SetContact implements store.IdentityStore.
func (s *IdentityStore) SetContact(ctx context.Context, interlocutorID, phone, email string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE interlocutors SET
			phone = COALESCE(NULLIF($2, ''), phone),
			email = COALESCE(NULLIF($3, ''), email)
		WHERE interlocutor_id = $1`,
		interlocutorID, phone, email)
	if err != nil {
		return fmt.Errorf("failed to set contact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *IdentityStore) lookup(ctx context.Context, tenantID, agentID, channel, channelUserID string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT interlocutor_id FROM channel_identities
		WHERE tenant_id = $1 AND agent_id = $2 AND channel = $3 AND channel_user_id = $4`,
		tenantID, agentID, channel, channelUserID).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return "", store.ErrNotFound
		}
		return "", fmt.Errorf("failed to look up identity: %w", err)
	}
	return id, nil
}
