package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SessionService exposes read and administrative operations on sessions and
// their turns.
type SessionService struct {
	sessions store.SessionStore
	turns    store.TurnStore
	audit    store.AuditStore
	router   *events.Router
}

// NewSessionService creates a SessionService.
func NewSessionService(sessions store.SessionStore, turns store.TurnStore, audit store.AuditStore, router *events.Router) *SessionService {
	return &SessionService{sessions: sessions, turns: turns, audit: audit, router: router}
}

// Get returns the session state for a key.
func (s *SessionService) Get(ctx context.Context, key models.SessionKey) (*models.SessionState, error) {
	state, err := s.sessions.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return state, nil
}

// GetTurn returns one logical turn.
func (s *SessionService) GetTurn(ctx context.Context, turnID string) (*models.LogicalTurn, error) {
	turn, err := s.turns.Get(ctx, turnID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get turn: %w", err)
	}
	return turn, nil
}

// Cancel requests cooperative cancellation of the session's active turn.
// Returns the active turn id and whether the request was accepted; a turn
// past its commit point refuses cancellation.
func (s *SessionService) Cancel(ctx context.Context, key models.SessionKey) (string, bool, error) {
	turnID, accepted, err := s.turns.RequestCancel(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("failed to request cancel: %w", err)
	}
	if turnID == "" {
		return "", false, ErrNotFound
	}

	s.router.Emit(ctx, &models.Event{
		Type:          events.EventSupersedeRequested,
		LogicalTurnID: turnID,
		SessionKey:    key,
		TenantID:      key.TenantID(),
		Payload:       map[string]any{"source": "api"},
	})
	decision := "allow"
	if !accepted {
		decision = "deny"
	}
	s.router.Emit(ctx, &models.Event{
		Type:          events.EventSupersedeDecision,
		LogicalTurnID: turnID,
		SessionKey:    key,
		TenantID:      key.TenantID(),
		Payload:       map[string]any{"decision": decision},
	})
	return turnID, accepted, nil
}

// Close marks the session closed. Closing is a state transition, not a
// deletion; a later inbound message reopens the same key.
func (s *SessionService) Close(ctx context.Context, key models.SessionKey) error {
	for {
		state, err := s.sessions.Get(ctx, key)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get session: %w", err)
		}
		if state.Status == models.SessionStatusClosed {
			return nil
		}
		state.Status = models.SessionStatusClosed
		err = s.sessions.CompareAndSwap(ctx, state, state.Version)
		if err == nil {
			s.router.Emit(ctx, &models.Event{
				Type:           events.EventSessionClosed,
				SessionKey:     key,
				TenantID:       state.TenantID,
				AgentID:        state.AgentID,
				InterlocutorID: state.InterlocutorID,
				Payload:        map[string]any{"reason": "api"},
			})
			return nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return fmt.Errorf("failed to close session: %w", err)
	}
}

// History returns the audit trail for a session in append order.
func (s *SessionService) History(ctx context.Context, key models.SessionKey, limit int) ([]*models.Event, error) {
	evts, err := s.audit.List(ctx, store.AuditFilter{SessionKey: key, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list session history: %w", err)
	}
	return evts, nil
}
