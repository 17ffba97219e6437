package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// ContactHints carries optional contact handles extracted by a channel
// adapter, used for cross-channel auto-linking.
type ContactHints struct {
	Phone string
	Email string
}

// IdentityService resolves channel identities to interlocutors and manages
// explicit linking.
type IdentityService struct {
	identities store.IdentityStore
}

// NewIdentityService creates an IdentityService.
func NewIdentityService(identities store.IdentityStore) *IdentityService {
	return &IdentityService{identities: identities}
}

// Resolve maps (tenant, agent, channel, channel_user_id) to an interlocutor,
// creating one on first contact. When autoLink is enabled and the hints match
// an existing interlocutor's contact handles, the new channel identity is
// attached to that interlocutor instead of a fresh one.
func (s *IdentityService) Resolve(ctx context.Context, tenantID, agentID, channel, channelUserID string, autoLink bool, hints ContactHints) (*models.Interlocutor, bool, error) {
	channelUserID = strings.TrimSpace(channelUserID)
	if tenantID == "" || agentID == "" || channel == "" || channelUserID == "" {
		return nil, false, NewValidationError("channel_user_id", "identity scope fields must be non-empty")
	}
	phone := NormalizePhone(hints.Phone)
	email := NormalizeEmail(hints.Email)

	if autoLink && (phone != "" || email != "") {
		existing, err := s.identities.FindByContact(ctx, tenantID, agentID, phone, email)
		if err == nil {
			linkErr := s.identities.Link(ctx, existing.ID, channel, channelUserID)
			switch {
			case linkErr == nil:
				in, getErr := s.identities.Get(ctx, existing.ID)
				return in, false, getErr
			case errors.Is(linkErr, store.ErrIdentityConflict):
				// The identity already belongs to someone else; fall through
				// to the plain resolve, which returns that owner.
				slog.Debug("Auto-link skipped, identity already owned",
					"tenant_id", tenantID, "channel", channel)
			default:
				return nil, false, fmt.Errorf("failed to auto-link identity: %w", linkErr)
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, false, fmt.Errorf("failed to find interlocutor by contact: %w", err)
		}
	}

	in, created, err := s.identities.ResolveOrCreate(ctx, tenantID, agentID, channel, channelUserID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve identity: %w", err)
	}
	if created && (phone != "" || email != "") {
		if err := s.identities.SetContact(ctx, in.ID, phone, email); err != nil {
			slog.Warn("Failed to record contact handles",
				"interlocutor_id", in.ID, "error", err)
		}
	}
	return in, created, nil
}

// Link attaches a channel identity to an existing interlocutor. Idempotent
// when the identity already points at the same interlocutor.
func (s *IdentityService) Link(ctx context.Context, interlocutorID, channel, channelUserID string) error {
	if interlocutorID == "" || channel == "" || strings.TrimSpace(channelUserID) == "" {
		return NewValidationError("channel_user_id", "link fields must be non-empty")
	}
	err := s.identities.Link(ctx, interlocutorID, channel, strings.TrimSpace(channelUserID))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrIdentityConflict):
		return ErrIdentityConflict
	default:
		return fmt.Errorf("failed to link identity: %w", err)
	}
}

// Unlink detaches a channel identity. With createNew the identity is re-homed
// onto a fresh interlocutor whose id is returned; future messages from that
// identity then open a new session.
func (s *IdentityService) Unlink(ctx context.Context, interlocutorID, channel, channelUserID string, createNew bool) (string, error) {
	freshID, err := s.identities.Unlink(ctx, interlocutorID, channel, strings.TrimSpace(channelUserID), createNew)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to unlink identity: %w", err)
	}
	return freshID, nil
}

// Get returns an interlocutor with its channel identities.
func (s *IdentityService) Get(ctx context.Context, interlocutorID string) (*models.Interlocutor, error) {
	in, err := s.identities.Get(ctx, interlocutorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get interlocutor: %w", err)
	}
	return in, nil
}

// NormalizePhone strips formatting characters, keeping digits and a leading
// plus sign. Returns "" when nothing usable remains.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	var b strings.Builder
	for i, r := range phone {
		if r == '+' && i == 0 {
			b.WriteRune(r)
			continue
		}
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "+" {
		return ""
	}
	return out
}

// NormalizeEmail lowercases and trims an email handle.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
