package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// SubmitResult is the synchronous answer to an envelope submission. The
// logical turn id is provisional until the scheduler claims the batch; it is
// stable across idempotent retries.
type SubmitResult struct {
	Accepted      bool              `json:"accepted"`
	LogicalTurnID string            `json:"logical_turn_id"`
	SessionKey    models.SessionKey `json:"session_key"`
}

// IngressService validates normalized envelopes, resolves identity, derives
// the session key and enqueues the message for the turn scheduler. Submission
// never waits for processing.
type IngressService struct {
	cfg      *config.Config
	identity *IdentityService
	sessions store.SessionStore
	turns    store.TurnStore
	router   *events.Router

	idem *idempotencyCache
	now  func() time.Time
}

// NewIngressService creates an IngressService.
func NewIngressService(cfg *config.Config, identity *IdentityService, sessions store.SessionStore, turns store.TurnStore, router *events.Router) *IngressService {
	return &IngressService{
		cfg:      cfg,
		identity: identity,
		sessions: sessions,
		turns:    turns,
		router:   router,
		idem:     newIdempotencyCache(),
		now:      time.Now,
	}
}

// Submit accepts one normalized envelope. Re-submissions carrying the same
// (tenant, idempotency_key) within the idempotency window return the original
// result without enqueueing a duplicate.
func (s *IngressService) Submit(ctx context.Context, msg *models.RawMessage) (*SubmitResult, error) {
	if err := s.validate(msg); err != nil {
		return nil, err
	}
	snap, err := s.cfg.SnapshotFor(msg.TenantID, msg.AgentID)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown tenant or agent", ErrNotFound)
	}

	if msg.SizeBytes() > snap.System.MaxEnvelopeBytes {
		s.router.Emit(ctx, &models.Event{
			Type:     events.EventEnforcementOversized,
			TenantID: msg.TenantID,
			AgentID:  msg.AgentID,
			Payload: map[string]any{
				"channel":     msg.Channel,
				"size_bytes":  msg.SizeBytes(),
				"limit_bytes": snap.System.MaxEnvelopeBytes,
			},
		})
		return nil, ErrPayloadTooLarge
	}

	if msg.IdempotencyKey != "" {
		if cached, ok := s.idem.get(msg.TenantID, msg.IdempotencyKey, s.now()); ok {
			return cached, nil
		}
	}

	hints := contactHintsFrom(msg)
	interlocutor, _, err := s.identity.Resolve(ctx,
		msg.TenantID, msg.AgentID, msg.Channel, msg.ChannelUserID,
		snap.Tenant.AutoLink(), hints)
	if err != nil {
		return nil, err
	}

	key := models.NewSessionKey(msg.TenantID, msg.AgentID, interlocutor.ID, msg.Channel)
	if err := s.ensureSession(ctx, key, msg, interlocutor.ID); err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = s.now().UTC()
	}
	turnID, err := s.turns.EnqueueMessage(ctx, key, msg)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue message: %w", err)
	}

	// The turn id is provisional until a worker claims the batch, so this
	// event stays session-scoped; the scheduler emits turn.message_absorbed
	// once the message joins its turn for real.
	s.router.Emit(ctx, &models.Event{
		Type:           events.EventSessionMessageReceived,
		SessionKey:     key,
		TenantID:       msg.TenantID,
		AgentID:        msg.AgentID,
		InterlocutorID: interlocutor.ID,
		Payload: map[string]any{
			"message_id":       msg.ID,
			"channel":          msg.Channel,
			"content_type":     string(msg.ContentType),
			"provisional_turn": turnID,
		},
	})

	result := &SubmitResult{Accepted: true, LogicalTurnID: turnID, SessionKey: key}
	if msg.IdempotencyKey != "" {
		s.idem.put(msg.TenantID, msg.IdempotencyKey, result,
			s.now().Add(snap.System.IdempotencyChatWindow))
	}
	return result, nil
}

func (s *IngressService) validate(msg *models.RawMessage) error {
	switch {
	case msg.TenantID == "":
		return NewValidationError("tenant_id", "required")
	case msg.AgentID == "":
		return NewValidationError("agent_id", "required")
	case msg.Channel == "":
		return NewValidationError("channel", "required")
	case msg.ChannelUserID == "":
		return NewValidationError("channel_user_id", "required")
	}
	if !models.ValidContentType(msg.ContentType) {
		return NewValidationError("content_type", fmt.Sprintf("unknown content type %q", msg.ContentType))
	}
	if msg.ContentType == models.ContentTypeText && msg.Text == "" && len(msg.Media) == 0 && msg.Structured == nil {
		return NewValidationError("text", "text content requires a non-empty text field")
	}
	return nil
}

func (s *IngressService) ensureSession(ctx context.Context, key models.SessionKey, msg *models.RawMessage, interlocutorID string) error {
	state := &models.SessionState{
		Key:            key,
		TenantID:       msg.TenantID,
		AgentID:        msg.AgentID,
		InterlocutorID: interlocutorID,
		Channel:        msg.Channel,
		Status:         models.SessionStatusActive,
	}
	_, created, err := s.sessions.CreateIfAbsent(ctx, state)
	if err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	if created {
		s.router.Emit(ctx, &models.Event{
			Type:           events.EventSessionStarted,
			SessionKey:     key,
			TenantID:       msg.TenantID,
			AgentID:        msg.AgentID,
			InterlocutorID: interlocutorID,
			Payload:        map[string]any{"channel": msg.Channel},
		})
	}
	return nil
}

func contactHintsFrom(msg *models.RawMessage) ContactHints {
	var hints ContactHints
	if v, ok := msg.Metadata["phone"].(string); ok {
		hints.Phone = v
	}
	if v, ok := msg.Metadata["email"].(string); ok {
		hints.Email = v
	}
	return hints
}

// idempotencyCache is a TTL map keyed by (tenant, idempotency_key). Evicts
// lazily on read and write.
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[idemKey]idemEntry
}

type idemKey struct {
	tenantID string
	key      string
}

type idemEntry struct {
	result    *SubmitResult
	expiresAt time.Time
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[idemKey]idemEntry)}
}

func (c *idempotencyCache) get(tenantID, key string, now time.Time) (*SubmitResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[idemKey{tenantID, key}]
	if !ok {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		delete(c.entries, idemKey{tenantID, key})
		return nil, false
	}
	return entry.result, true
}

func (c *idempotencyCache) put(tenantID, key string, result *SubmitResult, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Opportunistic sweep keeps the map bounded without a background timer.
	if len(c.entries) > 4096 {
		now := time.Now()
		for k, e := range c.entries {
			if now.After(e.expiresAt) {
				delete(c.entries, k)
			}
		}
	}
	c.entries[idemKey{tenantID, key}] = idemEntry{result: result, expiresAt: expiresAt}
}
