// Package store defines the persistence interfaces of the fabric. Production
// uses the postgres implementations; unit tests use the inmem variants.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ruche-ai/ruche/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrVersionConflict is returned when a compare-and-swap loses.
	ErrVersionConflict = errors.New("version conflict")

	// ErrSlotBusy is returned when a turn claim hits an already active turn
	// for the same session key.
	ErrSlotBusy = errors.New("session slot busy")

	// ErrIdentityConflict is returned when a channel identity already
	// belongs to a different interlocutor.
	ErrIdentityConflict = errors.New("identity conflict")

	// ErrNoWork is returned by claim calls when nothing is due.
	ErrNoWork = errors.New("no work available")
)

// SessionStore persists SessionState keyed by session key. All mutations go
// through CompareAndSwap; there is no unconditional update.
type SessionStore interface {
	// Get returns the session state, or ErrNotFound.
	Get(ctx context.Context, key models.SessionKey) (*models.SessionState, error)

	// CreateIfAbsent inserts the state with version 1 unless the key already
	// exists, in which case the existing state is returned with created=false.
	CreateIfAbsent(ctx context.Context, state *models.SessionState) (*models.SessionState, bool, error)

	// CompareAndSwap persists state if the stored version equals
	// expectedVersion, bumping state.Version to expectedVersion+1.
	// Returns ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, state *models.SessionState, expectedVersion int64) error

	// ListIdle returns sessions in the given status whose last turn is older
	// than the cutoff.
	ListIdle(ctx context.Context, status models.SessionStatus, olderThan time.Time, limit int) ([]*models.SessionState, error)
}

// TurnStore persists inbound messages and logical turns, and implements the
// orchestrator claim discipline: at most one active turn per session key.
type TurnStore interface {
	// EnqueueMessage records a pending inbound message and returns the
	// logical turn id it will be absorbed into: the currently accumulating
	// turn if one exists, else the provisional id shared by the session's
	// pending batch.
	EnqueueMessage(ctx context.Context, key models.SessionKey, msg *models.RawMessage) (string, error)

	// PendingCount returns the number of pending messages for a session key
	// received after the given time (zero time counts all).
	PendingCount(ctx context.Context, key models.SessionKey, after time.Time) (int, error)

	// PendingBatchID returns the provisional turn id of the session's
	// unclaimed pending batch, or "" when there is none. A superseded turn
	// records it as its successor.
	PendingBatchID(ctx context.Context, key models.SessionKey) (string, error)

	// ClaimNext claims the next session key with pending work and no active
	// turn, creating the turn row in state accumulating. Returns ErrNoWork
	// when nothing is due.
	ClaimNext(ctx context.Context, podID string) (*models.LogicalTurn, error)

	// AbsorbPending moves pending messages (in arrival order, up to limit)
	// into the turn and returns them.
	AbsorbPending(ctx context.Context, turnID string, key models.SessionKey, limit int) ([]models.RawMessage, error)

	// MarkRunning freezes the turn's message set and transitions it to
	// running.
	MarkRunning(ctx context.Context, turn *models.LogicalTurn) error

	// Heartbeat refreshes the turn's liveness timestamp.
	Heartbeat(ctx context.Context, turnID string) error

	// SetCommitReached records that an irreversible tool succeeded.
	SetCommitReached(ctx context.Context, turnID string) error

	// AppendAttemptedTool appends a tool attempt record.
	AppendAttemptedTool(ctx context.Context, turnID string, attempt models.AttemptedTool) error

	// RequestCancel flags the active turn of the session for cooperative
	// cancellation iff its commit point has not been reached. Returns the
	// turn id and whether the request was accepted.
	RequestCancel(ctx context.Context, key models.SessionKey) (string, bool, error)

	// CancelRequested reports whether the turn was flagged for cancellation.
	CancelRequested(ctx context.Context, turnID string) (bool, error)

	// Finish transitions the turn to a terminal state. A superseded turn's
	// absorbed messages are released back to pending under the successor
	// batch id, so the next turn aggregates both sets.
	Finish(ctx context.Context, turn *models.LogicalTurn) error

	// Get returns a turn by id, or ErrNotFound.
	Get(ctx context.Context, turnID string) (*models.LogicalTurn, error)

	// RunningCount returns the number of turns currently running across all
	// pods.
	RunningCount(ctx context.Context) (int, error)

	// RequeueOrphans fails turns whose heartbeat is older than the cutoff
	// and releases their messages back to pending. Returns the turn ids.
	RequeueOrphans(ctx context.Context, cutoff time.Time) ([]string, error)

	// ReleasePodTurns requeues active turns owned by the given pod. Called
	// once at startup to recover from an unclean shutdown.
	ReleasePodTurns(ctx context.Context, podID string) ([]string, error)
}

// AuditFilter narrows audit queries.
type AuditFilter struct {
	TenantID      string
	SessionKey    models.SessionKey
	LogicalTurnID string
	EventType     string
	Since         time.Time
	Until         time.Time
	Limit         int
}

// AuditStore is the append-only durable event log.
type AuditStore interface {
	// Append persists events in the given order. The call is atomic: either
	// every event is durable or none is.
	Append(ctx context.Context, events []*models.Event) error

	// List returns events matching the filter in append order.
	List(ctx context.Context, filter AuditFilter) ([]*models.Event, error)
}

// IdentityStore persists interlocutors and their channel identities.
type IdentityStore interface {
	// ResolveOrCreate maps a channel identity to its interlocutor, creating
	// one when absent. Atomic insert-or-select; concurrent insert conflicts
	// are resolved by re-select.
	ResolveOrCreate(ctx context.Context, tenantID, agentID, channel, channelUserID string) (*models.Interlocutor, bool, error)

	// Link attaches a channel identity to an existing interlocutor.
	// Idempotent; returns ErrIdentityConflict when the identity belongs to a
	// different interlocutor.
	Link(ctx context.Context, interlocutorID, channel, channelUserID string) error

	// Unlink detaches a channel identity. When createNew is true the
	// identity is re-homed onto a fresh interlocutor whose id is returned.
	Unlink(ctx context.Context, interlocutorID, channel, channelUserID string, createNew bool) (string, error)

	// FindByContact returns an interlocutor with the given normalized phone
	// or email, for cross-channel auto-linking. ErrNotFound when absent.
	FindByContact(ctx context.Context, tenantID, agentID, phone, email string) (*models.Interlocutor, error)

	// Get returns an interlocutor with its identities.
	Get(ctx context.Context, interlocutorID string) (*models.Interlocutor, error)

	// SetContact records normalized contact handles for auto-linking.
	SetContact(ctx context.Context, interlocutorID, phone, email string) error
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *models.WebhookSubscription) error
	Get(ctx context.Context, id string) (*models.WebhookSubscription, error)
	ListActive(ctx context.Context, tenantID string) ([]*models.WebhookSubscription, error)
	UpdateStatus(ctx context.Context, id string, status models.SubscriptionStatus) error

	// RecordSuccess resets consecutive_failures and stamps last_success_at.
	RecordSuccess(ctx context.Context, id string, at time.Time) error

	// RecordFailure increments consecutive_failures, stamps last_failure_at,
	// and returns the new failure count.
	RecordFailure(ctx context.Context, id string, at time.Time) (int, error)
}

// DeliveryStore persists webhook deliveries and their retry schedule.
type DeliveryStore interface {
	Create(ctx context.Context, d *models.WebhookDelivery) error
	Get(ctx context.Context, id string) (*models.WebhookDelivery, error)

	// ClaimDue claims up to limit deliveries whose next_retry_at is due,
	// marking them in_flight. Concurrent pools never claim the same row.
	ClaimDue(ctx context.Context, podID string, now time.Time, limit int) ([]*models.WebhookDelivery, error)

	// MarkDelivered records a successful delivery.
	MarkDelivered(ctx context.Context, id string, statusCode, responseTimeMs int) error

	// ScheduleRetry records a retryable failure and the next attempt time.
	ScheduleRetry(ctx context.Context, id string, nextRetryAt time.Time, lastError string, statusCode, responseTimeMs int) error

	// MarkFailed records a non-retryable failure.
	MarkFailed(ctx context.Context, id string, lastError string, statusCode, responseTimeMs int) error

	// MarkExhausted records retry exhaustion.
	MarkExhausted(ctx context.Context, id string, lastError string) error
}
