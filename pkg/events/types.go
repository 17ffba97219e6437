// Package events fans fabric events out to their four consumers: the durable
// audit log, live WebSocket streams (distributed across pods via PostgreSQL
// NOTIFY/LISTEN), Prometheus metrics, and the webhook dispatcher.
//
// Every event type follows the "{category}.{name}" grammar; models.Event is
// the single record shape shared by all sinks.
package events

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/ruche-ai/ruche/pkg/models"
)

// Turn lifecycle event types.
const (
	EventTurnStarted         = "turn.started"
	EventTurnMessageAbsorbed = "turn.message_absorbed"
	EventTurnCompleted       = "turn.completed"
	EventTurnFailed          = "turn.failed"
	EventTurnSuperseded      = "turn.superseded"
	EventTurnRetried         = "turn.retried"
	EventTurnOrphaned        = "turn.orphaned"
)

// Tool and commit event types.
const (
	EventToolAuthorized = "tool.authorized"
	EventToolExecuted   = "tool.executed"
	EventToolFailed     = "tool.failed"
	EventCommitReached  = "commit.reached"
)

// Supersede event types.
const (
	EventSupersedeRequested = "supersede.requested"
	EventSupersedeDecision  = "supersede.decision"
	EventSupersedeExecuted  = "supersede.executed"
)

// Enforcement event types.
const (
	EventEnforcementViolation   = "enforcement.violation"
	EventEnforcementRateLimited = "enforcement.rate_limited"
	EventEnforcementOversized   = "enforcement.oversized"
	EventEnforcementWebhookOff  = "enforcement.webhook_disabled"
)

// Session and mutex event types.
const (
	EventSessionStarted         = "session.started"
	EventSessionMessageReceived = "session.message_received"
	EventSessionIdle            = "session.idle"
	EventSessionClosed          = "session.closed"
	EventSessionRelocalized     = "session.relocalized"
	EventSessionStepEntered     = "session.step_entered"
	EventMutexAcquired          = "mutex.acquired"
	EventMutexReleased          = "mutex.released"
)

// GlobalChannel is the NOTIFY channel carrying cross-session events for the
// dashboard's fleet view.
const GlobalChannel = "fabric"

// SessionChannel returns the NOTIFY channel for one session's live stream.
// The key is hashed because PostgreSQL truncates channel identifiers at 63
// bytes and session keys routinely exceed that.
func SessionChannel(key models.SessionKey) string {
	sum := sha256.Sum256([]byte(key))
	return "session_" + hex.EncodeToString(sum[:16])
}

// ClientMessage is the JSON structure for client-to-server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "fabric" or "session_<hash>"
	LastEventID *int   `json:"last_event_id,omitempty"` // for catchup
}
