package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
	"github.com/ruche-ai/ruche/pkg/store/inmem"
)

// captureSink records dispatched events; safe for use from the fan-out loop.
type captureSink struct {
	mu    sync.Mutex
	types []string
}

func (c *captureSink) Dispatch(_ context.Context, e *models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, e.Type)
}

func (c *captureSink) seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.types...)
}

// flakyAudit wraps the in-memory audit store and fails Append on demand.
type flakyAudit struct {
	inner *inmem.AuditStore
	fail  bool
}

func (f *flakyAudit) Append(ctx context.Context, events []*models.Event) error {
	if f.fail {
		return errors.New("audit unavailable")
	}
	return f.inner.Append(ctx, events)
}

func (f *flakyAudit) List(ctx context.Context, filter store.AuditFilter) ([]*models.Event, error) {
	return f.inner.List(ctx, filter)
}

func turnEvent(eventType, turnID string) *models.Event {
	return &models.Event{
		Type:          eventType,
		LogicalTurnID: turnID,
		SessionKey:    "sess:acme:bot:user:web",
		TenantID:      "acme",
	}
}

func TestRouter_BuffersTurnEventsUntilFlush(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit})
	ctx := context.Background()

	r.Emit(ctx, turnEvent("turn.started", "t1"))
	r.Emit(ctx, turnEvent("turn.message_absorbed", "t1"))
	r.Emit(ctx, turnEvent("turn.completed", "t1"))

	// Nothing is durable before the flush.
	stored, err := audit.List(ctx, store.AuditFilter{LogicalTurnID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, stored)

	require.NoError(t, r.FlushTurn(ctx, "t1"))

	stored, err = audit.List(ctx, store.AuditFilter{LogicalTurnID: "t1"})
	require.NoError(t, err)
	require.Len(t, stored, 3)
	assert.Equal(t, "turn.started", stored[0].Type)
	assert.Equal(t, "turn.message_absorbed", stored[1].Type)
	assert.Equal(t, "turn.completed", stored[2].Type)

	// A second flush must not duplicate.
	require.NoError(t, r.FlushTurn(ctx, "t1"))
	stored, err = audit.List(ctx, store.AuditFilter{LogicalTurnID: "t1"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)
}

func TestRouter_FlushRetainsBufferOnAuditError(t *testing.T) {
	audit := &flakyAudit{inner: inmem.NewAuditStore(), fail: true}
	r := NewRouter(RouterOptions{Audit: audit})
	ctx := context.Background()

	r.Emit(ctx, turnEvent("turn.started", "t1"))
	r.Emit(ctx, turnEvent("turn.completed", "t1"))

	require.Error(t, r.FlushTurn(ctx, "t1"))

	// Once the store recovers, the retained buffer flushes intact.
	audit.fail = false
	require.NoError(t, r.FlushTurn(ctx, "t1"))

	stored, err := audit.List(ctx, store.AuditFilter{LogicalTurnID: "t1"})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "turn.started", stored[0].Type)
	assert.Equal(t, "turn.completed", stored[1].Type)
}

func TestRouter_DiscardTurnDropsBuffer(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit})
	ctx := context.Background()

	r.Emit(ctx, turnEvent("turn.started", "t1"))
	r.DiscardTurn("t1")

	require.NoError(t, r.FlushTurn(ctx, "t1"))
	stored, err := audit.List(ctx, store.AuditFilter{LogicalTurnID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRouter_TurnlessEventsAppendDirectly(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit})
	ctx := context.Background()

	e := &models.Event{Type: "session.started", SessionKey: "sess:acme:bot:user:web", TenantID: "acme"}
	r.Emit(ctx, e)

	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	stored, err := audit.List(ctx, store.AuditFilter{EventType: "session.started"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, e.ID, stored[0].ID)
}

func TestRouter_DropsMalformedTypes(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit})
	ctx := context.Background()

	r.Emit(ctx, &models.Event{Type: "garbage", TenantID: "acme"})
	r.Emit(ctx, &models.Event{Type: "billing.charged", TenantID: "acme"})

	stored, err := audit.List(ctx, store.AuditFilter{})
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestRouter_TenantRateCap(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit, TenantRatePerSec: 2})
	ctx := context.Background()

	// Freeze the clock so every emit lands in one window.
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	for i := 0; i < 4; i++ {
		r.Emit(ctx, &models.Event{Type: "session.message_received", TenantID: "acme"})
	}
	stored, err := audit.List(ctx, store.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	// Enforcement events bypass the cap.
	r.Emit(ctx, &models.Event{Type: "enforcement.rate_limited", TenantID: "acme"})
	stored, err = audit.List(ctx, store.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	// Other tenants have their own window.
	r.Emit(ctx, &models.Event{Type: "session.message_received", TenantID: "globex"})
	stored, err = audit.List(ctx, store.AuditFilter{TenantID: "globex"})
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	// The window resets after a second.
	r.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	r.Emit(ctx, &models.Event{Type: "session.message_received", TenantID: "acme"})
	stored, err = audit.List(ctx, store.AuditFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestRouter_TruncatesOversizedPayloads(t *testing.T) {
	audit := inmem.NewAuditStore()
	r := NewRouter(RouterOptions{Audit: audit, MaxPayloadBytes: 32})
	ctx := context.Background()

	big := &models.Event{
		Type:     "session.message_received",
		TenantID: "acme",
		Payload: map[string]any{
			"text": "a very long body that certainly exceeds the payload cap",
		},
	}
	r.Emit(ctx, big)

	require.NotNil(t, big.Payload)
	assert.Equal(t, true, big.Payload["payload_truncated"])
	original, ok := big.Payload["original_bytes"].(int)
	require.True(t, ok)
	assert.Greater(t, original, 32)

	small := &models.Event{
		Type:     "session.message_received",
		TenantID: "acme",
		Payload:  map[string]any{"k": "v"},
	}
	r.Emit(ctx, small)
	assert.Equal(t, "v", small.Payload["k"])
}

func TestRouter_FanoutReachesWebhookSink(t *testing.T) {
	audit := inmem.NewAuditStore()
	sink := &captureSink{}
	r := NewRouter(RouterOptions{Audit: audit, Webhooks: sink})

	ctx := context.Background()
	r.Start(ctx)

	r.Emit(ctx, &models.Event{Type: "session.started", TenantID: "acme"})
	r.Emit(ctx, turnEvent("turn.completed", "t1"))
	r.Stop()

	assert.ElementsMatch(t, []string{"session.started", "turn.completed"}, sink.seen())
}
