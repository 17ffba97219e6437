package toolbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
	"github.com/ruche-ai/ruche/pkg/store/inmem"
)

type executorFixture struct {
	registry *Registry
	turns    *inmem.TurnStore
	audit    *inmem.AuditStore
	router   *events.Router
	executor *Executor
}

func newExecutorFixture(t *testing.T) *executorFixture {
	t.Helper()
	f := &executorFixture{
		registry: NewRegistry(),
		turns:    inmem.NewTurnStore(),
		audit:    inmem.NewAuditStore(),
	}
	f.router = events.NewRouter(events.RouterOptions{Audit: f.audit})
	f.executor = NewExecutor(f.registry, f.turns, f.router, nil)
	return f
}

// claimTurn enqueues one message and claims it so the turn row exists.
func (f *executorFixture) claimTurn(t *testing.T) *models.LogicalTurn {
	t.Helper()
	ctx := context.Background()
	key := models.NewSessionKey("acme", "support-bot", "user-1", "web")
	_, err := f.turns.EnqueueMessage(ctx, key, &models.RawMessage{
		TenantID:    "acme",
		AgentID:     "support-bot",
		ContentType: models.ContentTypeText,
		Text:        "charge my card",
		ReceivedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
	turn, err := f.turns.ClaimNext(ctx, "pod-1")
	require.NoError(t, err)
	return turn
}

// flushedTypes flushes the turn's event buffer and returns the audited types.
func (f *executorFixture) flushedTypes(t *testing.T, turnID string) []string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.router.FlushTurn(ctx, turnID))
	stored, err := f.audit.List(ctx, store.AuditFilter{LogicalTurnID: turnID})
	require.NoError(t, err)
	types := make([]string, len(stored))
	for i, e := range stored {
		types[i] = e.Type
	}
	return types
}

func TestExecutor_RunsToolAndRecordsAttempt(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "lookup_order",
		SideEffectPolicy: models.SideEffectNone,
		Handler: func(_ context.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"order_id": args["order_id"], "status": "shipped"}, nil
		},
	}))
	turn := f.claimTurn(t)

	result, err := f.executor.Execute(context.Background(), turn, "lookup_order",
		map[string]any{"order_id": "ord-42"}, "")
	require.NoError(t, err)
	assert.Equal(t, "shipped", result["status"])

	require.Len(t, turn.AttemptedTools, 1)
	assert.Equal(t, "lookup_order", turn.AttemptedTools[0].ToolID)
	assert.Equal(t, models.ToolStatusSucceeded, turn.AttemptedTools[0].Status)
	assert.False(t, turn.CommitReached)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	require.Len(t, stored.AttemptedTools, 1)
	assert.False(t, stored.CommitReached)

	types := f.flushedTypes(t, turn.ID)
	assert.Contains(t, types, events.EventToolAuthorized)
	assert.Contains(t, types, events.EventToolExecuted)
	assert.NotContains(t, types, events.EventCommitReached)
}

func TestExecutor_UnknownTool(t *testing.T) {
	f := newExecutorFixture(t)
	turn := f.claimTurn(t)

	_, err := f.executor.Execute(context.Background(), turn, "no_such_tool", nil, "")
	require.ErrorIs(t, err, ErrToolNotFound)
	assert.Empty(t, turn.AttemptedTools)

	types := f.flushedTypes(t, turn.ID)
	assert.Contains(t, types, events.EventToolFailed)
	assert.NotContains(t, types, events.EventToolAuthorized)
}

func TestExecutor_HandlerFailureRecordsAttempt(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "refund",
		SideEffectPolicy: models.SideEffectIrreversible,
		Handler: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, errors.New("gateway rejected the refund")
		},
	}))
	turn := f.claimTurn(t)

	_, err := f.executor.Execute(context.Background(), turn, "refund", nil, "idem-1")
	require.Error(t, err)

	require.Len(t, turn.AttemptedTools, 1)
	assert.Equal(t, models.ToolStatusFailed, turn.AttemptedTools[0].Status)
	// A failed irreversible attempt must not set the commit point.
	assert.False(t, turn.CommitReached)

	types := f.flushedTypes(t, turn.ID)
	assert.Contains(t, types, events.EventToolFailed)
	assert.NotContains(t, types, events.EventCommitReached)
}

func TestExecutor_IrreversibleSuccessSetsCommitPoint(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "charge_card",
		SideEffectPolicy: models.SideEffectIrreversible,
		Handler: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"charge_id": "ch-1"}, nil
		},
	}))
	turn := f.claimTurn(t)

	_, err := f.executor.Execute(context.Background(), turn, "charge_card", nil, "idem-1")
	require.NoError(t, err)
	assert.True(t, turn.CommitReached)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.True(t, stored.CommitReached)

	// Past the commit point, a cancel request must be refused.
	turnID, accepted, err := f.turns.RequestCancel(context.Background(), turn.SessionKey)
	require.NoError(t, err)
	assert.Equal(t, turn.ID, turnID)
	assert.False(t, accepted)

	types := f.flushedTypes(t, turn.ID)
	assert.Contains(t, types, events.EventCommitReached)
}

func TestExecutor_IrreversibleDedupReplay(t *testing.T) {
	f := newExecutorFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "charge_card",
		SideEffectPolicy: models.SideEffectIrreversible,
		Handler: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			calls.Add(1)
			return map[string]any{"charge_id": "ch-1"}, nil
		},
	}))
	turn := f.claimTurn(t)
	ctx := context.Background()

	first, err := f.executor.Execute(ctx, turn, "charge_card", nil, "idem-1")
	require.NoError(t, err)

	// A replayed attempt with the same key returns the recorded result
	// without touching the handler again.
	replayed, err := f.executor.Execute(ctx, turn, "charge_card", nil, "idem-1")
	require.NoError(t, err)
	assert.Equal(t, first, replayed)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, turn.CommitReached)

	// A different key is a distinct effect.
	_, err = f.executor.Execute(ctx, turn, "charge_card", nil, "idem-2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecutor_DedupRestoresCommitPointOnReplay(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "charge_card",
		SideEffectPolicy: models.SideEffectIrreversible,
		Handler: func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"charge_id": "ch-1"}, nil
		},
	}))
	turn := f.claimTurn(t)
	ctx := context.Background()

	_, err := f.executor.Execute(ctx, turn, "charge_card", nil, "idem-1")
	require.NoError(t, err)

	// A retried turn re-runs the pipeline with a fresh in-memory view that
	// has not seen the commit yet. The cached result must re-mark it.
	replay := *turn
	replay.CommitReached = false
	replay.AttemptedTools = nil
	_, err = f.executor.Execute(ctx, &replay, "charge_card", nil, "idem-1")
	require.NoError(t, err)
	assert.True(t, replay.CommitReached)
}

func TestExecutor_Timeout(t *testing.T) {
	f := newExecutorFixture(t)
	require.NoError(t, f.registry.Register(&Tool{
		ID:               "slow_lookup",
		SideEffectPolicy: models.SideEffectNone,
		Timeout:          20 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	turn := f.claimTurn(t)

	_, err := f.executor.Execute(context.Background(), turn, "slow_lookup", nil, "")
	require.ErrorIs(t, err, ErrToolTimeout)

	require.Len(t, turn.AttemptedTools, 1)
	assert.Equal(t, models.ToolStatusFailed, turn.AttemptedTools[0].Status)
}
