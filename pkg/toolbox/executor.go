package toolbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/metrics"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/store"
)

// dedupTTL bounds how long an irreversible result stays replayable. Long
// enough to cover any turn retry schedule.
const dedupTTL = 24 * time.Hour

// Executor runs tools on behalf of a turn.
type Executor struct {
	registry *Registry
	turns    store.TurnStore
	router   *events.Router
	metrics  *metrics.Metrics

	mu    sync.Mutex
	dedup map[dedupKey]dedupEntry
}

type dedupKey struct {
	toolID string
	idem   string
}

type dedupEntry struct {
	result   map[string]any
	storedAt time.Time
}

// NewExecutor creates an Executor.
func NewExecutor(registry *Registry, turns store.TurnStore, router *events.Router, m *metrics.Metrics) *Executor {
	return &Executor{
		registry: registry,
		turns:    turns,
		router:   router,
		metrics:  m,
		dedup:    make(map[dedupKey]dedupEntry),
	}
}

// Execute runs one tool for the given turn. Irreversible tools require an
// idempotency key: a repeated key returns the recorded result without
// re-executing, and a first success sets the turn's commit point, after
// which the turn can no longer be superseded.
func (e *Executor) Execute(ctx context.Context, turn *models.LogicalTurn, toolID string, args map[string]any, idempotencyKey string) (map[string]any, error) {
	tool, err := e.registry.Get(toolID)
	if err != nil {
		e.emitFailed(ctx, turn, toolID, err)
		return nil, err
	}

	e.router.Emit(ctx, &models.Event{
		Type:          events.EventToolAuthorized,
		LogicalTurnID: turn.ID,
		SessionKey:    turn.SessionKey,
		TenantID:      turn.TenantID,
		AgentID:       turn.AgentID,
		Payload: map[string]any{
			"tool_id":            toolID,
			"side_effect_policy": string(tool.SideEffectPolicy),
		},
	})

	irreversible := tool.SideEffectPolicy == models.SideEffectIrreversible
	if irreversible && idempotencyKey != "" {
		if cached, ok := e.lookupDedup(toolID, idempotencyKey); ok {
			e.router.Emit(ctx, &models.Event{
				Type:          events.EventToolExecuted,
				LogicalTurnID: turn.ID,
				SessionKey:    turn.SessionKey,
				TenantID:      turn.TenantID,
				AgentID:       turn.AgentID,
				Payload: map[string]any{
					"tool_id": toolID,
					"deduped": true,
				},
			})
			// The effect already happened; the replayed turn still carries
			// the commit point.
			e.markCommit(ctx, turn, toolID)
			return cached, nil
		}
	}

	execCtx := ctx
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	result, execErr := tool.Handler(execCtx, args)
	if execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		execErr = ErrToolTimeout
	}

	attempt := models.AttemptedTool{
		ToolID:           toolID,
		SideEffectPolicy: tool.SideEffectPolicy,
		IdempotencyKey:   idempotencyKey,
	}
	if execErr != nil {
		attempt.Status = models.ToolStatusFailed
	} else {
		attempt.Status = models.ToolStatusSucceeded
	}
	turn.AttemptedTools = append(turn.AttemptedTools, attempt)
	if err := e.turns.AppendAttemptedTool(ctx, turn.ID, attempt); err != nil {
		slog.Warn("Failed to record tool attempt", "turn_id", turn.ID, "tool_id", toolID, "error", err)
	}

	if execErr != nil {
		e.emitFailed(ctx, turn, toolID, execErr)
		return nil, execErr
	}

	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(toolID, string(models.ToolStatusSucceeded)).Inc()
	}
	e.router.Emit(ctx, &models.Event{
		Type:          events.EventToolExecuted,
		LogicalTurnID: turn.ID,
		SessionKey:    turn.SessionKey,
		TenantID:      turn.TenantID,
		AgentID:       turn.AgentID,
		Payload:       map[string]any{"tool_id": toolID},
	})

	if irreversible {
		if idempotencyKey != "" {
			e.storeDedup(toolID, idempotencyKey, result)
		}
		e.markCommit(ctx, turn, toolID)
	}
	return result, nil
}

// markCommit records the commit point durably and on the in-memory turn.
func (e *Executor) markCommit(ctx context.Context, turn *models.LogicalTurn, toolID string) {
	if turn.CommitReached {
		return
	}
	turn.CommitReached = true
	if err := e.turns.SetCommitReached(ctx, turn.ID); err != nil {
		slog.Error("Failed to persist commit point", "turn_id", turn.ID, "error", err)
	}
	e.router.Emit(ctx, &models.Event{
		Type:          events.EventCommitReached,
		LogicalTurnID: turn.ID,
		SessionKey:    turn.SessionKey,
		TenantID:      turn.TenantID,
		AgentID:       turn.AgentID,
		Payload:       map[string]any{"tool_id": toolID},
	})
}

func (e *Executor) emitFailed(ctx context.Context, turn *models.LogicalTurn, toolID string, err error) {
	if e.metrics != nil {
		e.metrics.ToolExecutions.WithLabelValues(toolID, string(models.ToolStatusFailed)).Inc()
	}
	e.router.Emit(ctx, &models.Event{
		Type:          events.EventToolFailed,
		LogicalTurnID: turn.ID,
		SessionKey:    turn.SessionKey,
		TenantID:      turn.TenantID,
		AgentID:       turn.AgentID,
		Payload: map[string]any{
			"tool_id": toolID,
			"error":   err.Error(),
		},
	})
}

func (e *Executor) lookupDedup(toolID, idem string) (map[string]any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.dedup[dedupKey{toolID, idem}]
	if !ok || time.Since(entry.storedAt) > dedupTTL {
		return nil, false
	}
	return entry.result, true
}

func (e *Executor) storeDedup(toolID, idem string, result map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.dedup) > 8192 {
		for k, v := range e.dedup {
			if time.Since(v.storedAt) > dedupTTL {
				delete(e.dedup, k)
			}
		}
	}
	e.dedup[dedupKey{toolID, idem}] = dedupEntry{result: result, storedAt: time.Now()}
}
