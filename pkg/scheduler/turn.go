package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/pipeline"
	"github.com/ruche-ai/ruche/pkg/store"
)

// sessionCommitRetries bounds the compare-and-swap loop when committing the
// session state at the end of a turn.
const sessionCommitRetries = 3

// runTurn executes the whole turn workflow: aggregate, run the pipeline,
// commit or supersede. The session mutex is the turn's own active row; it is
// released by Finish.
func (s *Scheduler) runTurn(ctx context.Context, turn *models.LogicalTurn, worker int) {
	started := s.now()
	if s.metrics != nil {
		s.metrics.RunningTurns.Inc()
		defer s.metrics.RunningTurns.Dec()
	}

	logger := s.logger.With(
		slog.String("turn_id", turn.ID),
		slog.String("session_key", string(turn.SessionKey)),
		slog.Int("worker", worker))

	snap, err := s.cfg.SnapshotFor(turn.TenantID, turn.AgentID)
	if err != nil {
		logger.Error("No configuration for turn", slog.String("error", err.Error()))
		s.failTurn(ctx, turn, "config_missing", err)
		return
	}

	s.emitTurn(ctx, turn, events.EventMutexAcquired, map[string]any{"pod_id": s.podID})

	if err := s.aggregate(ctx, turn, snap); err != nil {
		logger.Error("Aggregation failed", slog.String("error", err.Error()))
		s.failTurn(ctx, turn, "aggregation_failed", err)
		return
	}
	if len(turn.Messages) == 0 {
		// A requeue raced this claim and took the batch.
		s.failTurn(ctx, turn, "empty_batch", errors.New("no messages to process"))
		return
	}

	if err := s.turns.MarkRunning(ctx, turn); err != nil {
		logger.Error("Failed to mark turn running", slog.String("error", err.Error()))
		s.failTurn(ctx, turn, "mark_running_failed", err)
		return
	}
	turn.State = models.TurnStateRunning

	runCtx, cancelRun := context.WithTimeout(ctx, snap.ACF.Timeouts.Total())
	defer cancelRun()

	stopHeartbeat := s.startHeartbeat(runCtx, turn.ID)
	defer stopHeartbeat()
	stopMonitor := s.startSupersedeMonitor(runCtx, turn, snap, started)
	defer stopMonitor()

	result, session, runErr := s.executePipeline(runCtx, turn, snap)

	switch {
	case s.wasSuperseded(ctx, turn, runErr):
		s.finishSuperseded(ctx, turn, logger)
	case runErr != nil:
		logger.Error("Pipeline failed", slog.String("error", runErr.Error()))
		s.failTurn(ctx, turn, pipelineErrorCode(runCtx, runErr), runErr)
	default:
		s.commitTurn(ctx, turn, session, result, started, logger)
	}
}

// aggregate absorbs pending messages until the channel's quiet period elapses
// with nothing new, or a cap is hit. Window 0 closes after the first absorb.
func (s *Scheduler) aggregate(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot) error {
	agg := snap.ACF.Aggregation
	_, _, _, channel, err := turn.SessionKey.Parts()
	if err != nil {
		return err
	}
	window := time.Duration(snap.AggregationWindowMs(channel)) * time.Millisecond

	for {
		remaining := agg.MaxMessages - len(turn.Messages)
		if remaining <= 0 {
			return nil
		}
		absorbed, err := s.turns.AbsorbPending(ctx, turn.ID, turn.SessionKey, remaining)
		if err != nil {
			return err
		}
		for i := range absorbed {
			turn.Messages = append(turn.Messages, absorbed[i])
			s.emitAbsorbed(ctx, turn, &absorbed[i])
		}

		if window <= 0 || len(turn.Messages) >= agg.MaxMessages ||
			(agg.MaxBytes > 0 && turn.MessageBytes() >= agg.MaxBytes) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			// Close the window early on shutdown; the turn still runs.
			return nil
		case <-time.After(window):
		}

		pending, err := s.turns.PendingCount(ctx, turn.SessionKey, time.Time{})
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
	}
}

// emitAbsorbed records one message joining the turn. The first absorbed
// message also opens the turn for the audit trail.
func (s *Scheduler) emitAbsorbed(ctx context.Context, turn *models.LogicalTurn, msg *models.RawMessage) {
	if len(turn.Messages) == 1 {
		s.emitTurn(ctx, turn, events.EventTurnStarted, map[string]any{
			"first_message_id": msg.ID,
			"channel":          msg.Channel,
			"content_type":     string(msg.ContentType),
		})
	}
	s.emitTurn(ctx, turn, events.EventTurnMessageAbsorbed, map[string]any{
		"message_id":    msg.ID,
		"message_count": len(turn.Messages),
	})
}

func (s *Scheduler) startHeartbeat(ctx context.Context, turnID string) func() {
	interval := s.cfg.ACF.Scheduler.HeartbeatInterval
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.turns.Heartbeat(ctx, turnID); err != nil {
					s.logger.Warn("Heartbeat failed", slog.String("turn_id", turnID), slog.String("error", err.Error()))
				}
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// startSupersedeMonitor watches for messages arriving behind a running turn.
// Under CANCEL_IN_PROGRESS a new arrival requests cooperative cancellation
// unless the commit point was reached; under GROUP_ROUND_ROBIN arrivals queue
// for the next turn, though the running pipeline may still abort on its own
// through has_pending_messages.
func (s *Scheduler) startSupersedeMonitor(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot, since time.Time) func() {
	_, _, _, channel, err := turn.SessionKey.Parts()
	if err != nil {
		return func() {}
	}
	strategy := snap.StrategyFor(channel)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(s.cfg.ACF.Scheduler.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pending, err := s.turns.PendingCount(ctx, turn.SessionKey, since)
			if err != nil || pending == 0 {
				continue
			}
			s.emitTurn(ctx, turn, events.EventSupersedeRequested, map[string]any{
				"source":  "message_arrival",
				"pending": pending,
			})

			if strategy != config.StrategyCancelInProgress {
				s.recordSupersedeDecision(ctx, turn, "queued")
				return
			}

			_, accepted, err := s.turns.RequestCancel(ctx, turn.SessionKey)
			if err != nil {
				s.logger.Warn("Supersede request failed", slog.String("turn_id", turn.ID), slog.String("error", err.Error()))
				continue
			}
			if accepted {
				s.recordSupersedeDecision(ctx, turn, "allow")
			} else {
				// The commit point blocks cancellation for good.
				s.recordSupersedeDecision(ctx, turn, "deny")
			}
			return
		}
	}()
	return func() { close(done) }
}

func (s *Scheduler) recordSupersedeDecision(ctx context.Context, turn *models.LogicalTurn, decision string) {
	s.emitTurn(ctx, turn, events.EventSupersedeDecision, map[string]any{"decision": decision})
	if s.metrics != nil {
		s.metrics.SupersedeTotal.WithLabelValues(decision).Inc()
	}
}

// executePipeline prepares the turn context and runs the agent's pipeline
// under the brain timeout. The returned session is the snapshot the pipeline
// ran against, carrying any scenario bookkeeping applied before the run.
func (s *Scheduler) executePipeline(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot) (*pipeline.TurnResult, *models.SessionState, error) {
	stored, err := s.sessions.Get(ctx, turn.SessionKey)
	if err != nil {
		return nil, nil, err
	}
	session := stored.Clone()

	view, err := s.prepareScenario(ctx, turn, snap, session)
	if err != nil {
		// Scenario trouble never kills the turn; the pipeline runs without a
		// position and the session keeps its pointer for the next attempt.
		s.logger.Warn("Scenario preparation failed",
			slog.String("turn_id", turn.ID), slog.String("error", err.Error()))
		view = nil
	}

	p, err := s.pipelines.Resolve(snap.Agent.Pipeline)
	if err != nil {
		return nil, session, err
	}

	tc := &pipeline.TurnContext{
		Turn:     turn,
		Session:  session,
		Scenario: view,
		Tools:    &turnToolRunner{scheduler: s, turn: turn},
		Emit: func(e *models.Event) {
			e.LogicalTurnID = turn.ID
			e.SessionKey = turn.SessionKey
			e.TenantID = turn.TenantID
			e.AgentID = turn.AgentID
			s.router.Emit(ctx, e)
		},
		HasPendingMessages: func(ctx context.Context) bool {
			n, err := s.turns.PendingCount(ctx, turn.SessionKey, time.Time{})
			return err == nil && n > 0
		},
		CancelRequested: func(ctx context.Context) bool {
			if turn.CommitReached {
				return false
			}
			requested, err := s.turns.CancelRequested(ctx, turn.ID)
			return err == nil && requested
		},
	}

	result, runErr := s.runWithRetries(ctx, turn, snap, p, tc)
	return result, session, runErr
}

// runWithRetries invokes the pipeline under the brain timeout, retrying
// transient failures on an exponential schedule while the commit point has
// not been reached. ctx carries the turn's total timeout, which bounds the
// whole schedule.
func (s *Scheduler) runWithRetries(ctx context.Context, turn *models.LogicalTurn, snap *config.Snapshot, p pipeline.Pipeline, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.ACF.Scheduler.TurnRetryBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var result *pipeline.TurnResult
	var runErr error
	for attempt := 0; ; attempt++ {
		brainCtx, cancel := context.WithTimeout(ctx, snap.ACF.Timeouts.Brain())
		result, runErr = p.RunTurn(brainCtx, tc)
		cancel()

		if runErr == nil || errors.Is(runErr, pipeline.ErrAborted) {
			return result, runErr
		}
		if attempt >= s.cfg.ACF.Scheduler.TurnMaxRetries || turn.CommitReached ||
			!pipeline.IsRetryable(runErr) || ctx.Err() != nil {
			return result, runErr
		}

		wait := bo.NextBackOff()
		var re *pipeline.RetryableError
		if errors.As(runErr, &re) && re.RetryAfter > wait {
			wait = re.RetryAfter
		}
		s.emitTurn(ctx, turn, events.EventTurnRetried, map[string]any{
			"attempt":    attempt + 1,
			"error":      runErr.Error(),
			"backoff_ms": wait.Milliseconds(),
		})
		s.logger.Warn("Retrying turn after transient pipeline failure",
			slog.String("turn_id", turn.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", runErr.Error()))

		select {
		case <-ctx.Done():
			return result, runErr
		case <-s.stop:
			return result, runErr
		case <-time.After(wait):
		}
	}
}

// turnToolRunner adapts the toolbox executor to the pipeline's ToolRunner.
type turnToolRunner struct {
	scheduler *Scheduler
	turn      *models.LogicalTurn
}

func (r *turnToolRunner) Execute(ctx context.Context, toolID string, args map[string]any, idempotencyKey string) (map[string]any, error) {
	return r.scheduler.tools.Execute(ctx, r.turn, toolID, args, idempotencyKey)
}

// wasSuperseded reports whether the turn should finish as superseded: the
// pipeline aborted cooperatively, or a cancel flag is set and the commit
// point was never reached.
func (s *Scheduler) wasSuperseded(ctx context.Context, turn *models.LogicalTurn, runErr error) bool {
	if turn.CommitReached {
		return false
	}
	if errors.Is(runErr, pipeline.ErrAborted) {
		return true
	}
	requested, err := s.turns.CancelRequested(ctx, turn.ID)
	return err == nil && requested
}

func (s *Scheduler) finishSuperseded(ctx context.Context, turn *models.LogicalTurn, logger *slog.Logger) {
	turn.State = models.TurnStateSuperseded
	successor, err := s.turns.PendingBatchID(ctx, turn.SessionKey)
	if err != nil {
		logger.Warn("Failed to resolve successor turn", slog.String("error", err.Error()))
	}
	turn.SupersededBy = successor

	s.emitTurn(ctx, turn, events.EventSupersedeExecuted, map[string]any{
		"superseded_by": successor,
	})
	s.emitTurn(ctx, turn, events.EventTurnSuperseded, map[string]any{
		"superseded_by": successor,
		"message_count": len(turn.Messages),
	})
	s.finish(ctx, turn, logger)
	logger.Info("Turn superseded", slog.String("superseded_by", successor))
}

func (s *Scheduler) failTurn(ctx context.Context, turn *models.LogicalTurn, code string, err error) {
	turn.State = models.TurnStateFailed
	turn.ErrorCode = code
	turn.ErrorMessage = err.Error()

	var ve *pipeline.ViolationError
	if errors.As(err, &ve) {
		s.emitTurn(ctx, turn, events.EventEnforcementViolation, map[string]any{
			"policy": ve.Policy,
			"error":  ve.Error(),
		})
	}
	s.emitTurn(ctx, turn, events.EventTurnFailed, map[string]any{
		"error_code": code,
		"error":      err.Error(),
	})
	s.finish(ctx, turn, s.logger)
}

// commitTurn persists the session state by compare-and-swap and moves the
// turn to committed. The audit flush happens before the terminal transition
// so the turn's events are durable by the time it reads committed.
func (s *Scheduler) commitTurn(ctx context.Context, turn *models.LogicalTurn, session *models.SessionState, result *pipeline.TurnResult, started time.Time, logger *slog.Logger) {
	next := session
	if result != nil && result.State != nil {
		next = result.State
	}
	next.LastTurnAt = s.now().UTC()
	next.TurnCount++
	next.Status = models.SessionStatusActive

	if err := s.commitSession(ctx, next); err != nil {
		logger.Error("Failed to commit session state", slog.String("error", err.Error()))
		s.failTurn(ctx, turn, "session_commit_failed", err)
		return
	}

	turn.State = models.TurnStateCommitted
	payload := map[string]any{
		"message_count": len(turn.Messages),
		"duration_ms":   s.now().Sub(started).Milliseconds(),
	}
	if result != nil && len(result.Segments) > 0 {
		payload["segments"] = result.Segments
	}
	s.emitTurn(ctx, turn, events.EventTurnCompleted, payload)

	if result != nil && len(result.Segments) > 0 {
		if err := s.deliver.Deliver(ctx, next, turn, result.Segments); err != nil {
			// The turn stays committed; the adapter owns its own retries.
			logger.Warn("Channel delivery failed", slog.String("error", err.Error()))
		}
	}
	s.finish(ctx, turn, logger)

	if s.metrics != nil {
		s.metrics.TurnDuration.Observe(s.now().Sub(started).Seconds())
		s.metrics.TurnMessages.Observe(float64(len(turn.Messages)))
	}
	logger.Info("Turn committed",
		slog.Int("messages", len(turn.Messages)),
		slog.Int64("duration_ms", s.now().Sub(started).Milliseconds()))
}

// commitSession retries the compare-and-swap a few times, rebasing this
// turn's mutations onto the freshly loaded state on conflict. Only the
// scheduler writes the fields rebased here, so the merge is field-wise.
func (s *Scheduler) commitSession(ctx context.Context, next *models.SessionState) error {
	var err error
	for attempt := 0; attempt < sessionCommitRetries; attempt++ {
		err = s.sessions.CompareAndSwap(ctx, next, next.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		stored, getErr := s.sessions.Get(ctx, next.Key)
		if getErr != nil {
			return getErr
		}
		next.Version = stored.Version
	}
	return err
}

// finish flushes the turn's buffered events and releases the session mutex
// by moving the turn to its terminal state.
func (s *Scheduler) finish(ctx context.Context, turn *models.LogicalTurn, logger *slog.Logger) {
	if err := s.router.FlushTurn(ctx, turn.ID); err != nil {
		logger.Error("Failed to flush turn events", slog.String("turn_id", turn.ID), slog.String("error", err.Error()))
	}
	if err := s.turns.Finish(ctx, turn); err != nil {
		logger.Error("Failed to finish turn", slog.String("turn_id", turn.ID), slog.String("error", err.Error()))
		return
	}
	// The turn is already flushed; this event goes straight to the audit log.
	s.router.Emit(ctx, &models.Event{
		Type:       events.EventMutexReleased,
		SessionKey: turn.SessionKey,
		TenantID:   turn.TenantID,
		AgentID:    turn.AgentID,
		Payload:    map[string]any{"turn_id": turn.ID, "state": string(turn.State)},
	})
	if s.metrics != nil {
		s.metrics.TurnsFinished.WithLabelValues(string(turn.State)).Inc()
	}
}

func (s *Scheduler) emitTurn(ctx context.Context, turn *models.LogicalTurn, eventType string, payload map[string]any) {
	s.router.Emit(ctx, &models.Event{
		Type:          eventType,
		LogicalTurnID: turn.ID,
		SessionKey:    turn.SessionKey,
		TenantID:      turn.TenantID,
		AgentID:       turn.AgentID,
		Payload:       payload,
	})
}

func pipelineErrorCode(ctx context.Context, err error) string {
	var ve *pipeline.ViolationError
	switch {
	case errors.As(err, &ve):
		return "policy_violation"
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case pipeline.IsRetryable(err):
		return "provider_error"
	}
	return "pipeline_error"
}
